package github

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/go-github/v66/github"
	"golang.org/x/oauth2"
	oauthgithub "golang.org/x/oauth2/github"
)

// OAuthScopes are requested when a user signs in: user for the login, repo
// for collaborator and webhook management
var OAuthScopes = []string{"user", "repo"}

// OAuthConfig returns the oauth2 configuration for signing users in with GitHub
func OAuthConfig(clientID, clientSecret, redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     oauthgithub.Endpoint,
		RedirectURL:  redirectURL,
		Scopes:       OAuthScopes,
	}
}

// TokenInfo contains information about the authenticated token
type TokenInfo struct {
	User   string   `json:"user"`
	Scopes []string `json:"scopes"`
}

// VerifyBotToken checks that the bot credential belongs to the configured bot
// account and carries the repo scope needed to accept invitations
func (c *Client) VerifyBotToken(ctx context.Context) (*TokenInfo, error) {
	user, resp, err := call(ctx, c, "bot token", func(ctx context.Context) (*github.User, *github.Response, error) {
		return c.bot.Users.Get(ctx, "")
	})
	if err != nil {
		return nil, err
	}

	info := &TokenInfo{User: user.GetLogin(), Scopes: []string{}}
	if resp != nil {
		if scopeHeader := resp.Header.Get("X-OAuth-Scopes"); scopeHeader != "" {
			info.Scopes = strings.Split(strings.ReplaceAll(scopeHeader, " ", ""), ",")
		}
	}

	if !strings.EqualFold(info.User, c.botName) {
		return info, fmt.Errorf("bot token belongs to %q, expected %q", info.User, c.botName)
	}
	if err := validateScopes(info.Scopes); err != nil {
		return info, err
	}
	return info, nil
}

// validateScopes checks if the token has required permissions. Fine-grained
// tokens report no scopes and are accepted.
func validateScopes(scopes []string) error {
	if len(scopes) == 0 {
		return nil
	}

	for _, scope := range scopes {
		if scope == "repo" {
			return nil
		}
	}
	return fmt.Errorf("GitHub token missing required scope: repo (has %s)", strings.Join(scopes, ", "))
}
