package github

import (
	"fmt"
	"strings"
)

// OwnerType distinguishes personal accounts from organizations
type OwnerType string

const (
	OwnerTypeUser         OwnerType = "User"
	OwnerTypeOrganization OwnerType = "Organization"
)

// Webhook event names registered by the bot
const (
	EventIssueComment = "issue_comment"
	EventPullRequest  = "pull_request"
	EventTeamAdd      = "team_add"
	EventStatus       = "status"
)

// Repository describes a repository visible to the acting user
type Repository struct {
	ID          int64       `json:"id"`
	Owner       string      `json:"owner"`
	OwnerType   OwnerType   `json:"owner_type"`
	Name        string      `json:"name"`
	FullName    string      `json:"full_name"`
	Permissions Permissions `json:"permissions"`
}

// Permissions are the acting user's rights on a repository
type Permissions struct {
	Admin bool `json:"admin"`
	Push  bool `json:"push"`
	Pull  bool `json:"pull"`
}

// IsOrganization reports whether the repository is owned by an organization
func (r Repository) IsOrganization() bool {
	return r.OwnerType == OwnerTypeOrganization
}

// Webhook represents a repository webhook
type Webhook struct {
	ID          int64    `json:"id,omitempty"`
	Name        string   `json:"name"`
	URL         string   `json:"url"`
	ContentType string   `json:"content_type"`
	Secret      string   `json:"-"`
	Events      []string `json:"events"`
	Active      bool     `json:"active"`
}

// SplitFullName splits "owner/repo" into its two halves
func SplitFullName(fullName string) (owner, repo string, err error) {
	owner, repo, ok := strings.Cut(fullName, "/")
	if !ok || owner == "" || repo == "" || strings.Contains(repo, "/") {
		return "", "", fmt.Errorf("invalid repository name %q: expected owner/repo", fullName)
	}
	return owner, repo, nil
}
