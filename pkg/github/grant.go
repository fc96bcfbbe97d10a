package github

import (
	"context"
	"fmt"

	"github.com/google/go-github/v66/github"
)

// GrantState tracks a CollaboratorGrant through its two steps
type GrantState string

const (
	GrantPending  GrantState = "pending"
	GrantInvited  GrantState = "invited"
	GrantAccepted GrantState = "accepted"
)

// CollaboratorGrant gives the bot collaborator access to one repository.
// Step 1 invites the bot with the acting user's credential; step 2 accepts
// the exact invitation GitHub returned, with the bot's credential.
type CollaboratorGrant struct {
	FullName      string     `json:"full_name"`
	State         GrantState `json:"state"`
	InvitationURL string     `json:"invitation_url,omitempty"`

	client *Client
}

// NewCollaboratorGrant returns a pending grant for fullName
func (c *Client) NewCollaboratorGrant(fullName string) (*CollaboratorGrant, error) {
	if _, _, err := SplitFullName(fullName); err != nil {
		return nil, err
	}
	return &CollaboratorGrant{
		FullName: fullName,
		State:    GrantPending,
		client:   c,
	}, nil
}

// Resume runs the steps not yet completed. Calling it on an accepted grant
// does nothing.
func (g *CollaboratorGrant) Resume(ctx context.Context) error {
	if g.State == GrantPending {
		if err := g.invite(ctx); err != nil {
			return err
		}
	}
	if g.State == GrantInvited {
		if err := g.accept(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (g *CollaboratorGrant) invite(ctx context.Context) error {
	owner, repo, _ := SplitFullName(g.FullName)
	c := g.client

	resource := fmt.Sprintf("collaborator %s on %s", c.botName, g.FullName)
	invitation, _, err := call(ctx, c, resource, func(ctx context.Context) (*github.CollaboratorInvitation, *github.Response, error) {
		return c.client.Repositories.AddCollaborator(ctx, owner, repo, c.botName, nil)
	})
	if err != nil {
		return err
	}

	// 204: the bot is already a collaborator, nothing to accept
	if invitation.GetURL() == "" {
		g.State = GrantAccepted
		return nil
	}

	g.InvitationURL = invitation.GetURL()
	g.State = GrantInvited
	return nil
}

func (g *CollaboratorGrant) accept(ctx context.Context) error {
	resource := fmt.Sprintf("repository invitation for %s", g.FullName)
	if _, err := g.client.patchAsBot(ctx, resource, g.InvitationURL, nil, nil); err != nil {
		return err
	}
	g.State = GrantAccepted
	return nil
}

// ActivationState tracks an OrgActivation through its two steps
type ActivationState string

const (
	ActivationPending ActivationState = "pending"
	ActivationInvited ActivationState = "invited"
	ActivationActive  ActivationState = "active"
)

// OrgActivation makes the bot an active member of an organization. Step 1
// requests membership with the acting user's credential; when GitHub reports
// the membership as anything but active, step 2 activates it with the bot's
// credential.
type OrgActivation struct {
	Org   string          `json:"org"`
	State ActivationState `json:"state"`

	client *Client
}

// NewOrgActivation returns a pending activation for org
func (c *Client) NewOrgActivation(org string) *OrgActivation {
	return &OrgActivation{
		Org:    org,
		State:  ActivationPending,
		client: c,
	}
}

// Resume runs the steps not yet completed
func (a *OrgActivation) Resume(ctx context.Context) error {
	if a.State == ActivationPending {
		if err := a.request(ctx); err != nil {
			return err
		}
	}
	if a.State == ActivationInvited {
		if err := a.activate(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (a *OrgActivation) request(ctx context.Context) error {
	c := a.client

	resource := fmt.Sprintf("membership of %s in %s", c.botName, a.Org)
	membership, _, err := call(ctx, c, resource, func(ctx context.Context) (*github.Membership, *github.Response, error) {
		return c.client.Organizations.EditOrgMembership(ctx, c.botName, a.Org, &github.Membership{})
	})
	if err != nil {
		return err
	}

	if membership.GetState() == string(ActivationActive) {
		a.State = ActivationActive
		return nil
	}
	a.State = ActivationInvited
	return nil
}

func (a *OrgActivation) activate(ctx context.Context) error {
	resource := fmt.Sprintf("membership of %s in %s", a.client.botName, a.Org)
	target := fmt.Sprintf("user/memberships/orgs/%s", a.Org)
	body := &github.Membership{State: github.String(string(ActivationActive))}

	if _, err := a.client.patchAsBot(ctx, resource, target, body, nil); err != nil {
		return err
	}
	a.State = ActivationActive
	return nil
}
