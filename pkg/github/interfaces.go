package github

import "context"

// Gateway defines the GitHub operations performed on behalf of an acting user.
// Every call uses the acting user's delegated credential; the grant protocols
// additionally use the bot's own credential for their acceptance step.
// Implementations never retry.
type Gateway interface {
	// Identity
	AuthenticatedUser(ctx context.Context) (string, error)

	// Repository discovery, always complete across pages
	ListRepositories(ctx context.Context) ([]Repository, error)

	// Collaborator operations
	GrantCollaborator(ctx context.Context, fullName string) (*CollaboratorGrant, error)
	RevokeCollaborator(ctx context.Context, fullName string) error

	// Organization membership
	EnsureOrgMembership(ctx context.Context, org string) (*OrgActivation, error)

	// Webhook operations
	RegisterWebhook(ctx context.Context, fullName string, webhook Webhook) (int64, error)
	ListWebhooks(ctx context.Context, fullName string) ([]Webhook, error)
	DeleteWebhook(ctx context.Context, fullName string, webhookID int64) error
}

// Factory opens gateways for acting users
type Factory interface {
	ForToken(token string) Gateway
}
