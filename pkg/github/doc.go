// Package github is the hosting-API gateway for aelita.
// It wraps the GitHub REST API calls the onboarding engine needs to give the
// bot account access to a repository and to take it away again.
//
// The package includes:
// - Gateway interface for the calls made with an acting user's credential
// - Client, the go-github backed implementation, layering the bot's own
//   credential on top for the invitation and membership acceptance steps
// - CollaboratorGrant and OrgActivation, the two-step grant protocols
// - APIError, the structured error every failed call is reported as
package github
