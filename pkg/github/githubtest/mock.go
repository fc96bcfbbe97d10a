// Package githubtest provides testify mocks of the gateway for packages that
// drive it.
package githubtest

import (
	"context"
	"sync"

	"github.com/stretchr/testify/mock"

	"aelita/pkg/github"
)

// MockGateway is a mock implementation of github.Gateway for testing
type MockGateway struct {
	mock.Mock
}

func (m *MockGateway) AuthenticatedUser(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *MockGateway) ListRepositories(ctx context.Context) ([]github.Repository, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]github.Repository), args.Error(1)
}

func (m *MockGateway) GrantCollaborator(ctx context.Context, fullName string) (*github.CollaboratorGrant, error) {
	args := m.Called(ctx, fullName)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*github.CollaboratorGrant), args.Error(1)
}

func (m *MockGateway) RevokeCollaborator(ctx context.Context, fullName string) error {
	args := m.Called(ctx, fullName)
	return args.Error(0)
}

func (m *MockGateway) EnsureOrgMembership(ctx context.Context, org string) (*github.OrgActivation, error) {
	args := m.Called(ctx, org)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*github.OrgActivation), args.Error(1)
}

func (m *MockGateway) RegisterWebhook(ctx context.Context, fullName string, webhook github.Webhook) (int64, error) {
	args := m.Called(ctx, fullName, webhook)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockGateway) ListWebhooks(ctx context.Context, fullName string) ([]github.Webhook, error) {
	args := m.Called(ctx, fullName)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]github.Webhook), args.Error(1)
}

func (m *MockGateway) DeleteWebhook(ctx context.Context, fullName string, webhookID int64) error {
	args := m.Called(ctx, fullName, webhookID)
	return args.Error(0)
}

// Factory hands out one MockGateway per token and records the tokens it was
// asked for
type Factory struct {
	mu       sync.Mutex
	gateways map[string]*MockGateway
	tokens   []string
}

// NewFactory returns a factory with a gateway registered for each token
func NewFactory(gateways map[string]*MockGateway) *Factory {
	if gateways == nil {
		gateways = make(map[string]*MockGateway)
	}
	return &Factory{gateways: gateways}
}

// Set registers the gateway returned for token
func (f *Factory) Set(token string, gw *MockGateway) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gateways[token] = gw
}

// ForToken implements github.Factory. Unknown tokens get a fresh mock with no
// expectations, so any call on it fails the test.
func (f *Factory) ForToken(token string) github.Gateway {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens = append(f.tokens, token)
	gw, ok := f.gateways[token]
	if !ok {
		gw = &MockGateway{}
		f.gateways[token] = gw
	}
	return gw
}

// Tokens returns the tokens requested so far, in order
func (f *Factory) Tokens() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.tokens...)
}
