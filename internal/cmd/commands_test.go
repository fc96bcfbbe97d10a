package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"aelita/internal/store"
	"aelita/pkg/config"
	"aelita/pkg/github"
	"aelita/pkg/github/githubtest"
	"aelita/pkg/picker"
)

var (
	aliceOne = github.Repository{
		ID: 1, Owner: "alice", OwnerType: github.OwnerTypeUser, Name: "one", FullName: "alice/one",
		Permissions: github.Permissions{Admin: true, Push: true, Pull: true},
	}
	aliceTwo = github.Repository{
		ID: 2, Owner: "alice", OwnerType: github.OwnerTypeUser, Name: "two", FullName: "alice/two",
		Permissions: github.Permissions{Admin: true, Push: true, Pull: true},
	}
	carolDocs = github.Repository{
		ID: 3, Owner: "carol", OwnerType: github.OwnerTypeUser, Name: "docs", FullName: "carol/docs",
		Permissions: github.Permissions{Pull: true},
	}
)

type cliFixture struct {
	home       string
	configPath string
	dbPath     string
	cfg        *config.Config
	gateway    *githubtest.MockGateway
	alice      *store.Principal
}

func newCLIFixture(t *testing.T) *cliFixture {
	t.Helper()
	ctx := context.Background()

	home := t.TempDir()
	t.Setenv("HOME", home)

	dbPath := filepath.Join(home, "aelita.db")
	cfg := config.Template()
	cfg.Bot.DBURI = "sqlite:///" + dbPath
	cfg.Log.Level = "error"
	configPath := filepath.Join(home, "config.yaml")
	require.NoError(t, cfg.SaveConfigToPath(configPath))

	st, err := store.Open(ctx, dbPath)
	require.NoError(t, err)
	require.NoError(t, st.SeedInvitation(ctx, "alice"))
	alice, err := st.AdmitPrincipal(ctx, "alice", "alice-token")
	require.NoError(t, err)
	require.NoError(t, st.Close())

	gw := &githubtest.MockGateway{}
	factory := githubtest.NewFactory(map[string]*githubtest.MockGateway{"alice-token": gw})

	previous := newGateways
	newGateways = func(*config.Config) (github.Factory, error) { return factory, nil }
	t.Cleanup(func() { newGateways = previous })

	return &cliFixture{home: home, configPath: configPath, dbPath: dbPath, cfg: cfg, gateway: gw, alice: alice}
}

// resetFlags puts every flag back to its default; cobra keeps parsed values
// on the package-level commands between executions
func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	c.Flags().VisitAll(reset)
	c.PersistentFlags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

func (f *cliFixture) run(t *testing.T, input string, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)

	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetIn(strings.NewReader(input))
	rootCmd.SetArgs(append([]string{"--config", f.configPath}, args...))

	err := rootCmd.Execute()
	return buf.String(), err
}

func (f *cliFixture) openStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(context.Background(), f.dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func (f *cliFixture) signIn(t *testing.T) {
	t.Helper()
	data, err := json.Marshal(map[string]any{
		"username":     f.alice.Username,
		"principal_id": f.alice.ID,
		"created_at":   time.Now().UTC(),
	})
	require.NoError(t, err)
	dir := filepath.Join(f.home, ".aelita")
	require.NoError(t, os.MkdirAll(dir, 0700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "session.json"), data, 0600))
}

func (f *cliFixture) expectAdd(fullName string) {
	f.gateway.On("GrantCollaborator", mock.Anything, fullName).
		Return(&github.CollaboratorGrant{FullName: fullName, State: github.GrantAccepted}, nil).Once()
	f.gateway.On("RegisterWebhook", mock.Anything, fullName, mock.Anything).Return(int64(1), nil).Twice()
}

type stubPicker struct {
	offered []string
}

func (s *stubPicker) Pick(_ string, options []picker.Option) (string, error) {
	for _, o := range options {
		s.offered = append(s.offered, o.Value)
	}
	if len(options) == 0 {
		return "", picker.ErrNoOptions
	}
	return options[0].Value, nil
}

func usePicker(t *testing.T, p picker.Picker) {
	previous := newPicker
	newPicker = func() picker.Picker { return p }
	t.Cleanup(func() { newPicker = previous })
}

func TestInitCommand(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "config.yaml")
	f := &cliFixture{configPath: path}

	out, err := f.run(t, "", "init")
	require.NoError(t, err)
	assert.Contains(t, out, "Configuration file created")

	cfg, err := config.LoadConfigFromPath(path)
	require.NoError(t, err)
	assert.Equal(t, config.Template().Bot.DBURI, cfg.Bot.DBURI)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	require.NoError(t, os.WriteFile(path, []byte("bot:\n  username: keep-me\n"), 0600))
	out, err = f.run(t, "n\n", "init")
	require.NoError(t, err)
	assert.Contains(t, out, "cancelled")
	cfg, err = config.LoadConfigFromPath(path)
	require.NoError(t, err)
	assert.Equal(t, "keep-me", cfg.Bot.Username)

	out, err = f.run(t, "y\n", "init")
	require.NoError(t, err)
	assert.Contains(t, out, "Configuration file created")
	cfg, err = config.LoadConfigFromPath(path)
	require.NoError(t, err)
	assert.Equal(t, config.Template().Bot.Username, cfg.Bot.Username)
}

func TestMigrateCommand(t *testing.T) {
	f := newCLIFixture(t)

	out, err := f.run(t, "", "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "Database schema is up to date")
	assert.Contains(t, out, "migrations recorded")
}

func TestCommandsRequireConfiguration(t *testing.T) {
	f := newCLIFixture(t)
	require.NoError(t, os.WriteFile(f.configPath, []byte("log:\n  level: error\n"), 0600))

	_, err := f.run(t, "", "migrate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db_uri")

	_, err = f.run(t, "", "repos", "list", "--as", "alice")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing required configuration")
}

func TestAdminCommands(t *testing.T) {
	f := newCLIFixture(t)

	out, err := f.run(t, "", "admin", "seed-invite", "Bob")
	require.NoError(t, err)
	assert.Contains(t, out, "may now sign in")

	out, err = f.run(t, "", "admin", "seed-invite", "bob")
	require.NoError(t, err)
	assert.Contains(t, out, "already invited")

	out, err = f.run(t, "", "admin", "grant-invites", "alice", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "alice now has 5 invitations")

	_, err = f.run(t, "", "admin", "grant-invites", "ghost", "1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "never signed in")

	_, err = f.run(t, "", "admin", "grant-invites", "alice", "0")
	assert.Error(t, err)

	_, err = f.run(t, "", "admin", "seed-invite", "not a handle")
	assert.Error(t, err)
}

func TestInviteCommand(t *testing.T) {
	f := newCLIFixture(t)

	out, err := f.run(t, "", "invite", "bob", "--as", "alice")
	require.NoError(t, err)
	assert.Contains(t, out, "Invitation recorded; now let them know!")
	assert.Contains(t, out, "Invitations left: 2")

	out, err = f.run(t, "", "invite", "bob", "--as", "alice")
	require.NoError(t, err)
	assert.Contains(t, out, "This person is already invited")

	_, err = f.run(t, "", "invite", "carol")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no operator")

	_, err = f.run(t, "", "invite", "carol", "--as", "nobody")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "never signed in")

	f.signIn(t)
	out, err = f.run(t, "", "invite", "carol")
	require.NoError(t, err)
	assert.Contains(t, out, "Invitations left: 1")

	st := f.openStore(t)
	count, err := st.CountInvitations(context.Background(), "bob")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestInviteCommandOutOfBudget(t *testing.T) {
	f := newCLIFixture(t)
	for _, handle := range []string{"bob", "carol", "dave"} {
		_, err := f.run(t, "", "invite", handle, "--as", "alice")
		require.NoError(t, err)
	}

	out, err := f.run(t, "", "invite", "erin", "--as", "alice")
	require.Error(t, err)
	assert.Contains(t, out, "You're out of invites")
}

func TestReposWorkflow(t *testing.T) {
	f := newCLIFixture(t)
	f.gateway.On("ListRepositories", mock.Anything).Return([]github.Repository{aliceOne, carolDocs}, nil)

	out, err := f.run(t, "", "repos", "list", "--as", "alice")
	require.NoError(t, err)
	assert.Contains(t, out, "alice/one")
	assert.NotContains(t, out, "carol/docs")
	assert.NotContains(t, out, "✅ alice/one")

	f.expectAdd("alice/one")
	out, err = f.run(t, "", "repos", "add", "alice/one", "--as", "alice", "--contexts", "ci/build, ci/lint")
	require.NoError(t, err)
	assert.Contains(t, out, "✅ Added successfully")

	out, err = f.run(t, "", "repos", "list", "--as", "alice")
	require.NoError(t, err)
	assert.Contains(t, out, "✅ alice/one")

	out, err = f.run(t, "", "repos", "show", "alice/one", "--as", "alice")
	require.NoError(t, err)
	assert.Contains(t, out, "ci/build,ci/lint")
	assert.Contains(t, out, "Master branch:   master")

	out, err = f.run(t, "", "repos", "edit", "alice/one", "--as", "alice", "--master", "main")
	require.NoError(t, err)
	assert.Contains(t, out, "✅ Saved successfully")

	out, err = f.run(t, "", "repos", "show", "alice/one", "--as", "alice")
	require.NoError(t, err)
	assert.Contains(t, out, "Master branch:   main")
	assert.Contains(t, out, "ci/build,ci/lint")

	_, err = f.run(t, "", "repos", "edit", "alice/one", "--as", "alice", "--push-to-master=false")
	require.NoError(t, err)

	out, err = f.run(t, "", "repos", "edit", "alice/one", "--as", "alice", "--contexts", "ci/deploy")
	require.NoError(t, err)
	assert.Contains(t, out, "✅ Saved successfully")

	st := f.openStore(t)
	pipeline, err := st.PipelineByRepo(context.Background(), "alice", "one")
	require.NoError(t, err)
	assert.Equal(t, []string{"ci/deploy"}, pipeline.Contexts)
	assert.Equal(t, "main", pipeline.Git.MasterBranch)
	assert.False(t, pipeline.Git.PushToMaster)
	pipelineID := pipeline.ID
	require.NoError(t, st.Close())

	f.gateway.On("RevokeCollaborator", mock.Anything, "alice/one").Return(nil).Once()
	f.gateway.On("ListWebhooks", mock.Anything, "alice/one").Return([]github.Webhook{
		{ID: 10, Name: "web", URL: f.cfg.Bot.NoticeURL()},
		{ID: 11, Name: "web", URL: f.cfg.Bot.StatusURL()},
		{ID: 12, Name: "web", URL: "https://elsewhere.example.com/hook"},
	}, nil).Once()
	f.gateway.On("DeleteWebhook", mock.Anything, "alice/one", int64(10)).Return(nil).Once()
	f.gateway.On("DeleteWebhook", mock.Anything, "alice/one", int64(11)).Return(nil).Once()

	out, err = f.run(t, "", "repos", "remove", "alice/one", "--as", "alice")
	require.NoError(t, err)
	assert.Contains(t, out, "✅ Deleted successfully")

	st = f.openStore(t)
	trace, err := st.PipelineTrace(context.Background(), pipelineID, "alice", "one")
	require.NoError(t, err)
	assert.Zero(t, trace)

	f.gateway.AssertExpectations(t)
}

func TestReposAddReportsWarnings(t *testing.T) {
	f := newCLIFixture(t)
	f.gateway.On("ListRepositories", mock.Anything).Return([]github.Repository{aliceOne}, nil)
	f.gateway.On("GrantCollaborator", mock.Anything, "alice/one").
		Return(nil, github.NewAPIError(github.ErrorTypeUnknown, "boom", nil)).Once()
	f.gateway.On("RegisterWebhook", mock.Anything, "alice/one", mock.Anything).Return(int64(1), nil).Twice()

	out, err := f.run(t, "", "repos", "add", "alice/one", "--as", "alice")
	require.NoError(t, err)
	assert.Contains(t, out, "⚠️  grant collaborator on alice/one")
	assert.Contains(t, out, "some GitHub steps failed")

	st := f.openStore(t)
	pipeline, err := st.PipelineByRepo(context.Background(), "alice", "one")
	require.NoError(t, err)
	assert.Equal(t, []string{f.cfg.Bot.DefaultContext}, pipeline.Contexts)
}

func TestReposErrors(t *testing.T) {
	f := newCLIFixture(t)
	f.gateway.On("ListRepositories", mock.Anything).Return([]github.Repository{aliceOne, carolDocs}, nil)

	_, err := f.run(t, "", "repos", "add", "carol/docs", "--as", "alice")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not an admin")

	_, err = f.run(t, "", "repos", "show", "alice/one", "--as", "alice")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not onboarded")

	out, err := f.run(t, "", "repos", "edit", "alice/one", "--as", "alice", "--contexts", "ci/x")
	require.Error(t, err)
	assert.NotContains(t, out, "Saved successfully")

	_, err = f.run(t, "", "repos", "list")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no operator")
}

func TestReposGatewayFailure(t *testing.T) {
	f := newCLIFixture(t)
	f.gateway.On("ListRepositories", mock.Anything).
		Return(nil, github.NewAPIError(github.ErrorTypeAuth, "bad credentials", nil))

	_, err := f.run(t, "", "repos", "list", "--as", "alice")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "GitHub request failed: bad credentials")
}

func TestReposPicker(t *testing.T) {
	f := newCLIFixture(t)
	st := f.openStore(t)
	_, err := st.CreatePipeline(context.Background(), store.NewPipeline{Owner: "alice", Repo: "two", Contexts: []string{"ci"}})
	require.NoError(t, err)
	require.NoError(t, st.Close())

	f.gateway.On("ListRepositories", mock.Anything).Return([]github.Repository{aliceOne, aliceTwo}, nil)
	f.expectAdd("alice/one")

	p := &stubPicker{}
	usePicker(t, p)
	f.signIn(t)

	out, err := f.run(t, "", "repos", "add")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice/one"}, p.offered)
	assert.Contains(t, out, "Adding alice/one")

	p.offered = nil
	_, err = f.run(t, "", "repos", "add")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already onboarded")
	assert.Empty(t, p.offered)
}

func TestAuthStatusAndLogout(t *testing.T) {
	f := newCLIFixture(t)

	out, err := f.run(t, "", "auth", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Not signed in")

	f.signIn(t)
	out, err = f.run(t, "", "auth", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Signed in as alice")
	assert.Contains(t, out, "Invitations left: 3")

	out, err = f.run(t, "", "auth", "logout")
	require.NoError(t, err)
	assert.Contains(t, out, "Signed out")

	_, err = os.Stat(filepath.Join(f.home, ".aelita", "session.json"))
	assert.True(t, os.IsNotExist(err))

	out, err = f.run(t, "", "auth", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Not signed in")
}

func TestLoginAlreadySignedIn(t *testing.T) {
	f := newCLIFixture(t)
	f.signIn(t)

	out, err := f.run(t, "", "auth", "login", "--no-browser", "--timeout", "5")
	require.NoError(t, err)
	assert.Contains(t, out, "Already signed in as alice")
}
