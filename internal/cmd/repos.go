package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"aelita/internal/onboard"
	"aelita/internal/store"
	"aelita/pkg/github"
	"aelita/pkg/picker"
)

var reposCmd = &cobra.Command{
	Use:   "repos",
	Short: "Manage the repositories the bot serves",
	Long: `List, add, remove and edit onboarded repositories as an operator.

Commands act as the principal named with --as, or as the operator signed in
with 'aelita auth login'. The principal's stored GitHub token is used for
every call, so the operator must be an admin of each repository.

Repositories are named owner/name or by numeric GitHub ID.`,
}

var reposListCmd = &cobra.Command{
	Use:   "list",
	Short: "List administered repositories and whether they are onboarded",
	Args:  cobra.NoArgs,
	RunE:  runReposList,
}

var reposAddCmd = &cobra.Command{
	Use:   "add [repository]",
	Short: "Onboard a repository",
	Long: `Create the pipeline for a repository, add the bot as a collaborator and
register the notice and status webhooks.

Without an argument an interactive picker offers the repositories that are
not onboarded yet.

Examples:
  aelita repos add alice/service
  aelita repos add alice/service --contexts "ci/build, ci/lint"
  aelita repos add --as alice`,
	Args: cobra.MaximumNArgs(1),
	RunE: runReposAdd,
}

var reposRemoveCmd = &cobra.Command{
	Use:   "remove [repository]",
	Short: "Offboard a repository",
	Long: `Delete the pipeline of a repository, remove the bot as a collaborator and
delete the bot's webhooks.

Without an argument an interactive picker offers the onboarded repositories.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runReposRemove,
}

var reposEditCmd = &cobra.Command{
	Use:   "edit <repository>",
	Short: "Change the status contexts and git policy of a pipeline",
	Long: `Replace the configuration of an onboarded repository. Flags that are not
given keep their current value.

Examples:
  aelita repos edit alice/service --contexts "ci/build"
  aelita repos edit alice/service --master main --staging staging --push-to-master`,
	Args: cobra.ExactArgs(1),
	RunE: runReposEdit,
}

var reposShowCmd = &cobra.Command{
	Use:   "show <repository>",
	Short: "Show the configuration of an onboarded repository",
	Args:  cobra.ExactArgs(1),
	RunE:  runReposShow,
}

var (
	reposAs      string
	listOwner    string
	repoContexts string
	editMaster   string
	editStaging  string
	editPush     bool
)

func init() {
	reposCmd.PersistentFlags().StringVar(&reposAs, "as", "", "Act as this principal (default: the signed-in operator)")

	reposListCmd.Flags().StringVarP(&listOwner, "owner", "o", "", "Only show this owner's repositories ('-' for all owners)")
	reposAddCmd.Flags().StringVar(&repoContexts, "contexts", "", "Comma separated status contexts (default from configuration)")
	reposEditCmd.Flags().StringVar(&repoContexts, "contexts", "", "Comma separated status contexts")
	reposEditCmd.Flags().StringVar(&editMaster, "master", "", "Branch the bot merges into")
	reposEditCmd.Flags().StringVar(&editStaging, "staging", "", "Branch the bot tests on")
	reposEditCmd.Flags().BoolVar(&editPush, "push-to-master", false, "Push to the master branch instead of merging")

	reposCmd.AddCommand(reposListCmd)
	reposCmd.AddCommand(reposAddCmd)
	reposCmd.AddCommand(reposRemoveCmd)
	reposCmd.AddCommand(reposEditCmd)
	reposCmd.AddCommand(reposShowCmd)
}

func runReposList(cmd *cobra.Command, _ []string) error {
	out := cmd.OutOrStdout()
	ctx := context.Background()

	a, err := openApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.Close()

	p, err := a.operator(ctx, reposAs)
	if err != nil {
		return err
	}
	engine, err := a.engine()
	if err != nil {
		return err
	}

	fmt.Fprintln(out, "🔍 Listing repositories...")
	view, err := engine.List(ctx, p, onboard.ListOptions{Owner: listOwner})
	if err != nil {
		return describeError(err)
	}

	fmt.Fprintf(out, "👤 %s (%d invitations left)\n", view.Principal, view.Invites)
	fmt.Fprint(out, "🏢 Owners: ")
	for i, o := range view.Owners {
		if i > 0 {
			fmt.Fprint(out, ", ")
		}
		fmt.Fprint(out, o.Login)
	}
	fmt.Fprintln(out)

	if len(view.Repos) == 0 {
		fmt.Fprintln(out, "📋 No administered repositories")
		return nil
	}
	fmt.Fprintf(out, "📋 %d repositories:\n", len(view.Repos))
	for _, r := range view.Repos {
		mark := "  "
		if r.Present {
			mark = "✅"
		}
		fmt.Fprintf(out, "  %s %s\n", mark, r.FullName)
	}
	return nil
}

// pickRepository asks the operator for one repository whose presence is
// present
func pickRepository(ctx context.Context, engine *onboard.Engine, p *store.Principal, present bool, prompt string) (onboard.Target, error) {
	view, err := engine.List(ctx, p, onboard.ListOptions{Owner: onboard.AllOwners})
	if err != nil {
		return onboard.Target{}, describeError(err)
	}

	var options []picker.Option
	for _, r := range view.Repos {
		if r.Present != present {
			continue
		}
		options = append(options, picker.Option{Value: r.FullName, Description: string(r.OwnerType)})
	}

	choice, err := newPicker().Pick(prompt, options)
	if errors.Is(err, picker.ErrNoOptions) {
		if present {
			return onboard.Target{}, fmt.Errorf("no onboarded repositories")
		}
		return onboard.Target{}, fmt.Errorf("every administered repository is already onboarded")
	}
	if err != nil {
		return onboard.Target{}, err
	}
	return onboard.ByName(choice), nil
}

func repositoryArg(ctx context.Context, engine *onboard.Engine, p *store.Principal, args []string, present bool, prompt string) (onboard.Target, error) {
	if len(args) == 1 {
		return onboard.ParseTarget(args[0])
	}
	return pickRepository(ctx, engine, p, present, prompt)
}

func runReposAdd(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	ctx := context.Background()

	a, err := openApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.Close()

	p, err := a.operator(ctx, reposAs)
	if err != nil {
		return err
	}
	engine, err := a.engine()
	if err != nil {
		return err
	}
	target, err := repositoryArg(ctx, engine, p, args, false, "Select a repository to add")
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "🚀 Adding %s...\n", target)
	result, err := engine.Add(ctx, p, target, onboard.ParseContexts(repoContexts))
	if err != nil {
		return describeError(err)
	}
	printResult(out, "Added successfully", result)
	return nil
}

func runReposRemove(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	ctx := context.Background()

	a, err := openApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.Close()

	p, err := a.operator(ctx, reposAs)
	if err != nil {
		return err
	}
	engine, err := a.engine()
	if err != nil {
		return err
	}
	target, err := repositoryArg(ctx, engine, p, args, true, "Select a repository to remove")
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "🧹 Removing %s...\n", target)
	result, err := engine.Remove(ctx, p, target)
	if err != nil {
		return describeError(err)
	}
	printResult(out, "Deleted successfully", result)
	return nil
}

func runReposEdit(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	ctx := context.Background()

	a, err := openApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.Close()

	p, err := a.operator(ctx, reposAs)
	if err != nil {
		return err
	}
	engine, err := a.engine()
	if err != nil {
		return err
	}
	target, err := onboard.ParseTarget(args[0])
	if err != nil {
		return err
	}

	current, err := engine.Describe(ctx, p, target)
	if err != nil {
		return describeError(err)
	}

	flags := cmd.Flags()
	req := onboard.EditRequest{
		Contexts:      onboard.ParseContexts(current.Contexts),
		MasterBranch:  current.MasterBranch,
		StagingBranch: current.StagingBranch,
	}
	if flags.Changed("contexts") {
		req.Contexts = onboard.ParseContexts(repoContexts)
	}
	if flags.Changed("master") {
		req.MasterBranch = editMaster
	}
	if flags.Changed("staging") {
		req.StagingBranch = editStaging
	}
	if flags.Changed("push-to-master") {
		req.PushToMaster = &editPush
	}

	result, err := engine.Edit(ctx, p, target, req)
	if errors.Is(err, onboard.ErrNotFound) {
		fmt.Fprintf(out, "⚠️  %s is no longer onboarded; nothing to save\n", target)
		return nil
	}
	if err != nil {
		return describeError(err)
	}
	printResult(out, "Saved successfully", result)
	return nil
}

func runReposShow(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	ctx := context.Background()

	a, err := openApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.Close()

	p, err := a.operator(ctx, reposAs)
	if err != nil {
		return err
	}
	engine, err := a.engine()
	if err != nil {
		return err
	}
	target, err := onboard.ParseTarget(args[0])
	if err != nil {
		return err
	}

	form, err := engine.Describe(ctx, p, target)
	if err != nil {
		return describeError(err)
	}
	fmt.Fprintf(out, "📋 %s\n", form.Repository.FullName)
	fmt.Fprintf(out, "   Status contexts: %s\n", form.Contexts)
	fmt.Fprintf(out, "   Master branch:   %s\n", form.MasterBranch)
	fmt.Fprintf(out, "   Staging branch:  %s\n", form.StagingBranch)
	fmt.Fprintf(out, "   Push to master:  %t\n", form.PushToMaster)
	return nil
}

func printResult(out io.Writer, flash string, result *onboard.Result) {
	for _, step := range result.Completed {
		fmt.Fprintf(out, "   ✅ %s\n", step)
	}
	for _, warning := range result.WarningMessages() {
		fmt.Fprintf(out, "   ⚠️  %s\n", warning)
	}
	if result.HasWarnings() {
		fmt.Fprintf(out, "⚠️  %s, but some GitHub steps failed; run the command again to retry them\n", flash)
		return
	}
	fmt.Fprintf(out, "✅ %s\n", flash)
}

// describeError turns workflow errors into operator-facing messages
func describeError(err error) error {
	var apiErr *github.APIError
	switch {
	case errors.Is(err, onboard.ErrPermissionDenied):
		return fmt.Errorf("❌ you are not an admin of that repository: %w", err)
	case errors.Is(err, onboard.ErrNotFound):
		return fmt.Errorf("❌ that repository is not onboarded: %w", err)
	case errors.Is(err, onboard.ErrInvalidConfig):
		return fmt.Errorf("❌ %w", err)
	case errors.As(err, &apiErr):
		return fmt.Errorf("❌ GitHub request failed: %s", apiErr.Message)
	default:
		return err
	}
}
