package onboard

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"aelita/internal/store"
	"aelita/pkg/github"
)

// AllOwners disables owner filtering in ListOptions
const AllOwners = "-"

// ListOptions filters a listing
type ListOptions struct {
	// Owner limits repositories to one owner. Empty means the principal's
	// own login; AllOwners means every owner.
	Owner string
}

// RepoView is one administered repository and whether it is onboarded
type RepoView struct {
	github.Repository
	Present    bool  `json:"present"`
	PipelineID int64 `json:"pipeline_id,omitempty"`
}

// Owner is one entry of the owner selector
type Owner struct {
	Login string           `json:"login"`
	Type  github.OwnerType `json:"type"`
}

// View is what an operator sees on the manage page
type View struct {
	Principal string     `json:"principal"`
	Owner     string     `json:"owner"`
	Owners    []Owner    `json:"owners"`
	Repos     []RepoView `json:"repos"`
	Invites   int        `json:"invites"`
}

// OwnerLogins returns the ordered owner logins
func (v *View) OwnerLogins() []string {
	logins := make([]string, len(v.Owners))
	for i, o := range v.Owners {
		logins[i] = o.Login
	}
	return logins
}

// List returns the repositories p administers with their presence, and the
// ordered list of their owners
func (e *Engine) List(ctx context.Context, p *store.Principal, opts ListOptions) (*View, error) {
	gw, err := e.gateway(p)
	if err != nil {
		return nil, err
	}

	repos, err := e.listRepositories(ctx, gw)
	if err != nil {
		return nil, err
	}

	var administered []github.Repository
	ownerTypes := make(map[string]Owner)
	for _, repo := range repos {
		if !repo.Permissions.Admin {
			continue
		}
		administered = append(administered, repo)
		key := strings.ToLower(repo.Owner)
		if _, seen := ownerTypes[key]; !seen {
			ownerTypes[key] = Owner{Login: repo.Owner, Type: repo.OwnerType}
		}
	}

	owners := make([]Owner, 0, len(ownerTypes))
	logins := make([]string, 0, len(ownerTypes))
	for _, o := range ownerTypes {
		owners = append(owners, o)
		logins = append(logins, o.Login)
	}
	SortOwners(owners, p.Username)

	present, err := e.store.PresentRepos(ctx, logins)
	if err != nil {
		return nil, fmt.Errorf("load present repositories: %w", err)
	}

	filter := opts.Owner
	if filter == "" {
		filter = p.Username
	}

	view := &View{
		Principal: p.Username,
		Owner:     filter,
		Owners:    owners,
		Repos:     []RepoView{},
		Invites:   p.InviteCount,
	}
	for _, repo := range administered {
		if filter != AllOwners && !strings.EqualFold(repo.Owner, filter) {
			continue
		}
		id, ok := present[store.Key(repo.Owner, repo.Name)]
		view.Repos = append(view.Repos, RepoView{Repository: repo, Present: ok, PipelineID: id})
	}
	return view, nil
}

// SortOwners orders owners: self first, then users, then organizations, each
// group alphabetical without regard to case
func SortOwners(owners []Owner, self string) {
	tier := func(o Owner) int {
		switch {
		case strings.EqualFold(o.Login, self):
			return 0
		case o.Type == github.OwnerTypeOrganization:
			return 2
		default:
			return 1
		}
	}
	sort.SliceStable(owners, func(i, j int) bool {
		ti, tj := tier(owners[i]), tier(owners[j])
		if ti != tj {
			return ti < tj
		}
		return strings.ToLower(owners[i].Login) < strings.ToLower(owners[j].Login)
	})
}
