package selector

import (
	"context"
	"errors"
	"sort"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/lydakis/jul/receive/internal/gitrepo"
	"github.com/lydakis/jul/receive/internal/storage"
)

// GroupCollector assigns dependency groups to commits as they are visited,
// parents first. A commit inherits the groups of every parent seen in this
// walk or already stored as a patch set. A commit with neither keeps the
// groups of its own stored patch sets, or starts a new group named after
// itself.
type GroupCollector struct {
	groups   map[plumbing.Hash][]string
	existing map[plumbing.Hash][]gitrepo.PatchSetRef
	index    Index
}

func NewGroupCollector(existing map[plumbing.Hash][]gitrepo.PatchSetRef, index Index) *GroupCollector {
	return &GroupCollector{
		groups:   make(map[plumbing.Hash][]string),
		existing: existing,
		index:    index,
	}
}

func (g *GroupCollector) Visit(ctx context.Context, c *object.Commit) error {
	set := make(map[string]bool)
	for _, p := range c.ParentHashes {
		if groups, ok := g.groups[p]; ok {
			for _, grp := range groups {
				set[grp] = true
			}
			continue
		}
		stored, err := g.storedGroups(ctx, p)
		if err != nil {
			return err
		}
		for _, grp := range stored {
			set[grp] = true
		}
	}
	if len(set) == 0 {
		own, err := g.storedGroups(ctx, c.Hash)
		if err != nil {
			return err
		}
		if len(own) == 0 {
			own = []string{c.Hash.String()}
		}
		for _, grp := range own {
			set[grp] = true
		}
	}
	groups := make([]string, 0, len(set))
	for grp := range set {
		groups = append(groups, grp)
	}
	sort.Strings(groups)
	g.groups[c.Hash] = groups
	return nil
}

func (g *GroupCollector) storedGroups(ctx context.Context, h plumbing.Hash) ([]string, error) {
	var out []string
	for _, ref := range g.existing[h] {
		ps, err := g.index.PatchSet(ctx, ref.Change, ref.PatchSet)
		if errors.Is(err, storage.ErrNotFound) {
			// A ref without metadata contributes no group.
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, ps.Groups...)
	}
	return out, nil
}

// Groups returns the groups computed for h.
func (g *GroupCollector) Groups(h plumbing.Hash) []string {
	return append([]string(nil), g.groups[h]...)
}
