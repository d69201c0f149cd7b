package gitrepo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/storage/memory"
	"github.com/philopon/go-toposort"
	"k8s.io/klog/v2"
)

var ErrMissingObject = errors.New("missing object")

// Repository is the object database and ref store of one project. A
// Repository is owned by a single push session at a time.
type Repository struct {
	repo *git.Repository
	refs *RefStore
}

// Open opens the bare or non-bare repository at path, initializing a bare
// repository when the directory does not exist yet.
func Open(path string) (*Repository, error) {
	repo, err := git.PlainOpen(path)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		if mkErr := os.MkdirAll(path, 0o755); mkErr != nil {
			return nil, mkErr
		}
		repo, err = git.PlainInit(path, true)
	}
	if err != nil {
		return nil, fmt.Errorf("open repository %s: %w", path, err)
	}
	return Wrap(repo), nil
}

// NewMemory returns an empty in-memory repository whose HEAD points at the
// unborn refs/heads/master.
func NewMemory() (*Repository, error) {
	repo, err := git.Init(memory.NewStorage(), nil)
	if err != nil {
		return nil, err
	}
	return Wrap(repo), nil
}

func Wrap(repo *git.Repository) *Repository {
	return &Repository{repo: repo, refs: newRefStore(repo.Storer)}
}

func (r *Repository) Git() *git.Repository {
	return r.repo
}

func (r *Repository) Refs() *RefStore {
	return r.refs
}

func (r *Repository) Commit(h plumbing.Hash) (*object.Commit, error) {
	c, err := object.GetCommit(r.repo.Storer, h)
	if errors.Is(err, plumbing.ErrObjectNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrMissingObject, h)
	}
	return c, err
}

func (r *Repository) ObjectType(h plumbing.Hash) (plumbing.ObjectType, error) {
	obj, err := r.repo.Storer.EncodedObject(plumbing.AnyObject, h)
	if errors.Is(err, plumbing.ErrObjectNotFound) {
		return plumbing.InvalidObject, fmt.Errorf("%w: %s", ErrMissingObject, h)
	}
	if err != nil {
		return plumbing.InvalidObject, err
	}
	return obj.Type(), nil
}

func (r *Repository) HasObject(h plumbing.Hash) bool {
	_, err := r.ObjectType(h)
	return err == nil
}

func (r *Repository) IsCommit(h plumbing.Hash) bool {
	t, err := r.ObjectType(h)
	return err == nil && t == plumbing.CommitObject
}

// IsMergedInto reports whether commit is reachable from tip.
func (r *Repository) IsMergedInto(commit, tip plumbing.Hash) (bool, error) {
	if commit.IsZero() || tip.IsZero() {
		return false, nil
	}
	if commit == tip {
		return true, nil
	}
	c, err := r.Commit(commit)
	if err != nil {
		return false, err
	}
	t, err := r.Commit(tip)
	if err != nil {
		return false, err
	}
	return c.IsAncestor(t)
}

func (r *Repository) HasMergeBase(a, b plumbing.Hash) (bool, error) {
	ca, err := r.Commit(a)
	if err != nil {
		return false, err
	}
	cb, err := r.Commit(b)
	if err != nil {
		return false, err
	}
	bases, err := ca.MergeBase(cb)
	if err != nil {
		return false, err
	}
	return len(bases) > 0, nil
}

// Walk returns the commits reachable from starts but not from any of the
// uninteresting commits, parents before children.
func (r *Repository) Walk(ctx context.Context, starts, uninteresting []plumbing.Hash) ([]*object.Commit, error) {
	stop := make(map[plumbing.Hash]bool)
	for _, h := range uninteresting {
		if h.IsZero() || stop[h] {
			continue
		}
		c, err := r.Commit(h)
		if err != nil {
			// Refs may point at tags or trees; they hide nothing.
			klog.V(3).Infof("walk: skipping uninteresting %s: %v", h, err)
			continue
		}
		err = object.NewCommitPreorderIter(c, stop, nil).ForEach(func(c *object.Commit) error {
			stop[c.Hash] = true
			return ctx.Err()
		})
		if err != nil {
			return nil, err
		}
	}

	var found []*object.Commit
	byHash := make(map[plumbing.Hash]*object.Commit)
	for _, h := range starts {
		if h.IsZero() || stop[h] {
			continue
		}
		c, err := r.Commit(h)
		if err != nil {
			return nil, err
		}
		err = object.NewCommitPreorderIter(c, stop, nil).ForEach(func(c *object.Commit) error {
			stop[c.Hash] = true
			byHash[c.Hash] = c
			found = append(found, c)
			return ctx.Err()
		})
		if err != nil {
			return nil, err
		}
	}
	return topoOrder(found, byHash)
}

func topoOrder(commits []*object.Commit, byHash map[plumbing.Hash]*object.Commit) ([]*object.Commit, error) {
	graph := toposort.NewGraph(len(commits))
	for _, c := range commits {
		graph.AddNode(c.Hash.String())
	}
	for _, c := range commits {
		for _, p := range c.ParentHashes {
			if _, ok := byHash[p]; ok {
				graph.AddEdge(p.String(), c.Hash.String())
			}
		}
	}
	order, ok := graph.Toposort()
	if !ok {
		return nil, errors.New("commit graph contains a cycle")
	}
	out := make([]*object.Commit, 0, len(order))
	for _, s := range order {
		out = append(out, byHash[plumbing.NewHash(s)])
	}
	return out, nil
}

// Subject returns the first paragraph of a commit message on one line.
func Subject(message string) string {
	first, _, _ := strings.Cut(strings.TrimLeft(message, "\n"), "\n\n")
	return strings.Join(strings.Fields(first), " ")
}

func Abbreviate(h plumbing.Hash) string {
	return AbbreviateN(h, 7)
}

func AbbreviateN(h plumbing.Hash, n int) string {
	s := h.String()
	if n > len(s) {
		n = len(s)
	}
	return s[:n]
}

// Head returns the full name of the branch HEAD points at, which may not
// exist yet. A detached HEAD yields "".
func (r *Repository) Head() (string, error) {
	ref, err := r.repo.Storer.Reference(plumbing.HEAD)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if ref.Type() != plumbing.SymbolicReference {
		return "", nil
	}
	return ref.Target().String(), nil
}

// SetHead points HEAD at branch.
func (r *Repository) SetHead(branch string) error {
	return r.repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.ReferenceName(branch)))
}

// ReadFile returns the content of path in the tree of commit. A missing file
// reports false.
func (r *Repository) ReadFile(commit plumbing.Hash, path string) ([]byte, bool, error) {
	c, err := r.Commit(commit)
	if err != nil {
		return nil, false, err
	}
	f, err := c.File(path)
	if errors.Is(err, object.ErrFileNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	content, err := f.Contents()
	if err != nil {
		return nil, false, err
	}
	return []byte(content), true, nil
}
