// Package gittest builds in-memory repositories for tests.
package gittest

import (
	"sort"
	"testing"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/lydakis/jul/receive/internal/gitrepo"
)

type Repo struct {
	*gitrepo.Repository
	t    testing.TB
	when time.Time
}

func New(t testing.TB) *Repo {
	t.Helper()
	repo, err := gitrepo.NewMemory()
	if err != nil {
		t.Fatalf("init repo: %v", err)
	}
	return &Repo{
		Repository: repo,
		t:          t,
		when:       time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

// CommitSpec describes a commit to create. Empty fields get defaults.
type CommitSpec struct {
	Message     string
	Parents     []plumbing.Hash
	Files       map[string]string
	AuthorName  string
	AuthorEmail string
	// Tree reuses an existing tree instead of building one from Files.
	Tree plumbing.Hash
	// AuthorWhen pins the author date; the committer date always advances.
	AuthorWhen time.Time
}

// Commit creates a commit whose single file holds message.
func (r *Repo) Commit(message string, parents ...plumbing.Hash) plumbing.Hash {
	return r.CommitWith(CommitSpec{Message: message, Parents: parents})
}

func (r *Repo) CommitWith(spec CommitSpec) plumbing.Hash {
	r.t.Helper()
	if spec.Files == nil && spec.Tree.IsZero() {
		spec.Files = map[string]string{"file.txt": spec.Message}
	}
	if spec.AuthorName == "" {
		spec.AuthorName = "Test Author"
	}
	if spec.AuthorEmail == "" {
		spec.AuthorEmail = "author@example.com"
	}
	tree := spec.Tree
	if tree.IsZero() {
		tree = r.tree(spec.Files)
	}

	r.when = r.when.Add(time.Minute)
	authored := spec.AuthorWhen
	if authored.IsZero() {
		authored = r.when
	}
	commit := &object.Commit{
		Author:       object.Signature{Name: spec.AuthorName, Email: spec.AuthorEmail, When: authored},
		Committer:    object.Signature{Name: "Test Committer", Email: "committer@example.com", When: r.when},
		Message:      spec.Message,
		TreeHash:     tree,
		ParentHashes: spec.Parents,
	}
	store := r.Git().Storer
	eo := store.NewEncodedObject()
	if err := commit.Encode(eo); err != nil {
		r.t.Fatalf("encode commit: %v", err)
	}
	h, err := store.SetEncodedObject(eo)
	if err != nil {
		r.t.Fatalf("store commit: %v", err)
	}
	return h
}

func (r *Repo) tree(files map[string]string) plumbing.Hash {
	store := r.Git().Storer
	tree := object.Tree{}
	for _, name := range sortedKeys(files) {
		tree.Entries = append(tree.Entries, object.TreeEntry{
			Name: name,
			Mode: filemode.Regular,
			Hash: r.Blob(files[name]),
		})
	}
	eo := store.NewEncodedObject()
	if err := tree.Encode(eo); err != nil {
		r.t.Fatalf("encode tree: %v", err)
	}
	h, err := store.SetEncodedObject(eo)
	if err != nil {
		r.t.Fatalf("store tree: %v", err)
	}
	return h
}

func (r *Repo) Blob(content string) plumbing.Hash {
	r.t.Helper()
	store := r.Git().Storer
	eo := store.NewEncodedObject()
	eo.SetType(plumbing.BlobObject)
	eo.SetSize(int64(len(content)))
	w, err := eo.Writer()
	if err != nil {
		r.t.Fatalf("blob writer: %v", err)
	}
	if _, err := w.Write([]byte(content)); err != nil {
		_ = w.Close()
		r.t.Fatalf("write blob: %v", err)
	}
	if err := w.Close(); err != nil {
		r.t.Fatalf("close blob: %v", err)
	}
	h, err := store.SetEncodedObject(eo)
	if err != nil {
		r.t.Fatalf("store blob: %v", err)
	}
	return h
}

// TreeOf returns the tree of an existing commit.
func (r *Repo) TreeOf(commit plumbing.Hash) plumbing.Hash {
	r.t.Helper()
	c, err := r.Repository.Commit(commit)
	if err != nil {
		r.t.Fatalf("load commit %s: %v", commit, err)
	}
	return c.TreeHash
}

// Chain creates len(messages) commits, each a child of the previous one,
// starting on parent (which may be zero).
func (r *Repo) Chain(parent plumbing.Hash, messages ...string) []plumbing.Hash {
	out := make([]plumbing.Hash, 0, len(messages))
	for _, msg := range messages {
		var parents []plumbing.Hash
		if !parent.IsZero() {
			parents = []plumbing.Hash{parent}
		}
		parent = r.Commit(msg, parents...)
		out = append(out, parent)
	}
	return out
}

func (r *Repo) SetRef(name string, h plumbing.Hash) {
	r.t.Helper()
	if err := r.Git().Storer.SetReference(plumbing.NewHashReference(plumbing.ReferenceName(name), h)); err != nil {
		r.t.Fatalf("set %s: %v", name, err)
	}
}

func (r *Repo) Ref(name string) plumbing.Hash {
	r.t.Helper()
	h, err := r.Refs().Exact(name)
	if err != nil {
		r.t.Fatalf("read %s: %v", name, err)
	}
	return h
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
