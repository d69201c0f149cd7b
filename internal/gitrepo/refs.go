package gitrepo

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/storer"
	"github.com/go-git/go-git/v5/storage"
	"k8s.io/klog/v2"

	"github.com/lydakis/jul/receive/internal/changeid"
)

// ErrRefConflict is returned by Apply when at least one ref no longer holds
// its expected value.
var ErrRefConflict = errors.New("ref conflict")

// RefUpdate is a compare-and-swap of one ref. A zero Old means the ref must
// not exist; a zero New deletes it.
type RefUpdate struct {
	Name string
	Old  plumbing.Hash
	New  plumbing.Hash
}

type RefStatus int

const (
	RefOK RefStatus = iota
	RefConflict
	RefAborted
)

func (s RefStatus) String() string {
	switch s {
	case RefOK:
		return "ok"
	case RefConflict:
		return "lock failure"
	case RefAborted:
		return "transaction aborted"
	default:
		return fmt.Sprintf("RefStatus(%d)", int(s))
	}
}

type RefOutcome struct {
	Name   string
	Status RefStatus
}

// PatchSetRef is a refs/changes/ entry pointing at a commit.
type PatchSetRef struct {
	Name     string
	Change   int
	PatchSet int
}

// RefStore serializes ref transactions for one repository.
type RefStore struct {
	mu sync.Mutex
	st storer.Storer
}

func newRefStore(st storer.Storer) *RefStore {
	return &RefStore{st: st}
}

// Exact returns the object a ref points at, resolving symbolic refs. Missing
// refs yield the zero hash.
func (s *RefStore) Exact(name string) (plumbing.Hash, error) {
	ref, err := storer.ResolveReference(s.st, plumbing.ReferenceName(name))
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return plumbing.ZeroHash, nil
	}
	if err != nil {
		return plumbing.ZeroHash, err
	}
	return ref.Hash(), nil
}

func (s *RefStore) Exists(name string) (bool, error) {
	h, err := s.Exact(name)
	return !h.IsZero(), err
}

// ByPrefix lists hash refs under prefix, keyed by full name.
func (s *RefStore) ByPrefix(prefix string) (map[string]plumbing.Hash, error) {
	iter, err := s.st.IterReferences()
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	out := make(map[string]plumbing.Hash)
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		if ref.Type() != plumbing.HashReference {
			return nil
		}
		name := ref.Name().String()
		if strings.HasPrefix(name, prefix) {
			out[name] = ref.Hash()
		}
		return nil
	})
	return out, err
}

// Names returns the sorted names of ByPrefix.
func (s *RefStore) Names(prefix string) ([]string, error) {
	refs, err := s.ByPrefix(prefix)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(refs))
	for name := range refs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// PatchSetsByCommit scans refs/changes/ for patch set refs pointing at h.
func (s *RefStore) PatchSetsByCommit(h plumbing.Hash) ([]PatchSetRef, error) {
	idx, err := s.PatchSetIndex()
	if err != nil {
		return nil, err
	}
	return idx[h], nil
}

// PatchSetIndex maps every commit under refs/changes/ to its patch set refs.
func (s *RefStore) PatchSetIndex() (map[plumbing.Hash][]PatchSetRef, error) {
	refs, err := s.ByPrefix(changeid.ChangesPrefix)
	if err != nil {
		return nil, err
	}
	idx := make(map[plumbing.Hash][]PatchSetRef)
	for name, h := range refs {
		change, ps, ok := changeid.ParsePatchSetRef(name)
		if !ok {
			continue
		}
		idx[h] = append(idx[h], PatchSetRef{Name: name, Change: change, PatchSet: ps})
	}
	for _, list := range idx {
		sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	}
	return idx, nil
}

// Apply performs every update or none. When any expected value is stale the
// stale refs are reported as RefConflict, the rest as RefAborted, and
// ErrRefConflict is returned.
func (s *RefStore) Apply(updates []RefUpdate) ([]RefOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	outcomes := make([]RefOutcome, len(updates))
	current := make([]*plumbing.Reference, len(updates))
	conflict := false
	for i, u := range updates {
		outcomes[i] = RefOutcome{Name: u.Name, Status: RefOK}
		ref, err := s.st.Reference(plumbing.ReferenceName(u.Name))
		switch {
		case errors.Is(err, plumbing.ErrReferenceNotFound):
			if !u.Old.IsZero() {
				outcomes[i].Status = RefConflict
				conflict = true
			}
		case err != nil:
			return nil, err
		default:
			current[i] = ref
			if ref.Hash() != u.Old {
				outcomes[i].Status = RefConflict
				conflict = true
			}
		}
	}
	if conflict {
		for i := range outcomes {
			if outcomes[i].Status == RefOK {
				outcomes[i].Status = RefAborted
			}
		}
		return outcomes, ErrRefConflict
	}

	for i, u := range updates {
		if err := s.write(u, current[i]); err != nil {
			if errors.Is(err, storage.ErrReferenceHasChanged) {
				outcomes[i].Status = RefConflict
			}
			s.undo(updates[:i])
			for j := range outcomes {
				if outcomes[j].Status == RefOK {
					outcomes[j].Status = RefAborted
				}
			}
			if outcomes[i].Status == RefConflict {
				return outcomes, ErrRefConflict
			}
			return outcomes, fmt.Errorf("update %s: %w", u.Name, err)
		}
		klog.V(3).Infof("ref %s: %s -> %s", u.Name, u.Old, u.New)
	}
	return outcomes, nil
}

func (s *RefStore) write(u RefUpdate, current *plumbing.Reference) error {
	name := plumbing.ReferenceName(u.Name)
	if u.New.IsZero() {
		return s.st.RemoveReference(name)
	}
	next := plumbing.NewHashReference(name, u.New)
	if current == nil {
		return s.st.SetReference(next)
	}
	return s.st.CheckAndSetReference(next, current)
}

// Revert undoes updates applied by an earlier Apply, skipping refs that have
// moved since.
func (s *RefStore) Revert(updates []RefUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.undo(updates)
}

func (s *RefStore) undo(updates []RefUpdate) {
	for i := len(updates) - 1; i >= 0; i-- {
		u := updates[i]
		name := plumbing.ReferenceName(u.Name)
		ref, err := s.st.Reference(name)
		switch {
		case errors.Is(err, plumbing.ErrReferenceNotFound):
			if !u.New.IsZero() {
				continue
			}
		case err != nil:
			klog.Warningf("revert %s: %v", u.Name, err)
			continue
		default:
			if ref.Hash() != u.New {
				klog.Warningf("revert %s: ref moved to %s, leaving it", u.Name, ref.Hash())
				continue
			}
		}
		if u.Old.IsZero() {
			err = s.st.RemoveReference(name)
		} else {
			err = s.st.SetReference(plumbing.NewHashReference(name, u.Old))
		}
		if err != nil {
			klog.Warningf("revert %s: %v", u.Name, err)
		}
	}
}

// ValidRefName applies the git check-ref-format rules to a full ref name.
func ValidRefName(name string) bool {
	if !strings.HasPrefix(name, "refs/") || strings.HasSuffix(name, "/") || strings.HasSuffix(name, ".") {
		return false
	}
	if strings.Contains(name, "..") || strings.Contains(name, "@{") || strings.Contains(name, "//") {
		return false
	}
	for _, r := range name {
		if r < 0x20 || r == 0x7f || strings.ContainsRune(" ~^:?*[\\", r) {
			return false
		}
	}
	for _, part := range strings.Split(name, "/") {
		if part == "" || strings.HasPrefix(part, ".") || strings.HasSuffix(part, ".lock") {
			return false
		}
	}
	return true
}
