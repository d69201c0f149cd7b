// Package spool exchanges pushes with a frontend through a directory: the
// frontend drops one YAML batch per push and picks up the result file.
// Batch files must appear atomically, for example by renaming them into
// the directory.
package spool

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/go-git/go-git/v5/plumbing"
	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"

	"github.com/lydakis/jul/receive/internal/command"
	"github.com/lydakis/jul/receive/internal/gitrepo"
	"github.com/lydakis/jul/receive/internal/permission"
	"github.com/lydakis/jul/receive/internal/receive"
)

const (
	BatchSuffix  = ".push.yaml"
	ResultSuffix = ".result.yaml"
)

// Batch is one push as written by the frontend.
type Batch struct {
	User     permission.User `yaml:"user"`
	Options  []string        `yaml:"options,omitempty"`
	Commands []Command       `yaml:"commands"`
}

type Command struct {
	Ref string `yaml:"ref"`
	Old string `yaml:"old"`
	New string `yaml:"new"`
}

// Report is written next to a processed batch.
type Report struct {
	Result *receive.Result `yaml:"result,omitempty"`
	Error  string          `yaml:"error,omitempty"`
}

func ReadBatch(path string) (*Batch, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var b Batch
	if err := yaml.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if b.User.Name == "" {
		return nil, fmt.Errorf("%s: user.name is required", path)
	}
	return &b, nil
}

// PushCommands converts the batch, classifying updates that do not
// fast-forward. An id that is not a full hex object name is an error.
func (b *Batch) PushCommands(repo *gitrepo.Repository) ([]*command.PushCommand, error) {
	out := make([]*command.PushCommand, 0, len(b.Commands))
	for _, c := range b.Commands {
		oldID, err := parseID(c.Old)
		if err != nil {
			return nil, fmt.Errorf("%s: old: %w", c.Ref, err)
		}
		newID, err := parseID(c.New)
		if err != nil {
			return nil, fmt.Errorf("%s: new: %w", c.Ref, err)
		}
		ff := true
		if !oldID.IsZero() && !newID.IsZero() && repo.HasObject(oldID) && repo.HasObject(newID) {
			ff, err = repo.IsMergedInto(oldID, newID)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", c.Ref, err)
			}
		}
		out = append(out, command.New(c.Ref, oldID, newID, ff))
	}
	return out, nil
}

func parseID(s string) (plumbing.Hash, error) {
	if s == "" {
		return plumbing.ZeroHash, nil
	}
	if len(s) != 40 || strings.Trim(strings.ToLower(s), "0123456789abcdef") != "" {
		return plumbing.ZeroHash, fmt.Errorf("invalid object id %q", s)
	}
	return plumbing.NewHash(s), nil
}

// WriteReport writes r to path through a temporary file and a rename, so
// readers never observe a partial report.
func WriteReport(path string, r Report) error {
	content, err := yaml.Marshal(r)
	if err != nil {
		return fmt.Errorf("yaml marshal: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".receive-tmp-*.yaml")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("atomic rename: %w", err)
	}
	return nil
}

// Handler runs one batch.
type Handler func(ctx context.Context, b *Batch) (*receive.Result, error)

// Watcher processes batches dropped into Dir, one at a time.
type Watcher struct {
	Dir     string
	Handler Handler
}

// Run handles the batches already present and then every new one until ctx
// is done.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(w.Dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.Dir, err)
	}

	pending, err := filepath.Glob(filepath.Join(w.Dir, "*"+BatchSuffix))
	if err != nil {
		return err
	}
	sort.Strings(pending)
	for _, path := range pending {
		w.handle(ctx, path)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !strings.HasSuffix(event.Name, BatchSuffix) {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			w.handle(ctx, event.Name)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			klog.Errorf("spool watcher: %v", err)
		}
	}
}

// ResultPath names the report file of a batch.
func ResultPath(batchPath string) string {
	return strings.TrimSuffix(batchPath, BatchSuffix) + ResultSuffix
}

// handle processes path unless it already has a report. Failures end up in
// the report, never in Run.
func (w *Watcher) handle(ctx context.Context, path string) {
	out := ResultPath(path)
	if _, err := os.Stat(out); err == nil {
		return
	} else if !errors.Is(err, os.ErrNotExist) {
		klog.Warningf("stat %s: %v", out, err)
		return
	}

	var report Report
	b, err := ReadBatch(path)
	if errors.Is(err, os.ErrNotExist) {
		return
	}
	if err == nil {
		report.Result, err = w.Handler(ctx, b)
	}
	if err != nil {
		klog.Errorf("batch %s: %v", filepath.Base(path), err)
		report.Error = err.Error()
	}
	if err := WriteReport(out, report); err != nil {
		klog.Errorf("write %s: %v", out, err)
		return
	}
	klog.V(2).Infof("processed %s", filepath.Base(path))
}
