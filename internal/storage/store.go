package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrContention means another writer got there first; the operation may
	// be retried from scratch.
	ErrContention = errors.New("concurrent modification")
	// ErrDuplicateKey means the change would be a second open change with the
	// same Change-Id on its branch.
	ErrDuplicateKey = errors.New("duplicate open change key")
)

const timeFormat = time.RFC3339

type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, err
	}

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// NextChangeNumbers reserves n change numbers in a transaction of its own.
// Reserved numbers are never handed out again, even when the caller's
// transaction later fails.
func (s *Store) NextChangeNumbers(ctx context.Context, n int) ([]int, error) {
	if n <= 0 {
		return nil, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classify(err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `INSERT INTO change_sequence (name, next_value) VALUES ('changes', 1)
		ON CONFLICT(name) DO NOTHING`); err != nil {
		return nil, classify(err)
	}
	var next int
	if err := tx.QueryRowContext(ctx, `SELECT next_value FROM change_sequence WHERE name = 'changes'`).Scan(&next); err != nil {
		return nil, classify(err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE change_sequence SET next_value = ? WHERE name = 'changes'`, next+n); err != nil {
		return nil, classify(err)
	}
	if err := tx.Commit(); err != nil {
		return nil, classify(err)
	}

	out := make([]int, n)
	for i := range out {
		out[i] = next + i
	}
	return out, nil
}

const changeColumns = `change_num, change_key, branch, owner, subject, status, topic, is_private, wip,
	current_ps, submission_id, meta_version, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChange(row rowScanner) (Change, error) {
	var c Change
	var status, createdAt, updatedAt string
	var private, wip int
	if err := row.Scan(&c.Number, &c.Key, &c.Branch, &c.Owner, &c.Subject, &status, &c.Topic, &private, &wip,
		&c.CurrentPatchSet, &c.SubmissionID, &c.MetaVersion, &createdAt, &updatedAt); err != nil {
		return Change{}, err
	}
	c.Status = ChangeStatus(status)
	c.Private = private != 0
	c.WorkInProgress = wip != 0
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updatedAt)
	return c, nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getChange(ctx context.Context, q querier, num int) (Change, error) {
	row := q.QueryRowContext(ctx, `SELECT `+changeColumns+` FROM changes WHERE change_num = ?`, num)
	c, err := scanChange(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Change{}, ErrNotFound
	}
	return c, classify(err)
}

func queryChanges(ctx context.Context, q querier, where string, args ...any) ([]Change, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+changeColumns+` FROM changes WHERE `+where, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []Change
	for rows.Next() {
		c, err := scanChange(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) Get(ctx context.Context, num int) (Change, error) {
	return getChange(ctx, s.db, num)
}

// ByBranchKey returns every change on branch carrying the Change-Id key,
// open changes first, newest first within each status.
func (s *Store) ByBranchKey(ctx context.Context, branch, key string) ([]Change, error) {
	return queryChanges(ctx, s.db, `branch = ? AND change_key = ?
		ORDER BY CASE status WHEN 'new' THEN 0 ELSE 1 END, change_num DESC`, branch, key)
}

// ByBranchCommit returns the changes on branch that have a patch set for
// the commit.
func (s *Store) ByBranchCommit(ctx context.Context, branch, sha string) ([]Change, error) {
	return queryChanges(ctx, s.db, `branch = ? AND change_num IN (
		SELECT change_num FROM patch_sets WHERE commit_sha = ?) ORDER BY change_num`, branch, sha)
}

// OpenByBranch returns the open changes on branch keyed by Change-Id.
func (s *Store) OpenByBranch(ctx context.Context, branch string) (map[string]Change, error) {
	changes, err := queryChanges(ctx, s.db, `branch = ? AND status = 'new' ORDER BY change_num`, branch)
	if err != nil {
		return nil, err
	}
	out := make(map[string]Change, len(changes))
	for _, c := range changes {
		out[c.Key] = c
	}
	return out, nil
}

func (s *Store) PatchSets(ctx context.Context, num int) ([]PatchSet, error) {
	return queryPatchSets(ctx, s.db, `change_num = ? ORDER BY ps_num`, num)
}

func (s *Store) PatchSet(ctx context.Context, num, ps int) (PatchSet, error) {
	out, err := queryPatchSets(ctx, s.db, `change_num = ? AND ps_num = ?`, num, ps)
	if err != nil {
		return PatchSet{}, err
	}
	if len(out) == 0 {
		return PatchSet{}, ErrNotFound
	}
	return out[0], nil
}

func (s *Store) PatchSetsByCommit(ctx context.Context, sha string) ([]PatchSet, error) {
	return queryPatchSets(ctx, s.db, `commit_sha = ? ORDER BY change_num, ps_num`, sha)
}

func queryPatchSets(ctx context.Context, q querier, where string, args ...any) ([]PatchSet, error) {
	rows, err := q.QueryContext(ctx, `SELECT change_num, ps_num, commit_sha, uploader, group_ids, description, created_at
		FROM patch_sets WHERE `+where, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []PatchSet
	for rows.Next() {
		var ps PatchSet
		var groups, createdAt string
		if err := rows.Scan(&ps.Change, &ps.Number, &ps.CommitSHA, &ps.Uploader, &groups, &ps.Description, &createdAt); err != nil {
			return nil, err
		}
		ps.Groups = splitGroups(groups)
		ps.CreatedAt = parseTime(createdAt)
		out = append(out, ps)
	}
	return out, rows.Err()
}

func (s *Store) Reviewers(ctx context.Context, num int) ([]ChangeReviewer, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT account, state FROM change_reviewers WHERE change_num = ? ORDER BY account`, num)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ChangeReviewer
	for rows.Next() {
		var r ChangeReviewer
		var state string
		if err := rows.Scan(&r.Account, &state); err != nil {
			return nil, err
		}
		r.State = ReviewerState(state)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) Hashtags(ctx context.Context, num int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT hashtag FROM change_hashtags WHERE change_num = ? ORDER BY hashtag`, num)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, err
		}
		out = append(out, tag)
	}
	return out, rows.Err()
}

func (s *Store) Messages(ctx context.Context, num int) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT change_num, ps_num, author, tag, body, created_at
		FROM change_messages WHERE change_num = ? ORDER BY created_at, message_id`, num)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var createdAt string
		if err := rows.Scan(&m.Change, &m.PatchSet, &m.Author, &m.Tag, &m.Text, &createdAt); err != nil {
			return nil, err
		}
		m.CreatedAt = parseTime(createdAt)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) Approvals(ctx context.Context, num, ps int) ([]Approval, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT change_num, ps_num, account, label, value
		FROM approvals WHERE change_num = ? AND ps_num = ? ORDER BY label, account`, num, ps)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Approval
	for rows.Next() {
		var a Approval
		if err := rows.Scan(&a.Change, &a.PatchSet, &a.Account, &a.Label, &a.Value); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) ListEventsSince(ctx context.Context, since time.Time, limit int) ([]Event, error) {
	query := `SELECT event_id, type, data_json, created_at FROM events WHERE created_at >= ? ORDER BY created_at ASC, event_id ASC`
	args := []any{since.UTC().Format(timeFormat)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var evt Event
		var createdAt string
		if err := rows.Scan(&evt.EventID, &evt.Type, &evt.DataJSON, &createdAt); err != nil {
			return nil, err
		}
		evt.CreatedAt = parseTime(createdAt)
		out = append(out, evt)
	}
	return out, rows.Err()
}

// classify maps driver errors onto the package sentinels.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var serr *sqlite.Error
	if !errors.As(err, &serr) {
		return err
	}
	switch serr.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return fmt.Errorf("%w: %v", ErrContention, err)
	case sqlite3.SQLITE_CONSTRAINT:
		if strings.Contains(err.Error(), "UNIQUE") && strings.Contains(err.Error(), "change_key") {
			return fmt.Errorf("%w: %v", ErrDuplicateKey, err)
		}
	}
	return err
}

func newID() string {
	return ulid.Make().String()
}

func parseTime(value string) time.Time {
	t, err := time.Parse(timeFormat, value)
	if err != nil {
		return time.Time{}
	}
	return t
}

func joinGroups(groups []string) string {
	return strings.Join(groups, ",")
}

func splitGroups(value string) []string {
	if value == "" {
		return nil
	}
	return strings.Split(value, ",")
}
