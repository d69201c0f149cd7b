package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Tx groups change metadata mutations. Nothing is visible to other readers
// until Commit.
type Tx struct {
	tx  *sql.Tx
	now time.Time
}

func (s *Store) Begin(ctx context.Context) (*Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classify(err)
	}
	return &Tx{tx: tx, now: time.Now().UTC()}, nil
}

func (t *Tx) Commit() error {
	return classify(t.tx.Commit())
}

func (t *Tx) Rollback() error {
	return t.tx.Rollback()
}

func (t *Tx) Now() time.Time {
	return t.now
}

func (t *Tx) Get(ctx context.Context, num int) (Change, error) {
	return getChange(ctx, t.tx, num)
}

func (t *Tx) PatchSets(ctx context.Context, num int) ([]PatchSet, error) {
	return queryPatchSets(ctx, t.tx, `change_num = ? ORDER BY ps_num`, num)
}

func (t *Tx) InsertChange(ctx context.Context, c Change) (Change, error) {
	if c.Number <= 0 || c.Key == "" || c.Branch == "" {
		return Change{}, fmt.Errorf("change number, key and branch are required")
	}
	if c.Status == "" {
		c.Status = StatusNew
	}
	c.MetaVersion = 1
	c.CreatedAt = t.now
	c.UpdatedAt = t.now
	_, err := t.tx.ExecContext(ctx, `INSERT INTO changes (`+changeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.Number, c.Key, c.Branch, c.Owner, c.Subject, string(c.Status), c.Topic, boolInt(c.Private), boolInt(c.WorkInProgress),
		c.CurrentPatchSet, c.SubmissionID, c.MetaVersion, c.CreatedAt.Format(timeFormat), c.UpdatedAt.Format(timeFormat))
	if err != nil {
		return Change{}, classify(err)
	}
	return c, nil
}

func (t *Tx) InsertPatchSet(ctx context.Context, ps PatchSet) (PatchSet, error) {
	if ps.Change <= 0 || ps.Number <= 0 || ps.CommitSHA == "" {
		return PatchSet{}, fmt.Errorf("change, patch set number and commit are required")
	}
	ps.CreatedAt = t.now
	_, err := t.tx.ExecContext(ctx, `INSERT INTO patch_sets (change_num, ps_num, commit_sha, uploader, group_ids, description, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ps.Change, ps.Number, ps.CommitSHA, ps.Uploader, joinGroups(ps.Groups), ps.Description, ps.CreatedAt.Format(timeFormat))
	if err != nil {
		return PatchSet{}, classify(err)
	}
	return ps, nil
}

// UpdateChange writes c if the stored meta version still equals
// c.MetaVersion and returns the change with its bumped version. A stale
// version yields ErrContention.
func (t *Tx) UpdateChange(ctx context.Context, c Change) (Change, error) {
	res, err := t.tx.ExecContext(ctx, `UPDATE changes SET subject = ?, status = ?, topic = ?, is_private = ?, wip = ?,
		current_ps = ?, submission_id = ?, meta_version = meta_version + 1, updated_at = ?
		WHERE change_num = ? AND meta_version = ?`,
		c.Subject, string(c.Status), c.Topic, boolInt(c.Private), boolInt(c.WorkInProgress),
		c.CurrentPatchSet, c.SubmissionID, t.now.Format(timeFormat), c.Number, c.MetaVersion)
	if err != nil {
		return Change{}, classify(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Change{}, err
	}
	if n == 0 {
		if _, err := getChange(ctx, t.tx, c.Number); err != nil {
			return Change{}, err
		}
		return Change{}, fmt.Errorf("%w: change %d meta version %d is stale", ErrContention, c.Number, c.MetaVersion)
	}
	c.MetaVersion++
	c.UpdatedAt = t.now
	return c, nil
}

// SetMerged closes c as merged under submissionID.
func (t *Tx) SetMerged(ctx context.Context, c Change, submissionID string) (Change, error) {
	c.Status = StatusMerged
	c.SubmissionID = submissionID
	return t.UpdateChange(ctx, c)
}

func (t *Tx) AddReviewers(ctx context.Context, num int, reviewers []ChangeReviewer) error {
	for _, r := range reviewers {
		_, err := t.tx.ExecContext(ctx, `INSERT INTO change_reviewers (change_num, account, state) VALUES (?, ?, ?)
			ON CONFLICT(change_num, account) DO UPDATE SET state = excluded.state`, num, r.Account, string(r.State))
		if err != nil {
			return classify(err)
		}
	}
	return nil
}

func (t *Tx) AddHashtags(ctx context.Context, num int, hashtags []string) error {
	for _, tag := range hashtags {
		_, err := t.tx.ExecContext(ctx, `INSERT INTO change_hashtags (change_num, hashtag) VALUES (?, ?)
			ON CONFLICT(change_num, hashtag) DO NOTHING`, num, tag)
		if err != nil {
			return classify(err)
		}
	}
	return nil
}

func (t *Tx) AddMessage(ctx context.Context, m Message) error {
	_, err := t.tx.ExecContext(ctx, `INSERT INTO change_messages (message_id, change_num, ps_num, author, tag, body, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		newID(), m.Change, m.PatchSet, m.Author, m.Tag, m.Text, t.now.Format(timeFormat))
	return classify(err)
}

func (t *Tx) AddApprovals(ctx context.Context, approvals []Approval) error {
	for _, a := range approvals {
		_, err := t.tx.ExecContext(ctx, `INSERT INTO approvals (change_num, ps_num, account, label, value) VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(change_num, ps_num, account, label) DO UPDATE SET value = excluded.value`,
			a.Change, a.PatchSet, a.Account, a.Label, a.Value)
		if err != nil {
			return classify(err)
		}
	}
	return nil
}

func (t *Tx) RecordEvent(ctx context.Context, evt Event) (Event, error) {
	if evt.EventID == "" {
		evt.EventID = newID()
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = t.now
	}
	_, err := t.tx.ExecContext(ctx, `INSERT INTO events (event_id, type, data_json, created_at) VALUES (?, ?, ?, ?)`,
		evt.EventID, evt.Type, evt.DataJSON, evt.CreatedAt.UTC().Format(timeFormat))
	if err != nil {
		return Event{}, classify(err)
	}
	return evt, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
