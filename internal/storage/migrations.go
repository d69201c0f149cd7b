package storage

import "database/sql"

func runMigrations(db *sql.DB) error {
	stmts := []string{
		`PRAGMA foreign_keys = ON;`,
		`CREATE TABLE IF NOT EXISTS change_sequence (
			name TEXT PRIMARY KEY,
			next_value INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS changes (
			change_num INTEGER PRIMARY KEY,
			change_key TEXT NOT NULL,
			branch TEXT NOT NULL,
			owner TEXT NOT NULL,
			subject TEXT NOT NULL,
			status TEXT NOT NULL,
			topic TEXT NOT NULL DEFAULT '',
			is_private INTEGER NOT NULL DEFAULT 0,
			wip INTEGER NOT NULL DEFAULT 0,
			current_ps INTEGER NOT NULL,
			submission_id TEXT NOT NULL DEFAULT '',
			meta_version INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_changes_branch_key ON changes(branch, change_key);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_changes_open_key ON changes(branch, change_key) WHERE status = 'new';`,
		`CREATE TABLE IF NOT EXISTS patch_sets (
			change_num INTEGER NOT NULL,
			ps_num INTEGER NOT NULL,
			commit_sha TEXT NOT NULL,
			uploader TEXT NOT NULL,
			group_ids TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			PRIMARY KEY (change_num, ps_num),
			FOREIGN KEY(change_num) REFERENCES changes(change_num)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_patch_sets_commit ON patch_sets(commit_sha);`,
		`CREATE TABLE IF NOT EXISTS change_reviewers (
			change_num INTEGER NOT NULL,
			account TEXT NOT NULL,
			state TEXT NOT NULL,
			PRIMARY KEY (change_num, account),
			FOREIGN KEY(change_num) REFERENCES changes(change_num)
		);`,
		`CREATE TABLE IF NOT EXISTS change_hashtags (
			change_num INTEGER NOT NULL,
			hashtag TEXT NOT NULL,
			PRIMARY KEY (change_num, hashtag),
			FOREIGN KEY(change_num) REFERENCES changes(change_num)
		);`,
		`CREATE TABLE IF NOT EXISTS change_messages (
			message_id TEXT PRIMARY KEY,
			change_num INTEGER NOT NULL,
			ps_num INTEGER NOT NULL,
			author TEXT NOT NULL,
			tag TEXT NOT NULL DEFAULT '',
			body TEXT NOT NULL,
			created_at TEXT NOT NULL,
			FOREIGN KEY(change_num) REFERENCES changes(change_num)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_change_messages_change ON change_messages(change_num);`,
		`CREATE TABLE IF NOT EXISTS approvals (
			change_num INTEGER NOT NULL,
			ps_num INTEGER NOT NULL,
			account TEXT NOT NULL,
			label TEXT NOT NULL,
			value INTEGER NOT NULL,
			PRIMARY KEY (change_num, ps_num, account, label),
			FOREIGN KEY(change_num) REFERENCES changes(change_num)
		);`,
		`CREATE TABLE IF NOT EXISTS events (
			event_id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			data_json TEXT NOT NULL,
			created_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_events_created_at ON events(created_at);`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}

	if err := ensureColumn(db, "patch_sets", "description", "TEXT NOT NULL DEFAULT ''"); err != nil {
		return err
	}
	return nil
}

func ensureColumn(db *sql.DB, table, column, columnType string) error {
	rows, err := db.Query(`PRAGMA table_info(` + table + `);`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name string
		var ctype string
		var notnull int
		var dfltValue any
		var pk int
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return err
		}
		if name == column {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	_, err = db.Exec(`ALTER TABLE ` + table + ` ADD COLUMN ` + column + ` ` + columnType + `;`)
	return err
}
