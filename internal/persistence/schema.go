package persistence

import (
	"context"
	"fmt"
)

// localSchema is the subset of the AACT schema the queries read. It lets a
// SQLite extract stand in for the public Postgres mirror.
const localSchema = `
CREATE TABLE IF NOT EXISTS studies (
	nct_id           TEXT PRIMARY KEY,
	start_month_year TEXT
);

CREATE TABLE IF NOT EXISTS conditions (
	id     INTEGER PRIMARY KEY AUTOINCREMENT,
	nct_id TEXT NOT NULL REFERENCES studies(nct_id),
	name   TEXT
);

CREATE INDEX IF NOT EXISTS idx_conditions_nct_id ON conditions(nct_id);
`

// EnsureLocalSchema creates the studies and conditions tables on a SQLite
// database. The AACT mirror is read-only and is never modified.
func (d *DB) EnsureLocalSchema(ctx context.Context) error {
	if d.driver != "sqlite" {
		return fmt.Errorf("local schema is only supported on sqlite, not %s", d.driver)
	}
	if _, err := d.db.ExecContext(ctx, localSchema); err != nil {
		return fmt.Errorf("create local schema: %w", err)
	}
	return nil
}

// InsertStudy adds a study and its conditions to a local extract
func (d *DB) InsertStudy(ctx context.Context, nctID, startMonthYear string, conditions ...string) error {
	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, tx.Rebind(
		`INSERT INTO studies (nct_id, start_month_year) VALUES (?, ?)`), nctID, startMonthYear); err != nil {
		return fmt.Errorf("insert study %s: %w", nctID, err)
	}
	for _, name := range conditions {
		if _, err := tx.ExecContext(ctx, tx.Rebind(
			`INSERT INTO conditions (nct_id, name) VALUES (?, ?)`), nctID, name); err != nil {
			return fmt.Errorf("insert condition for %s: %w", nctID, err)
		}
	}
	return tx.Commit()
}
