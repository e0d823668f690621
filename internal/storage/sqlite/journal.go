package sqlite

import (
	"database/sql"
	"time"

	"github.com/exfinance/tickdl/internal/storage"

	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

// InitDB opens the SQLite journal and creates the months table if it
// doesn't exist.
func InitDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS months (
		id INTEGER PRIMARY KEY,
		pair TEXT NOT NULL,
		year INTEGER NOT NULL,
		month INTEGER NOT NULL,
		status TEXT DEFAULT 'failed',
		rows INTEGER DEFAULT 0,
		error TEXT,
		downloaded_at DATETIME,
		UNIQUE(pair, year, month)
	)`)

	if err != nil {
		return nil, err
	}

	return db, nil
}

type Journal struct {
	db *sql.DB
}

func NewJournal(dbConn *sql.DB) *Journal {
	return &Journal{db: dbConn}
}

// Record upserts the terminal outcome for one month. A later run
// overwrites an earlier failure, so retried months converge on their
// latest state.
func (j *Journal) Record(rec storage.MonthRecord) error {
	_, err := j.db.Exec(`
		INSERT INTO months (pair, year, month, status, rows, error, downloaded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(pair, year, month) DO UPDATE SET
			status = excluded.status,
			rows = excluded.rows,
			error = excluded.error,
			downloaded_at = excluded.downloaded_at
	`, rec.Pair, rec.Year, rec.Month, rec.Status, rec.Rows, rec.Error, time.Now().Format(time.RFC3339))

	return err
}

// IsDownloaded reports whether a month has a successful journal entry.
func (j *Journal) IsDownloaded(pair string, year, month int) (bool, error) {
	var status string

	err := j.db.QueryRow(
		`SELECT status FROM months WHERE pair = ? AND year = ? AND month = ?`,
		pair, year, month,
	).Scan(&status)

	if err == sql.ErrNoRows {
		return false, nil
	}

	if err != nil {
		return false, err
	}

	return status == storage.StatusDownloaded, nil
}

// History returns all journal entries for a pair, oldest month first.
func (j *Journal) History(pair string) ([]storage.MonthRecord, error) {
	rows, err := j.db.Query(`
		SELECT pair, year, month, status, rows, error, downloaded_at
		FROM months WHERE pair = ? ORDER BY year, month
	`, pair)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []storage.MonthRecord

	for rows.Next() {
		var rec storage.MonthRecord

		var errMsg, downloadedAt sql.NullString

		if err := rows.Scan(&rec.Pair, &rec.Year, &rec.Month, &rec.Status, &rec.Rows, &errMsg, &downloadedAt); err != nil {
			return nil, err
		}

		rec.Error = errMsg.String
		rec.DownloadedAt = downloadedAt.String

		records = append(records, rec)
	}

	return records, rows.Err()
}
