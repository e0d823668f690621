package storage

// Month statuses tracked by the journal.
const (
	StatusDownloaded = "downloaded"
	StatusFailed     = "failed"
)

// MonthRecord is the journal entry for one (pair, year, month) unit.
type MonthRecord struct {
	Pair         string
	Year         int
	Month        int
	Status       string
	Rows         int
	Error        string
	DownloadedAt string
}

// JournalReadRepository exposes the journal's query side.
type JournalReadRepository interface {
	IsDownloaded(pair string, year, month int) (bool, error)
	History(pair string) ([]MonthRecord, error)
}

// JournalWriteRepository records per-month terminal outcomes.
type JournalWriteRepository interface {
	Record(rec MonthRecord) error
}

// Journal combines both sides; the orchestrator only needs this.
type Journal interface {
	JournalReadRepository
	JournalWriteRepository
}
