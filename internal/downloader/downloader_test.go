package downloader

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/exfinance/tickdl/internal/archive"
	"github.com/exfinance/tickdl/internal/plan"
	"github.com/exfinance/tickdl/internal/storage"
	"github.com/exfinance/tickdl/internal/tick"
	"github.com/exfinance/tickdl/internal/zipcsv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeFetcher serves canned zip payloads per month, optionally after a
// per-month delay to shake out completion-order assumptions.
type fakeFetcher struct {
	mu      sync.Mutex
	calls   []plan.Month
	payload func(pair string, month plan.Month) ([]byte, error)
	delay   func(month plan.Month) time.Duration
}

func (f *fakeFetcher) FetchMonth(_ context.Context, pair string, month plan.Month) ([]byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, month)
	f.mu.Unlock()

	if f.delay != nil {
		time.Sleep(f.delay(month))
	}

	return f.payload(pair, month)
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.calls)
}

func monthCSV(month plan.Month, rows int) string {
	buf := "Timestamp,Bid,Ask\n"

	base := time.Date(month.Year, month.Month, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < rows; i++ {
		ts := base.Add(time.Duration(i) * time.Second)
		buf += fmt.Sprintf("%s,%.5f,%.5f\n", ts.Format("2006-01-02 15:04:05.000"), 1.0+float64(i)/100000, 1.0001+float64(i)/100000)
	}

	return buf
}

func monthZip(t *testing.T, pair string, month plan.Month, rows int) []byte {
	t.Helper()

	var buf bytes.Buffer

	zw := zip.NewWriter(&buf)

	name := fmt.Sprintf("Exness_%s_%d_%02d.csv", pair, month.Year, int(month.Month))

	w, err := zw.Create(name)
	require.NoError(t, err)

	_, err = w.Write([]byte(monthCSV(month, rows)))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	return buf.Bytes()
}

func months(t *testing.T, start, end string) []plan.Month {
	t.Helper()

	s, err := plan.ParseDate(start)
	require.NoError(t, err)

	e, err := plan.ParseDate(end)
	require.NoError(t, err)

	ms, err := plan.Months(s, e)
	require.NoError(t, err)

	return ms
}

func TestRun_SingleMonthPipeline(t *testing.T) {
	ms := months(t, "2023-01-01", "2023-01-31")

	fetcher := &fakeFetcher{payload: func(pair string, m plan.Month) ([]byte, error) {
		return monthZip(t, pair, m, 50), nil
	}}

	d := NewDownloader(fetcher, 4, nil, nil)

	outcome := d.Run(context.Background(), "EURUSD", ms, "")

	require.Empty(t, outcome.Failures)
	require.Len(t, outcome.Ticks, 50)

	for i := 1; i < len(outcome.Ticks); i++ {
		assert.False(t, outcome.Ticks[i].Timestamp.Before(outcome.Ticks[i-1].Timestamp),
			"timestamps must be non-decreasing")
	}
}

func TestRun_OneNetworkFailureDoesNotAbortSiblings(t *testing.T) {
	ms := months(t, "2023-01-01", "2023-03-01")
	require.Len(t, ms, 3)

	failing := ms[1] // 2023-02

	fetcher := &fakeFetcher{payload: func(pair string, m plan.Month) ([]byte, error) {
		if m == failing {
			return nil, &archive.NetworkError{Operation: "fetch_month", StatusCode: 404}
		}

		return monthZip(t, pair, m, 10), nil
	}}

	d := NewDownloader(fetcher, 4, nil, nil)

	outcome := d.Run(context.Background(), "EURUSD", ms, "")

	require.Len(t, outcome.Failures, 1)
	assert.Equal(t, failing, outcome.Failures[0].Month)
	assert.Equal(t, StageNetwork, outcome.Failures[0].Stage)

	var netErr *archive.NetworkError
	require.True(t, errors.As(outcome.Failures[0].Err, &netErr))

	// Two surviving months, merged in calendar order.
	require.Len(t, outcome.Ticks, 20)
	assert.Equal(t, 2023, outcome.Ticks[0].Timestamp.Year())
	assert.Equal(t, time.January, outcome.Ticks[0].Timestamp.Month())
	assert.Equal(t, time.March, outcome.Ticks[len(outcome.Ticks)-1].Timestamp.Month())

	_, failed := outcome.FailureFor(failing)
	assert.True(t, failed)
}

func TestRun_FailureStagesAreDistinguished(t *testing.T) {
	ms := months(t, "2023-01-01", "2023-03-01")

	fetcher := &fakeFetcher{payload: func(pair string, m plan.Month) ([]byte, error) {
		switch m {
		case ms[0]:
			return nil, &archive.NetworkError{Operation: "fetch_month", StatusCode: 500}
		case ms[1]:
			return []byte("not a zip at all"), nil
		default:
			var buf bytes.Buffer
			zw := zip.NewWriter(&buf)
			w, err := zw.Create("bad.csv")
			require.NoError(t, err)
			_, err = w.Write([]byte("Timestamp,Bid,Ask\ngarbage,row,here\n"))
			require.NoError(t, err)
			require.NoError(t, zw.Close())

			return buf.Bytes(), nil
		}
	}}

	d := NewDownloader(fetcher, 2, nil, nil)

	outcome := d.Run(context.Background(), "EURUSD", ms, "")

	require.Len(t, outcome.Failures, 3)
	assert.Equal(t, StageNetwork, outcome.Failures[0].Stage)
	assert.Equal(t, StageExtraction, outcome.Failures[1].Stage)
	assert.Equal(t, StageParsing, outcome.Failures[2].Stage)

	var extErr *zipcsv.ExtractionError
	assert.True(t, errors.As(outcome.Failures[1].Err, &extErr))

	var parseErr *tick.ParseError
	assert.True(t, errors.As(outcome.Failures[2].Err, &parseErr))
}

func TestRun_OutputOrderIndependentOfCompletionOrder(t *testing.T) {
	ms := months(t, "2022-01-01", "2022-12-31")
	require.Len(t, ms, 12)

	rng := rand.New(rand.NewSource(42))

	delays := make(map[plan.Month]time.Duration, len(ms))

	var mu sync.Mutex

	fetcher := &fakeFetcher{
		payload: func(pair string, m plan.Month) ([]byte, error) {
			return monthZip(t, pair, m, 5), nil
		},
		delay: func(m plan.Month) time.Duration {
			mu.Lock()
			defer mu.Unlock()

			if _, ok := delays[m]; !ok {
				delays[m] = time.Duration(rng.Intn(30)) * time.Millisecond
			}

			return delays[m]
		},
	}

	d := NewDownloader(fetcher, 8, nil, nil)

	outcome := d.Run(context.Background(), "EURUSD", ms, "")

	require.Empty(t, outcome.Failures)
	require.Len(t, outcome.Ticks, 12*5)

	for i := 1; i < len(outcome.Ticks); i++ {
		require.False(t, outcome.Ticks[i].Timestamp.Before(outcome.Ticks[i-1].Timestamp),
			"merged output must be month-ordered regardless of completion order")
	}
}

func TestRun_SaveDirPersistsMonthlyCSVs(t *testing.T) {
	ms := months(t, "2023-01-01", "2023-02-01")

	fetcher := &fakeFetcher{payload: func(pair string, m plan.Month) ([]byte, error) {
		return monthZip(t, pair, m, 3), nil
	}}

	dir := t.TempDir()

	d := NewDownloader(fetcher, 2, nil, nil)

	outcome := d.Run(context.Background(), "EURUSD", ms, dir)
	require.Empty(t, outcome.Failures)

	for _, m := range ms {
		path := filepath.Join(dir, fmt.Sprintf("Exness_EURUSD_%d_%02d.csv", m.Year, int(m.Month)))

		content, err := os.ReadFile(path)
		require.NoError(t, err)

		records, err := tick.ParseCSV(content)
		require.NoError(t, err)
		assert.Len(t, records, 3)
	}
}

// memJournal is an in-memory storage.Journal for orchestrator tests.
type memJournal struct {
	mu      sync.Mutex
	records map[string]storage.MonthRecord
}

func newMemJournal() *memJournal {
	return &memJournal{records: make(map[string]storage.MonthRecord)}
}

func (j *memJournal) key(pair string, year, month int) string {
	return fmt.Sprintf("%s/%d/%d", pair, year, month)
}

func (j *memJournal) Record(rec storage.MonthRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.records[j.key(rec.Pair, rec.Year, rec.Month)] = rec

	return nil
}

func (j *memJournal) IsDownloaded(pair string, year, month int) (bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	rec, ok := j.records[j.key(pair, year, month)]

	return ok && rec.Status == storage.StatusDownloaded, nil
}

func (j *memJournal) History(string) ([]storage.MonthRecord, error) {
	return nil, nil
}

func TestRun_JournalRecordsOutcomes(t *testing.T) {
	ms := months(t, "2023-01-01", "2023-02-01")

	fetcher := &fakeFetcher{payload: func(pair string, m plan.Month) ([]byte, error) {
		if m == ms[1] {
			return nil, &archive.NetworkError{Operation: "fetch_month", StatusCode: 404}
		}

		return monthZip(t, pair, m, 4), nil
	}}

	journal := newMemJournal()

	d := NewDownloader(fetcher, 2, journal, nil)

	d.Run(context.Background(), "EURUSD", ms, "")

	ok, err := journal.IsDownloaded("EURUSD", 2023, 1)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = journal.IsDownloaded("EURUSD", 2023, 2)
	require.NoError(t, err)
	assert.False(t, ok)

	failedRec := journal.records[journal.key("EURUSD", 2023, 2)]
	assert.Equal(t, storage.StatusFailed, failedRec.Status)
	assert.NotEmpty(t, failedRec.Error)
}

func TestRun_JournaledMonthServedFromSaveDir(t *testing.T) {
	ms := months(t, "2023-01-01", "2023-01-31")
	dir := t.TempDir()

	fetcher := &fakeFetcher{payload: func(pair string, m plan.Month) ([]byte, error) {
		return monthZip(t, pair, m, 7), nil
	}}

	journal := newMemJournal()

	d := NewDownloader(fetcher, 2, journal, nil)

	// First run downloads and persists.
	outcome := d.Run(context.Background(), "EURUSD", ms, dir)
	require.Empty(t, outcome.Failures)
	require.Equal(t, 1, fetcher.callCount())

	// Second run must be served from disk without touching the network.
	outcome = d.Run(context.Background(), "EURUSD", ms, dir)
	require.Empty(t, outcome.Failures)
	assert.Len(t, outcome.Ticks, 7)
	assert.Equal(t, 1, fetcher.callCount())
}
