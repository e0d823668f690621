// Package downloader runs the per-month fetch+extract+parse pipelines in
// parallel and merges their results in calendar order.
package downloader

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/exfinance/tickdl/internal/logctx"
	"github.com/exfinance/tickdl/internal/plan"
	"github.com/exfinance/tickdl/internal/storage"
	"github.com/exfinance/tickdl/internal/telemetry"
	"github.com/exfinance/tickdl/internal/tick"
	"github.com/exfinance/tickdl/internal/zipcsv"
	"golang.org/x/sync/errgroup"
)

// Stage identifies which pipeline step a month failed at.
type Stage string

const (
	StageNetwork    Stage = "network"
	StageExtraction Stage = "extraction"
	StageParsing    Stage = "parsing"
)

// Failure records one month's terminal failure, tagged by stage.
type Failure struct {
	Month plan.Month
	Stage Stage
	Err   error
}

// Outcome is the aggregate result of one download run: every successful
// month's records merged in calendar order, plus one failure entry per
// failed month.
type Outcome struct {
	Pair     string
	Ticks    []tick.Record
	Failures []Failure
}

// FailureFor returns the failure entry for a month, if that month failed.
func (o *Outcome) FailureFor(m plan.Month) (Failure, bool) {
	for _, f := range o.Failures {
		if f.Month == m {
			return f, true
		}
	}

	return Failure{}, false
}

// Fetcher retrieves the raw zip bytes for one month of one pair.
type Fetcher interface {
	FetchMonth(ctx context.Context, pair string, month plan.Month) ([]byte, error)
}

type Downloader struct {
	fetcher     Fetcher
	maxParallel int
	journal     storage.Journal
	tel         *telemetry.Telemetry
}

// NewDownloader builds the orchestrator. journal and tel may be nil.
func NewDownloader(fetcher Fetcher, maxParallel int, journal storage.Journal, tel *telemetry.Telemetry) *Downloader {
	if maxParallel < 1 {
		maxParallel = 1
	}

	return &Downloader{
		fetcher:     fetcher,
		maxParallel: maxParallel,
		journal:     journal,
		tel:         tel,
	}
}

// Run executes one pipeline per month on a bounded pool. Each month is
// independent: a failure at any stage is recorded against that month only
// and never cancels siblings. Results land in slots indexed by the plan
// position, so the merged output is ordered by month regardless of which
// fetch completes first. When saveDir is non-empty, each month's CSV is
// also persisted there.
func (d *Downloader) Run(ctx context.Context, pair string, months []plan.Month, saveDir string) *Outcome {
	logger := logctx.LoggerFromContext(ctx)

	slots := make([][]tick.Record, len(months))
	failures := make([]*Failure, len(months))

	wg, ctx := errgroup.WithContext(ctx)

	sem := make(chan struct{}, d.maxParallel)

	for i := range months {
		i := i
		month := months[i]
		sem <- struct{}{}

		wg.Go(func() error {
			defer func() { <-sem }() // release the slot

			records, failure := d.runMonth(ctx, pair, month, saveDir)
			if failure != nil {
				logger.Error("month pipeline failed",
					"month", month.String(), "stage", string(failure.Stage), "err", failure.Err)

				failures[i] = failure

				return nil
			}

			slots[i] = records

			return nil
		})
	}

	// Workers never return errors; Wait is only a barrier.
	_ = wg.Wait()

	outcome := &Outcome{Pair: pair}

	for i := range months {
		if failures[i] != nil {
			outcome.Failures = append(outcome.Failures, *failures[i])

			continue
		}

		outcome.Ticks = append(outcome.Ticks, slots[i]...)
	}

	logger.Info("download run finished",
		"months_requested", len(months),
		"months_failed", len(outcome.Failures),
		"ticks", len(outcome.Ticks),
	)

	return outcome
}

// runMonth executes fetch → extract → parse for one month and records the
// terminal state in the journal and metrics.
func (d *Downloader) runMonth(ctx context.Context, pair string, month plan.Month, saveDir string) ([]tick.Record, *Failure) {
	logger := logctx.LoggerFromContext(ctx).With("month", month.String())

	start := time.Now()

	if records, ok := d.loadCached(pair, month, saveDir); ok {
		logger.Debug("month served from save directory, skipping fetch")

		d.tel.RecordMonth("cached", "", time.Since(start))

		return records, nil
	}

	raw, err := d.fetcher.FetchMonth(ctx, pair, month)
	if err != nil {
		return nil, d.fail(pair, month, StageNetwork, err, start)
	}

	logger.Debug("fetched archive", "size", humanize.Bytes(uint64(len(raw))))
	d.tel.AddBytes(int64(len(raw)))

	var csvContent []byte

	if saveDir != "" {
		csvContent, err = zipcsv.ExtractTo(raw, saveDir)
	} else {
		csvContent, err = zipcsv.Extract(raw)
	}

	if err != nil {
		return nil, d.fail(pair, month, StageExtraction, err, start)
	}

	records, err := tick.ParseCSV(csvContent)
	if err != nil {
		return nil, d.fail(pair, month, StageParsing, err, start)
	}

	d.record(storage.MonthRecord{
		Pair:   pair,
		Year:   month.Year,
		Month:  int(month.Month),
		Status: storage.StatusDownloaded,
		Rows:   len(records),
	})
	d.tel.RecordMonth("success", "", time.Since(start))

	return records, nil
}

// loadCached serves a month from the save directory when the journal says
// it was already downloaded there. A stale journal entry without a
// readable, parseable file falls through to a normal fetch.
func (d *Downloader) loadCached(pair string, month plan.Month, saveDir string) ([]tick.Record, bool) {
	if d.journal == nil || saveDir == "" {
		return nil, false
	}

	done, err := d.journal.IsDownloaded(pair, month.Year, int(month.Month))
	if err != nil || !done {
		return nil, false
	}

	content, err := os.ReadFile(filepath.Join(saveDir, monthFileName(pair, month)))
	if err != nil {
		return nil, false
	}

	records, err := tick.ParseCSV(content)
	if err != nil {
		return nil, false
	}

	return records, true
}

func (d *Downloader) fail(pair string, month plan.Month, stage Stage, err error, start time.Time) *Failure {
	d.record(storage.MonthRecord{
		Pair:   pair,
		Year:   month.Year,
		Month:  int(month.Month),
		Status: storage.StatusFailed,
		Error:  err.Error(),
	})
	d.tel.RecordMonth("failure", string(stage), time.Since(start))

	return &Failure{Month: month, Stage: stage, Err: err}
}

func (d *Downloader) record(rec storage.MonthRecord) {
	if d.journal == nil {
		return
	}

	// Journal writes are best effort; a broken journal must not fail a
	// month that downloaded fine.
	_ = d.journal.Record(rec)
}

func monthFileName(pair string, month plan.Month) string {
	return fmt.Sprintf("Exness_%s_%d_%02d.csv", pair, month.Year, int(month.Month))
}
