package downloader

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/exfinance/tickdl/internal/logctx"
	"github.com/exfinance/tickdl/internal/plan"
	"github.com/exfinance/tickdl/internal/telemetry"
)

// ErrNoData indicates every requested month failed; the outcome still
// carries the per-month failure report.
var ErrNoData = errors.New("no data was downloaded for the requested period")

// PairLister fetches the archive's pair index.
type PairLister interface {
	ListPairs(ctx context.Context) ([]string, error)
}

// Service is the public entry point: pair listing plus the top-level
// download operation composing planner and orchestrator.
type Service struct {
	lister PairLister
	dl     *Downloader
	tel    *telemetry.Telemetry

	mu    sync.Mutex
	pairs []string
}

func NewService(lister PairLister, dl *Downloader, tel *telemetry.Telemetry) *Service {
	return &Service{
		lister: lister,
		dl:     dl,
		tel:    tel,
	}
}

// AvailablePairs returns the archive's pair symbols. Only a successful
// listing is cached; a failed fetch is retried on the next call, so a
// transient index outage never latches into the Service.
func (s *Service) AvailablePairs(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pairs != nil {
		return s.pairs, nil
	}

	pairs, err := s.lister.ListPairs(ctx)
	if err != nil {
		s.tel.RecordPairListing("failure")

		return nil, fmt.Errorf("failed to list available pairs: %w", err)
	}

	s.tel.RecordPairListing("success")
	s.pairs = pairs

	return s.pairs, nil
}

// Download fetches tick data for pair across [start, end], both ISO dates
// (YYYY-MM-DD; empty end defaults to today). Range and pair validation
// happen before any month is fetched. The returned outcome holds whatever
// succeeded plus a failure entry per failed month; ErrNoData accompanies
// an outcome in which every month failed.
func (s *Service) Download(ctx context.Context, pair, start, end, saveDir string) (*Outcome, error) {
	pair = strings.ToUpper(strings.TrimSpace(pair))
	if pair == "" {
		return nil, errors.New("pair must not be empty")
	}

	startDate, err := plan.ParseDate(start)
	if err != nil {
		return nil, err
	}

	var endDate time.Time

	if end != "" {
		endDate, err = plan.ParseDate(end)
		if err != nil {
			return nil, err
		}
	}

	months, err := plan.Months(startDate, endDate)
	if err != nil {
		return nil, err
	}

	if err := s.validatePair(ctx, pair); err != nil {
		return nil, err
	}

	ctx = logctx.WithPair(ctx, pair)
	logger := logctx.LoggerFromContext(ctx)

	logger.Info("starting download",
		"first_month", months[0].String(),
		"last_month", months[len(months)-1].String(),
		"months", len(months),
		"save_dir", saveDir,
	)

	s.tel.IncrementActiveDownloads()
	defer s.tel.DecrementActiveDownloads()

	outcome := s.dl.Run(ctx, pair, months, saveDir)

	if len(outcome.Ticks) == 0 {
		return outcome, fmt.Errorf("%w: %s to %s", ErrNoData, months[0], months[len(months)-1])
	}

	return outcome, nil
}

func (s *Service) validatePair(ctx context.Context, pair string) error {
	pairs, err := s.AvailablePairs(ctx)
	if err != nil {
		return err
	}

	if !slices.Contains(pairs, pair) {
		return fmt.Errorf("pair %q is not available, use the pair listing to see options", pair)
	}

	return nil
}
