// Package tick holds the tick data model and the CSV codec for the
// archive's monthly files.
package tick

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// Record is a single tick observation as stored in the archive.
type Record struct {
	Timestamp time.Time
	Bid       float64
	Ask       float64
}

// ParseError indicates a month's CSV content could not be converted into
// tick records. The whole month fails; partial data is never returned
// silently.
type ParseError struct {
	Line   int    // 1-based line number of the offending row, 0 if unknown
	Reason string // human-readable explanation
	Err    error  // underlying error, if any
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("csv parse error at line %d: %s", e.Line, e.Reason)
	}

	return fmt.Sprintf("csv parse error: %s", e.Reason)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Timestamp layouts seen in the archive's files, tried in order.
var timestampLayouts = []string{
	"2006-01-02 15:04:05.000",
	"2006-01-02 15:04:05",
	time.RFC3339,
}

const (
	colTimestamp = iota
	colBid
	colAsk
	minColumns = 3
)

// ParseCSV converts a month's CSV content into tick records. The expected
// layout is Timestamp,Bid,Ask with extra trailing columns tolerated.
// Records are returned in file order; the parser never reorders. Any
// malformed row fails the whole month with a ParseError.
func ParseCSV(data []byte) ([]Record, error) {
	r := csv.NewReader(strings.NewReader(string(data)))
	r.FieldsPerRecord = -1 // column count validated per row below
	r.ReuseRecord = true

	var records []Record

	line := 0

	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}

		line++

		if err != nil {
			return nil, &ParseError{Line: line, Reason: "malformed csv row", Err: err}
		}

		if line == 1 && isHeader(row) {
			continue
		}

		rec, err := parseRow(row)
		if err != nil {
			return nil, &ParseError{Line: line, Reason: err.Error(), Err: err}
		}

		records = append(records, rec)
	}

	if len(records) == 0 {
		return nil, &ParseError{Reason: "no data rows"}
	}

	return records, nil
}

func isHeader(row []string) bool {
	return len(row) > 0 && strings.EqualFold(strings.TrimSpace(row[colTimestamp]), "timestamp")
}

func parseRow(row []string) (Record, error) {
	if len(row) < minColumns {
		return Record{}, fmt.Errorf("expected at least %d columns, got %d", minColumns, len(row))
	}

	ts, err := parseTimestamp(strings.TrimSpace(row[colTimestamp]))
	if err != nil {
		return Record{}, err
	}

	bid, err := strconv.ParseFloat(strings.TrimSpace(row[colBid]), 64)
	if err != nil {
		return Record{}, fmt.Errorf("invalid bid %q: %w", row[colBid], err)
	}

	ask, err := strconv.ParseFloat(strings.TrimSpace(row[colAsk]), 64)
	if err != nil {
		return Record{}, fmt.Errorf("invalid ask %q: %w", row[colAsk], err)
	}

	return Record{Timestamp: ts, Bid: bid, Ask: ask}, nil
}

func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}

	return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
}

// WriteCSV writes records to w in the archive's column layout, header
// included.
func WriteCSV(w io.Writer, records []Record) error {
	cw := csv.NewWriter(w)

	if err := cw.Write([]string{"Timestamp", "Bid", "Ask"}); err != nil {
		return fmt.Errorf("failed to write csv header: %w", err)
	}

	for _, rec := range records {
		row := []string{
			rec.Timestamp.Format(timestampLayouts[0]),
			strconv.FormatFloat(rec.Bid, 'f', -1, 64),
			strconv.FormatFloat(rec.Ask, 'f', -1, 64),
		}

		if err := cw.Write(row); err != nil {
			return fmt.Errorf("failed to write csv row: %w", err)
		}
	}

	cw.Flush()

	return cw.Error()
}
