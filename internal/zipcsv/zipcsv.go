// Package zipcsv extracts the single CSV entry embedded in a monthly
// archive zip, entirely in memory.
package zipcsv

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

const filePerm = 0644

// ExtractionError indicates a month's zip payload could not be opened or
// did not contain exactly one entry.
type ExtractionError struct {
	Reason string // human-readable explanation
	Err    error  // underlying error, if any
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extraction error: %s", e.Reason)
}

func (e *ExtractionError) Unwrap() error {
	return e.Err
}

// Extract opens raw as a zip archive in memory and returns the content of
// its single entry. Zero or multiple entries, or a malformed archive,
// yield an ExtractionError. No temporary files are created.
func Extract(raw []byte) ([]byte, error) {
	content, _, err := extract(raw)

	return content, err
}

// ExtractTo behaves like Extract and additionally persists the entry under
// its archive name inside dir. The content is returned either way, so
// callers never re-read from disk.
func ExtractTo(raw []byte, dir string) ([]byte, error) {
	content, name, err := extract(raw)
	if err != nil {
		return nil, err
	}

	// Entry names come from the remote archive; keep only the base name so
	// a hostile zip cannot escape dir.
	target := filepath.Join(dir, filepath.Base(name))

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create save directory: %w", err)
	}

	if err := os.WriteFile(target, content, filePerm); err != nil {
		return nil, fmt.Errorf("failed to persist csv: %w", err)
	}

	return content, nil
}

func extract(raw []byte) ([]byte, string, error) {
	zr, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return nil, "", &ExtractionError{Reason: "malformed zip archive", Err: err}
	}

	if len(zr.File) == 0 {
		return nil, "", &ExtractionError{Reason: "zip archive contains no entries"}
	}

	if len(zr.File) > 1 {
		return nil, "", &ExtractionError{Reason: fmt.Sprintf("zip archive contains %d entries, expected exactly one", len(zr.File))}
	}

	entry := zr.File[0]

	rc, err := entry.Open()
	if err != nil {
		return nil, "", &ExtractionError{Reason: fmt.Sprintf("failed to open entry %q", entry.Name), Err: err}
	}

	defer rc.Close()

	content, err := io.ReadAll(rc)
	if err != nil {
		return nil, "", &ExtractionError{Reason: fmt.Sprintf("failed to read entry %q", entry.Name), Err: err}
	}

	return content, entry.Name, nil
}
