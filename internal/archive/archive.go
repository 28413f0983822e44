package archive

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
)

var ErrNoEntries = errors.New("no pages to archive")

// Entry is one stored page image to put into the archive.
type Entry struct {
	Index int
	Path  string
}

// Result describes outcome of writing a single page into the zip
type Result struct {
	Filename string
	Err      string
}

// Write streams the given page images into a zip on w. It always returns a
// results slice of the same length as entries; pages that cannot be read get
// Result.Err set and are omitted from the archive.
func Write(ctx context.Context, w io.Writer, entries []Entry) ([]Result, error) {
	if len(entries) == 0 {
		return nil, ErrNoEntries
	}
	zipWriter := zip.NewWriter(w)

	results := make([]Result, len(entries))
	for i, entry := range entries {
		if err := ctx.Err(); err != nil {
			_ = zipWriter.Close()
			return results, fmt.Errorf("archive cancelled: %w", err)
		}
		results[i] = addEntry(zipWriter, entry)
	}

	if err := zipWriter.Close(); err != nil {
		log.Error().Err(err).Msg("closing zip writer failed")
		return results, fmt.Errorf("close zip writer: %w", err)
	}
	return results, nil
}

// addEntry copies a single page image into the zip, returning the Result.
func addEntry(zipWriter *zip.Writer, entry Entry) Result {
	filename := entryName(entry)
	result := Result{Filename: filename}

	src, err := os.Open(entry.Path) //nolint:gosec // paths come from the artifact store
	if err != nil {
		result.Err = err.Error()
		log.Warn().Str("path", entry.Path).Err(err).Msg("open page image failed")
		return result
	}
	defer func() { _ = src.Close() }()

	zipEntryWriter, err := zipWriter.Create(filename)
	if err != nil {
		result.Err = err.Error()
		log.Warn().Str("path", entry.Path).Err(err).Msg("zip entry create failed")
		return result
	}
	if _, err := io.Copy(zipEntryWriter, src); err != nil {
		result.Err = err.Error()
		log.Warn().Str("path", entry.Path).Err(err).Msg("copy into zip failed")
	}
	return result
}

// entryName numbers pages from 1 and keeps the stored extension.
func entryName(entry Entry) string {
	ext := strings.ToLower(filepath.Ext(entry.Path))
	if ext == "" {
		ext = ".png"
	}
	return fmt.Sprintf("page_%d%s", entry.Index+1, ext)
}
