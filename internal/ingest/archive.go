package ingest

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/thc1006/flakeguard/internal/apperrors"
)

const (
	// maxZipDepth allows one nested archive level. Runners sometimes zip a
	// reporter's own zip output; deeper nesting is not a test report.
	maxZipDepth = 1
	// maxZipEntries guards against pathological archives.
	maxZipEntries = 10000
)

// ExtractReports pulls every XML entry out of the artifact zip into
// destDir and returns their paths. Nested zips are descended one level.
// Entries that escape the extraction root or exceed maxBytes are skipped.
func ExtractReports(zipPath, destDir string, maxBytes int64) ([]string, []Failure) {
	e := &extractor{destDir: destDir, maxBytes: maxBytes}
	e.walkZip(zipPath, filepath.Base(zipPath), 0)
	return e.files, e.failures
}

type extractor struct {
	destDir  string
	maxBytes int64
	seq      int
	entries  int
	files    []string
	failures []Failure
}

func (e *extractor) fail(name string, code apperrors.Code, msg string) {
	e.failures = append(e.failures, Failure{File: name, Code: string(code), Message: msg})
}

func (e *extractor) walkZip(zipPath, displayName string, depth int) {
	zr, err := zip.OpenReader(zipPath)
	if err != nil {
		e.fail(displayName, apperrors.CodeParse, fmt.Sprintf("not a readable zip: %v", err))
		return
	}
	defer zr.Close()

	for _, entry := range zr.File {
		e.entries++
		if e.entries > maxZipEntries {
			e.fail(displayName, apperrors.CodeParse, "archive has too many entries")
			return
		}
		if entry.FileInfo().IsDir() {
			continue
		}
		name := entry.Name
		if !filepath.IsLocal(filepath.Clean(name)) {
			log.Warn().Str("entry", name).Msg("Skipping zip entry escaping extraction root")
			continue
		}

		switch strings.ToLower(filepath.Ext(name)) {
		case ".xml":
			path, ok := e.extractEntry(entry, name)
			if ok {
				e.files = append(e.files, path)
			}
		case ".zip":
			if depth >= maxZipDepth {
				log.Debug().Str("entry", name).Msg("Skipping nested zip beyond depth limit")
				continue
			}
			path, ok := e.extractEntry(entry, name)
			if !ok {
				continue
			}
			e.walkZip(path, name, depth+1)
			_ = os.Remove(path)
		}
	}
}

// extractEntry streams one entry to a uniquely named file under destDir,
// enforcing the size cap against actual bytes rather than the header.
func (e *extractor) extractEntry(entry *zip.File, name string) (string, bool) {
	if e.maxBytes > 0 && int64(entry.UncompressedSize64) > e.maxBytes {
		log.Warn().Str("entry", name).Uint64("size", entry.UncompressedSize64).Msg("Skipping oversized zip entry")
		return "", false
	}

	rc, err := entry.Open()
	if err != nil {
		e.fail(name, apperrors.CodeParse, fmt.Sprintf("failed to open zip entry: %v", err))
		return "", false
	}
	defer rc.Close()

	e.seq++
	path := filepath.Join(e.destDir, fmt.Sprintf("%04d_%s", e.seq, filepath.Base(name)))
	dst, err := os.Create(path)
	if err != nil {
		e.fail(name, apperrors.CodeInternal, fmt.Sprintf("failed to create extraction file: %v", err))
		return "", false
	}

	limit := e.maxBytes
	if limit <= 0 {
		limit = int64(entry.UncompressedSize64) + 1
	}
	written, err := io.Copy(dst, io.LimitReader(rc, limit+1))
	closeErr := dst.Close()
	switch {
	case err != nil:
		e.fail(name, apperrors.CodeParse, fmt.Sprintf("failed to extract zip entry: %v", err))
	case closeErr != nil:
		e.fail(name, apperrors.CodeInternal, fmt.Sprintf("failed to flush extraction file: %v", closeErr))
	case e.maxBytes > 0 && written > e.maxBytes:
		// Header lied about the uncompressed size.
		log.Warn().Str("entry", name).Msg("Skipping zip entry larger than its declared size")
	default:
		return path, true
	}

	_ = os.Remove(path)
	return "", false
}
