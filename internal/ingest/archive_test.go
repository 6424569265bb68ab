package ingest

import (
	"archive/zip"
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeZip(t *testing.T, path string, entries map[string][]byte) {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range entries {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

func zipBytes(t *testing.T, entries map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range entries {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestExtractReports(t *testing.T) {
	dir := t.TempDir()
	zipPath := filepath.Join(dir, "artifact.zip")
	writeZip(t, zipPath, map[string][]byte{
		"reports/junit.xml": []byte("<testsuite/>"),
		"readme.txt":        []byte("not a report"),
		"sub/more.xml":      []byte("<testsuite/>"),
	})

	dest := t.TempDir()
	files, failures := ExtractReports(zipPath, dest, 1<<20)
	require.Empty(t, failures)
	require.Len(t, files, 2)
	for _, f := range files {
		require.True(t, strings.HasSuffix(f, ".xml"))
		data, err := os.ReadFile(f)
		require.NoError(t, err)
		require.Equal(t, "<testsuite/>", string(data))
	}
}

func TestExtractReports_SkipsEscapingPaths(t *testing.T) {
	dir := t.TempDir()
	zipPath := filepath.Join(dir, "artifact.zip")
	writeZip(t, zipPath, map[string][]byte{
		"../escape.xml": []byte("<testsuite/>"),
		"ok.xml":        []byte("<testsuite/>"),
	})

	dest := t.TempDir()
	files, failures := ExtractReports(zipPath, dest, 1<<20)
	require.Empty(t, failures)
	require.Len(t, files, 1)

	_, err := os.Stat(filepath.Join(filepath.Dir(dest), "escape.xml"))
	require.True(t, os.IsNotExist(err))
}

func TestExtractReports_NestedZipOneLevel(t *testing.T) {
	inner := zipBytes(t, map[string][]byte{"inner.xml": []byte("<testsuite/>")})
	tooDeep := zipBytes(t, map[string][]byte{"nested.zip": inner})

	dir := t.TempDir()
	zipPath := filepath.Join(dir, "artifact.zip")
	writeZip(t, zipPath, map[string][]byte{
		"top.xml":    []byte("<testsuite/>"),
		"nested.zip": inner,
		"deep.zip":   tooDeep,
	})

	dest := t.TempDir()
	files, failures := ExtractReports(zipPath, dest, 1<<20)
	require.Empty(t, failures)

	// top.xml and nested.zip/inner.xml; deep.zip's zip-in-zip stays closed.
	require.Len(t, files, 2)
}

func TestExtractReports_SkipsOversizedEntries(t *testing.T) {
	dir := t.TempDir()
	zipPath := filepath.Join(dir, "artifact.zip")
	writeZip(t, zipPath, map[string][]byte{
		"big.xml":   bytes.Repeat([]byte("x"), 4096),
		"small.xml": []byte("<testsuite/>"),
	})

	dest := t.TempDir()
	files, failures := ExtractReports(zipPath, dest, 1024)
	require.Empty(t, failures)
	require.Len(t, files, 1)
	require.Contains(t, files[0], "small.xml")
}

func TestExtractReports_BadZip(t *testing.T) {
	dir := t.TempDir()
	zipPath := filepath.Join(dir, "broken.zip")
	require.NoError(t, os.WriteFile(zipPath, []byte("definitely not a zip"), 0o644))

	files, failures := ExtractReports(zipPath, t.TempDir(), 1<<20)
	require.Empty(t, files)
	require.Len(t, failures, 1)
	require.Equal(t, "parse", failures[0].Code)
}
