package s3blob

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbnet/coordinator/internal/domain"
)

type recordedPut struct {
	path        string
	contentType string
	body        string
	multipart   bool
}

type fakeWriter struct {
	mu   sync.Mutex
	puts []recordedPut
	err  error
}

func (w *fakeWriter) Put(_ context.Context, path string, data io.Reader, contentType string) error {
	if w.err != nil {
		return w.err
	}
	body, _ := io.ReadAll(data)
	w.mu.Lock()
	defer w.mu.Unlock()
	w.puts = append(w.puts, recordedPut{path: path, contentType: contentType, body: string(body)})
	return nil
}

func (w *fakeWriter) PutMultipart(_ context.Context, path string, data io.Reader, _ int64) error {
	if w.err != nil {
		return w.err
	}
	body, _ := io.ReadAll(data)
	w.mu.Lock()
	defer w.mu.Unlock()
	w.puts = append(w.puts, recordedPut{path: path, body: string(body), multipart: true})
	return nil
}

type fakeLister struct {
	existing map[string]bool
	err      error
}

func (l *fakeLister) List(context.Context, string) ([]domain.BlobInfo, error) { return nil, nil }

func (l *fakeLister) Exists(_ context.Context, path string) (bool, error) {
	if l.err != nil {
		return false, l.err
	}
	return l.existing[path], nil
}

func writeFallbackFile(t *testing.T, dir, day, content string) string {
	t.Helper()
	name := "dlq-forwarding-fallback-" + day + ".jsonl"
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	return name
}

func newTestArchiver(dir string, w *fakeWriter, l *fakeLister) *Archiver {
	a := NewArchiver(ArchiverConfig{Dir: dir, KeyPrefix: "dlq"}, w, l,
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	a.now = func() time.Time {
		return time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	}
	return a
}

func TestArchiverShipsRotatedFilesOnly(t *testing.T) {
	dir := t.TempDir()
	old := writeFallbackFile(t, dir, "2026-08-24", `{"opportunityId":"opp-1"}`+"\n")
	today := writeFallbackFile(t, dir, "2026-08-25", `{"opportunityId":"opp-2"}`+"\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))

	w := &fakeWriter{}
	a := newTestArchiver(dir, w, &fakeLister{})

	shipped, err := a.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, shipped)

	require.Len(t, w.puts, 1)
	assert.Equal(t, "dlq/"+old, w.puts[0].path)
	assert.Equal(t, "application/x-ndjson", w.puts[0].contentType)
	assert.Contains(t, w.puts[0].body, "opp-1")
	assert.False(t, w.puts[0].multipart, "small files go up in one request")

	assert.NoFileExists(t, filepath.Join(dir, old), "shipped file is removed locally")
	assert.FileExists(t, filepath.Join(dir, today), "current day's file is still being written")
	assert.FileExists(t, filepath.Join(dir, "notes.txt"), "unrelated files are left alone")
}

func TestArchiverSkipsReuploadAfterCrash(t *testing.T) {
	dir := t.TempDir()
	old := writeFallbackFile(t, dir, "2026-08-23", "already on the bucket\n")

	w := &fakeWriter{}
	l := &fakeLister{existing: map[string]bool{"dlq/" + old: true}}
	a := newTestArchiver(dir, w, l)

	shipped, err := a.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, shipped)

	assert.Empty(t, w.puts, "existing objects are not clobbered")
	assert.NoFileExists(t, filepath.Join(dir, old))
}

func TestArchiverUsesMultipartForLargeFiles(t *testing.T) {
	dir := t.TempDir()
	old := writeFallbackFile(t, dir, "2026-08-24", "0123456789")

	w := &fakeWriter{}
	a := newTestArchiver(dir, w, &fakeLister{})
	a.multipartCutoff = 10

	shipped, err := a.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, shipped)

	require.Len(t, w.puts, 1)
	assert.True(t, w.puts[0].multipart)
	assert.Equal(t, "dlq/"+old, w.puts[0].path)
}

func TestArchiverKeepsFileWhenUploadFails(t *testing.T) {
	dir := t.TempDir()
	old := writeFallbackFile(t, dir, "2026-08-24", "line\n")

	w := &fakeWriter{err: errors.New("bucket unreachable")}
	a := newTestArchiver(dir, w, &fakeLister{})

	shipped, err := a.Sweep(context.Background())
	require.NoError(t, err, "per-file failures do not abort the sweep")
	assert.Zero(t, shipped)
	assert.FileExists(t, filepath.Join(dir, old), "failed uploads retry on the next sweep")
}

func TestArchiverMissingDirIsNotAnError(t *testing.T) {
	a := newTestArchiver(filepath.Join(t.TempDir(), "never-created"), &fakeWriter{}, &fakeLister{})

	shipped, err := a.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, shipped)
}
