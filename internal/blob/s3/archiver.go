package s3blob

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/arbnet/coordinator/internal/domain"
)

const (
	// defaultMultipartCutoff is the file size above which uploads go
	// through the multipart manager.
	defaultMultipartCutoff int64 = 32 * 1024 * 1024

	// shipPartSize splits multipart uploads into 8 MiB parts.
	shipPartSize int64 = 8 * 1024 * 1024

	// sweepInterval paces the directory scans. Fallback files rotate at
	// midnight UTC; hourly scans pick up fresh rotations and crash
	// leftovers without hammering the bucket.
	sweepInterval = time.Hour
)

// fileDay extracts the UTC day a fallback file was rotated on.
var fileDay = regexp.MustCompile(`(\d{4}-\d{2}-\d{2})\.jsonl$`)

// ArchiverConfig locates the fallback files and their destination.
type ArchiverConfig struct {
	// Dir is the local directory the router writes DLQ fallback files to.
	Dir string
	// KeyPrefix namespaces the uploaded objects within the bucket.
	KeyPrefix string
}

// Archiver ships rotated DLQ fallback files off-host and removes the local
// copies. The current UTC day's file is left alone: the router may still be
// appending to it. Upload and remove are not atomic, so every ship starts
// with an existence probe: a crash between the two leaves a shipped file on
// disk, and the next sweep must not double-upload it.
type Archiver struct {
	cfg    ArchiverConfig
	writer domain.BlobWriter
	lister domain.BlobLister
	log    *slog.Logger

	multipartCutoff int64
	now             func() time.Time
}

// NewArchiver creates an archiver over the given blob backend.
func NewArchiver(cfg ArchiverConfig, writer domain.BlobWriter, lister domain.BlobLister, log *slog.Logger) *Archiver {
	return &Archiver{
		cfg:             cfg,
		writer:          writer,
		lister:          lister,
		log:             log.With(slog.String("component", "dlq-archiver")),
		multipartCutoff: defaultMultipartCutoff,
		now:             time.Now,
	}
}

// Run sweeps once immediately, then hourly until ctx is canceled.
func (a *Archiver) Run(ctx context.Context) error {
	if _, err := a.Sweep(ctx); err != nil {
		a.log.Warn("dlq archive sweep failed", slog.Any("error", err))
	}

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := a.Sweep(ctx); err != nil {
				a.log.Warn("dlq archive sweep failed", slog.Any("error", err))
			}
		}
	}
}

// Sweep uploads every rotated fallback file in the directory and returns the
// number shipped. Per-file failures are logged and retried on the next sweep;
// only a directory read error aborts.
func (a *Archiver) Sweep(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(a.cfg.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("s3blob: read dlq dir: %w", err)
	}

	today := a.now().UTC().Format("2006-01-02")
	shipped := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".jsonl") {
			continue
		}
		m := fileDay.FindStringSubmatch(entry.Name())
		if m == nil || m[1] == today {
			continue
		}

		if err := a.ship(ctx, entry.Name()); err != nil {
			a.log.Error("dlq fallback ship failed",
				slog.String("file", entry.Name()),
				slog.Any("error", err))
			continue
		}
		shipped++
	}
	return shipped, nil
}

// ship uploads one file and removes the local copy.
func (a *Archiver) ship(ctx context.Context, name string) error {
	key := path.Join(a.cfg.KeyPrefix, name)
	local := filepath.Join(a.cfg.Dir, name)

	exists, err := a.lister.Exists(ctx, key)
	if err != nil {
		return fmt.Errorf("probe %s: %w", key, err)
	}
	if exists {
		a.log.Info("fallback file already shipped, removing local copy",
			slog.String("key", key))
		return os.Remove(local)
	}

	f, err := os.Open(local)
	if err != nil {
		return fmt.Errorf("open %s: %w", name, err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat %s: %w", name, err)
	}

	if st.Size() >= a.multipartCutoff {
		err = a.writer.PutMultipart(ctx, key, f, shipPartSize)
	} else {
		err = a.writer.Put(ctx, key, f, "application/x-ndjson")
	}
	f.Close()
	if err != nil {
		return err
	}

	if err := os.Remove(local); err != nil {
		return fmt.Errorf("remove shipped %s: %w", name, err)
	}

	a.log.Info("dlq fallback file shipped",
		slog.String("key", key),
		slog.Int64("bytes", st.Size()))
	return nil
}
