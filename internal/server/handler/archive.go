package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/arbnet/coordinator/internal/domain"
)

// ForwardLog is the read side of the forwarding archive.
type ForwardLog interface {
	RecentForwards(ctx context.Context, limit int) ([]domain.ForwardRecord, error)
	RecentDeadLetters(ctx context.Context, limit int) ([]domain.DeadLetterRecord, error)
}

// ArchiveHandler serves the forwarding archive and the inventory of DLQ
// fallback files already shipped to object storage. Both backends are
// optional deployments, so each endpoint answers 501 when its backend is
// not configured.
type ArchiveHandler struct {
	log    ForwardLog        // nil when the Postgres archive is disabled
	blobs  domain.BlobLister // nil when S3 shipping is disabled
	prefix string            // key prefix the DLQ archiver ships under
	logger *slog.Logger
}

// NewArchiveHandler creates an ArchiveHandler with the given logger.
func NewArchiveHandler(logger *slog.Logger) *ArchiveHandler {
	return &ArchiveHandler{logger: logger}
}

// WithForwardLog attaches the Postgres-backed forwarding archive.
func (h *ArchiveHandler) WithForwardLog(log ForwardLog) *ArchiveHandler {
	h.log = log
	return h
}

// WithBlobLister attaches the object store holding shipped DLQ files.
func (h *ArchiveHandler) WithBlobLister(blobs domain.BlobLister, prefix string) *ArchiveHandler {
	h.blobs = blobs
	h.prefix = prefix
	return h
}

// listForwardsResponse wraps the forwards endpoint output.
type listForwardsResponse struct {
	Forwards []domain.ForwardRecord `json:"forwards"`
	Count    int                    `json:"count"`
}

// ListForwards returns the most recently archived forwards.
// GET /api/archive/forwards?limit=50
func (h *ArchiveHandler) ListForwards(w http.ResponseWriter, r *http.Request) {
	if h.log == nil {
		writeError(w, http.StatusNotImplemented, "forwarding archive not configured")
		return
	}

	limit := parseLimit(r, 50, 500)
	records, err := h.log.RecentForwards(r.Context(), limit)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list forwards failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list forwards")
		return
	}

	writeJSON(w, http.StatusOK, listForwardsResponse{
		Forwards: records,
		Count:    len(records),
	})
}

// listDeadLettersResponse wraps the dead letters endpoint output.
type listDeadLettersResponse struct {
	DeadLetters []domain.DeadLetterRecord `json:"deadLetters"`
	Count       int                       `json:"count"`
}

// ListDeadLetters returns the most recently archived dead letters.
// GET /api/archive/deadletters?limit=50
func (h *ArchiveHandler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	if h.log == nil {
		writeError(w, http.StatusNotImplemented, "forwarding archive not configured")
		return
	}

	limit := parseLimit(r, 50, 500)
	records, err := h.log.RecentDeadLetters(r.Context(), limit)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list dead letters failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list dead letters")
		return
	}

	writeJSON(w, http.StatusOK, listDeadLettersResponse{
		DeadLetters: records,
		Count:       len(records),
	})
}

// listFilesResponse wraps the shipped-files endpoint output.
type listFilesResponse struct {
	Files []domain.BlobInfo `json:"files"`
	Count int               `json:"count"`
}

// ListFiles returns the DLQ fallback files already shipped to object storage.
// GET /api/archive/files
func (h *ArchiveHandler) ListFiles(w http.ResponseWriter, r *http.Request) {
	if h.blobs == nil {
		writeError(w, http.StatusNotImplemented, "object storage not configured")
		return
	}

	files, err := h.blobs.List(r.Context(), h.prefix)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list archive files failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list archive files")
		return
	}

	writeJSON(w, http.StatusOK, listFilesResponse{
		Files: files,
		Count: len(files),
	})
}
