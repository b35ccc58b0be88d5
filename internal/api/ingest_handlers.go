package api

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/fandom-ingest/internal/ingest"
	"github.com/ignite/fandom-ingest/internal/pkg/httputil"
	"github.com/ignite/fandom-ingest/internal/pkg/logger"
	"github.com/ignite/fandom-ingest/internal/queue"
	"github.com/ignite/fandom-ingest/internal/remote"
)

// Uploader ingests a manually uploaded workbook.
type Uploader interface {
	IngestUpload(ctx context.Context, fileName string, r io.Reader) (*ingest.Result, error)
}

// UploadLister pages through the upload ledger.
type UploadLister interface {
	ListUploads(ctx context.Context, filter ingest.UploadFilter) ([]ingest.UploadRecord, int, error)
}

// TaskQueue schedules and reports on background tasks.
type TaskQueue interface {
	Enqueue(ctx context.Context, taskType string, payload interface{}) (string, error)
	Status(ctx context.Context, id string) (*queue.TaskStatus, error)
}

const remoteCheckTask = "remote_check"

// multipart framing allowance on top of the file limit
const multipartOverhead = 1 << 20

// IngestHandlers serves the /api/ingest routes.
type IngestHandlers struct {
	ingester Uploader
	uploads  UploadLister
	tasks    TaskQueue
	maxBytes int64
}

// NewIngestHandlers creates a new handler instance
func NewIngestHandlers(ingester Uploader, uploads UploadLister, tasks TaskQueue, maxBytes int64) *IngestHandlers {
	if maxBytes <= 0 {
		maxBytes = 50 << 20
	}
	return &IngestHandlers{ingester: ingester, uploads: uploads, tasks: tasks, maxBytes: maxBytes}
}

// RegisterRoutes registers the ingest routes
func (h *IngestHandlers) RegisterRoutes(r chi.Router) {
	r.Route("/ingest", func(r chi.Router) {
		r.Post("/manual", h.HandleManualUpload)
		r.Post("/drive-check", h.HandleRemoteCheck)
		r.Get("/tasks/{taskID}", h.HandleTaskStatus)
		r.Get("/uploads", h.HandleListUploads)
	})
}

// HandleManualUpload ingests the multipart "file" field synchronously.
// The body is streamed: the filename is checked before any file bytes are
// read and nothing is spooled to disk.
// POST /api/ingest/manual
func (h *IngestHandlers) HandleManualUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBytes+multipartOverhead)

	mr, err := r.MultipartReader()
	if err != nil {
		httputil.BadRequest(w, "expected multipart/form-data with a file field")
		return
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			httputil.BadRequest(w, "file is required")
			return
		}
		if err != nil {
			httputil.BadRequest(w, "malformed multipart body")
			return
		}
		if part.FormName() != "file" {
			part.Close()
			continue
		}

		name := part.FileName()
		if !remote.IsXLSX(name) {
			part.Close()
			httputil.BadRequest(w, "Only .xlsx files are supported")
			return
		}

		res, err := h.ingester.IngestUpload(r.Context(), name, part)
		part.Close()
		if err != nil {
			writeIngestError(w, err)
			return
		}
		status := http.StatusOK
		if res.Status == ingest.StatusInProgress {
			status = http.StatusAccepted
		}
		httputil.JSON(w, status, res)
		return
	}
}

// HandleRemoteCheck schedules a remote_check task.
// POST /api/ingest/drive-check
func (h *IngestHandlers) HandleRemoteCheck(w http.ResponseWriter, r *http.Request) {
	if h.tasks == nil {
		httputil.ServiceUnavailable(w, "task queue not configured")
		return
	}
	id, err := h.tasks.Enqueue(r.Context(), remoteCheckTask, nil)
	if err != nil {
		logger.Error("api: schedule remote check failed", "error", err)
		httputil.ServiceUnavailable(w, "could not schedule remote check")
		return
	}
	httputil.Accepted(w, map[string]string{
		"status":  "scheduled",
		"message": "Drive check scheduled",
		"task_id": id,
	})
}

// HandleTaskStatus returns the state of a scheduled task.
// GET /api/ingest/tasks/{taskID}
func (h *IngestHandlers) HandleTaskStatus(w http.ResponseWriter, r *http.Request) {
	if h.tasks == nil {
		httputil.ServiceUnavailable(w, "task queue not configured")
		return
	}
	st, err := h.tasks.Status(r.Context(), chi.URLParam(r, "taskID"))
	if errors.Is(err, queue.ErrTaskNotFound) {
		httputil.NotFound(w, "task not found")
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, st)
}

// HandleListUploads pages through ingested files, newest first.
// GET /api/ingest/uploads?status=&limit=&offset=
func (h *IngestHandlers) HandleListUploads(w http.ResponseWriter, r *http.Request) {
	filter := ingest.UploadFilter{
		Status: r.URL.Query().Get("status"),
		Limit:  httputil.QueryInt(r, "limit", 50, 500),
		Offset: httputil.QueryInt(r, "offset", 0, 0),
	}
	switch filter.Status {
	case "", ingest.UploadProcessing, ingest.UploadProcessed, ingest.UploadFailed:
	default:
		httputil.BadRequest(w, "status must be processing, processed or failed")
		return
	}

	uploads, total, err := h.uploads.ListUploads(r.Context(), filter)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if uploads == nil {
		uploads = []ingest.UploadRecord{}
	}
	httputil.OK(w, map[string]interface{}{
		"uploads": uploads,
		"total":   total,
		"limit":   filter.Limit,
		"offset":  filter.Offset,
	})
}

// writeIngestError maps an ingest error kind to an HTTP status.
func writeIngestError(w http.ResponseWriter, err error) {
	var ie *ingest.Error
	if !errors.As(err, &ie) {
		httputil.InternalError(w, err)
		return
	}

	switch ie.Kind {
	case ingest.KindInvalidInput:
		httputil.ErrorWithCode(w, http.StatusBadRequest, string(ie.Kind), ie.Err.Error(), nil)
	case ingest.KindInvalidSchema:
		var se *ingest.SchemaError
		if errors.As(err, &se) {
			httputil.ErrorWithCode(w, http.StatusUnprocessableEntity, string(ie.Kind), se.Error(),
				map[string]interface{}{"missing_columns": se.Missing})
			return
		}
		httputil.ErrorWithCode(w, http.StatusUnprocessableEntity, string(ie.Kind), ie.Err.Error(), nil)
	case ingest.KindIntegrity:
		httputil.ErrorWithCode(w, http.StatusBadGateway, string(ie.Kind), "downloaded file failed integrity check", nil)
	case ingest.KindTransientIO:
		httputil.ErrorWithCode(w, http.StatusServiceUnavailable, string(ie.Kind), "temporary failure, retry the upload", nil)
	default:
		httputil.InternalError(w, err)
	}
}
