package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/italolelis/parallel_downloader/internal/logctx"
	"github.com/italolelis/parallel_downloader/internal/storage"
	"github.com/italolelis/parallel_downloader/internal/transfer"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
	maxBodySize         = 1 << 20
)

// Enqueuer starts a request for a URL. *downloader.Downloader satisfies it.
type Enqueuer interface {
	Enqueue(ctx context.Context, url, cacheDir string) *transfer.Transfer
}

type TransferRequest struct {
	URL      string `json:"url" validate:"required,http_url"`
	CacheDir string `json:"cache_dir"`
}

type ControlRequest struct {
	URL string `json:"url" validate:"required,http_url"`
}

type TransferResponse struct {
	URL      string `json:"url"`
	CacheDir string `json:"cache_dir,omitempty"`
	State    string `json:"state"`
}

type HistoryResponse struct {
	URL        string `json:"url"`
	CacheDir   string `json:"cache_dir,omitempty"`
	Status     string `json:"status"`
	ErrorKind  string `json:"error_kind,omitempty"`
	Error      string `json:"error,omitempty"`
	Bytes      int64  `json:"bytes"`
	InstanceID string `json:"instance_id"`
	FinishedAt string `json:"finished_at"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type TransferHandler struct {
	registry        *transfer.Registry
	downloader      Enqueuer
	history         storage.HistoryReadRepository
	defaultCacheDir string
	validate        *validator.Validate
}

// NewTransferHandler creates the control API handler. history may be nil, in
// which case GET /history answers 404.
func NewTransferHandler(registry *transfer.Registry, d Enqueuer, history storage.HistoryReadRepository, defaultCacheDir string) *TransferHandler {
	return &TransferHandler{
		registry:        registry,
		downloader:      d,
		history:         history,
		defaultCacheDir: defaultCacheDir,
		validate:        validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (h *TransferHandler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Route("/transfers", func(r chi.Router) {
		r.Post("/", h.HandleCreate)
		r.Get("/", h.HandleList)
		r.Post("/suspend", h.HandleSuspend)
		r.Post("/resume", h.HandleResume)
		r.Post("/suspend-all", h.HandleSuspendAll)
		r.Post("/resume-all", h.HandleResumeAll)
	})

	r.Delete("/cache", h.HandleDeleteCache)
	r.Get("/history", h.HandleHistory)

	return r
}

// HandleCreate requests a URL and answers with the resulting transfer state.
func (h *TransferHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req TransferRequest
	if !h.decode(w, r, &req) {
		return
	}

	cacheDir := req.CacheDir
	if cacheDir == "" {
		cacheDir = h.defaultCacheDir
	}

	tr := h.downloader.Enqueue(r.Context(), req.URL, cacheDir)

	status := http.StatusAccepted
	if tr.State() == transfer.StateSucceeded {
		status = http.StatusOK
	}

	writeJSON(r.Context(), w, status, TransferResponse{URL: req.URL, CacheDir: tr.CacheDir(), State: tr.State().String()})
}

// HandleList lists the transfers currently in flight.
func (h *TransferHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	keys := h.registry.Keys()
	out := make([]TransferResponse, 0, len(keys))

	for _, key := range keys {
		tr, ok := h.registry.Lookup(key)
		if !ok {
			continue // finished while listing
		}

		out = append(out, TransferResponse{URL: key, CacheDir: tr.CacheDir(), State: tr.State().String()})
	}

	writeJSON(r.Context(), w, http.StatusOK, out)
}

func (h *TransferHandler) HandleSuspend(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, h.registry.Suspend)
}

func (h *TransferHandler) HandleResume(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, h.registry.Resume)
}

func (h *TransferHandler) HandleSuspendAll(w http.ResponseWriter, _ *http.Request) {
	h.registry.SuspendAll()
	w.WriteHeader(http.StatusNoContent)
}

func (h *TransferHandler) HandleResumeAll(w http.ResponseWriter, _ *http.Request) {
	h.registry.ResumeAll()
	w.WriteHeader(http.StatusNoContent)
}

// HandleDeleteCache removes a cached payload. It succeeds whether or not the file existed.
func (h *TransferHandler) HandleDeleteCache(w http.ResponseWriter, r *http.Request) {
	var req TransferRequest
	if !h.decode(w, r, &req) {
		return
	}

	cacheDir := req.CacheDir
	if cacheDir == "" {
		cacheDir = h.defaultCacheDir
	}

	h.registry.DeleteCache(r.Context(), req.URL, cacheDir)
	w.WriteHeader(http.StatusNoContent)
}

// HandleHistory lists recorded outcomes, newest first.
func (h *TransferHandler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	if h.history == nil {
		writeError(r.Context(), w, http.StatusNotFound, "history is not enabled")

		return
	}

	limit := defaultHistoryLimit

	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(r.Context(), w, http.StatusBadRequest, "limit must be a positive integer")

			return
		}

		limit = min(n, maxHistoryLimit)
	}

	var (
		records []storage.HistoryRecord
		err     error
	)

	if u := r.URL.Query().Get("url"); u != "" {
		var rec storage.HistoryRecord

		rec, err = h.history.LatestTransfer(r.Context(), u)
		if errors.Is(err, storage.ErrNotFound) {
			writeError(r.Context(), w, http.StatusNotFound, "no history for url")

			return
		}

		records = []storage.HistoryRecord{rec}
	} else {
		records, err = h.history.ListTransfers(r.Context(), limit)
	}

	if err != nil {
		logger.Error("failed to read history", "err", err)
		writeError(r.Context(), w, http.StatusInternalServerError, "failed to read history")

		return
	}

	out := make([]HistoryResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, HistoryResponse{
			URL:        rec.URL,
			CacheDir:   rec.CacheDir,
			Status:     rec.Status,
			ErrorKind:  rec.ErrorKind,
			Error:      rec.Error,
			Bytes:      rec.Bytes,
			InstanceID: rec.InstanceID,
			FinishedAt: rec.FinishedAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		})
	}

	writeJSON(r.Context(), w, http.StatusOK, out)
}

func (h *TransferHandler) control(w http.ResponseWriter, r *http.Request, fn func(string)) {
	var req ControlRequest
	if !h.decode(w, r, &req) {
		return
	}

	if _, ok := h.registry.Lookup(req.URL); !ok {
		writeError(r.Context(), w, http.StatusNotFound, "no active transfer for url")

		return
	}

	fn(req.URL)
	w.WriteHeader(http.StatusNoContent)
}

func (h *TransferHandler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	logger := logctx.LoggerFromContext(r.Context())

	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(v); err != nil {
		logger.Debug("failed to decode request", "err", err)
		writeError(r.Context(), w, http.StatusBadRequest, "invalid request body")

		return false
	}

	if err := h.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			writeError(r.Context(), w, http.StatusBadRequest, "invalid field "+verrs[0].Field()+": "+verrs[0].Tag())

			return false
		}

		writeError(r.Context(), w, http.StatusBadRequest, err.Error())

		return false
	}

	return true
}

func writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		logctx.LoggerFromContext(ctx).Error("failed to encode response", "err", err)
	}
}

func writeError(ctx context.Context, w http.ResponseWriter, status int, msg string) {
	writeJSON(ctx, w, status, errorResponse{Error: msg})
}
