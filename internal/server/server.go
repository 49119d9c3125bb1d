package server

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"meetscribe/internal/common"
	"meetscribe/internal/config"
	"meetscribe/internal/jobs"
	"meetscribe/internal/manifest"
	"meetscribe/internal/storage"
)

type Service struct {
	Log       *slog.Logger
	Cfg       *config.Config
	Registry  *jobs.Registry
	Queue     *jobs.Queue
	Uploader  *storage.Uploader
	Processor jobs.Processor
}

// NewHTTPServer builds the http.Server with routes and middleware.
func NewHTTPServer(svc *Service) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc(http.MethodGet+" "+common.PathHealthz, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	mux.HandleFunc(http.MethodPost+" "+common.PathRecordings, svc.withCommon(svc.handleCreateRecording))
	// Pattern match /v1/recordings/{id}
	mux.HandleFunc(http.MethodGet+" "+common.PathRecordings+"/", svc.withCommon(svc.handleGetRecordingByPrefix))

	s := &http.Server{
		Addr:         svc.Cfg.Server.Addr,
		Handler:      loggingMiddleware(recoveryMiddleware(mux), svc.Log),
		ReadTimeout:  svc.Cfg.Server.ReadTimeout,
		WriteTimeout: svc.Cfg.Server.WriteTimeout,
		IdleTimeout:  svc.Cfg.Server.IdleTimeout,
	}
	return s
}

func (svc *Service) withCommon(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Enforce API key if configured
		if key := strings.TrimSpace(svc.Cfg.Server.APIKey); key != "" {
			if r.Header.Get(common.HeaderAPIKey) != key {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		// Enforce max body size
		max := safeInt64(svc.Cfg.Server.MaxUploadSize)
		if max > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, max)
		}
		next.ServeHTTP(w, r)
	}
}

type createResponse struct {
	JobID     string `json:"job_id"`
	StatusURL string `json:"status_url"`
}

func (svc *Service) handleCreateRecording(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(safeInt64(svc.Cfg.Server.MaxUploadSize)); err != nil {
		http.Error(w, "invalid form: "+err.Error(), http.StatusBadRequest)
		return
	}

	fileHeader := r.MultipartForm.File["file"]
	if len(fileHeader) == 0 {
		http.Error(w, "file is required", http.StatusBadRequest)
		return
	}
	uploaded := fileHeader[0]

	callbackURLPtr, err := parseOptionalURL(r.FormValue("callback_url"))
	if err != nil {
		http.Error(w, "invalid callback_url", http.StatusBadRequest)
		return
	}
	opts, err := svc.runOptionsFromForm(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	audioPath, cleanup, mimeType, err := svc.Uploader.SaveMultipartAudio(uploaded, safeInt64(svc.Cfg.Server.MaxUploadSize))
	if err != nil {
		http.Error(w, "upload failed: "+err.Error(), http.StatusBadRequest)
		return
	}
	// Cleanup runs here unless the worker takes over below.
	defer func() {
		if cleanup != nil {
			_ = cleanup()
		}
	}()

	jobID := uuid.NewString()
	job := &jobs.Job{
		ID:          jobID,
		WorkDir:     path.Join(svc.Cfg.Server.StorageDir, common.JobsDirName, jobID),
		SourcePath:  audioPath,
		CallbackURL: callbackURLPtr,
		Options:     opts,
		Status:      jobs.JobPending,
		CreatedAt:   time.Now().UTC(),
	}
	svc.Registry.Add(job)
	svc.Log.Info("job created", "job_id", jobID, "mime", mimeType)

	if err := svc.Queue.Enqueue(jobs.WorkItem{Job: job, Cleanup: cleanup}); err != nil {
		http.Error(w, "queue full, try later", http.StatusServiceUnavailable)
		return
	}
	// The worker owns the upload now. Prevent double-delete here.
	cleanup = nil

	writeJSON(w, http.StatusAccepted, createResponse{
		JobID:     jobID,
		StatusURL: path.Join(common.PathRecordings, jobID),
	})
}

var idPattern = regexp.MustCompile(fmt.Sprintf("^%s/([a-f0-9-]+)$", common.PathRecordings))

func (svc *Service) handleGetRecordingByPrefix(w http.ResponseWriter, r *http.Request) {
	m := idPattern.FindStringSubmatch(r.URL.Path)
	if len(m) != 2 {
		http.NotFound(w, r)
		return
	}
	view, ok := svc.Registry.View(m[1])
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, jobToOut(view))
}

// runOptionsFromForm merges the configured pipeline defaults with any
// overrides from the create request.
func (svc *Service) runOptionsFromForm(r *http.Request) (jobs.RunOptions, error) {
	p := svc.Cfg.Pipeline
	opts := jobs.RunOptions{
		StartIndex:  p.StartIndex,
		MaxSegments: p.MaxSegments,
		Workers:     p.SegmentWorkers,
		Preview: jobs.PreviewOptions{
			Enabled:            p.Preview.Enabled,
			MaxDurationSeconds: p.Preview.MaxDurationSeconds,
			MaxCharacters:      p.Preview.MaxCharacters,
			MaxTokens:          p.Preview.MaxTokens,
		},
	}
	var err error
	if opts.StartIndex, err = formInt(r, "start_index", opts.StartIndex); err != nil {
		return opts, err
	}
	if opts.StartIndex < 1 {
		return opts, fmt.Errorf("start_index must be >= 1")
	}
	if opts.MaxSegments, err = formInt(r, "max_segments", opts.MaxSegments); err != nil {
		return opts, err
	}
	if opts.MaxSegments < 0 {
		return opts, fmt.Errorf("max_segments must be >= 0")
	}
	if v := strings.TrimSpace(r.FormValue("preview")); v != "" {
		enabled, perr := strconv.ParseBool(v)
		if perr != nil {
			return opts, fmt.Errorf("invalid preview value %q", v)
		}
		opts.Preview.Enabled = enabled
	}
	return opts, nil
}

func formInt(r *http.Request, field string, def int) (int, error) {
	v := strings.TrimSpace(r.FormValue(field))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("invalid %s value %q", field, v)
	}
	return n, nil
}

func jobToOut(view jobs.JobView) map[string]any {
	out := map[string]any{
		"job_id":        view.ID,
		"status":        string(view.Status),
		"segment_count": view.SegmentCount,
		"created_at":    view.CreatedAt,
	}
	if view.StartedAt != "" {
		out["started_at"] = view.StartedAt
	}
	if view.CompletedAt != "" {
		out["completed_at"] = view.CompletedAt
	}
	if view.Error != "" {
		out["error"] = view.Error
	}
	if res := view.Result; res != nil {
		out["result"] = map[string]any{
			"status":    string(res.Status),
			"succeeded": res.Succeeded,
			"failed":    res.Failed,
			"skipped":   res.Skipped,
			"analysis":  res.Analysis,
		}
	}
	// Per-segment progress comes from the manifest, the durable source.
	if progress := segmentProgress(view.WorkDir); len(progress) > 0 {
		out["segments"] = progress
	}
	return out
}

func segmentProgress(workDir string) map[string]string {
	if workDir == "" {
		return nil
	}
	status, err := manifest.LoadStatus(jobs.NewFileStore(workDir).ManifestPath())
	if err != nil || len(status) == 0 {
		return nil
	}
	out := make(map[string]string, len(status))
	for idx, st := range status {
		out[strconv.Itoa(idx)] = string(st)
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", common.ContentTypeJSON)
	if status != 0 {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(v)
}

func safeInt64(u config.ByteSize) int64 {
	if u > config.ByteSize(math.MaxInt64) {
		return math.MaxInt64
	}
	return int64(u) // #nosec G115 - safe cast after explicit upper-bound check
}

func parseOptionalURL(s string) (*string, error) {
	v := strings.TrimSpace(s)
	if v == "" {
		return nil, nil
	}
	if _, err := url.ParseRequestURI(v); err != nil {
		return nil, err
	}
	return &v, nil
}

func loggingMiddleware(next http.Handler, log *slog.Logger) http.Handler {
	// Fallback to a discard logger if none provided to avoid nil deref in tests or minimal setups.
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &writeWrap{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(ww, r)
		log.Info("http",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.code,
			"duration", time.Since(start).String(),
			"remote", r.RemoteAddr)
	})
}

type writeWrap struct {
	http.ResponseWriter
	code int
}

func (w *writeWrap) WriteHeader(statusCode int) {
	w.code = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				http.Error(w, "internal error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
