package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/cors"

	"github.com/joseph-ayodele/transcript-moderator/internal/common"
	"github.com/joseph-ayodele/transcript-moderator/internal/services/ingest"
	"github.com/joseph-ayodele/transcript-moderator/internal/utils"
)

const (
	DefaultMaxUploadBytes = 100 << 20
	multipartMemory       = 32 << 20
	uploadField           = "audio"
)

type Uploader interface {
	Upload(ctx context.Context, req ingest.UploadRequest) (ingest.UploadResult, error)
}

type TranscriptReader interface {
	GetView(ctx context.Context, id string) (utils.TranscriptView, error)
}

type Exporter interface {
	ExportTranscriptXLSX(ctx context.Context, id string) ([]byte, error)
}

// HTTPServer exposes upload, retrieval and export over JSON/HTTP.
type HTTPServer struct {
	uploads     Uploader
	transcripts TranscriptReader
	exports     Exporter
	maxUpload   int64
	logger      *slog.Logger
}

func NewHTTPServer(up Uploader, tr TranscriptReader, ex Exporter, maxUpload int64, logger *slog.Logger) *HTTPServer {
	if logger == nil {
		logger = slog.Default()
	}
	if maxUpload <= 0 {
		maxUpload = DefaultMaxUploadBytes
	}
	return &HTTPServer{uploads: up, transcripts: tr, exports: ex, maxUpload: maxUpload, logger: logger}
}

// Handler returns the routed handler wrapped in CORS, request id, logging and recovery.
func (s *HTTPServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("POST /api/transcribe", s.handleTranscribe)
	mux.HandleFunc("GET /api/transcript/{id}", s.handleTranscript)
	mux.HandleFunc("GET /api/transcript/{id}/export", s.handleExport)

	var h http.Handler = mux
	h = s.recoverer(h)
	h = s.logRequests(h)
	h = requestID(h)
	return cors.AllowAll().Handler(h)
}

// Serve runs the HTTP server until ctx ends, then shuts it down gracefully.
func (s *HTTPServer) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HTTPServer) handleIndex(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "transcript moderation service is running"})
}

func (s *HTTPServer) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		if isTooLarge(err) {
			s.writeError(w, r, http.StatusRequestEntityTooLarge, "FILE_TOO_LARGE",
				fmt.Sprintf("upload exceeds %d bytes", s.maxUpload))
			return
		}
		s.writeError(w, r, http.StatusBadRequest, "MISSING_FILE", "no audio file provided")
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile(uploadField)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, "MISSING_FILE", "no audio file provided")
		return
	}
	defer file.Close()

	res, err := s.uploads.Upload(r.Context(), ingest.UploadRequest{
		Filename:    header.Filename,
		Body:        file,
		Size:        header.Size,
		ContentType: header.Header.Get("Content-Type"),
	})
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *HTTPServer) handleTranscript(w http.ResponseWriter, r *http.Request) {
	view, err := s.transcripts.GetView(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *HTTPServer) handleExport(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	b, err := s.exports.ExportTranscriptXLSX(r.Context(), id)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="transcript-%s.xlsx"`, id))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(b)
}

func isTooLarge(err error) bool {
	var mbe *http.MaxBytesError
	return errors.As(err, &mbe) || strings.Contains(err.Error(), "request body too large")
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (s *HTTPServer) writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	status := common.HTTPStatus(err)
	code := common.ErrorCode(err, "INTERNAL")
	if status >= http.StatusInternalServerError {
		s.logger.Error("http.request.failed", "path", r.URL.Path, "code", code, "err", err,
			"request_id", common.RequestIDFromContext(r.Context()))
	}
	s.writeError(w, r, status, code, common.PublicMessage(err))
}

func (s *HTTPServer) writeError(w http.ResponseWriter, _ *http.Request, status int, code, msg string) {
	writeJSON(w, status, errorBody{Error: msg, Code: code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(common.WithRequestID(r.Context(), id)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *HTTPServer) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("http.request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"elapsed_ms", time.Since(start).Milliseconds(),
			"request_id", common.RequestIDFromContext(r.Context()),
		)
	})
}

func (s *HTTPServer) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if p := recover(); p != nil {
				s.logger.Error("http.panic", "path", r.URL.Path, "panic", fmt.Sprint(p),
					"request_id", common.RequestIDFromContext(r.Context()))
				s.writeError(w, r, http.StatusInternalServerError, "INTERNAL", "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}
