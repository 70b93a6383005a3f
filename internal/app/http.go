package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"cqm/api/internal/auth"
	"cqm/api/internal/docstore"
	"cqm/api/internal/export"
	"cqm/api/internal/gate"
	"cqm/api/internal/pitch"
	"cqm/api/internal/records"
	"cqm/api/internal/scoring"
	"cqm/api/internal/session"
)

const streamHeartbeat = 25 * time.Second

type HTTPServer struct {
	service    *Service
	corsOrigin string
	logger     *zap.Logger
}

func NewHTTPServer(service *Service, corsOrigin string, logger *zap.Logger) *HTTPServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPServer{service: service, corsOrigin: corsOrigin, logger: logger}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{}
		for name, err := range s.service.Ping(ctx) {
			if err != nil {
				status = "not_ready"
				statusCode = http.StatusServiceUnavailable
				checks[name] = map[string]any{"status": "error", "error": err.Error()}
				continue
			}
			checks[name] = map[string]any{"status": "ok"}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/catalog" {
		writeJSON(w, http.StatusOK, s.service.Catalog())
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/score" {
		var body struct {
			SignalID      string `json:"signalId"`
			WorkforceSize string `json:"workforceSize"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.Score(body.SignalID, body.WorkforceSize)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session" {
		var body struct {
			Token string `json:"token"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		sess, err := s.service.StartSession(r.Context(), r.Header.Get("Origin"), body.Token)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"accessToken": sess.Token,
			"expiresAt":   sess.ExpiresAt.Unix(),
			"user":        sessionUser(sess),
			"collection":  s.service.CollectionPath(),
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/session" {
		token := bearerToken(r)
		if token == "" {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "user": nil})
			return
		}
		sess, _, err := s.service.SessionFromToken(r.Context(), token)
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "user": nil})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"authenticated": true,
			"user":          sessionUser(sess),
			"expiresAt":     sess.ExpiresAt.Unix(),
		})
		return
	}

	sess, controller, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	if r.Method == http.MethodDelete && r.URL.Path == "/api/session" {
		if err := s.service.EndSession(r.Context(), sess); err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) >= 2 && parts[0] == "api" && parts[1] == "pitch" {
		s.handlePitch(w, r, controller, parts[2:])
		return
	}
	if len(parts) >= 2 && parts[0] == "api" && parts[1] == "records" {
		s.handleRecords(w, r, controller, parts[2:])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handlePitch(w http.ResponseWriter, r *http.Request, c *pitch.Controller, parts []string) {
	if r.Method == http.MethodGet && len(parts) == 0 {
		writeJSON(w, http.StatusOK, c.View())
		return
	}

	if r.Method == http.MethodPatch && len(parts) == 1 && parts[0] == "form" {
		var body map[string]string
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		s.respondView(w)(c.UpdateForm(body))
		return
	}

	if r.Method == http.MethodPost && len(parts) == 1 && parts[0] == "generate" {
		s.respondView(w)(c.Generate())
		return
	}

	if r.Method == http.MethodPost && len(parts) == 2 && parts[0] == "checklist" {
		q, err := strconv.Atoi(parts[1])
		if err != nil {
			s.fail(w, pitch.ErrInvalidQuestion)
			return
		}
		s.respondView(w)(c.ToggleChecklist(q))
		return
	}

	if r.Method == http.MethodPost && len(parts) == 1 && parts[0] == "save" {
		id, err := c.Save(r.Context())
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "pitch": c.View()})
		return
	}

	if r.Method == http.MethodPost && len(parts) == 1 && parts[0] == "reset" {
		writeJSON(w, http.StatusOK, c.Reset())
		return
	}

	if r.Method == http.MethodPost && len(parts) == 2 && parts[0] == "edit" {
		s.respondView(w)(c.Edit(parts[1]))
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleRecords(w http.ResponseWriter, r *http.Request, c *pitch.Controller, parts []string) {
	if r.Method == http.MethodGet && len(parts) == 0 {
		writeJSON(w, http.StatusOK, map[string]any{
			"records":    c.Records(),
			"collection": s.service.CollectionPath(),
		})
		return
	}

	if r.Method == http.MethodGet && len(parts) == 1 && parts[0] == "stream" {
		s.streamRecords(w, r, c)
		return
	}

	if r.Method == http.MethodGet && len(parts) == 1 && parts[0] == "search" {
		query := r.URL.Query()
		limit, _ := strconv.Atoi(query.Get("limit"))
		offset, _ := strconv.Atoi(query.Get("offset"))
		writeJSON(w, http.StatusOK, s.service.Search(r.Context(), query.Get("q"), limit, offset))
		return
	}

	if r.Method == http.MethodPost && len(parts) == 1 && parts[0] == "delete-cancel" {
		c.CancelDelete()
		writeJSON(w, http.StatusOK, c.View())
		return
	}

	if r.Method == http.MethodPost && len(parts) == 2 && parts[1] == "delete-request" {
		if err := c.RequestDelete(parts[0]); err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, c.View())
		return
	}

	if r.Method == http.MethodDelete && len(parts) == 1 {
		if err := c.ConfirmDelete(r.Context(), parts[0]); err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "id": parts[0]})
		return
	}

	if r.Method == http.MethodGet && len(parts) == 2 && parts[1] == "export" {
		s.exportRecord(w, r, parts[0])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) exportRecord(w http.ResponseWriter, r *http.Request, id string) {
	format, err := export.ParseFormat(strings.TrimSpace(r.URL.Query().Get("format")))
	if err != nil {
		s.fail(w, err)
		return
	}

	if r.URL.Query().Get("link") == "1" {
		url, err := s.service.PublishRecord(r.Context(), id, format)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"url": url, "format": format})
		return
	}

	result, err := s.service.ExportRecord(r.Context(), id, format)
	if err != nil {
		s.fail(w, err)
		return
	}
	w.Header().Set("Content-Disposition", "attachment; filename=\""+result.Filename+"\"")
	w.Header().Set("Content-Type", result.MimeType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Data)
}

// streamRecords sends the record list as server-sent events: once on connect,
// then after every change.
func (s *HTTPServer) streamRecords(w http.ResponseWriter, r *http.Request, c *pitch.Controller) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "STREAM_UNSUPPORTED", "Streaming unsupported", nil)
		return
	}

	updates, stop := c.Watch()
	defer stop()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(streamHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case list, open := <-updates:
			if !open {
				return
			}
			payload, err := json.Marshal(map[string]any{"records": list})
			if err != nil {
				s.logger.Error("encode record stream", zap.Error(err))
				return
			}
			if _, err := fmt.Fprintf(w, "event: records\ndata: %s\n\n", payload); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *HTTPServer) respondView(w http.ResponseWriter) func(pitch.View, error) {
	return func(view pitch.View, err error) {
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	}
}

func (s *HTTPServer) fail(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("code", code), zap.Error(err))
	}
	writeError(w, status, code, message, details)
}

func sessionUser(sess Session) map[string]any {
	return map[string]any{
		"uid":         sess.UserID,
		"provider":    sess.Provider,
		"displayName": sess.DisplayName,
	}
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, *pitch.Controller, bool) {
	token := bearerToken(r)
	if token == "" && r.URL.Path == "/api/records/stream" {
		// EventSource cannot set headers.
		token = strings.TrimSpace(r.URL.Query().Get("access_token"))
	}
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, nil, false
	}
	sess, controller, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		if isAuthError(err) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return Session{}, nil, false
		}
		s.logger.Error("session lookup failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
		return Session{}, nil, false
	}
	return sess, controller, true
}

func isAuthError(err error) bool {
	return errors.Is(err, auth.ErrExpiredToken) ||
		errors.Is(err, auth.ErrInvalidToken) ||
		errors.Is(err, auth.ErrWrongKind) ||
		errors.Is(err, session.ErrNotFound)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		s.logger.Info("request",
			zap.String("request_id", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", writer.status),
			zap.Int64("duration_ms", time.Since(started).Milliseconds()),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PATCH,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) || errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}

	var failure *gate.Failure
	if errors.As(err, &failure) {
		switch failure.Reason {
		case gate.ReasonConfig:
			return http.StatusServiceUnavailable, "AUTH_CONFIG", failure.Message, failure
		case gate.ReasonUnauthorizedOrigin:
			return http.StatusForbidden, "UNAUTHORIZED_ORIGIN", failure.Message, failure
		}
		return http.StatusUnauthorized, "AUTH_ERROR", failure.Message, failure
	}

	var saveErr *pitch.SaveFailure
	if errors.As(err, &saveErr) {
		if errors.Is(err, records.ErrNotFound) {
			return http.StatusNotFound, "NOT_FOUND", saveErr.Error(), nil
		}
		return http.StatusBadGateway, "SAVE_FAILED", saveErr.Error(), nil
	}

	switch {
	case isAuthError(err):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	case errors.Is(err, records.ErrUnauthenticated):
		return http.StatusUnauthorized, "UNAUTHENTICATED", "Sign-in required before saving", nil
	case errors.Is(err, records.ErrNotFound), errors.Is(err, docstore.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, scoring.ErrInvalidSignal):
		return http.StatusUnprocessableEntity, "INVALID_SIGNAL", err.Error(), nil
	case errors.Is(err, pitch.ErrMissingFields),
		errors.Is(err, pitch.ErrUnknownField),
		errors.Is(err, pitch.ErrInvalidQuestion),
		errors.Is(err, export.ErrUnsupportedFormat):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil
	case errors.Is(err, pitch.ErrNoResult):
		return http.StatusConflict, "NO_RESULT", err.Error(), nil
	case errors.Is(err, pitch.ErrCannotSave):
		return http.StatusConflict, "CANNOT_SAVE", err.Error(), nil
	case errors.Is(err, pitch.ErrSaveInFlight):
		return http.StatusConflict, "SAVE_IN_FLIGHT", err.Error(), nil
	case errors.Is(err, pitch.ErrNoPendingDelete):
		return http.StatusConflict, "NO_PENDING_DELETE", err.Error(), nil
	case errors.Is(err, pitch.ErrClosed):
		return http.StatusGone, "SESSION_CLOSED", err.Error(), nil
	case errors.Is(err, export.ErrPDFDependencyMissing),
		errors.Is(err, export.ErrDOCXDependencyMissing),
		errors.Is(err, export.ErrNoSink):
		return http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", err.Error(), nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
