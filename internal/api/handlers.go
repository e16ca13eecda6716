package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/bc-dunia/threadmon/internal/logwriter"
	"github.com/bc-dunia/threadmon/internal/otel"
	"github.com/bc-dunia/threadmon/internal/render"
	"github.com/bc-dunia/threadmon/internal/snapshot"
)

// exportFileLayout stamps export downloads with the snapshot capture time.
const exportFileLayout = "2006-01-02-15-04-05"

var errLoggingDisabled = errors.New("log directory is not configured")

func (s *Server) handleMonitor(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		s.writeMethodNotAllowed(w, r.Method, "GET, HEAD")
		return
	}

	switch action := r.URL.Query().Get("action"); action {
	case ActionDefault:
		s.handleView(w, r)
	case ActionExport:
		s.handleExport(w, r)
	case ActionJSON:
		s.handleJSON(w, r)
	case ActionLog:
		s.handleLog(w, r)
	case ActionStream:
		s.handleStream(w, r)
	default:
		s.writeError(w, http.StatusNotFound, &ErrorResponse{
			ErrorType:    ErrorTypeNotFound,
			ErrorCode:    ErrorCodeUnknownAction,
			ErrorMessage: "Unknown action",
			Retryable:    false,
			Details: map[string]interface{}{
				"action":  action,
				"allowed": []string{ActionExport, ActionJSON, ActionLog, ActionStream},
			},
		})
	}
}

// handleView renders the HTML page. refresh is clamped; a missing or
// non-numeric value selects the default.
func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	refresh := parseRefresh(r)
	setNoCache(w)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")

	var buf bytes.Buffer
	snap, err := s.collect(r.Context(), "default")
	status := http.StatusOK
	if err != nil {
		status = registryStatus(err)
		s.GetEventLogger().LogActionFailed("default", r.RemoteAddr, status, err)
		err = s.renderer.HTMLError(&buf, err, refresh)
	} else {
		err = s.renderer.HTML(&buf, snap, refresh)
	}
	if err != nil {
		http.Error(w, "failed to render page", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(status)
	w.Write(buf.Bytes())
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	snap, err := s.collect(r.Context(), ActionExport)

	stamp := s.nowFunc()
	if err == nil {
		stamp = snap.CapturedAt
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="thread-monitor-`+stamp.Format(exportFileLayout)+`.csv"`)

	if err != nil {
		status := registryStatus(err)
		s.GetEventLogger().LogActionFailed(ActionExport, r.RemoteAddr, status, err)
		w.WriteHeader(status)
		w.Write(s.renderer.RenderError(render.FormatCSV, err))
		return
	}

	body, _ := s.renderer.Render(render.FormatCSV, snap)
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

func (s *Server) handleJSON(w http.ResponseWriter, r *http.Request) {
	setNoCache(w)
	w.Header().Set("Content-Type", "application/json")

	snap, err := s.collect(r.Context(), ActionJSON)
	if err != nil {
		status := registryStatus(err)
		s.GetEventLogger().LogActionFailed(ActionJSON, r.RemoteAddr, status, err)
		w.WriteHeader(status)
		w.Write(s.renderer.RenderError(render.FormatJSON, err))
		return
	}

	body, err := s.renderer.Render(render.FormatJSON, snap)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write(render.ErrorJSON(err))
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

// handleLog collects once and appends the row. Any failure, registry or
// persistence, answers 500 with the error envelope.
func (s *Server) handleLog(w http.ResponseWriter, r *http.Request) {
	setNoCache(w)

	fail := func(err error) {
		s.GetEventLogger().LogActionFailed(ActionLog, r.RemoteAddr, http.StatusInternalServerError, err)
		s.writeJSON(w, http.StatusInternalServerError, &LogResponse{
			Status:  LogStatusError,
			Message: err.Error(),
		})
	}

	s.mu.Lock()
	appender := s.appender
	s.mu.Unlock()
	if appender == nil {
		fail(errLoggingDisabled)
		return
	}

	snap, err := s.collect(r.Context(), ActionLog)
	if err != nil {
		fail(err)
		return
	}

	result, err := s.append(r.Context(), appender, snap)
	if err != nil {
		fail(err)
		return
	}

	s.writeJSON(w, http.StatusOK, &LogResponse{
		Status:    LogStatusSuccess,
		Message:   result.Message,
		Timestamp: s.nowFunc().Format(render.TimestampLayout),
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeMethodNotAllowed(w, r.Method, "GET")
		return
	}
	s.writeJSON(w, http.StatusOK, &HealthResponse{Status: "ok"})
}

// handleReadyz reports ready once a snapshot source is wired. It does not
// contact the registry.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeMethodNotAllowed(w, r.Method, "GET")
		return
	}

	ready := s.source != nil
	resp := &ReadyResponse{Status: "ready", Ready: ready}
	if !ready {
		resp.Status = "not_ready"
	}
	if mc := s.GetMetricsCollector(); mc != nil {
		if last, ok := mc.Last(); ok {
			resp.LastCollect = last.CapturedAt.Format(render.TimestampLayout)
		}
	}

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeMethodNotAllowed(w, r.Method, "GET")
		return
	}

	mc := s.GetMetricsCollector()
	if mc == nil {
		s.writeError(w, http.StatusServiceUnavailable, &ErrorResponse{
			ErrorType:    ErrorTypeInternal,
			ErrorCode:    ErrorCodeMetricsNotAvailable,
			ErrorMessage: "Metrics collector not configured",
			Retryable:    false,
		})
		return
	}

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(mc.Expose()))
}

// collect runs one bounded collection and records it on every configured
// metrics sink.
func (s *Server) collect(ctx context.Context, action string) (snapshot.MetricsSnapshot, error) {
	s.mu.Lock()
	timeout := s.collectTimeout
	mc := s.metricsCollector
	tracer := s.tracer
	om := s.otelMetrics
	s.mu.Unlock()
	if tracer == nil {
		tracer = otel.GetGlobalTracer()
	}
	if om == nil {
		om = otel.GetGlobalMetrics()
	}

	ctx, span := tracer.StartCollectSpan(ctx, action)
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	snap, err := s.source.Collect(ctx)
	latencyMs := float64(time.Since(start).Microseconds()) / 1000.0

	if mc != nil {
		mc.RecordCollect(snap, latencyMs, err)
	}
	om.RecordCollect(ctx, &snap, latencyMs, err == nil)
	if err != nil {
		if mc != nil {
			mc.RecordError("registry")
		}
		om.RecordError(ctx, "registry")
		otel.RecordError(span, err, "registry")
	}
	return snap, err
}

func (s *Server) append(ctx context.Context, appender LogAppender, snap snapshot.MetricsSnapshot) (logwriter.LogResult, error) {
	s.mu.Lock()
	mc := s.metricsCollector
	tracer := s.tracer
	om := s.otelMetrics
	s.mu.Unlock()
	if tracer == nil {
		tracer = otel.GetGlobalTracer()
	}
	if om == nil {
		om = otel.GetGlobalMetrics()
	}

	ctx, span := tracer.StartAppendSpan(ctx, appender.Dir())
	defer span.End()

	result, err := appender.Append(ctx, snap)
	if err != nil {
		if mc != nil {
			mc.RecordError("persistence")
		}
		om.RecordError(ctx, "persistence")
		otel.RecordError(span, err, "persistence")
		return result, err
	}
	if mc != nil {
		mc.RecordAppend(result.Rotated)
	}
	om.RecordAppend(ctx, result.Rotated)
	return result, nil
}

// registryStatus maps a collection failure to a response status: 504 when
// the collection timed out or was cancelled, 503 otherwise.
func registryStatus(err error) int {
	var re *snapshot.RegistryError
	if errors.As(err, &re) && re.Kind == snapshot.ErrKindCancelled {
		return http.StatusGatewayTimeout
	}
	return http.StatusServiceUnavailable
}

func parseRefresh(r *http.Request) int {
	refresh, err := strconv.Atoi(r.URL.Query().Get("refresh"))
	if err != nil {
		return render.DefaultRefreshSeconds
	}
	return render.ClampRefresh(refresh)
}

func setNoCache(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, errResp *ErrorResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errResp)
}

func (s *Server) writeMethodNotAllowed(w http.ResponseWriter, method, allowed string) {
	w.Header().Set("Allow", allowed)
	s.writeError(w, http.StatusMethodNotAllowed, &ErrorResponse{
		ErrorType:    ErrorTypeInvalidArgument,
		ErrorCode:    ErrorCodeMethodNotAllowed,
		ErrorMessage: "Method not allowed",
		Retryable:    false,
		Details: map[string]interface{}{
			"method":  method,
			"allowed": allowed,
		},
	})
}
