package registry

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const (
	httpPool = `Catalina:name="http-nio-8080",type=ThreadPool`
	ajpPool  = `Catalina:name="ajp-nio-8009",type=ThreadPool`
)

// newJolokiaServer serves a minimal Jolokia agent backed by the given attributes.
func newJolokiaServer(t *testing.T, attrs map[string]map[string]any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		var req struct {
			Type      string          `json:"type"`
			MBean     string          `json:"mbean"`
			Attribute json.RawMessage `json:"attribute"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		switch req.Type {
		case "search":
			var names []string
			for name := range attrs {
				if name != threadingMBean {
					names = append(names, name)
				}
			}
			json.NewEncoder(w).Encode(map[string]any{"status": 200, "value": names})
		case "read":
			mbean, ok := attrs[req.MBean]
			if !ok {
				json.NewEncoder(w).Encode(map[string]any{
					"status":     404,
					"error_type": "javax.management.InstanceNotFoundException",
					"error":      req.MBean,
				})
				return
			}
			var single string
			if err := json.Unmarshal(req.Attribute, &single); err == nil {
				v, ok := mbean[single]
				if !ok {
					json.NewEncoder(w).Encode(map[string]any{
						"status":     404,
						"error_type": attributeNotFound,
						"error":      "No such attribute: " + single,
					})
					return
				}
				json.NewEncoder(w).Encode(map[string]any{"status": 200, "value": v})
				return
			}
			json.NewEncoder(w).Encode(map[string]any{"status": 200, "value": mbean})
		}
	}))
}

func TestJolokiaSystemThreads(t *testing.T) {
	srv := newJolokiaServer(t, map[string]map[string]any{
		threadingMBean: {"ThreadCount": 42, "PeakThreadCount": 57, "DaemonThreadCount": 30},
	})
	defer srv.Close()

	reg, err := NewJolokiaRegistry(JolokiaConfig{URL: srv.URL + "/jolokia/"})
	if err != nil {
		t.Fatalf("NewJolokiaRegistry: %v", err)
	}

	counts, err := reg.SystemThreads(context.Background())
	if err != nil {
		t.Fatalf("SystemThreads: %v", err)
	}
	want := ThreadCounts{Total: 42, Peak: 57, Daemon: 30}
	if counts != want {
		t.Errorf("expected %+v, got %+v", want, counts)
	}
}

func TestJolokiaSystemThreadsMalformed(t *testing.T) {
	srv := newJolokiaServer(t, map[string]map[string]any{
		threadingMBean: {"ThreadCount": "many", "PeakThreadCount": 57, "DaemonThreadCount": 30},
	})
	defer srv.Close()

	reg, _ := NewJolokiaRegistry(JolokiaConfig{URL: srv.URL})
	_, err := reg.SystemThreads(context.Background())
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestJolokiaUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	reg, _ := NewJolokiaRegistry(JolokiaConfig{URL: srv.URL})
	_, err := reg.SystemThreads(context.Background())
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestJolokiaQueryPools(t *testing.T) {
	srv := newJolokiaServer(t, map[string]map[string]any{
		threadingMBean: {},
		httpPool:       {"maxThreads": 200},
		ajpPool:        {"maxThreads": 100},
	})
	defer srv.Close()

	reg, _ := NewJolokiaRegistry(JolokiaConfig{URL: srv.URL})

	handles, err := reg.QueryPools(context.Background(), "HTTP")
	if err != nil {
		t.Fatalf("QueryPools: %v", err)
	}
	if len(handles) != 1 || handles[0] != httpPool {
		t.Errorf("expected [%s], got %v", httpPool, handles)
	}

	handles, err = reg.QueryPools(context.Background(), "nothing")
	if err != nil {
		t.Fatalf("QueryPools: %v", err)
	}
	if len(handles) != 0 {
		t.Errorf("expected no handles, got %v", handles)
	}
}

func TestJolokiaAttribute(t *testing.T) {
	srv := newJolokiaServer(t, map[string]map[string]any{
		httpPool: {"maxThreads": 200, "currentThreadCount": 12},
	})
	defer srv.Close()

	reg, _ := NewJolokiaRegistry(JolokiaConfig{URL: srv.URL})
	ctx := context.Background()

	v, err := reg.Attribute(ctx, httpPool, AttrMaxThreads)
	if err != nil {
		t.Fatalf("Attribute: %v", err)
	}
	if v != 200 {
		t.Errorf("expected 200, got %d", v)
	}

	_, err = reg.Attribute(ctx, httpPool, AttrCurrentThreadsBusy)
	if !errors.Is(err, ErrAttributeNotFound) {
		t.Errorf("expected ErrAttributeNotFound, got %v", err)
	}

	_, err = reg.Attribute(ctx, ajpPool, AttrMaxThreads)
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("expected ErrUnavailable for unknown MBean, got %v", err)
	}
}

func TestJolokiaBasicAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "monitor" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"status": 200,
			"value":  map[string]any{"ThreadCount": 1, "PeakThreadCount": 1, "DaemonThreadCount": 0},
		})
	}))
	defer srv.Close()

	reg, _ := NewJolokiaRegistry(JolokiaConfig{URL: srv.URL, Username: "monitor", Password: "secret"})
	if _, err := reg.SystemThreads(context.Background()); err != nil {
		t.Fatalf("expected authenticated request to succeed: %v", err)
	}

	anon, _ := NewJolokiaRegistry(JolokiaConfig{URL: srv.URL})
	if _, err := anon.SystemThreads(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable without credentials, got %v", err)
	}
}

func TestJolokiaPropagatesTraceContext(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	defer otel.SetTextMapPropagator(prev)

	var traceparent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceparent = r.Header.Get("traceparent")
		json.NewEncoder(w).Encode(map[string]any{
			"status": 200,
			"value":  map[string]any{"ThreadCount": 1, "PeakThreadCount": 1, "DaemonThreadCount": 0},
		})
	}))
	defer srv.Close()

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	}))

	reg, _ := NewJolokiaRegistry(JolokiaConfig{URL: srv.URL})
	if _, err := reg.SystemThreads(ctx); err != nil {
		t.Fatalf("SystemThreads: %v", err)
	}
	if !strings.Contains(traceparent, "4bf92f3577b34da6a3ce929d0e0e4736") {
		t.Errorf("expected traceparent to carry the trace ID, got %q", traceparent)
	}
}

func TestNewJolokiaRegistryEmptyURL(t *testing.T) {
	if _, err := NewJolokiaRegistry(JolokiaConfig{}); err == nil {
		t.Fatal("expected error for empty URL")
	}
}

func TestMBeanProperty(t *testing.T) {
	tests := []struct {
		objectName string
		key        string
		want       string
	}{
		{`Catalina:name="http-nio-8080",type=ThreadPool`, "name", "http-nio-8080"},
		{`Catalina:type=ThreadPool,name="ajp-nio-127.0.0.1-8009"`, "name", "ajp-nio-127.0.0.1-8009"},
		{`Catalina:type=ThreadPool,name="odd,name"`, "name", "odd,name"},
		{`Catalina:type=ThreadPool`, "name", ""},
		{`no-domain`, "name", ""},
	}
	for _, tt := range tests {
		if got := mbeanProperty(tt.objectName, tt.key); got != tt.want {
			t.Errorf("mbeanProperty(%q, %q) = %q, want %q", tt.objectName, tt.key, got, tt.want)
		}
	}
}

func TestMatchesPattern(t *testing.T) {
	if !MatchesPattern("HTTP-NIO-8080", "http") {
		t.Error("expected case-insensitive match")
	}
	if MatchesPattern("ajp-nio-8009", "http") {
		t.Error("unexpected match")
	}
	if MatchesPattern("anything", "") {
		t.Error("empty pattern must not match")
	}
}
