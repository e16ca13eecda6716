package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

const (
	threadingMBean    = "java.lang:type=Threading"
	threadPoolSearch  = "Catalina:type=ThreadPool,*"
	attributeNotFound = "javax.management.AttributeNotFoundException"

	defaultJolokiaTimeout = 10 * time.Second
	maxJolokiaBodyBytes   = 1 << 20
)

// JolokiaConfig configures a JolokiaRegistry.
type JolokiaConfig struct {
	// URL is the Jolokia agent endpoint, e.g. "http://localhost:8080/jolokia".
	URL string

	// Username and Password enable HTTP basic auth when Username is non-empty.
	Username string
	Password string

	// Timeout bounds each request. Default: 10s.
	Timeout time.Duration
}

// JolokiaRegistry reads JMX MBeans through a Jolokia agent (JMX over HTTP/JSON).
// Requests are POSTed so MBean names never need URL escaping.
type JolokiaRegistry struct {
	url      string
	username string
	password string
	client   *http.Client
}

type jolokiaRequest struct {
	Type      string `json:"type"`
	MBean     string `json:"mbean"`
	Attribute any    `json:"attribute,omitempty"`
}

type jolokiaResponse struct {
	Status    int             `json:"status"`
	Value     json.RawMessage `json:"value"`
	Error     string          `json:"error"`
	ErrorType string          `json:"error_type"`
}

// NewJolokiaRegistry creates a registry client for the given agent.
func NewJolokiaRegistry(cfg JolokiaConfig) (*JolokiaRegistry, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("jolokia URL cannot be empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultJolokiaTimeout
	}
	return &JolokiaRegistry{
		url:      strings.TrimRight(cfg.URL, "/"),
		username: cfg.Username,
		password: cfg.Password,
		client:   &http.Client{Timeout: timeout},
	}, nil
}

func (j *JolokiaRegistry) SystemThreads(ctx context.Context) (ThreadCounts, error) {
	resp, err := j.do(ctx, jolokiaRequest{
		Type:      "read",
		MBean:     threadingMBean,
		Attribute: []string{"ThreadCount", "PeakThreadCount", "DaemonThreadCount"},
	})
	if err != nil {
		return ThreadCounts{}, err
	}

	var values map[string]any
	if err := json.Unmarshal(resp.Value, &values); err != nil {
		return ThreadCounts{}, fmt.Errorf("threading attributes: %w", ErrMalformed)
	}

	var counts ThreadCounts
	for name, dst := range map[string]*int{
		"ThreadCount":       &counts.Total,
		"PeakThreadCount":   &counts.Peak,
		"DaemonThreadCount": &counts.Daemon,
	} {
		v, err := toInt64(values[name])
		if err != nil {
			return ThreadCounts{}, fmt.Errorf("threading attribute %s: %w", name, err)
		}
		if v < 0 {
			return ThreadCounts{}, fmt.Errorf("threading attribute %s is negative: %w", name, ErrMalformed)
		}
		*dst = int(v)
	}
	return counts, nil
}

func (j *JolokiaRegistry) QueryPools(ctx context.Context, pattern string) ([]string, error) {
	resp, err := j.do(ctx, jolokiaRequest{Type: "search", MBean: threadPoolSearch})
	if err != nil {
		return nil, err
	}

	var names []string
	if err := json.Unmarshal(resp.Value, &names); err != nil {
		return nil, fmt.Errorf("thread pool search: %w", ErrMalformed)
	}

	var handles []string
	for _, name := range names {
		if MatchesPattern(mbeanProperty(name, "name"), pattern) {
			handles = append(handles, name)
		}
	}
	sort.Strings(handles)
	return handles, nil
}

func (j *JolokiaRegistry) Attribute(ctx context.Context, handle, name string) (int64, error) {
	resp, err := j.do(ctx, jolokiaRequest{Type: "read", MBean: handle, Attribute: name})
	if err != nil {
		return 0, err
	}

	var raw any
	if err := json.Unmarshal(resp.Value, &raw); err != nil {
		return 0, fmt.Errorf("%s %s: %w", handle, name, ErrMalformed)
	}
	v, err := toInt64(raw)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", handle, name, err)
	}
	return v, nil
}

func (j *JolokiaRegistry) do(ctx context.Context, req jolokiaRequest) (*jolokiaResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, j.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if j.username != "" {
		httpReq.SetBasicAuth(j.username, j.password)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

	httpResp, err := j.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("jolokia %s %s: %v: %w", req.Type, req.MBean, err, ErrUnavailable)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(httpResp.Body, 512))
		return nil, fmt.Errorf("jolokia %s %s: %s - %s: %w", req.Type, req.MBean, httpResp.Status, string(respBody), ErrUnavailable)
	}

	var resp jolokiaResponse
	if err := json.NewDecoder(io.LimitReader(httpResp.Body, maxJolokiaBodyBytes)).Decode(&resp); err != nil {
		return nil, fmt.Errorf("jolokia %s %s: %w", req.Type, req.MBean, ErrMalformed)
	}

	if resp.Status != http.StatusOK {
		if resp.ErrorType == attributeNotFound {
			return nil, fmt.Errorf("%s: %w", resp.Error, ErrAttributeNotFound)
		}
		return nil, fmt.Errorf("jolokia %s %s: status %d: %s: %w", req.Type, req.MBean, resp.Status, resp.Error, ErrUnavailable)
	}
	return &resp, nil
}

// mbeanProperty extracts a key property from an ObjectName such as
// `Catalina:name="http-nio-8080",type=ThreadPool`. Quotes are stripped.
func mbeanProperty(objectName, key string) string {
	_, props, ok := strings.Cut(objectName, ":")
	if !ok {
		return ""
	}

	inQuotes := false
	start := 0
	for i := 0; i <= len(props); i++ {
		if i < len(props) {
			switch props[i] {
			case '"':
				inQuotes = !inQuotes
				continue
			case ',':
				if inQuotes {
					continue
				}
			default:
				continue
			}
		}
		k, v, found := strings.Cut(props[start:i], "=")
		if found && k == key {
			return strings.Trim(v, `"`)
		}
		start = i + 1
	}
	return ""
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case float64:
		if n != math.Trunc(n) {
			return 0, ErrMalformed
		}
		return int64(n), nil
	case json.Number:
		return n.Int64()
	case nil:
		return 0, ErrMalformed
	default:
		return 0, ErrMalformed
	}
}
