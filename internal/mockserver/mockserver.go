// Package mockserver runs a fake Jolokia agent in front of a simulated
// servlet container. It exposes the JVM Threading MBean and one ThreadPool
// MBean per configured connector, with busy threads following a load curve.
package mockserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	threadingMBean = "java.lang:type=Threading"
	poolDomain     = "Catalina"

	errAttributeNotFound = "javax.management.AttributeNotFoundException"
	errInstanceNotFound  = "javax.management.InstanceNotFoundException"

	// spareThreads is how many idle threads a pool keeps above its busy count.
	spareThreads = 10
)

// Config configures the mock server.
type Config struct {
	Addr     string
	behavior BehaviorProfile
}

func (c *Config) SetBehavior(b *BehaviorProfile) {
	if b == nil {
		return
	}
	c.behavior = *b
}

func DefaultConfig() *Config {
	return &Config{
		Addr: "127.0.0.1:0",
		behavior: BehaviorProfile{
			Pools:         DefaultPools(),
			DaemonThreads: 20,
			OtherThreads:  15,
			LoadPeriod:    2 * time.Minute,
		},
	}
}

// PoolProfile describes one connector thread pool.
type PoolProfile struct {
	// Name is the ObjectName name property, e.g. `"http-nio-8080"`.
	Name       string
	MaxThreads int
	// Busy threads at zero and at full load.
	BaseBusy int
	PeakBusy int
	// CountOnly hides currentThreadsBusy so clients must fall back to
	// currentThreadCount.
	CountOnly bool
}

// DefaultPools returns an HTTP connector that reaches critical at full load
// and an AJP connector that only exposes currentThreadCount.
func DefaultPools() []PoolProfile {
	return []PoolProfile{
		{Name: `"http-nio-8080"`, MaxThreads: 200, BaseBusy: 10, PeakBusy: 180},
		{Name: `"ajp-nio-8009"`, MaxThreads: 100, BaseBusy: 2, PeakBusy: 40, CountOnly: true},
	}
}

// BehaviorProfile controls the simulated container and agent.
type BehaviorProfile struct {
	Pools []PoolProfile
	// DaemonThreads and OtherThreads are threads outside the connector
	// pools. Pool threads count as daemon threads.
	DaemonThreads int
	OtherThreads  int
	// LoadPeriod is the period of the simulated load wave. Zero holds the
	// load at zero until SetLoad is called.
	LoadPeriod time.Duration
	// LatencyMs delays every reply.
	LatencyMs int
	// FailureRate is the fraction of requests answered with HTTP 503.
	FailureRate float64
	// Username enables basic auth.
	Username string
	Password string
}

// Server is the mock server interface.
type Server interface {
	Start() error
	Stop(ctx context.Context)
	Addr() string
	JolokiaURL() string
	// SetLoad pins the load to a fraction in [0,1]. A negative value resumes
	// the load wave.
	SetLoad(fraction float64)
	// SetAvailable makes every request fail with HTTP 503 while false.
	SetAvailable(available bool)
	// Requests returns the number of agent requests served.
	Requests() int64
}

// New creates a new mock server.
func New(config *Config) Server {
	if config == nil {
		config = DefaultConfig()
	}
	s := &mockServer{
		cfg:      config,
		behavior: config.behavior,
		started:  time.Now(),
		nowFunc:  time.Now,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	s.pinned.Store(math.Float64bits(-1))
	s.available.Store(true)
	return s
}

// StartTestServer starts a server with defaults and returns cleanup.
func StartTestServer() (server Server, cleanup func()) {
	cfg := DefaultConfig()
	srv := New(cfg)
	if err := srv.Start(); err != nil {
		return srv, func() {}
	}
	cleanup = func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Stop(ctx)
	}
	return srv, cleanup
}

type mockServer struct {
	cfg        *Config
	behavior   BehaviorProfile
	httpServer *http.Server
	listener   net.Listener
	addr       string
	started    time.Time
	nowFunc    func() time.Time

	pinned    atomic.Uint64 // float64 bits
	available atomic.Bool
	requests  atomic.Int64
	peak      atomic.Int64

	mu  sync.Mutex
	rng *rand.Rand
}

func (s *mockServer) Start() error {
	if s.cfg == nil {
		s.cfg = DefaultConfig()
	}

	ln, err := net.Listen("tcp", normalizeAddr(s.cfg.Addr))
	if err != nil {
		return err
	}
	s.listener = ln
	s.addr = ln.Addr().String()

	mux := http.NewServeMux()
	mux.HandleFunc("/jolokia", s.handleJolokia)
	mux.HandleFunc("/jolokia/", s.handleJolokia)

	s.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		_ = s.httpServer.Serve(ln)
	}()

	return nil
}

func (s *mockServer) Stop(ctx context.Context) {
	if s.httpServer == nil {
		return
	}
	_ = s.httpServer.Shutdown(ctx)
}

func (s *mockServer) Addr() string {
	return s.addr
}

func (s *mockServer) JolokiaURL() string {
	if s.addr == "" {
		return ""
	}
	return "http://" + s.addr + "/jolokia"
}

func (s *mockServer) SetLoad(fraction float64) {
	if fraction > 1 {
		fraction = 1
	}
	s.pinned.Store(math.Float64bits(fraction))
}

func (s *mockServer) SetAvailable(available bool) {
	s.available.Store(available)
}

func (s *mockServer) Requests() int64 {
	return s.requests.Load()
}

type agentRequest struct {
	Type      string          `json:"type"`
	MBean     string          `json:"mbean"`
	Attribute json.RawMessage `json:"attribute,omitempty"`
}

type agentResponse struct {
	Request   agentRequest `json:"request"`
	Value     any          `json:"value,omitempty"`
	Status    int          `json:"status"`
	Timestamp int64        `json:"timestamp"`
	Error     string       `json:"error,omitempty"`
	ErrorType string       `json:"error_type,omitempty"`
}

func (s *mockServer) handleJolokia(w http.ResponseWriter, r *http.Request) {
	s.requests.Add(1)

	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.behavior.Username != "" {
		user, pass, ok := r.BasicAuth()
		if !ok || user != s.behavior.Username || pass != s.behavior.Password {
			w.Header().Set("WWW-Authenticate", `Basic realm="jolokia"`)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
	}
	if !sleepWithContext(r.Context(), time.Duration(s.behavior.LatencyMs)*time.Millisecond) {
		return
	}
	if !s.available.Load() || s.shouldFail() {
		http.Error(w, "agent unavailable", http.StatusServiceUnavailable)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<16))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	var req agentRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	resp := agentResponse{Request: req, Status: http.StatusOK, Timestamp: s.nowFunc().Unix()}
	switch req.Type {
	case "read":
		s.read(&resp)
	case "search":
		resp.Value = s.search(req.MBean)
	default:
		resp.Status = http.StatusBadRequest
		resp.ErrorType = "java.lang.IllegalArgumentException"
		resp.Error = fmt.Sprintf("unsupported request type %q", req.Type)
	}

	// The agent answers 200 and reports failures in the body.
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *mockServer) shouldFail() bool {
	if s.behavior.FailureRate <= 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64() < s.behavior.FailureRate
}

func (s *mockServer) read(resp *agentResponse) {
	attrs, ok := s.mbean(resp.Request.MBean)
	if !ok {
		resp.Status = http.StatusNotFound
		resp.ErrorType = errInstanceNotFound
		resp.Error = resp.Request.MBean
		return
	}

	names, single, err := attributeNames(resp.Request.Attribute)
	if err != nil {
		resp.Status = http.StatusBadRequest
		resp.ErrorType = "java.lang.IllegalArgumentException"
		resp.Error = err.Error()
		return
	}
	if len(names) == 0 {
		resp.Value = attrs
		return
	}

	values := make(map[string]int64, len(names))
	for _, name := range names {
		v, ok := attrs[name]
		if !ok {
			resp.Status = http.StatusNotFound
			resp.ErrorType = errAttributeNotFound
			resp.Error = fmt.Sprintf("No such attribute: %s", name)
			return
		}
		values[name] = v
	}
	if single {
		resp.Value = values[names[0]]
		return
	}
	resp.Value = values
}

// attributeNames accepts a string, a list of strings or nothing.
func attributeNames(raw json.RawMessage) (names []string, single bool, err error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, false, nil
	}
	var one string
	if json.Unmarshal(raw, &one) == nil {
		return []string{one}, true, nil
	}
	if err := json.Unmarshal(raw, &names); err != nil {
		return nil, false, fmt.Errorf("attribute must be a string or a list of strings")
	}
	return names, false, nil
}

// mbean returns the current attribute values of the named MBean.
func (s *mockServer) mbean(name string) (map[string]int64, bool) {
	load := s.load()
	if name == threadingMBean {
		return s.threading(load), true
	}
	for _, p := range s.behavior.Pools {
		if name == poolObjectName(p) {
			return poolAttributes(p, load), true
		}
	}
	return nil, false
}

func (s *mockServer) threading(load float64) map[string]int64 {
	daemon := int64(s.behavior.DaemonThreads)
	for _, p := range s.behavior.Pools {
		daemon += poolThreadCount(p, load)
	}
	total := daemon + int64(s.behavior.OtherThreads)

	peak := s.peak.Load()
	for total > peak && !s.peak.CompareAndSwap(peak, total) {
		peak = s.peak.Load()
	}

	return map[string]int64{
		"ThreadCount":       total,
		"PeakThreadCount":   max(peak, total),
		"DaemonThreadCount": daemon,
	}
}

func (s *mockServer) search(pattern string) []string {
	want := objectNameProps(pattern)
	var names []string
	for _, p := range s.behavior.Pools {
		name := poolObjectName(p)
		if matchesPattern(name, want) {
			names = append(names, name)
		}
	}
	if matchesPattern(threadingMBean, want) {
		names = append(names, threadingMBean)
	}
	sort.Strings(names)
	return names
}

// load is the current load fraction in [0,1].
func (s *mockServer) load() float64 {
	if pinned := math.Float64frombits(s.pinned.Load()); pinned >= 0 {
		return pinned
	}
	period := s.behavior.LoadPeriod
	if period <= 0 {
		return 0
	}
	phase := float64(s.nowFunc().Sub(s.started)%period) / float64(period)
	return 0.5 - 0.5*math.Cos(2*math.Pi*phase)
}

func poolObjectName(p PoolProfile) string {
	return poolDomain + ":type=ThreadPool,name=" + p.Name
}

func poolBusy(p PoolProfile, load float64) int64 {
	return int64(p.BaseBusy) + int64(math.Round(load*float64(p.PeakBusy-p.BaseBusy)))
}

func poolThreadCount(p PoolProfile, load float64) int64 {
	busy := poolBusy(p, load)
	if p.CountOnly {
		return busy
	}
	return min(busy+spareThreads, max(int64(p.MaxThreads), busy))
}

func poolAttributes(p PoolProfile, load float64) map[string]int64 {
	attrs := map[string]int64{
		"maxThreads":         int64(p.MaxThreads),
		"currentThreadCount": poolThreadCount(p, load),
	}
	if !p.CountOnly {
		attrs["currentThreadsBusy"] = poolBusy(p, load)
	}
	return attrs
}

// objectNameProps splits an ObjectName or pattern into its domain (key "")
// and key properties. The "*" wildcard is dropped.
func objectNameProps(name string) map[string]string {
	domain, rest, _ := strings.Cut(name, ":")
	props := map[string]string{"": domain}

	inQuotes := false
	start := 0
	for i := 0; i <= len(rest); i++ {
		if i < len(rest) {
			if rest[i] == '"' {
				inQuotes = !inQuotes
			}
			if rest[i] != ',' || inQuotes {
				continue
			}
		}
		if k, v, ok := strings.Cut(rest[start:i], "="); ok {
			props[k] = v
		}
		start = i + 1
	}
	return props
}

func matchesPattern(name string, want map[string]string) bool {
	have := objectNameProps(name)
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}

func normalizeAddr(addr string) string {
	if addr == "" {
		return "127.0.0.1:0"
	}
	if strings.HasPrefix(addr, ":") {
		return "127.0.0.1" + addr
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	if host == "" {
		return "127.0.0.1:" + port
	}
	return addr
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
