package registry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"testing"
	"time"
)

func TestProcessRegistrySelf(t *testing.T) {
	reg, err := NewProcessRegistry(os.Getpid())
	if err != nil {
		t.Fatalf("NewProcessRegistry: %v", err)
	}

	counts, err := reg.SystemThreads(context.Background())
	if err != nil {
		t.Fatalf("SystemThreads: %v", err)
	}
	if counts.Total <= 0 {
		t.Errorf("expected positive thread count, got %d", counts.Total)
	}
	if counts.Peak < counts.Total {
		t.Errorf("peak %d must not be below total %d", counts.Peak, counts.Total)
	}
	if counts.Daemon != 0 {
		t.Errorf("expected daemon 0, got %d", counts.Daemon)
	}

	handles, err := reg.QueryPools(context.Background(), "http")
	if err != nil || len(handles) != 0 {
		t.Errorf("expected no pools, got %v (err=%v)", handles, err)
	}

	if _, err := reg.Attribute(context.Background(), "x", AttrMaxThreads); !errors.Is(err, ErrAttributeNotFound) {
		t.Errorf("expected ErrAttributeNotFound, got %v", err)
	}
}

func TestNewProcessRegistryInvalidPID(t *testing.T) {
	if _, err := NewProcessRegistry(0); err == nil {
		t.Fatal("expected error for pid 0")
	}
}

// TestFindProcessByPort verifies the lookup finds this test process when it is
// the one listening.
func TestFindProcessByPort(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to create listener: %v", err)
	}
	defer listener.Close()

	port := listener.Addr().(*net.TCPAddr).Port

	server := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})}
	go server.Serve(listener)
	defer server.Close()

	time.Sleep(100 * time.Millisecond)

	foundPID := FindProcessByPort(port)
	if foundPID != os.Getpid() {
		t.Errorf("FindProcessByPort(%d) = %d, want %d (our PID)", port, foundPID, os.Getpid())
	}
}

func TestFindProcessByPortWithRetryCancelled(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to create listener: %v", err)
	}
	port := listener.Addr().(*net.TCPAddr).Port
	listener.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	if pid := FindProcessByPortWithRetry(ctx, port, 5, time.Second); pid != 0 {
		t.Errorf("expected 0 for unused port, got %d", pid)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("cancelled lookup took too long: %v", elapsed)
	}
}
