package registry

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	psnet "github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"
)

// ProcessRegistry reports thread counters of a local process via gopsutil.
// It has no view of connector pools: QueryPools always returns no handles.
// The operating system does not expose a peak thread count or a daemon flag,
// so Peak is the highest value observed by this registry and Daemon is 0.
type ProcessRegistry struct {
	pid int32

	mu   sync.Mutex
	peak int
}

// NewProcessRegistry creates a registry for the process with the given PID.
func NewProcessRegistry(pid int) (*ProcessRegistry, error) {
	if pid <= 0 {
		return nil, fmt.Errorf("invalid pid %d", pid)
	}
	if _, err := process.NewProcess(int32(pid)); err != nil {
		return nil, fmt.Errorf("PID %d does not exist or is not accessible: %w", pid, err)
	}
	return &ProcessRegistry{pid: int32(pid)}, nil
}

// PID returns the monitored process ID.
func (p *ProcessRegistry) PID() int {
	return int(p.pid)
}

func (p *ProcessRegistry) SystemThreads(ctx context.Context) (ThreadCounts, error) {
	proc, err := process.NewProcessWithContext(ctx, p.pid)
	if err != nil {
		return ThreadCounts{}, fmt.Errorf("process %d: %v: %w", p.pid, err, ErrUnavailable)
	}
	n, err := proc.NumThreadsWithContext(ctx)
	if err != nil {
		return ThreadCounts{}, fmt.Errorf("process %d thread count: %v: %w", p.pid, err, ErrUnavailable)
	}
	if n < 0 {
		return ThreadCounts{}, fmt.Errorf("process %d thread count %d: %w", p.pid, n, ErrMalformed)
	}

	p.mu.Lock()
	if int(n) > p.peak {
		p.peak = int(n)
	}
	peak := p.peak
	p.mu.Unlock()

	return ThreadCounts{Total: int(n), Peak: peak}, nil
}

func (p *ProcessRegistry) QueryPools(ctx context.Context, pattern string) ([]string, error) {
	return nil, ctx.Err()
}

func (p *ProcessRegistry) Attribute(ctx context.Context, handle, name string) (int64, error) {
	return 0, fmt.Errorf("process registry exposes no pool attributes: %w", ErrAttributeNotFound)
}

// FindProcessByPort returns the PID of the process listening on the given TCP port,
// or 0 if none is found.
func FindProcessByPort(port int) int {
	conns, err := psnet.Connections("tcp")
	if err == nil {
		for _, conn := range conns {
			if conn.Status == "LISTEN" && conn.Laddr.Port == uint32(port) && conn.Pid > 0 {
				return int(conn.Pid)
			}
		}
	}

	procs, err := process.Processes()
	if err != nil {
		return 0
	}
	for _, p := range procs {
		pconns, err := p.Connections()
		if err != nil {
			continue
		}
		for _, conn := range pconns {
			if conn.Status == "LISTEN" && conn.Laddr.Port == uint32(port) {
				return int(p.Pid)
			}
		}
	}
	return 0
}

// FindProcessByPortWithRetry polls FindProcessByPort until a PID is found, the
// attempts are exhausted, or ctx is done. The application server may still be
// starting when the monitor comes up.
func FindProcessByPortWithRetry(ctx context.Context, port, maxRetries int, retryDelay time.Duration) int {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if pid := FindProcessByPort(port); pid > 0 {
			return pid
		}
		if attempt == maxRetries {
			break
		}
		log.Printf("PID lookup attempt %d failed for port %d, retrying...", attempt+1, port)
		select {
		case <-ctx.Done():
			return 0
		case <-time.After(retryDelay):
		}
	}
	return 0
}
