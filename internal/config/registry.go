package config

import (
	"context"
	"fmt"
	"time"

	"github.com/bc-dunia/threadmon/internal/registry"
)

// The monitored server may still be binding its port when the monitor starts.
const (
	portLookupRetries = 5
	portLookupDelay   = 2 * time.Second
)

// OpenRegistry builds the adapter selected by Kind. A process registry with
// no PID is resolved from ListenPort.
func (r RegistryConfig) OpenRegistry(ctx context.Context) (registry.Registry, error) {
	if r.Kind != RegistryProcess {
		reg, err := registry.NewJolokiaRegistry(r.Jolokia())
		if err != nil {
			return nil, err
		}
		return reg, nil
	}

	pid := r.PID
	if pid == 0 {
		pid = registry.FindProcessByPortWithRetry(ctx, r.ListenPort, portLookupRetries, portLookupDelay)
		if pid == 0 {
			return nil, fmt.Errorf("no process listening on port %d", r.ListenPort)
		}
	}
	reg, err := registry.NewProcessRegistry(pid)
	if err != nil {
		return nil, err
	}
	return reg, nil
}
