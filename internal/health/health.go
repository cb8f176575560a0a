// Package health aggregates dependency probes into one report, shared by the
// HTTP /health endpoint and the gRPC health service.
package health

import (
	"context"
	"sync"
	"time"
)

// Probe returns nil when the dependency is usable.
type Probe func(ctx context.Context) error

// Report maps each component to "ok" or an error description. The
// "application" entry is always "ok".
type Report map[string]string

// Checker runs probes concurrently with a shared timeout.
type Checker struct {
	timeout time.Duration
	names   []string
	probes  map[string]Probe
}

func NewChecker(timeout time.Duration) *Checker {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Checker{timeout: timeout, probes: make(map[string]Probe)}
}

// Add registers a probe under name. It is not safe to call concurrently with
// Check.
func (c *Checker) Add(name string, p Probe) {
	if _, ok := c.probes[name]; !ok {
		c.names = append(c.names, name)
	}
	c.probes[name] = p
}

// Check runs every probe and reports whether all of them passed.
func (c *Checker) Check(ctx context.Context) (Report, bool) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		healthy = true
		report  = Report{"application": "ok"}
	)
	for _, name := range c.names {
		wg.Add(1)
		go func(name string, p Probe) {
			defer wg.Done()
			status := "ok"
			if err := p(ctx); err != nil {
				status = "error: " + err.Error()
			}
			mu.Lock()
			defer mu.Unlock()
			report[name] = status
			if status != "ok" {
				healthy = false
			}
		}(name, c.probes[name])
	}
	wg.Wait()
	return report, healthy
}
