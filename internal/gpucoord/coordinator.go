// Package gpucoord enforces that at most one GPU-resident service holds
// the GPU at a time, per spec §4.3.
//
// The deployment target has a single small GPU shared by heterogeneous
// models; forgetting to unload one before loading another causes an
// out-of-memory failure. Co-locating the policy in one component
// guarantees the invariant even as new capabilities are added, instead of
// scattering unload calls across every provider call site.
//
// This is one of the few components in this module built directly on the
// standard library rather than a third-party primitive: the critical
// section here is a single-process, single-resource mutual exclusion, which
// is what sync.Mutex provides — no library in the retrieval pack offers
// anything more suited to this than the stdlib mutex the teacher's own
// Engine uses to guard its node map. sync.Mutex does not hand the lock to
// waiters in arrival order, so the order in which waiting operations
// acquire the GPU is not guaranteed to be FIFO.
package gpucoord

import (
	"context"
	"log"
	"sync"
)

// Capability names a GPU-resident service kind.
type Capability string

const (
	CapabilityText   Capability = "text"
	CapabilityImage  Capability = "image"
	CapabilityVision Capability = "vision"
	CapabilityVLM    Capability = "vlm"
)

// Unloader is the injected hook a capability uses to release GPU memory.
type Unloader interface {
	Unload(ctx context.Context, capability Capability) error
}

// UnloaderFunc adapts a function to the Unloader interface.
type UnloaderFunc func(ctx context.Context, capability Capability) error

func (f UnloaderFunc) Unload(ctx context.Context, capability Capability) error {
	return f(ctx, capability)
}

// Coordinator is a process-wide single-GPU mutual-exclusion gate.
type Coordinator struct {
	mu       sync.Mutex // guards the critical section; waiter order not guaranteed FIFO
	unloader Unloader
	logger   *log.Logger

	loaded Capability // "" if nothing is currently loaded
	states map[Capability]bool
}

// New constructs a Coordinator. unloader may be nil, in which case
// withOperation simply marks the previously-loaded capability unloaded
// without an actual release call — useful for tests.
func New(unloader Unloader, logger *log.Logger) *Coordinator {
	if logger == nil {
		logger = log.Default()
	}
	return &Coordinator{
		unloader: unloader,
		logger:   logger,
		states:   map[Capability]bool{},
	}
}

// WithOperation enters the critical section, unloads the currently-loaded
// capability if it differs from capability, marks capability loaded, runs
// body, and releases the lock on both normal and error exit.
func (c *Coordinator) WithOperation(ctx context.Context, capability Capability, body func(ctx context.Context) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.loaded != "" && c.loaded != capability {
		if c.unloader != nil {
			if err := c.unloader.Unload(ctx, c.loaded); err != nil {
				c.logger.Printf("gpucoord: unload %s failed: %v", c.loaded, err)
			}
		}
		c.states[c.loaded] = false
		c.logger.Printf("gpucoord: unloaded %s", c.loaded)
	}

	c.loaded = capability
	c.states[capability] = true
	c.logger.Printf("gpucoord: loaded %s", capability)

	return body(ctx)
}

// CleanupAll unloads every capability currently tracked as loaded,
// best-effort — per-service failures are swallowed into logs, never
// returned, since cleanup runs on shutdown paths that must not fail loudly.
func (c *Coordinator) CleanupAll(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.loaded == "" {
		return
	}
	if c.unloader != nil {
		if err := c.unloader.Unload(ctx, c.loaded); err != nil {
			c.logger.Printf("gpucoord: cleanup unload %s failed: %v", c.loaded, err)
		}
	}
	c.states[c.loaded] = false
	c.loaded = ""
}

// GetStates returns a snapshot of load status per capability.
func (c *Coordinator) GetStates() map[Capability]bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	snapshot := make(map[Capability]bool, len(c.states))
	for k, v := range c.states {
		snapshot[k] = v
	}
	return snapshot
}
