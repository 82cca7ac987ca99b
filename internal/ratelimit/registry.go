package ratelimit

import "sync"

// Capability names the upstream concern a Gate bounds concurrency for.
type Capability string

const (
	CapabilityText   Capability = "text"
	CapabilityImage  Capability = "image"
	CapabilityVision Capability = "vision"
	CapabilityVLM    Capability = "vlm"
)

// Family distinguishes a remote (hosted API) provider from a local
// (in-process / co-resident GPU) one. Default limits differ: remote
// families default to a concurrent limit, local families default to
// serial (1) execution.
type Family string

const (
	FamilyRemote Family = "remote"
	FamilyLocal  Family = "local"
)

const defaultRemoteLimit = 4

// Registry holds one Gate per (capability, family) pair, so choosing a
// capability's family picks among gates that already exist rather than
// building new ones — SetLimit updates the existing Gate's limit in place
// rather than handing out a new Gate instance.
type Registry struct {
	mu    sync.Mutex
	gates map[key]*Gate
}

type key struct {
	capability Capability
	family     Family
}

// NewRegistry builds a Registry with a Gate for every (capability, family)
// combination, seeded with the default limits from §4.1: remote > 1
// concurrent, local = 1 serial.
func NewRegistry() *Registry {
	r := &Registry{gates: map[key]*Gate{}}
	for _, cap := range []Capability{CapabilityText, CapabilityImage, CapabilityVision, CapabilityVLM} {
		r.gates[key{cap, FamilyRemote}] = New(defaultRemoteLimit)
		r.gates[key{cap, FamilyLocal}] = New(1)
	}
	return r
}

// Gate returns the Gate for a (capability, family) pair, creating one with
// its family's default limit (defaultRemoteLimit for remote, serial
// otherwise) if it is a combination not seeded by NewRegistry.
func (r *Registry) Gate(capability Capability, family Family) *Gate {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key{capability, family}
	g, ok := r.gates[k]
	if !ok {
		limit := 1
		if family == FamilyRemote {
			limit = defaultRemoteLimit
		}
		g = New(limit)
		r.gates[k] = g
	}
	return g
}

// SetLimit overrides the limit for a specific (capability, family) gate,
// used when a job submit request carries rate-limit overrides.
func (r *Registry) SetLimit(capability Capability, family Family, limit int) {
	r.Gate(capability, family).SetLimit(limit)
}
