// Package metrics holds the relay's aggregate counters and gauges,
// exposed at GET /metrics. It must never carry client identifiers, IPs,
// or ciphertext: every field here is a process-wide count.
package metrics

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// Stats holds the live counters, each mutated only via its own atomic
// op, never under a lock.
type Stats struct {
	ConnectionsAdmitted   uint64
	ConnectionsRejected   uint64
	ConnectionsTerminated uint64
	RoomsCreated          uint64
	JoinsSucceeded        uint64
	JoinsRejected         uint64
	AppMsgsRelayed        uint64
	MediaMsgsRelayed      uint64
	RateLimitCloses       uint64
	SlowConsumerCloses    uint64
	KeepAliveTimeouts     uint64
	StoreErrors           uint64
}

// StatsSnapshot is a point-in-time, independently consistent copy of
// Stats for rendering.
type StatsSnapshot struct {
	ConnectionsAdmitted   uint64
	ConnectionsRejected   uint64
	ConnectionsTerminated uint64
	ConnectionsOpen       uint64
	RoomsCreated          uint64
	JoinsSucceeded        uint64
	JoinsRejected         uint64
	AppMsgsRelayed        uint64
	MediaMsgsRelayed      uint64
	RateLimitCloses       uint64
	SlowConsumerCloses    uint64
	KeepAliveTimeouts     uint64
	StoreErrors           uint64
}

// Registry is the live Stats plus whatever gauges must be read at
// snapshot time rather than accumulated (currently just open-connection
// count, sourced from the admission Gate).
type Registry struct {
	stats         Stats
	openConnsFunc func() uint64
}

// New builds a Registry. openConns reports current open connections on
// demand (the admission Gate's GlobalCount), since that value is a gauge
// the registry does not own.
func New(openConns func() uint64) *Registry {
	return &Registry{openConnsFunc: openConns}
}

func (r *Registry) IncConnectionsAdmitted()   { atomic.AddUint64(&r.stats.ConnectionsAdmitted, 1) }
func (r *Registry) IncConnectionsRejected()   { atomic.AddUint64(&r.stats.ConnectionsRejected, 1) }
func (r *Registry) IncConnectionsTerminated() { atomic.AddUint64(&r.stats.ConnectionsTerminated, 1) }
func (r *Registry) IncRoomsCreated()          { atomic.AddUint64(&r.stats.RoomsCreated, 1) }
func (r *Registry) IncJoinsSucceeded()        { atomic.AddUint64(&r.stats.JoinsSucceeded, 1) }
func (r *Registry) IncJoinsRejected()         { atomic.AddUint64(&r.stats.JoinsRejected, 1) }
func (r *Registry) IncAppMsgsRelayed()        { atomic.AddUint64(&r.stats.AppMsgsRelayed, 1) }
func (r *Registry) IncMediaMsgsRelayed()      { atomic.AddUint64(&r.stats.MediaMsgsRelayed, 1) }
func (r *Registry) IncRateLimitCloses()       { atomic.AddUint64(&r.stats.RateLimitCloses, 1) }
func (r *Registry) IncSlowConsumerCloses()    { atomic.AddUint64(&r.stats.SlowConsumerCloses, 1) }
func (r *Registry) IncKeepAliveTimeouts()     { atomic.AddUint64(&r.stats.KeepAliveTimeouts, 1) }
func (r *Registry) IncStoreErrors()           { atomic.AddUint64(&r.stats.StoreErrors, 1) }

// Snapshot returns a consistent-enough point-in-time copy for rendering.
// Individual fields may interleave with concurrent increments by a few
// counts; that looseness is acceptable for a monitoring endpoint, not an
// invariant the engine depends on.
func (r *Registry) Snapshot() StatsSnapshot {
	var open uint64
	if r.openConnsFunc != nil {
		open = r.openConnsFunc()
	}
	return StatsSnapshot{
		ConnectionsAdmitted:   atomic.LoadUint64(&r.stats.ConnectionsAdmitted),
		ConnectionsRejected:   atomic.LoadUint64(&r.stats.ConnectionsRejected),
		ConnectionsTerminated: atomic.LoadUint64(&r.stats.ConnectionsTerminated),
		ConnectionsOpen:       open,
		RoomsCreated:          atomic.LoadUint64(&r.stats.RoomsCreated),
		JoinsSucceeded:        atomic.LoadUint64(&r.stats.JoinsSucceeded),
		JoinsRejected:         atomic.LoadUint64(&r.stats.JoinsRejected),
		AppMsgsRelayed:        atomic.LoadUint64(&r.stats.AppMsgsRelayed),
		MediaMsgsRelayed:      atomic.LoadUint64(&r.stats.MediaMsgsRelayed),
		RateLimitCloses:       atomic.LoadUint64(&r.stats.RateLimitCloses),
		SlowConsumerCloses:    atomic.LoadUint64(&r.stats.SlowConsumerCloses),
		KeepAliveTimeouts:     atomic.LoadUint64(&r.stats.KeepAliveTimeouts),
		StoreErrors:           atomic.LoadUint64(&r.stats.StoreErrors),
	}
}

// RenderText renders s as Prometheus-style plaintext exposition.
func (s StatsSnapshot) RenderText() string {
	var b strings.Builder
	line := func(name string, v uint64) {
		fmt.Fprintf(&b, "relay_%s %d\n", name, v)
	}
	line("connections_admitted_total", s.ConnectionsAdmitted)
	line("connections_rejected_total", s.ConnectionsRejected)
	line("connections_terminated_total", s.ConnectionsTerminated)
	line("connections_open", s.ConnectionsOpen)
	line("rooms_created_total", s.RoomsCreated)
	line("joins_succeeded_total", s.JoinsSucceeded)
	line("joins_rejected_total", s.JoinsRejected)
	line("app_msgs_relayed_total", s.AppMsgsRelayed)
	line("media_msgs_relayed_total", s.MediaMsgsRelayed)
	line("rate_limit_closes_total", s.RateLimitCloses)
	line("slow_consumer_closes_total", s.SlowConsumerCloses)
	line("keepalive_timeouts_total", s.KeepAliveTimeouts)
	line("store_errors_total", s.StoreErrors)
	return b.String()
}
