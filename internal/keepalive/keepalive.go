// Package keepalive detects dead peers with a single periodic sweep over
// every admitted socket, independent of room membership (a connection
// that never joins a room is still swept).
package keepalive

import (
	"sync"
	"time"

	"github.com/go-monolith/mono/pkg/types"

	"github.com/example/ciphertext-relay/internal/connctx"
	"github.com/example/ciphertext-relay/internal/metrics"
)

// Config configures a Driver.
type Config struct {
	PingInterval time.Duration
	PingTimeout  time.Duration
	Logger       types.Logger
	Metrics      *metrics.Registry
}

// Driver sweeps a dynamic registry of connections, pinging those that are
// due and terminating those that left an earlier ping unanswered for too
// long.
type Driver struct {
	interval time.Duration
	timeout  time.Duration
	logger   types.Logger
	metrics  *metrics.Registry

	mu    sync.Mutex
	conns map[string]*connctx.Context

	stopChan chan struct{}
	doneChan chan struct{}
	stopOnce sync.Once
}

// New builds a Driver. Call Start to begin sweeping.
func New(cfg Config) *Driver {
	return &Driver{
		interval: cfg.PingInterval,
		timeout:  cfg.PingTimeout,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		conns:    make(map[string]*connctx.Context),
	}
}

// Register adds a connection to the sweep set. Every admitted socket,
// joined to a room or not, must be registered exactly once.
func (d *Driver) Register(c *connctx.Context) {
	d.mu.Lock()
	d.conns[c.ID] = c
	d.mu.Unlock()
}

// Unregister removes a connection from the sweep set. Safe to call more
// than once, and safe to call concurrently with an in-flight sweep.
func (d *Driver) Unregister(id string) {
	d.mu.Lock()
	delete(d.conns, id)
	d.mu.Unlock()
}

// Start begins the periodic sweep in its own goroutine.
func (d *Driver) Start() {
	d.stopChan = make(chan struct{})
	d.doneChan = make(chan struct{})
	go d.run()
}

func (d *Driver) run() {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	defer close(d.doneChan)

	for {
		select {
		case <-d.stopChan:
			return
		case <-ticker.C:
			d.sweep()
		}
	}
}

// sweep snapshots the registry, then acts on each connection outside of
// any registry lock — a connection closing mid-sweep simply fails its
// SendPing/Close calls harmlessly or is found already gone on the next
// sweep.
func (d *Driver) sweep() {
	d.mu.Lock()
	snapshot := make([]*connctx.Context, 0, len(d.conns))
	for _, c := range d.conns {
		snapshot = append(snapshot, c)
	}
	d.mu.Unlock()

	for _, c := range snapshot {
		select {
		case <-c.Done():
			d.Unregister(c.ID)
			continue
		default:
		}

		awaiting, pingSentAt := c.PongStatus()
		if awaiting {
			if time.Since(pingSentAt) > d.timeout {
				if d.logger != nil {
					d.logger.Info("keepalive: terminating unresponsive connection", "conn_id", c.ID)
				}
				if d.metrics != nil {
					d.metrics.IncKeepAliveTimeouts()
				}
				c.Close()
				d.Unregister(c.ID)
			}
			continue
		}

		if !c.SendPing() {
			// Send queue is saturated; treat the same as an unresponsive peer.
			if d.logger != nil {
				d.logger.Info("keepalive: ping dispatch failed, terminating", "conn_id", c.ID)
			}
			c.Close()
			d.Unregister(c.ID)
			continue
		}
		c.MarkPingSent()
	}
}

// Snapshot returns the currently registered connections. Graceful
// shutdown uses it to send a going-away close to every open socket.
func (d *Driver) Snapshot() []*connctx.Context {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*connctx.Context, 0, len(d.conns))
	for _, c := range d.conns {
		out = append(out, c)
	}
	return out
}

// Stop halts the sweep and waits for the in-flight one, if any, to finish.
func (d *Driver) Stop() {
	if d.stopChan == nil {
		return
	}
	d.stopOnce.Do(func() {
		close(d.stopChan)
	})
	<-d.doneChan
}
