// Package admission gates new sockets: it is the only place a socket's
// global and per-IP ceilings are consulted, and the only place those
// ceilings are released.
package admission

import (
	"errors"

	"github.com/example/ciphertext-relay/internal/connmeter"
)

// Reject reasons.
var (
	ErrGlobalLimit = errors.New("global_limit")
	ErrIPLimit     = errors.New("ip_limit")
)

// Config configures a Gate.
type Config struct {
	MaxConnsPerIP       int
	MaxTotalConnections int
}

// Gate couples the IP and global connection meters behind a single
// admit/release pair, so every caller increments and decrements both
// together and never just one.
type Gate struct {
	ip     *connmeter.IPMeter
	global *connmeter.GlobalMeter
}

// New builds a Gate.
func New(cfg Config) *Gate {
	return &Gate{
		ip:     connmeter.NewIPMeter(cfg.MaxConnsPerIP),
		global: connmeter.NewGlobalMeter(cfg.MaxTotalConnections),
	}
}

// Admit attempts to reserve one global slot and one per-IP slot for ip.
// On rejection, neither meter is left holding a slot for this attempt:
// ErrGlobalLimit is returned without ever touching the IP meter, and
// ErrIPLimit releases the global slot it had just reserved.
func (g *Gate) Admit(ip string) error {
	if !g.global.TryInc() {
		return ErrGlobalLimit
	}
	if !g.ip.TryInc(ip) {
		g.global.Dec()
		return ErrIPLimit
	}
	return nil
}

// Release gives back the slots Admit reserved for ip. It is safe to call
// at most once per successful Admit; callers are responsible for the
// exactly-once guarantee (normally via sync.Once on the connection's
// close path).
func (g *Gate) Release(ip string) {
	g.ip.Dec(ip)
	g.global.Dec()
}

// IPCount and GlobalCount expose current occupancy for the /metrics and
// /health surfaces.
func (g *Gate) IPCount(ip string) int { return g.ip.Count(ip) }
func (g *Gate) GlobalCount() int      { return g.global.Count() }
