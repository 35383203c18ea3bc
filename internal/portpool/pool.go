// Package portpool issues local ports from a fixed range and opaque
// connection tokens for gating access to the local server.
package portpool

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
)

// ErrNoPortsAvailable is returned when every port in the range is reserved.
var ErrNoPortsAvailable = errors.New("no ports available in configured range")

const tokenBytes = 32

// Pool hands out ports from [basePort, basePort+rangeWidth) and tracks which
// are reserved. It is shared by every session, so all access is mutex-guarded.
type Pool struct {
	mu         sync.Mutex
	basePort   int
	rangeWidth int
	reserved   map[int]bool
}

// New creates a pool over the given contiguous port range.
func New(basePort, rangeWidth int) *Pool {
	return &Pool{
		basePort:   basePort,
		rangeWidth: rangeWidth,
		reserved:   make(map[int]bool),
	}
}

// AllocatePort reserves and returns the lowest free port in the range.
// The range is small and fixed, so the linear scan is fine.
func (p *Pool) AllocatePort() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for port := p.basePort; port < p.basePort+p.rangeWidth; port++ {
		if !p.reserved[port] {
			p.reserved[port] = true
			return port, nil
		}
	}
	return 0, ErrNoPortsAvailable
}

// ReleasePort returns a port to the pool. Releasing an unreserved port is a
// no-op.
func (p *Pool) ReleasePort(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.reserved, port)
}

// Reserved returns the number of currently reserved ports.
func (p *Pool) Reserved() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.reserved)
}

// GenerateToken produces a cryptographically random connection token rendered
// as lowercase hex.
func GenerateToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate connection token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
