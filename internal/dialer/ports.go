package dialer

import (
	"fmt"
	"sync"
)

// SIP signalling ports for dialer calls roll through a fixed range; RTP
// ports come from an even-numbered pool.
const (
	sipPortMin = 10000
	sipPortMax = 15000
	rtpPortMin = 20000
	rtpPortMax = 30000
)

// PortAllocator hands out per-call SIP ports and RTP ports.
type PortAllocator struct {
	mu      sync.Mutex
	nextSIP int

	rtpFree map[int]bool
	rtpUsed map[int]bool
}

// NewPortAllocator builds the allocator with every RTP port free.
func NewPortAllocator() *PortAllocator {
	free := make(map[int]bool)
	for port := rtpPortMin; port < rtpPortMax; port += 2 {
		free[port] = true
	}
	return &PortAllocator{
		nextSIP: sipPortMin,
		rtpFree: free,
		rtpUsed: make(map[int]bool),
	}
}

// NextSIPPort returns the next signalling port, rolling over at the top of
// the range.
func (p *PortAllocator) NextSIPPort() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	port := p.nextSIP
	p.nextSIP++
	if p.nextSIP >= sipPortMax {
		p.nextSIP = sipPortMin
	}
	return port
}

// AllocateRTP reserves an even RTP port.
func (p *PortAllocator) AllocateRTP() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for port := range p.rtpFree {
		delete(p.rtpFree, port)
		p.rtpUsed[port] = true
		return port, nil
	}
	return 0, fmt.Errorf("no rtp ports available in %d-%d", rtpPortMin, rtpPortMax)
}

// ReleaseRTP returns an RTP port to the pool.
func (p *PortAllocator) ReleaseRTP(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rtpUsed[port] {
		delete(p.rtpUsed, port)
		p.rtpFree[port] = true
	}
}

// InUse returns the number of reserved RTP ports.
func (p *PortAllocator) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.rtpUsed)
}
