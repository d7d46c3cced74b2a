// Package simple contains the headless promotion budget used by crawl workers.
package simple

import "sync"

// Policy caps how many pages of one session may be rendered headlessly.
type Policy struct {
	maxPerSession int

	mu   sync.Mutex
	used map[string]int
}

// New creates a Policy. A maxPerSession of zero or less allows unlimited promotions.
func New(maxPerSession int) *Policy {
	return &Policy{maxPerSession: maxPerSession, used: make(map[string]int)}
}

// AllowHeadless reserves one headless render for sessionID and reports whether it fit the budget.
func (p *Policy) AllowHeadless(sessionID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.maxPerSession > 0 && p.used[sessionID] >= p.maxPerSession {
		return false
	}
	p.used[sessionID]++
	return true
}

// Forget drops the budget bookkeeping of a finished session.
func (p *Policy) Forget(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.used, sessionID)
}
