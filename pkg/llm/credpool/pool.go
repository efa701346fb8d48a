// Package credpool maintains an ordered set of provider credentials with
// per-credential health tracking and cursor-based rotation.
package credpool

import (
	"fmt"
	"sync"
	"time"
)

// Credential is one API key with health state. Secrets live only in process
// memory; nothing here is ever persisted.
type Credential struct {
	secret      string
	available   bool
	errorCount  int
	lastError   string
	lastErrorAt time.Time
}

// Status is a redacted snapshot of one credential's health, safe to log.
type Status struct {
	Index      int
	Available  bool
	ErrorCount int
	LastError  string
}

// Pool holds the ordered credentials for one provider. The invoker is the only
// mutator: it advances the cursor and marks credentials unavailable on
// rotation-class failures.
type Pool struct {
	mu          sync.Mutex
	provider    string
	credentials []*Credential
	cursor      int
}

// ErrPoolEmpty is returned when a pool is constructed with no credentials.
var ErrPoolEmpty = fmt.Errorf("credential pool is empty")

// New creates a pool over the given secrets, in order. Order matters: the
// cursor starts at the first key and only advances on failure.
func New(provider string, secrets []string) (*Pool, error) {
	if len(secrets) == 0 {
		return nil, fmt.Errorf("%w: provider %s", ErrPoolEmpty, provider)
	}
	creds := make([]*Credential, 0, len(secrets))
	for _, s := range secrets {
		creds = append(creds, &Credential{secret: s, available: true})
	}
	return &Pool{provider: provider, credentials: creds}, nil
}

// Provider returns the provider this pool belongs to.
func (p *Pool) Provider() string {
	return p.provider
}

// Size returns the total number of credentials, available or not.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.credentials)
}

// Current returns the secret at the cursor, or false when every credential has
// been marked unavailable.
func (p *Pool) Current() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if cred := p.credentials[p.cursor]; cred.available {
		return cred.secret, true
	}
	// Cursor may sit on a burned credential after external resets; look for
	// any available one and move the cursor there.
	for i, cred := range p.credentials {
		if cred.available {
			p.cursor = i
			return cred.secret, true
		}
	}
	return "", false
}

// MarkUnavailable records a failure against the credential currently at the
// cursor and advances to the next available credential. It returns false when
// the pool is exhausted (no available credential remains).
func (p *Pool) MarkUnavailable(reason string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	cred := p.credentials[p.cursor]
	cred.available = false
	cred.errorCount++
	cred.lastError = reason
	cred.lastErrorAt = time.Now()

	for i := 1; i <= len(p.credentials); i++ {
		next := (p.cursor + i) % len(p.credentials)
		if p.credentials[next].available {
			p.cursor = next
			return true
		}
	}
	return false
}

// RecordError increments the error counter for the current credential without
// taking it out of rotation. Used for transient failures.
func (p *Pool) RecordError(reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cred := p.credentials[p.cursor]
	cred.errorCount++
	cred.lastError = reason
	cred.lastErrorAt = time.Now()
}

// Exhausted reports whether every credential has been marked unavailable.
func (p *Pool) Exhausted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, cred := range p.credentials {
		if cred.available {
			return false
		}
	}
	return true
}

// Reset restores every credential to available and rewinds the cursor.
// Intended for operator intervention or quota-window rollover.
func (p *Pool) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, cred := range p.credentials {
		cred.available = true
	}
	p.cursor = 0
}

// Snapshot returns redacted health state for every credential.
func (p *Pool) Snapshot() []Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Status, 0, len(p.credentials))
	for i, cred := range p.credentials {
		out = append(out, Status{
			Index:      i,
			Available:  cred.available,
			ErrorCount: cred.errorCount,
			LastError:  cred.lastError,
		})
	}
	return out
}
