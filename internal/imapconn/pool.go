package imapconn

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/emersion/go-imap"
)

const (
	// sessionIdleTimeout is the maximum time a pooled session can sit idle
	// before the cleanup pass closes it.
	sessionIdleTimeout = 10 * time.Minute
	// healthCheckThreshold is the idle time after which we NOOP a session
	// before handing it out again.
	healthCheckThreshold = 1 * time.Minute
	// cleanupInterval is how often idle sessions are reaped.
	cleanupInterval = 1 * time.Minute
)

// AccountConn describes how to reach one account's IMAP server. The pool
// asks the token provider for credentials on every new connection so
// refreshed OAuth tokens are picked up.
type AccountConn struct {
	AccountID int64
	Server    string
	UseTLS    bool
}

// Pool manages IMAP sessions per account: up to maxSessions authenticated
// connections each. Acquire blocks when the account's sessions are all
// checked out.
//
// Thread safety: sessions are owned exclusively between Acquire and the
// returned release function; the pool's own maps are mutex-guarded.
type Pool struct {
	tokens      TokenProvider
	maxSessions int

	mu   sync.RWMutex
	sets map[int64]*sessionSet

	cleanupCtx    context.Context
	cleanupCancel context.CancelFunc
}

// sessionSet is the per-account slice of pooled sessions plus the semaphore
// bounding how many exist at once.
type sessionSet struct {
	conn      AccountConn
	mu        sync.Mutex
	idle      []*Session
	semaphore chan struct{}
}

// NewPool creates a pool handing out at most maxSessions connections per
// account (3 matches what most providers tolerate per account).
func NewPool(tokens TokenProvider, maxSessions int) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		tokens:        tokens,
		maxSessions:   maxSessions,
		sets:          make(map[int64]*sessionSet),
		cleanupCtx:    ctx,
		cleanupCancel: cancel,
	}
	go p.cleanupLoop()
	return p
}

// Acquire returns an authenticated session for the account and a release
// function that must be called when the caller is done. Blocks until a
// session slot is free or ctx is canceled.
func (p *Pool) Acquire(ctx context.Context, conn AccountConn) (*Session, func(), error) {
	set := p.getOrCreateSet(conn)

	select {
	case set.semaphore <- struct{}{}:
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}

	// Slot held from here on; every return path must either hand the slot
	// to the release closure or give it back.
	session, err := p.checkout(set)
	if err != nil {
		<-set.semaphore
		return nil, nil, err
	}

	release := func() {
		p.checkin(set, session)
		<-set.semaphore
	}
	return session, release, nil
}

// RemoveAccount closes all pooled sessions for an account.
func (p *Pool) RemoveAccount(accountID int64) {
	p.mu.Lock()
	set, exists := p.sets[accountID]
	if exists {
		delete(p.sets, accountID)
	}
	p.mu.Unlock()

	if !exists {
		return
	}

	set.mu.Lock()
	defer set.mu.Unlock()
	for _, session := range set.idle {
		_ = session.Logout()
	}
	set.idle = nil
}

// Close closes every session in the pool and stops the cleanup goroutine.
func (p *Pool) Close() {
	p.cleanupCancel()

	p.mu.Lock()
	defer p.mu.Unlock()
	for accountID, set := range p.sets {
		set.mu.Lock()
		for _, session := range set.idle {
			if err := session.Logout(); err != nil {
				log.Printf("imapconn: failed to logout session for account %d: %v", accountID, err)
			}
		}
		set.idle = nil
		set.mu.Unlock()
		delete(p.sets, accountID)
	}
}

// getOrCreateSet gets or creates the session set for an account.
// Thread-safe: uses double-check locking.
func (p *Pool) getOrCreateSet(conn AccountConn) *sessionSet {
	p.mu.RLock()
	set, exists := p.sets[conn.AccountID]
	p.mu.RUnlock()
	if exists {
		return set
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if set, exists := p.sets[conn.AccountID]; exists {
		return set
	}

	set = &sessionSet{
		conn:      conn,
		semaphore: make(chan struct{}, p.maxSessions),
	}
	p.sets[conn.AccountID] = set
	return set
}

// checkout pops a healthy idle session or dials a new one. The caller must
// already hold a semaphore slot.
func (p *Pool) checkout(set *sessionSet) (*Session, error) {
	for {
		set.mu.Lock()
		if len(set.idle) == 0 {
			set.mu.Unlock()
			break
		}
		session := set.idle[len(set.idle)-1]
		set.idle = set.idle[:len(set.idle)-1]
		set.mu.Unlock()

		state := session.state()
		if state != imap.AuthenticatedState && state != imap.SelectedState {
			_ = session.Logout()
			continue
		}
		if time.Since(session.lastUsed) > healthCheckThreshold {
			if err := session.Noop(); err != nil {
				_ = session.Logout()
				continue
			}
		}
		session.lastUsed = time.Now()
		return session, nil
	}

	return p.dial(set.conn)
}

// checkin returns a session to the idle list.
func (p *Pool) checkin(set *sessionSet, session *Session) {
	session.lastUsed = time.Now()
	set.mu.Lock()
	set.idle = append(set.idle, session)
	set.mu.Unlock()
}

// dial opens and authenticates a fresh session.
func (p *Pool) dial(conn AccountConn) (*Session, error) {
	creds, err := p.tokens.Credentials(conn.AccountID)
	if err != nil {
		return nil, fmt.Errorf("failed to get credentials for account %d: %w", conn.AccountID, err)
	}

	c, err := Connect(conn.Server, conn.UseTLS)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	if err := Login(c, creds); err != nil {
		_ = c.Logout()
		return nil, err
	}

	session, err := newSession(c, conn.AccountID)
	if err != nil {
		_ = c.Logout()
		return nil, err
	}
	return session, nil
}

// cleanupLoop reaps sessions idle past sessionIdleTimeout.
func (p *Pool) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.cleanupCtx.Done():
			return
		case <-ticker.C:
			p.reapIdle()
		}
	}
}

func (p *Pool) reapIdle() {
	p.mu.RLock()
	sets := make([]*sessionSet, 0, len(p.sets))
	for _, set := range p.sets {
		sets = append(sets, set)
	}
	p.mu.RUnlock()

	for _, set := range sets {
		set.mu.Lock()
		kept := set.idle[:0]
		for _, session := range set.idle {
			if time.Since(session.lastUsed) > sessionIdleTimeout {
				_ = session.Logout()
				continue
			}
			kept = append(kept, session)
		}
		set.idle = kept
		set.mu.Unlock()
	}
}
