// Package gateway caches authenticated exchange sessions per user and hands
// them to the trading service. Sessions are created on demand from stored
// credentials and recycled when they go stale.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"tradegate/internal/events"
	"tradegate/pkg/crypto"
	"tradegate/pkg/db"
	"tradegate/pkg/exchanges/common"
	"tradegate/pkg/logger"
)

var (
	// ErrUnhealthy means the session tripped its failure threshold and is
	// held open-circuit until the timeout passes.
	ErrUnhealthy = errors.New("exchange session is unhealthy")
	ErrPoolFull  = errors.New("session pool is full")
)

// SystemCredential is a plaintext credential configured at the process
// level, used for calls that run without a user context.
type SystemCredential struct {
	APIKey    string
	APISecret string
}

// Config holds configuration for the session Manager.
type Config struct {
	MaxSize          int           // Maximum number of cached sessions (LRU eviction)
	IdleTimeout      time.Duration // Time before an idle session is removed
	FailureThreshold int           // Failures before a session is marked unhealthy
	CircuitTimeout   time.Duration // Hold time before an unhealthy session may reconnect
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		MaxSize:          100,
		IdleTimeout:      30 * time.Minute,
		FailureThreshold: 3,
		CircuitTimeout:   5 * time.Minute,
	}
}

type cachedSession struct {
	exchange common.Exchange
	key      string
	userID   string
	venue    string
	testnet  bool

	createdAt time.Time
	lastUsed  time.Time
	healthyAt time.Time
	failures  int
}

// Manager owns the session cache. One session exists per
// (user, exchange, testnet) slot; concurrent callers share it.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*cachedSession
	lruOrder []string               // oldest first
	locks    map[string]*sync.Mutex // per-slot creation locks

	config  Config
	keyring *crypto.Keyring
	queries *db.UserQueries
	factory Factory
	system  map[string]SystemCredential // exchange -> process-level credential
	bus     *events.Bus

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager creates a session manager. system may be nil when no
// process-level credentials are configured; bus may be nil.
func NewManager(queries *db.UserQueries, keyring *crypto.Keyring, factory Factory, system map[string]SystemCredential, bus *events.Bus, cfg Config) *Manager {
	return &Manager{
		sessions: make(map[string]*cachedSession),
		lruOrder: make([]string, 0),
		locks:    make(map[string]*sync.Mutex),
		config:   cfg,
		keyring:  keyring,
		queries:  queries,
		factory:  factory,
		system:   system,
		bus:      bus,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the background idle-cleanup goroutine.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.config.IdleTimeout / 2)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.cleanupIdle()
			}
		}
	}()
}

// Stop shuts down background work and drops every cached session.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions = make(map[string]*cachedSession)
	m.lruOrder = nil
}

// sessionKey identifies one cache slot. An empty userID addresses the
// process-level system credential.
func sessionKey(userID, exchange string, testnet bool) string {
	owner := userID
	if owner == "" {
		owner = "system"
	}
	return fmt.Sprintf("%s|%s|%t", owner, exchange, testnet)
}

// GetOrCreate returns the live session for a slot, creating and connecting
// one from stored credentials when none exists. A cached session that lost
// its connection is rebuilt, not returned.
func (m *Manager) GetOrCreate(ctx context.Context, userID, exchange string, testnet bool) (common.Exchange, error) {
	key := sessionKey(userID, exchange, testnet)

	// Fast path: a cached, still-connected session.
	m.mu.RLock()
	cached, ok := m.sessions[key]
	if ok && cached.exchange.IsConnected() {
		if cached.failures >= m.config.FailureThreshold &&
			time.Since(cached.healthyAt) < m.config.CircuitTimeout {
			m.mu.RUnlock()
			return nil, ErrUnhealthy
		}
		m.mu.RUnlock()
		m.touchLRU(key)
		return cached.exchange, nil
	}
	m.mu.RUnlock()

	return m.createSession(ctx, key, userID, exchange, testnet)
}

// createSession builds and connects a session for one slot. Creation is
// serialized per slot, not globally: the connect is a network round-trip, and
// one user's slow venue must not stall every other user's cache access.
func (m *Manager) createSession(ctx context.Context, key, userID, exchange string, testnet bool) (common.Exchange, error) {
	lock := m.slotLock(key)
	lock.Lock()
	defer lock.Unlock()

	// Double-check after acquiring the slot lock; another caller may have
	// built the session while we waited.
	m.mu.Lock()
	if cached, ok := m.sessions[key]; ok {
		if cached.exchange.IsConnected() {
			m.touchLRULocked(key)
			m.mu.Unlock()
			return cached.exchange, nil
		}
		// Stale session: drop it and rebuild below.
		delete(m.sessions, key)
		m.removeLRULocked(key)
	}
	m.mu.Unlock()

	apiKey, apiSecret, err := m.resolveCredentials(ctx, userID, exchange, testnet)
	if err != nil {
		return nil, err
	}

	session, err := m.factory(exchange, apiKey, apiSecret, testnet)
	if err != nil {
		return nil, fmt.Errorf("create %s session: %w", exchange, err)
	}

	if !session.Connect(ctx) {
		// A failed connect is never cached; the next call starts clean.
		return nil, &common.ConnectionError{Exchange: exchange, Err: common.ErrNotConnected}
	}

	// Publish under the global lock only after the connect succeeded.
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.sessions) >= m.config.MaxSize {
		if !m.evictOldestLocked() {
			return nil, ErrPoolFull
		}
	}

	now := time.Now()
	m.sessions[key] = &cachedSession{
		exchange:  session,
		key:       key,
		userID:    userID,
		venue:     exchange,
		testnet:   testnet,
		createdAt: now,
		lastUsed:  now,
		healthyAt: now,
	}
	m.lruOrder = append(m.lruOrder, key)

	logger.WithComponent("gateway").WithFields(logger.Fields{
		"exchange": exchange,
		"testnet":  testnet,
		"system":   userID == "",
	}).Info("exchange session established")
	return session, nil
}

// resolveCredentials fetches and decrypts the credential for a slot. User
// slots read the store; the system slot uses process configuration.
func (m *Manager) resolveCredentials(ctx context.Context, userID, exchange string, testnet bool) (string, string, error) {
	if userID == "" {
		sys, ok := m.system[exchange]
		if !ok || sys.APIKey == "" {
			return "", "", common.ErrNotConfigured
		}
		return sys.APIKey, sys.APISecret, nil
	}

	cred, err := m.queries.GetActiveCredential(ctx, userID, exchange, testnet)
	if errors.Is(err, db.ErrNotFound) {
		return "", "", common.ErrNotConfigured
	}
	if err != nil {
		return "", "", fmt.Errorf("load credential: %w", err)
	}

	apiKey, err := m.keyring.Open(cred.APIKey)
	if err != nil {
		return "", "", fmt.Errorf("unseal api key: %w", err)
	}
	apiSecret, err := m.keyring.Open(cred.APISecret)
	if err != nil {
		return "", "", fmt.Errorf("unseal api secret: %w", err)
	}
	return apiKey, apiSecret, nil
}

// Remove drops one slot's session; the next call rebuilds it.
func (m *Manager) Remove(userID, exchange string, testnet bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := sessionKey(userID, exchange, testnet)
	if _, ok := m.sessions[key]; ok {
		delete(m.sessions, key)
		m.removeLRULocked(key)
		m.publishDropped(userID, exchange, testnet, "removed")
	}
}

// RemoveByUser drops every session a user owns, e.g. after credentials are
// deleted or rotated.
func (m *Manager) RemoveByUser(userID string) {
	if userID == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, cached := range m.sessions {
		if cached.userID == userID {
			delete(m.sessions, key)
			m.removeLRULocked(key)
			m.publishDropped(cached.userID, cached.venue, cached.testnet, "credentials changed")
		}
	}
}

// RecordFailure bumps a slot's failure count toward the circuit breaker.
func (m *Manager) RecordFailure(userID, exchange string, testnet bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cached, ok := m.sessions[sessionKey(userID, exchange, testnet)]; ok {
		cached.failures++
		if cached.failures == m.config.FailureThreshold {
			logger.WithComponent("gateway").WithFields(logger.Fields{
				"exchange": exchange,
				"failures": cached.failures,
			}).Warn("session failure threshold reached")
		}
	}
}

// RecordSuccess resets a slot's failure count.
func (m *Manager) RecordSuccess(userID, exchange string, testnet bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cached, ok := m.sessions[sessionKey(userID, exchange, testnet)]; ok {
		cached.failures = 0
		cached.healthyAt = time.Now()
	}
}

// Stats returns current pool statistics.
func (m *Manager) Stats() PoolStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := PoolStats{
		TotalSessions: len(m.sessions),
		MaxSize:       m.config.MaxSize,
		ByExchange:    make(map[string]int),
	}
	for _, cached := range m.sessions {
		stats.ByExchange[cached.venue]++
		if cached.failures >= m.config.FailureThreshold {
			stats.UnhealthyCount++
		}
	}
	return stats
}

// PoolStats contains session pool statistics.
type PoolStats struct {
	TotalSessions  int
	MaxSize        int
	ByExchange     map[string]int
	UnhealthyCount int
}

// --- Internal helpers ---

// slotLock returns the creation mutex for one slot, allocating it on first
// use. Lock entries are tiny and keyed like sessions, so they are kept for
// the manager's lifetime.
func (m *Manager) slotLock(key string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[key]
	if !ok {
		l = &sync.Mutex{}
		m.locks[key] = l
	}
	return l
}

// publishDropped notifies subscribers that a cached session went away.
func (m *Manager) publishDropped(userID, exchange string, testnet bool, reason string) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(events.EventSessionDropped, events.SessionEvent{
		UserID:   userID,
		Exchange: exchange,
		Testnet:  testnet,
		Reason:   reason,
		At:       time.Now(),
	})
}

func (m *Manager) touchLRU(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touchLRULocked(key)
}

func (m *Manager) touchLRULocked(key string) {
	if cached, ok := m.sessions[key]; ok {
		cached.lastUsed = time.Now()
	}
	for i, id := range m.lruOrder {
		if id == key {
			m.lruOrder = append(m.lruOrder[:i], m.lruOrder[i+1:]...)
			m.lruOrder = append(m.lruOrder, key)
			break
		}
	}
}

func (m *Manager) removeLRULocked(key string) {
	for i, id := range m.lruOrder {
		if id == key {
			m.lruOrder = append(m.lruOrder[:i], m.lruOrder[i+1:]...)
			break
		}
	}
}

func (m *Manager) evictOldestLocked() bool {
	if len(m.lruOrder) == 0 {
		return false
	}
	oldest := m.lruOrder[0]
	if cached, ok := m.sessions[oldest]; ok {
		m.publishDropped(cached.userID, cached.venue, cached.testnet, "evicted")
	}
	delete(m.sessions, oldest)
	m.lruOrder = m.lruOrder[1:]
	return true
}

func (m *Manager) cleanupIdle() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for key, cached := range m.sessions {
		if now.Sub(cached.lastUsed) > m.config.IdleTimeout {
			delete(m.sessions, key)
			m.removeLRULocked(key)
			m.publishDropped(cached.userID, cached.venue, cached.testnet, "idle")
		}
	}
}
