package session

import (
	"context"
	"errors"
	"sync"
)

// ErrNoSession is returned when no token pair has been stored yet, or the
// session was cleared (logout / terminal refresh failure).
var ErrNoSession = errors.New("session: no stored credentials")

// Store is the single capability object for persisted client state: the
// bearer token pair, the signed-in identity, and per-ride OTP flags.
// The HTTP client and the driver state machine depend on this interface
// rather than a global key-value singleton so tests can substitute the
// in-memory implementation.
type Store interface {
	Tokens(ctx context.Context) (access, refresh string, err error)
	SetTokens(ctx context.Context, access, refresh string) error

	Identity(ctx context.Context) (userID, role string, err error)
	SetIdentity(ctx context.Context, userID, role string) error

	// OTP verification flags are keyed per ride and cleared when the ride
	// completes.
	SetOTPVerified(ctx context.Context, rideID string) error
	OTPVerified(ctx context.Context, rideID string) (bool, error)
	ClearOTP(ctx context.Context, rideID string) error

	// Clear wipes everything. Used on logout and on terminal auth failure.
	Clear(ctx context.Context) error
}

// MemoryStore keeps session state in process memory. It is the default for
// tests and for one-shot tools that sign in per invocation.
type MemoryStore struct {
	mu      sync.RWMutex
	access  string
	refresh string
	userID  string
	role    string
	otp     map[string]bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{otp: make(map[string]bool)}
}

func (m *MemoryStore) Tokens(ctx context.Context) (string, string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.access == "" {
		return "", "", ErrNoSession
	}
	return m.access, m.refresh, nil
}

func (m *MemoryStore) SetTokens(ctx context.Context, access, refresh string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.access, m.refresh = access, refresh
	return nil
}

func (m *MemoryStore) Identity(ctx context.Context) (string, string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.userID == "" {
		return "", "", ErrNoSession
	}
	return m.userID, m.role, nil
}

func (m *MemoryStore) SetIdentity(ctx context.Context, userID, role string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.userID, m.role = userID, role
	return nil
}

func (m *MemoryStore) SetOTPVerified(ctx context.Context, rideID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.otp[rideID] = true
	return nil
}

func (m *MemoryStore) OTPVerified(ctx context.Context, rideID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.otp[rideID], nil
}

func (m *MemoryStore) ClearOTP(ctx context.Context, rideID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.otp, rideID)
	return nil
}

func (m *MemoryStore) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.access, m.refresh, m.userID, m.role = "", "", "", ""
	m.otp = make(map[string]bool)
	return nil
}
