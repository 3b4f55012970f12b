// Package tokens keeps short-lived verification and password-reset codes.
package tokens

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Purposes a code can be issued for.
const (
	PurposeSignup         = "signup"
	PurposePasswordReset  = "reset"
	PurposePasswordChange = "change"
)

// ErrNotFound is returned when no live entry exists for the key.
var ErrNotFound = errors.New("token not found or expired")

// Entry is a pending code plus whatever the flow needs to finish later
// (the signup form, for example).
type Entry struct {
	Code    string            `json:"code"`
	Payload map[string]string `json:"payload,omitempty"`
}

// Store persists entries under (purpose, email) with a TTL.
type Store interface {
	Put(ctx context.Context, purpose, email string, e Entry, ttl time.Duration) error
	Get(ctx context.Context, purpose, email string) (*Entry, error)
	Delete(ctx context.Context, purpose, email string) error
}

// NewCode returns a random six digit code.
func NewCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

func key(purpose, email string) string {
	return "attendsheets:token:" + purpose + ":" + strings.ToLower(strings.TrimSpace(email))
}

// Redis stores entries as JSON strings with SET EX.
type Redis struct {
	client *redis.Client
}

func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func (r *Redis) Put(ctx context.Context, purpose, email string, e Entry, ttl time.Duration) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, key(purpose, email), data, ttl).Err()
}

func (r *Redis) Get(ctx context.Context, purpose, email string) (*Entry, error) {
	raw, err := r.client.Get(ctx, key(purpose, email)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("decode token: %w", err)
	}
	return &e, nil
}

func (r *Redis) Delete(ctx context.Context, purpose, email string) error {
	return r.client.Del(ctx, key(purpose, email)).Err()
}

type memEntry struct {
	entry     Entry
	expiresAt time.Time
}

// Memory is an in-process store. Expired entries are invisible to Get and
// are dropped by Sweep.
type Memory struct {
	mu      sync.Mutex
	entries map[string]memEntry
	now     func() time.Time
}

func NewMemory() *Memory {
	return &Memory{entries: make(map[string]memEntry), now: time.Now}
}

func (m *Memory) Put(_ context.Context, purpose, email string, e Entry, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key(purpose, email)] = memEntry{entry: e, expiresAt: m.now().Add(ttl)}
	return nil
}

func (m *Memory) Get(_ context.Context, purpose, email string) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	me, ok := m.entries[key(purpose, email)]
	if !ok || !m.now().Before(me.expiresAt) {
		return nil, ErrNotFound
	}
	e := me.entry
	return &e, nil
}

func (m *Memory) Delete(_ context.Context, purpose, email string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key(purpose, email))
	return nil
}

// Sweep removes expired entries and reports how many were dropped.
func (m *Memory) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	n := 0
	for k, me := range m.entries {
		if !now.Before(me.expiresAt) {
			delete(m.entries, k)
			n++
		}
	}
	return n
}

// Janitor runs Sweep every interval until ctx is done.
func (m *Memory) Janitor(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.Sweep()
		}
	}
}
