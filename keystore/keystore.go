// Package keystore owns API key identity and the per-key state the admission
// pipeline consults and mutates: credits, lifetime totals, lifecycle flags,
// ACLs, scopes, quota counters, tags, and notes.
//
// All mutations of one key are serialised by a striped lock chosen by
// hash(key), so the composite check-then-debit step of a single
// evaluate/execute pair is linearisable with respect to every other pair for
// the same key. Debits for distinct keys proceed in parallel.
package keystore

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"
)

// Errors returned by the store. Admission denials are never errors; these
// cover lookup and mutation failures surfaced to the admin surface.
var (
	ErrNotFound            = errors.New("keystore: key not found")
	ErrInsufficientCredits = errors.New("keystore: insufficient credits")
	ErrAliasTaken          = errors.New("keystore: alias already in use")
	ErrRevoked             = errors.New("keystore: key is revoked")
)

// KeyPrefix starts every issued bearer string.
const KeyPrefix = "tg_"

// secretLen yields 256 bits of entropy in url-safe base64.
const secretLen = 43

// QuotaConfig is the closed set of per-key quota limits. Zero means no limit.
// Daily and monthly windows are enforced by the quota tracker; the hourly
// pair is enforced by the spend-cap manager.
type QuotaConfig struct {
	DailyCallLimit     int64 `json:"dailyCallLimit,omitempty"`
	MonthlyCallLimit   int64 `json:"monthlyCallLimit,omitempty"`
	DailyCreditLimit   int64 `json:"dailyCreditLimit,omitempty"`
	MonthlyCreditLimit int64 `json:"monthlyCreditLimit,omitempty"`
	HourlyCallLimit    int64 `json:"hourlyCallLimit,omitempty"`
	HourlyCreditLimit  int64 `json:"hourlyCreditLimit,omitempty"`
}

// Enabled reports whether any limit is configured.
func (q QuotaConfig) Enabled() bool {
	return q != QuotaConfig{}
}

// Note is one timestamped admin note on a key.
type Note struct {
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

// Key is one API key record. The bearer string in Key never leaves the
// system in full except to the owner at creation time; use Truncate for
// display and metering.
type Key struct {
	Key        string     `json:"key"`
	Name       string     `json:"name"`
	Credits    int64      `json:"credits"`
	TotalSpent int64      `json:"totalSpent"`
	TotalCalls int64      `json:"totalCalls"`
	Active     bool       `json:"active"`
	Suspended  bool       `json:"suspended"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
	Namespace  string     `json:"namespace,omitempty"`
	Group      string     `json:"group,omitempty"`

	// ACL: the deny list wins over the allow list; an empty allow list
	// admits every tool not denied.
	AllowedTools []string `json:"allowedTools,omitempty"`
	DeniedTools  []string `json:"deniedTools,omitempty"`
	Scopes       []string `json:"scopes,omitempty"`

	Quota QuotaConfig `json:"quota"`

	// Enforcement-window counters, reset lazily at period boundaries.
	QuotaDailyCalls     int64  `json:"quotaDailyCalls"`
	QuotaMonthlyCalls   int64  `json:"quotaMonthlyCalls"`
	QuotaDailyCredits   int64  `json:"quotaDailyCredits"`
	QuotaMonthlyCredits int64  `json:"quotaMonthlyCredits"`
	QuotaLastResetDay   string `json:"quotaLastResetDay,omitempty"`   // YYYY-MM-DD
	QuotaLastResetMonth string `json:"quotaLastResetMonth,omitempty"` // YYYY-MM

	// SpendingLimit caps lifetime spend (TotalSpent). Zero means no cap.
	SpendingLimit int64 `json:"spendingLimit,omitempty"`

	// RateLimitPerMin overrides the gate's default calls-per-minute
	// admission for this key. Zero falls back to the gate default.
	RateLimitPerMin int64 `json:"rateLimitPerMin,omitempty"`

	// ShadowMode converts this key's denials to observed allows.
	ShadowMode bool `json:"shadowMode,omitempty"`

	// SandboxPolicy names an assigned try-before-buy policy.
	SandboxPolicy string `json:"sandboxPolicy,omitempty"`

	Tags  map[string]string `json:"tags,omitempty"`
	Notes []Note            `json:"notes,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ToolAllowed applies the ACL: deny list first, then the whitelist when
// non-empty.
func (k *Key) ToolAllowed(tool string) (ok bool, denied bool) {
	for _, t := range k.DeniedTools {
		if t == tool {
			return false, true
		}
	}
	if len(k.AllowedTools) == 0 {
		return true, false
	}
	for _, t := range k.AllowedTools {
		if t == tool {
			return true, false
		}
	}
	return false, false
}

// HasScope reports whether the key carries scope.
func (k *Key) HasScope(scope string) bool {
	for _, s := range k.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Truncate renders a key for display: a 10-character prefix and an ellipsis.
func Truncate(key string) string {
	if len(key) <= 10 {
		return key
	}
	return key[:10] + "…"
}

// CreateParams carries the admin-supplied fields for a new key.
type CreateParams struct {
	Name          string
	Credits       int64
	ExpiresAt     *time.Time
	Namespace     string
	Group         string
	AllowedTools  []string
	DeniedTools   []string
	Scopes        []string
	Quota         QuotaConfig
	SpendingLimit int64
	Tags          map[string]string
}

const lockStripes = 64

// Store holds key records with striped per-key locking and secondary lookup
// by alias.
type Store struct {
	mu      sync.RWMutex // guards the maps themselves
	keys    map[string]*Key
	aliases map[string]string // alias -> key string

	locks [lockStripes]sync.Mutex

	now func() time.Time
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithNow overrides the clock. Intended for tests.
func WithNow(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// NewStore creates an empty Store.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		keys:    make(map[string]*Key),
		aliases: make(map[string]string),
		now:     time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) stripe(key string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &s.locks[h.Sum32()%lockStripes]
}

// Create mints a new key with a fresh bearer string and registers it.
func (s *Store) Create(p CreateParams) (*Key, error) {
	raw, err := generateKey()
	if err != nil {
		return nil, err
	}
	now := s.now()
	k := &Key{
		Key:           raw,
		Name:          p.Name,
		Credits:       p.Credits,
		Active:        true,
		ExpiresAt:     p.ExpiresAt,
		Namespace:     p.Namespace,
		Group:         p.Group,
		AllowedTools:  append([]string(nil), p.AllowedTools...),
		DeniedTools:   append([]string(nil), p.DeniedTools...),
		Scopes:        append([]string(nil), p.Scopes...),
		Quota:         p.Quota,
		SpendingLimit: p.SpendingLimit,
		Tags:          copyTags(p.Tags),
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	s.mu.Lock()
	s.keys[raw] = k
	s.mu.Unlock()

	out := *k
	return &out, nil
}

func generateKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("keystore: entropy source failed: %w", err)
	}
	secret := base64.RawURLEncoding.EncodeToString(b)
	if len(secret) > secretLen {
		secret = secret[:secretLen]
	}
	return KeyPrefix + secret, nil
}

// Resolve looks a record up by full bearer string or alias and returns a
// snapshot copy. The snapshot is safe to read without holding any lock.
func (s *Store) Resolve(keyOrAlias string) (*Key, bool) {
	s.mu.RLock()
	id := keyOrAlias
	k, ok := s.keys[id]
	if !ok {
		if target, aok := s.aliases[id]; aok {
			id = target
			k, ok = s.keys[id]
		}
	}
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}

	// Clone under the stripe lock so a concurrent With never yields a
	// torn read.
	lock := s.stripe(id)
	lock.Lock()
	out := cloneKey(k)
	lock.Unlock()
	return out, true
}

// With runs fn on the live record under the key's stripe lock. fn must not
// block; UpdatedAt is bumped when fn returns nil.
func (s *Store) With(keyOrAlias string, fn func(*Key) error) error {
	s.mu.RLock()
	id := keyOrAlias
	if _, ok := s.keys[id]; !ok {
		if target, aok := s.aliases[id]; aok {
			id = target
		}
	}
	k, ok := s.keys[id]
	s.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}

	lock := s.stripe(id)
	lock.Lock()
	defer lock.Unlock()
	if err := fn(k); err != nil {
		return err
	}
	k.UpdatedAt = s.now()
	return nil
}

// Reserve atomically debits cost from the key's balance, failing when the
// balance would go negative. This is the first half of the commit point; a
// failed backend call refunds via Refund.
func (s *Store) Reserve(keyOrAlias string, cost int64) error {
	return s.With(keyOrAlias, func(k *Key) error {
		if k.Credits < cost {
			return ErrInsufficientCredits
		}
		k.Credits -= cost
		return nil
	})
}

// Commit finalises a reserved debit after a successful backend call.
func (s *Store) Commit(keyOrAlias string, cost int64) error {
	return s.With(keyOrAlias, func(k *Key) error {
		k.TotalSpent += cost
		k.TotalCalls++
		return nil
	})
}

// Refund returns a reserved debit after a failed backend call.
func (s *Store) Refund(keyOrAlias string, cost int64) error {
	return s.With(keyOrAlias, func(k *Key) error {
		k.Credits += cost
		return nil
	})
}

// AddCredits adjusts the balance by delta (may be negative; floor 0).
func (s *Store) AddCredits(keyOrAlias string, delta int64) error {
	return s.With(keyOrAlias, func(k *Key) error {
		k.Credits += delta
		if k.Credits < 0 {
			k.Credits = 0
		}
		return nil
	})
}

// Suspend marks a key suspended. Reversible via Resume.
func (s *Store) Suspend(keyOrAlias string) error {
	return s.With(keyOrAlias, func(k *Key) error {
		k.Suspended = true
		return nil
	})
}

// Resume clears a suspension.
func (s *Store) Resume(keyOrAlias string) error {
	return s.With(keyOrAlias, func(k *Key) error {
		k.Suspended = false
		return nil
	})
}

// Revoke deactivates a key permanently.
func (s *Store) Revoke(keyOrAlias string) error {
	return s.With(keyOrAlias, func(k *Key) error {
		k.Active = false
		return nil
	})
}

// SetAlias registers a secondary lookup string for a key.
func (s *Store) SetAlias(alias, keyOrAlias string) error {
	if strings.HasPrefix(alias, KeyPrefix) {
		return fmt.Errorf("keystore: alias must not look like a bearer key")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.aliases[alias]; taken {
		return ErrAliasTaken
	}
	id := keyOrAlias
	if _, ok := s.keys[id]; !ok {
		return ErrNotFound
	}
	s.aliases[alias] = id
	return nil
}

// DeleteAlias removes an alias. Missing aliases are a no-op.
func (s *Store) DeleteAlias(alias string) {
	s.mu.Lock()
	delete(s.aliases, alias)
	s.mu.Unlock()
}

// AddNote appends an admin note to the key's ordered note list.
func (s *Store) AddNote(keyOrAlias, text string) error {
	return s.With(keyOrAlias, func(k *Key) error {
		k.Notes = append(k.Notes, Note{Text: text, CreatedAt: s.now()})
		return nil
	})
}

// SetTag sets one tag on the key.
func (s *Store) SetTag(keyOrAlias, name, value string) error {
	return s.With(keyOrAlias, func(k *Key) error {
		if k.Tags == nil {
			k.Tags = make(map[string]string)
		}
		k.Tags[name] = value
		return nil
	})
}

// ListFilter narrows List results. Zero-value fields match everything.
type ListFilter struct {
	Namespace string
	Group     string
	Active    *bool
}

// List returns snapshot copies of all keys matching the filter.
func (s *Store) List(f ListFilter) []*Key {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Key
	for _, k := range s.keys {
		if f.Namespace != "" && k.Namespace != f.Namespace {
			continue
		}
		if f.Group != "" && k.Group != f.Group {
			continue
		}
		if f.Active != nil && k.Active != *f.Active {
			continue
		}
		lock := s.stripe(k.Key)
		lock.Lock()
		out = append(out, cloneKey(k))
		lock.Unlock()
	}
	return out
}

// Len returns the number of stored keys.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}

func cloneKey(k *Key) *Key {
	out := *k
	out.AllowedTools = append([]string(nil), k.AllowedTools...)
	out.DeniedTools = append([]string(nil), k.DeniedTools...)
	out.Scopes = append([]string(nil), k.Scopes...)
	out.Notes = append([]Note(nil), k.Notes...)
	out.Tags = copyTags(k.Tags)
	if k.ExpiresAt != nil {
		t := *k.ExpiresAt
		out.ExpiresAt = &t
	}
	return &out
}

func copyTags(tags map[string]string) map[string]string {
	if tags == nil {
		return nil
	}
	out := make(map[string]string, len(tags))
	for k, v := range tags {
		out[k] = v
	}
	return out
}
