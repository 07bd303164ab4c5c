package keystore

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAndResolve(t *testing.T) {
	s := NewStore()
	k, err := s.Create(CreateParams{Name: "ci-bot", Credits: 500, Namespace: "infra"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(k.Key, KeyPrefix))
	assert.Len(t, k.Key, len(KeyPrefix)+secretLen)
	assert.True(t, k.Active)

	got, ok := s.Resolve(k.Key)
	require.True(t, ok)
	assert.Equal(t, "ci-bot", got.Name)
	assert.Equal(t, int64(500), got.Credits)
	assert.Equal(t, "infra", got.Namespace)

	_, ok = s.Resolve("tg_nope")
	assert.False(t, ok)
}

func TestResolveReturnsSnapshot(t *testing.T) {
	s := NewStore()
	k, err := s.Create(CreateParams{Name: "a", Credits: 10, Scopes: []string{"read"}})
	require.NoError(t, err)

	snap, _ := s.Resolve(k.Key)
	snap.Credits = 9999
	snap.Scopes[0] = "write"

	fresh, _ := s.Resolve(k.Key)
	assert.Equal(t, int64(10), fresh.Credits)
	assert.Equal(t, []string{"read"}, fresh.Scopes)
}

func TestReserveCommitRefund(t *testing.T) {
	s := NewStore()
	k, err := s.Create(CreateParams{Name: "a", Credits: 10})
	require.NoError(t, err)

	require.NoError(t, s.Reserve(k.Key, 4))
	got, _ := s.Resolve(k.Key)
	assert.Equal(t, int64(6), got.Credits)
	assert.Equal(t, int64(0), got.TotalSpent)

	require.NoError(t, s.Commit(k.Key, 4))
	got, _ = s.Resolve(k.Key)
	assert.Equal(t, int64(6), got.Credits)
	assert.Equal(t, int64(4), got.TotalSpent)
	assert.Equal(t, int64(1), got.TotalCalls)

	require.NoError(t, s.Reserve(k.Key, 6))
	require.NoError(t, s.Refund(k.Key, 6))
	got, _ = s.Resolve(k.Key)
	assert.Equal(t, int64(6), got.Credits)

	err = s.Reserve(k.Key, 100)
	assert.ErrorIs(t, err, ErrInsufficientCredits)
	got, _ = s.Resolve(k.Key)
	assert.Equal(t, int64(6), got.Credits, "failed reserve must not debit")
}

func TestReserveIsAtomicUnderContention(t *testing.T) {
	s := NewStore()
	k, err := s.Create(CreateParams{Name: "a", Credits: 100})
	require.NoError(t, err)

	var wg sync.WaitGroup
	var okCount int64
	var mu sync.Mutex
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.Reserve(k.Key, 1) == nil {
				mu.Lock()
				okCount++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(100), okCount)
	got, _ := s.Resolve(k.Key)
	assert.Equal(t, int64(0), got.Credits, "balance never goes negative")
}

func TestLifecycle(t *testing.T) {
	s := NewStore()
	k, err := s.Create(CreateParams{Name: "a", Credits: 1})
	require.NoError(t, err)

	require.NoError(t, s.Suspend(k.Key))
	got, _ := s.Resolve(k.Key)
	assert.True(t, got.Suspended)

	require.NoError(t, s.Resume(k.Key))
	got, _ = s.Resolve(k.Key)
	assert.False(t, got.Suspended)

	require.NoError(t, s.Revoke(k.Key))
	got, _ = s.Resolve(k.Key)
	assert.False(t, got.Active)

	assert.ErrorIs(t, s.Suspend("tg_missing"), ErrNotFound)
}

func TestAddCreditsFloorsAtZero(t *testing.T) {
	s := NewStore()
	k, _ := s.Create(CreateParams{Name: "a", Credits: 5})

	require.NoError(t, s.AddCredits(k.Key, 10))
	got, _ := s.Resolve(k.Key)
	assert.Equal(t, int64(15), got.Credits)

	require.NoError(t, s.AddCredits(k.Key, -100))
	got, _ = s.Resolve(k.Key)
	assert.Equal(t, int64(0), got.Credits)
}

func TestAliases(t *testing.T) {
	s := NewStore()
	k, _ := s.Create(CreateParams{Name: "a", Credits: 1})

	require.NoError(t, s.SetAlias("prod-bot", k.Key))
	got, ok := s.Resolve("prod-bot")
	require.True(t, ok)
	assert.Equal(t, k.Key, got.Key)

	// Mutations through the alias hit the same record.
	require.NoError(t, s.AddCredits("prod-bot", 9))
	got, _ = s.Resolve(k.Key)
	assert.Equal(t, int64(10), got.Credits)

	assert.ErrorIs(t, s.SetAlias("prod-bot", k.Key), ErrAliasTaken)
	assert.Error(t, s.SetAlias("tg_sneaky", k.Key), "aliases must not look like bearer keys")
	assert.ErrorIs(t, s.SetAlias("other", "tg_missing"), ErrNotFound)

	s.DeleteAlias("prod-bot")
	_, ok = s.Resolve("prod-bot")
	assert.False(t, ok)
}

func TestToolAllowed(t *testing.T) {
	tests := []struct {
		name       string
		allowed    []string
		denied     []string
		tool       string
		wantOK     bool
		wantDenied bool
	}{
		{name: "no lists admit everything", tool: "x", wantOK: true},
		{name: "whitelist admits listed", allowed: []string{"a", "b"}, tool: "a", wantOK: true},
		{name: "whitelist blocks unlisted", allowed: []string{"a"}, tool: "x"},
		{name: "deny list blocks", denied: []string{"x"}, tool: "x", wantDenied: true},
		{
			name:       "deny list wins over whitelist",
			allowed:    []string{"x"},
			denied:     []string{"x"},
			tool:       "x",
			wantDenied: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k := &Key{AllowedTools: tt.allowed, DeniedTools: tt.denied}
			ok, denied := k.ToolAllowed(tt.tool)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantDenied, denied)
		})
	}
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", Truncate("short"))
	assert.Equal(t, "tg_abcdefg…", Truncate("tg_abcdefghijklmnop"))
}

func TestTagsAndNotes(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewStore(WithNow(func() time.Time { return now }))
	k, _ := s.Create(CreateParams{Name: "a"})

	require.NoError(t, s.SetTag(k.Key, "team", "search"))
	require.NoError(t, s.AddNote(k.Key, "provisioned for launch"))

	got, _ := s.Resolve(k.Key)
	assert.Equal(t, "search", got.Tags["team"])
	require.Len(t, got.Notes, 1)
	assert.Equal(t, "provisioned for launch", got.Notes[0].Text)
	assert.Equal(t, now, got.Notes[0].CreatedAt)
}

func TestList(t *testing.T) {
	s := NewStore()
	a, _ := s.Create(CreateParams{Name: "a", Namespace: "infra", Group: "bots"})
	s.Create(CreateParams{Name: "b", Namespace: "web"})
	c, _ := s.Create(CreateParams{Name: "c", Namespace: "infra"})
	require.NoError(t, s.Revoke(c.Key))

	assert.Len(t, s.List(ListFilter{}), 3)
	assert.Len(t, s.List(ListFilter{Namespace: "infra"}), 2)
	assert.Len(t, s.List(ListFilter{Group: "bots"}), 1)

	active := true
	got := s.List(ListFilter{Namespace: "infra", Active: &active})
	require.Len(t, got, 1)
	assert.Equal(t, a.Key, got[0].Key)
}

func TestSnapshotRestore(t *testing.T) {
	s := NewStore()
	k, _ := s.Create(CreateParams{Name: "a", Credits: 42, Scopes: []string{"read"}})
	require.NoError(t, s.Commit(k.Key, 7))

	doc := s.Snapshot([]byte(`[{"id":1}]`), nil)
	assert.Equal(t, SnapshotVersion, doc.Version)
	require.Contains(t, doc.Keys, k.Key)

	restored := NewStore()
	require.NoError(t, restored.Restore(doc))
	got, ok := restored.Resolve(k.Key)
	require.True(t, ok)
	assert.Equal(t, int64(42), got.Credits)
	assert.Equal(t, int64(7), got.TotalSpent)
	assert.Equal(t, []string{"read"}, got.Scopes)

	bad := &Document{Version: 99}
	assert.Error(t, restored.Restore(bad))
}
