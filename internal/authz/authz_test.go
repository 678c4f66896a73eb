package authz

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHashTokenDeterministicAndKeyed(t *testing.T) {
	secret, err := NewSecret()
	require.NoError(t, err)

	h1 := HashToken(secret, "tok-abc")
	h2 := HashToken(secret, "tok-abc")
	require.Equal(t, h1, h2)

	other, err := NewSecret()
	require.NoError(t, err)
	h3 := HashToken(other, "tok-abc")
	require.NotEqual(t, h1, h3)
}

func TestSecretRoundTrip(t *testing.T) {
	secret, err := NewSecret()
	require.NoError(t, err)

	encoded := EncodeSecret(secret)
	decoded, err := DecodeSecret(encoded)
	require.NoError(t, err)
	require.Equal(t, secret, decoded)
}

func TestIsSuperAdminTokenConstantTime(t *testing.T) {
	require.True(t, IsSuperAdminToken("super-secret-token", "super-secret-token"))
	require.False(t, IsSuperAdminToken("wrong", "super-secret-token"))
	require.False(t, IsSuperAdminToken("", "super-secret-token"))
}

func TestAllowedRespectsLattice(t *testing.T) {
	require.True(t, Allowed(RoleShare, OpAttach))
	require.False(t, Allowed(RoleShare, OpCreateInstance))
	require.True(t, Allowed(RoleAdmin, OpCreateInstance))
	require.False(t, Allowed(RoleAdmin, OpDeleteAgent))
	require.True(t, Allowed(RoleSuperAdmin, OpDeleteAgent))
	require.True(t, Allowed(RoleSuperAdmin, OpCreateInstance))
}

type fakeLookup struct {
	adminHashes map[string]string
	shareHashes map[string]string
}

func (f *fakeLookup) FindAgentByAdminHash(ctx context.Context, hash string) (string, bool, error) {
	id, ok := f.adminHashes[hash]
	return id, ok, nil
}

func (f *fakeLookup) FindAgentByShareHash(ctx context.Context, hash string) (string, bool, error) {
	id, ok := f.shareHashes[hash]
	return id, ok, nil
}

func TestClassifySuperAdmin(t *testing.T) {
	secret, _ := NewSecret()
	lookup := &fakeLookup{adminHashes: map[string]string{}, shareHashes: map[string]string{}}

	got, ok, err := Classify(context.Background(), lookup, secret, "super-token-0123456789", "super-token-0123456789", 8)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, RoleSuperAdmin, got.Role)
}

func TestClassifyAdminAndShare(t *testing.T) {
	secret, _ := NewSecret()
	adminTok := "admin-token-01234567"
	shareTok := "share-token-01234567"
	lookup := &fakeLookup{
		adminHashes: map[string]string{HashToken(secret, adminTok): "agent-1"},
		shareHashes: map[string]string{HashToken(secret, shareTok): "agent-1"},
	}

	got, ok, err := Classify(context.Background(), lookup, secret, "super-xxxxxxxxxxxxxx", adminTok, 8)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, RoleAdmin, got.Role)
	require.Equal(t, "agent-1", got.AgentID)

	got, ok, err = Classify(context.Background(), lookup, secret, "super-xxxxxxxxxxxxxx", shareTok, 8)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, RoleShare, got.Role)
}

func TestClassifyRejectsShortAndUnknown(t *testing.T) {
	secret, _ := NewSecret()
	lookup := &fakeLookup{adminHashes: map[string]string{}, shareHashes: map[string]string{}}

	_, ok, err := Classify(context.Background(), lookup, secret, "super-xxxxxxxxxxxxxx", "short", 8)
	require.NoError(t, err)
	require.False(t, ok)

	_, ok, err = Classify(context.Background(), lookup, secret, "super-xxxxxxxxxxxxxx", "unknown-token-abcdef", 8)
	require.NoError(t, err)
	require.False(t, ok)
}

type fakeAuditWriter struct {
	mu      sync.Mutex
	entries []Entry
}

func (f *fakeAuditWriter) AppendAudit(ctx context.Context, e Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, e)
	return nil
}

func (f *fakeAuditWriter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

func TestSinkRecordsAndFlushesOnStop(t *testing.T) {
	writer := &fakeAuditWriter{}
	sink := NewSink(writer, slog.New(slog.NewTextHandler(io.Discard, nil)))

	for i := 0; i < 10; i++ {
		sink.Record(Entry{EventKind: "auth_success", Success: true})
	}
	sink.Stop()

	require.Equal(t, 10, writer.count())
}

func TestSinkDropsOnOverflowWithoutBlocking(t *testing.T) {
	writer := &fakeAuditWriter{}
	sink := &Sink{
		writer: writer,
		log:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		queue:  make(chan Entry), // unbuffered: every Record overflows immediately
		done:   make(chan struct{}),
	}

	// No drain loop running, so every send must hit the default case and
	// return rather than block.
	finished := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			sink.Record(Entry{EventKind: "auth_failure"})
		}
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("Record blocked on a full queue with no drain loop running")
	}
	require.Equal(t, 0, writer.count())
}
