package secrets

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/micros-ai/micros/internal/db"
)

func newService(t *testing.T) (*Service, *db.Store) {
	t.Helper()
	store := db.NewTestStore(t)
	svc, err := New(store, "test-key")
	require.NoError(t, err)
	return svc, store
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	svc, _ := newService(t)

	ct, err := svc.Encrypt("glpat-secret-token")
	require.NoError(t, err)
	assert.NotContains(t, ct, "glpat")

	pt, err := svc.Decrypt(ct)
	require.NoError(t, err)
	assert.Equal(t, "glpat-secret-token", pt)

	// Same plaintext never produces the same ciphertext twice.
	ct2, err := svc.Encrypt("glpat-secret-token")
	require.NoError(t, err)
	assert.NotEqual(t, ct, ct2)
}

func TestDecryptWrongKeyFails(t *testing.T) {
	svc, store := newService(t)
	ct, err := svc.Encrypt("token")
	require.NoError(t, err)

	other, err := New(store, "different-key")
	require.NoError(t, err)
	_, err = other.Decrypt(ct)
	assert.Error(t, err)
}

func TestPutAndGet(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()

	p := &db.Project{Name: "demo", Enabled: true}
	require.NoError(t, store.CreateProject(ctx, p))

	sec, err := svc.Put(ctx, p.ID, "gitlab-token", "glpat-xyz")
	require.NoError(t, err)

	got, pt, err := svc.Get(ctx, sec.ID)
	require.NoError(t, err)
	assert.Equal(t, "gitlab-token", got.Name)
	assert.Equal(t, "glpat-xyz", pt)
}

func TestRotateTokens(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()

	p := &db.Project{Name: "demo", Enabled: true}
	require.NoError(t, store.CreateProject(ctx, p))

	sec, err := svc.Put(ctx, p.ID, "jira-oauth", "access-1")
	require.NoError(t, err)

	exp := time.Now().Add(time.Hour)
	require.NoError(t, svc.RotateTokens(ctx, sec.ID, "access-2", "refresh-2", &exp))

	got, pt, err := svc.Get(ctx, sec.ID)
	require.NoError(t, err)
	assert.Equal(t, "access-2", pt)

	refresh, err := svc.Decrypt(got.RefreshCiphertext)
	require.NoError(t, err)
	assert.Equal(t, "refresh-2", refresh)
}

func TestNewRequiresKey(t *testing.T) {
	store := db.NewTestStore(t)
	_, err := New(store, "")
	assert.Error(t, err)
}
