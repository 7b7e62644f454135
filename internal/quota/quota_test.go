package quota

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/micros-ai/micros/internal/db"
	"github.com/micros-ai/micros/internal/secrets"
)

func setup(t *testing.T, platformKey string) (*Selector, *db.Store, *secrets.Service) {
	t.Helper()
	store := db.NewTestStore(t)
	svc, err := secrets.New(store, "test-key")
	require.NoError(t, err)
	sel := NewSelector(store, svc, ProviderConfig{APIKey: platformKey, Model: "claude-sonnet-4-5"})
	return sel, store, svc
}

func useQuota(t *testing.T, store *db.Store, userID string, kind db.QuotaKind, n int) {
	t.Helper()
	for range n {
		require.NoError(t, store.IncrementQuotaUsage(context.Background(), userID, kind))
	}
}

func TestSelectPlatformTokenWithinQuota(t *testing.T) {
	sel, store, _ := setup(t, "platform-key")
	ctx := context.Background()

	p := &db.Project{Name: "demo", Enabled: true, OwnerUserID: "user-1"}
	require.NoError(t, store.CreateProject(ctx, p))

	got, err := sel.Select(ctx, "user-1", p.ID, db.QuotaSimple)
	require.NoError(t, err)
	assert.True(t, got.UsePlatformToken)
	assert.Equal(t, "platform-key", got.Config.APIKey)
	assert.Empty(t, got.Warning)
}

func TestSelectWarnsNearSoftLimit(t *testing.T) {
	sel, store, _ := setup(t, "platform-key")
	ctx := context.Background()

	p := &db.Project{Name: "demo", Enabled: true, OwnerUserID: "user-1"}
	require.NoError(t, store.CreateProject(ctx, p))
	useQuota(t, store, "user-1", db.QuotaAdvanced, 15) // soft limit is 15

	got, err := sel.Select(ctx, "user-1", p.ID, db.QuotaAdvanced)
	require.NoError(t, err)
	assert.True(t, got.UsePlatformToken)
	assert.NotEmpty(t, got.Warning)
}

func TestSelectFallsBackToProjectConfig(t *testing.T) {
	sel, store, svc := setup(t, "platform-key")
	ctx := context.Background()

	p := &db.Project{Name: "demo", Enabled: true, OwnerUserID: "user-1"}
	require.NoError(t, store.CreateProject(ctx, p))

	sec, err := svc.Put(ctx, p.ID, "anthropic", "project-key")
	require.NoError(t, err)
	p.AIProviderConfigs = fmt.Sprintf(`{"anthropic":{"secret_id":%q,"model":"claude-opus-4-5"}}`, sec.ID)
	require.NoError(t, store.UpdateProject(ctx, p))

	useQuota(t, store, "user-1", db.QuotaSimple, 100) // hard limit

	got, err := sel.Select(ctx, "user-1", p.ID, db.QuotaSimple)
	require.NoError(t, err)
	assert.False(t, got.UsePlatformToken)
	assert.Equal(t, "project-key", got.Config.APIKey)
	assert.Equal(t, "claude-opus-4-5", got.Config.Model)
}

func TestSelectExceededWithoutProjectConfig(t *testing.T) {
	sel, store, _ := setup(t, "platform-key")
	ctx := context.Background()

	p := &db.Project{Name: "demo", Enabled: true, OwnerUserID: "user-1"}
	require.NoError(t, store.CreateProject(ctx, p))
	useQuota(t, store, "user-1", db.QuotaSimple, 100)

	_, err := sel.Select(ctx, "user-1", p.ID, db.QuotaSimple)
	require.Error(t, err)
	assert.True(t, IsExceeded(err))

	var ee *ExceededError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, 100, ee.Used)
	assert.Equal(t, db.QuotaSimple, ee.Kind)
}

func TestSelectNoPlatformTokenUsesProjectConfig(t *testing.T) {
	sel, store, svc := setup(t, "") // platform path disabled
	ctx := context.Background()

	p := &db.Project{Name: "demo", Enabled: true, OwnerUserID: "user-1"}
	require.NoError(t, store.CreateProject(ctx, p))
	sec, err := svc.Put(ctx, p.ID, "anthropic", "project-key")
	require.NoError(t, err)
	p.AIProviderConfigs = fmt.Sprintf(`{"anthropic":{"secret_id":%q}}`, sec.ID)
	require.NoError(t, store.UpdateProject(ctx, p))

	got, err := sel.Select(ctx, "user-1", p.ID, db.QuotaSimple)
	require.NoError(t, err)
	assert.False(t, got.UsePlatformToken)
	assert.Equal(t, "project-key", got.Config.APIKey)
}
