package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/micros-ai/micros/internal/broker"
	"github.com/micros-ai/micros/internal/db"
)

const secret = "hook-secret"

type fixture struct {
	store *db.Store
	mem   *broker.Memory
	mux   *http.ServeMux
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := db.NewTestStore(t)
	mem := broker.NewMemory()
	h := New(store, mem, secret, slog.New(slog.NewTextHandler(io.Discard, nil)))
	mux := http.NewServeMux()
	h.Register(mux)
	return &fixture{store: store, mem: mem, mux: mux}
}

func (f *fixture) seedSource(t *testing.T, kind db.SourceKind, config string) *db.TaskSource {
	t.Helper()
	ctx := context.Background()
	p := &db.Project{Name: "proj", Enabled: true, OwnerUserID: "user-1"}
	require.NoError(t, f.store.CreateProject(ctx, p))
	src := &db.TaskSource{ProjectID: p.ID, Name: "src", Enabled: true, Type: kind, Config: config}
	require.NoError(t, f.store.CreateTaskSource(ctx, src))
	return src
}

func (f *fixture) drainSync(t *testing.T) []broker.SyncMessage {
	t.Helper()
	var msgs []broker.SyncMessage
	for _, body := range f.mem.Drain(broker.QueueSync) {
		var msg broker.SyncMessage
		require.NoError(t, json.Unmarshal(body, &msg))
		msgs = append(msgs, msg)
	}
	return msgs
}

func TestGitLabWebhookQueuesMatchingSource(t *testing.T) {
	f := newFixture(t)
	src := f.seedSource(t, db.SourceGitLabIssues, `{"host":"https://gitlab.example.com","repo":"group/app","secret_id":"s"}`)
	f.seedSource(t, db.SourceGitLabIssues, `{"repo":"group/other","secret_id":"s"}`)

	payload := `{"object_kind":"issue","project":{"path_with_namespace":"group/app"}}`
	req := httptest.NewRequest(http.MethodPost, "/webhooks/gitlab", bytes.NewBufferString(payload))
	req.Header.Set("X-Gitlab-Token", secret)
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	msgs := f.drainSync(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, src.ID, msgs[0].TaskSourceID)

	got, err := f.store.GetTaskSource(context.Background(), src.ID)
	require.NoError(t, err)
	assert.Equal(t, db.SyncQueued, got.SyncStatus)
}

func TestGitLabWebhookRejectsBadToken(t *testing.T) {
	f := newFixture(t)
	f.seedSource(t, db.SourceGitLabIssues, `{"repo":"group/app","secret_id":"s"}`)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/gitlab", bytes.NewBufferString(`{}`))
	req.Header.Set("X-Gitlab-Token", "wrong")
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, f.drainSync(t))
}

func TestGitHubWebhookVerifiesSignature(t *testing.T) {
	f := newFixture(t)
	src := f.seedSource(t, db.SourceGitHubIssues, `{"owner":"octo","repo":"app","secret_id":"s"}`)

	payload := []byte(`{"action":"opened","repository":{"full_name":"octo/app"}}`)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	sig := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	req := httptest.NewRequest(http.MethodPost, "/webhooks/github", bytes.NewBuffer(payload))
	req.Header.Set("X-Hub-Signature-256", sig)
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	msgs := f.drainSync(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, src.ID, msgs[0].TaskSourceID)

	// Tampered body fails verification.
	req = httptest.NewRequest(http.MethodPost, "/webhooks/github", bytes.NewBufferString(`{"x":1}`))
	req.Header.Set("X-Hub-Signature-256", sig)
	rec = httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestJiraWebhookMatchesProjectKey(t *testing.T) {
	f := newFixture(t)
	src := f.seedSource(t, db.SourceJira, `{"site_url":"https://acme.atlassian.net","project_key":"OPS","secret_id":"s"}`)

	payload := `{"webhookEvent":"jira:issue_updated","issue":{"fields":{"project":{"key":"OPS"}}}}`
	req := httptest.NewRequest(http.MethodPost, "/webhooks/jira?secret="+secret, bytes.NewBufferString(payload))
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	msgs := f.drainSync(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, src.ID, msgs[0].TaskSourceID)
}

func TestWebhookIgnoresDisabledSources(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := &db.Project{Name: "proj", Enabled: true}
	require.NoError(t, f.store.CreateProject(ctx, p))
	src := &db.TaskSource{ProjectID: p.ID, Name: "off", Enabled: false, Type: db.SourceGitLabIssues,
		Config: `{"repo":"group/app","secret_id":"s"}`}
	require.NoError(t, f.store.CreateTaskSource(ctx, src))

	payload := `{"project":{"path_with_namespace":"group/app"}}`
	req := httptest.NewRequest(http.MethodPost, "/webhooks/gitlab", bytes.NewBufferString(payload))
	req.Header.Set("X-Gitlab-Token", secret)
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Empty(t, f.drainSync(t))
}
