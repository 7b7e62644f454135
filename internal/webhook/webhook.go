// Package webhook accepts push-style notifications from issue trackers and
// turns them into sync-queue messages, so edits reach the engine ahead of
// the periodic scheduler.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/tidwall/gjson"

	"github.com/micros-ai/micros/internal/broker"
	"github.com/micros-ai/micros/internal/db"
)

// maxBody bounds webhook payload reads.
const maxBody = 1 << 20

// Handler is the webhook ingress. Every endpoint authenticates the
// delivery, matches it to enabled task sources, and enqueues a sync.
type Handler struct {
	store  *db.Store
	broker broker.Broker
	secret string
	logger *slog.Logger
}

// New creates a Handler. The secret authenticates all providers: GitLab
// sends it verbatim, GitHub signs the body with it.
func New(store *db.Store, b broker.Broker, secret string, logger *slog.Logger) *Handler {
	return &Handler{store: store, broker: b, secret: secret, logger: logger}
}

// Register mounts the provider endpoints on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /webhooks/gitlab", h.gitlab)
	mux.HandleFunc("POST /webhooks/github", h.github)
	mux.HandleFunc("POST /webhooks/jira", h.jira)
}

func (h *Handler) gitlab(w http.ResponseWriter, r *http.Request) {
	if subtle.ConstantTimeCompare([]byte(r.Header.Get("X-Gitlab-Token")), []byte(h.secret)) != 1 {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	repo := gjson.GetBytes(body, "project.path_with_namespace").String()
	h.dispatch(w, r, db.SourceGitLabIssues, "repo", repo)
}

func (h *Handler) github(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	if !h.validGitHubSignature(r.Header.Get("X-Hub-Signature-256"), body) {
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}
	full := gjson.GetBytes(body, "repository.full_name").String()
	h.dispatch(w, r, db.SourceGitHubIssues, "full_name", full)
}

func (h *Handler) jira(w http.ResponseWriter, r *http.Request) {
	// Atlassian webhooks carry the secret in the registered URL.
	if subtle.ConstantTimeCompare([]byte(r.URL.Query().Get("secret")), []byte(h.secret)) != 1 {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	key := gjson.GetBytes(body, "issue.fields.project.key").String()
	h.dispatch(w, r, db.SourceJira, "project_key", key)
}

func (h *Handler) validGitHubSignature(header string, body []byte) bool {
	mac := hmac.New(sha256.New, []byte(h.secret))
	mac.Write(body)
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(header), []byte(want))
}

// dispatch enqueues a sync for every enabled source of the given kind whose
// config matches the delivery's repository identity.
func (h *Handler) dispatch(w http.ResponseWriter, r *http.Request, kind db.SourceKind, matchField, matchValue string) {
	if matchValue == "" {
		http.Error(w, "payload missing repository identity", http.StatusBadRequest)
		return
	}

	sources, err := h.store.ListEnabledTaskSources(r.Context())
	if err != nil {
		h.logger.Error("webhook: source lookup failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	var queued int
	for _, src := range sources {
		if src.Type != kind || !h.matches(src, matchField, matchValue) {
			continue
		}
		if err := h.store.SetSyncStatus(r.Context(), src.ID, db.SyncQueued, ""); err != nil {
			h.logger.Error("webhook: mark queued failed", "task_source_id", src.ID, "error", err)
			continue
		}
		if err := broker.PublishJSON(r.Context(), h.broker, broker.QueueSync, broker.SyncMessage{
			TaskSourceID: src.ID,
			Provider:     string(src.Type),
		}); err != nil {
			h.logger.Error("webhook: publish failed", "task_source_id", src.ID, "error", err)
			continue
		}
		queued++
	}

	h.logger.Info("webhook delivery", "provider", kind, "match", matchValue, "queued", queued)
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]int{"queued": queued})
}

// matches compares the delivery's repository identity against a source
// config. GitHub sources store owner and repo separately.
func (h *Handler) matches(src db.TaskSource, field, value string) bool {
	cfg := gjson.Parse(src.Config)
	if field == "full_name" {
		return cfg.Get("owner").String()+"/"+cfg.Get("repo").String() == value
	}
	return cfg.Get(field).String() == value
}
