package main

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kilnlabs/kiln-go/internal/domain"
	"github.com/kilnlabs/kiln-go/internal/platform/auditlog"
)

const (
	headerPushSignature = "X-Hub-Signature-256"
	headerPushDelivery  = "X-GitHub-Delivery"
	headerPushEvent     = "X-GitHub-Event"

	zeroCommitSHA = "0000000000000000000000000000000000000000"
)

// pushPayload covers the subset of the GitHub push payload the coordinator
// reads. Deliveries carry far more; unknown fields are ignored on purpose.
type pushPayload struct {
	Ref        string `json:"ref"`
	After      string `json:"after"`
	Deleted    bool   `json:"deleted"`
	Repository struct {
		CloneURL string `json:"clone_url"`
		FullName string `json:"full_name"`
	} `json:"repository"`
	HeadCommit *struct {
		ID string `json:"id"`
	} `json:"head_commit"`
	Pusher struct {
		Name string `json:"name"`
	} `json:"pusher"`
}

func (api *builddAPI) handlePushHook(w http.ResponseWriter, r *http.Request) {
	if api.pushSecret == "" {
		api.writeError(w, r, http.StatusServiceUnavailable, "webhook_not_configured")
		return
	}

	deliveryID := strings.TrimSpace(r.Header.Get(headerPushDelivery))
	if deliveryID == "" {
		api.writeError(w, r, http.StatusBadRequest, "delivery_id_required")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		api.auditPushReject(r, deliveryID, "body_read_failed")
		api.writeError(w, r, http.StatusBadRequest, "invalid_body")
		return
	}

	if !verifyPushSignature(api.pushSecret, r.Header.Get(headerPushSignature), body) {
		api.auditPushReject(r, deliveryID, "signature_mismatch")
		api.writeError(w, r, http.StatusUnauthorized, "invalid_signature")
		return
	}

	if event := strings.TrimSpace(r.Header.Get(headerPushEvent)); event != "" && event != "push" {
		api.writeJSON(w, http.StatusOK, map[string]any{"status": "ignored", "reason": "event_type"})
		return
	}

	var payload pushPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		api.auditPushReject(r, deliveryID, "payload_parse_failed")
		api.writeError(w, r, http.StatusBadRequest, "invalid_payload")
		return
	}

	if payload.Deleted {
		api.writeJSON(w, http.StatusOK, map[string]any{"status": "ignored", "reason": "ref_deleted"})
		return
	}
	commitSHA := strings.TrimSpace(payload.After)
	if commitSHA == "" && payload.HeadCommit != nil {
		commitSHA = strings.TrimSpace(payload.HeadCommit.ID)
	}
	if commitSHA == "" || commitSHA == zeroCommitSHA {
		api.writeJSON(w, http.StatusOK, map[string]any{"status": "ignored", "reason": "no_commit"})
		return
	}
	branch, ok := domain.BranchFromRef(payload.Ref)
	if !ok {
		api.writeJSON(w, http.StatusOK, map[string]any{"status": "ignored", "reason": "non_branch_ref"})
		return
	}

	repoURL := strings.TrimSpace(payload.Repository.CloneURL)
	if repoURL == "" {
		repoURL = strings.TrimSpace(payload.Repository.FullName)
	}
	if repoURL == "" {
		api.auditPushReject(r, deliveryID, "repository_missing")
		api.writeError(w, r, http.StatusBadRequest, "repository_required")
		return
	}

	digest := sha256.Sum256(body)
	event := domain.PushEvent{
		DeliveryID:    deliveryID,
		Repo:          repoURL,
		FullName:      strings.TrimSpace(payload.Repository.FullName),
		Ref:           strings.TrimSpace(payload.Ref),
		Branch:        branch,
		HeadCommit:    commitSHA,
		Pusher:        strings.TrimSpace(payload.Pusher.Name),
		PayloadSHA256: hex.EncodeToString(digest[:]),
	}

	auditCtx := api.auditContext(r)
	if auditCtx.Actor == "" {
		auditCtx.Actor = "github"
	}
	created, fresh, err := api.builds.CreateFromPush(r.Context(), event, auditCtx)
	if err != nil {
		api.logger.Warn("push webhook failed", "delivery_id", deliveryID, "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	buildIDs := make([]string, 0, len(created))
	for _, b := range created {
		buildIDs = append(buildIDs, b.ID)
	}

	if !fresh {
		api.writeJSON(w, http.StatusOK, map[string]any{
			"status":      "duplicate",
			"delivery_id": deliveryID,
			"builds":      buildIDs,
		})
		return
	}

	api.writeJSON(w, http.StatusAccepted, map[string]any{
		"status":      "accepted",
		"delivery_id": deliveryID,
		"builds":      buildIDs,
	})
}

// verifyPushSignature checks the sha256= HMAC header against the raw body.
func verifyPushSignature(secret, header string, body []byte) bool {
	header = strings.TrimSpace(header)
	const prefix = "sha256="
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	got, err := hex.DecodeString(strings.TrimPrefix(header, prefix))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// auditPushReject records rejected deliveries best effort; rejection
// handling never depends on the audit write.
func (api *builddAPI) auditPushReject(r *http.Request, deliveryID, reason string) {
	if api.audit == nil {
		return
	}
	auditCtx, cancel := context.WithTimeout(context.Background(), 750*time.Millisecond)
	defer cancel()
	_ = api.audit.Append(auditCtx, auditlog.Event{
		OccurredAt:   time.Now().UTC(),
		Actor:        "github",
		Action:       "push_webhook.reject",
		ResourceType: "push_delivery",
		ResourceID:   deliveryID,
		RequestID:    r.Header.Get("X-Request-Id"),
		IP:           requestIP(r.RemoteAddr),
		UserAgent:    r.UserAgent(),
		Payload:      map[string]any{"reason": reason, "path": r.URL.Path},
	})
}
