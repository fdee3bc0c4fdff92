package main

import (
	"context"
	"net/http"
	"testing"
)

func TestPushHookCreatesBuilds(t *testing.T) {
	env := newTestEnv(t)
	env.registerWorkflow(t)

	body := testPushBody(t)
	rec := env.request(http.MethodPost, "/hooks/push", body, pushHeader("d-1", body))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	var accepted struct {
		Status     string   `json:"status"`
		DeliveryID string   `json:"delivery_id"`
		Builds     []string `json:"builds"`
	}
	decodeBody(t, rec, &accepted)
	if accepted.Status != "accepted" || accepted.DeliveryID != "d-1" || len(accepted.Builds) != 1 {
		t.Fatalf("unexpected response: %+v", accepted)
	}

	build, err := env.buildRepo.GetBuild(context.Background(), accepted.Builds[0])
	if err != nil {
		t.Fatalf("stored build: %v", err)
	}
	if build.DeliveryID != "d-1" || build.Branch != "master" || build.CommitSHA == "" {
		t.Fatalf("unexpected build: %+v", build)
	}
	if !env.audit.hasAction("build.create") {
		t.Fatalf("expected build.create audit, got %v", env.audit.actions())
	}
}

func TestPushHookRejectsBadSignature(t *testing.T) {
	env := newTestEnv(t)
	env.registerWorkflow(t)

	body := testPushBody(t)
	header := pushHeader("d-bad", body)
	header.Set(headerPushSignature, signPushBody("wrong-secret", body))

	rec := env.request(http.MethodPost, "/hooks/push", body, header)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	var resp map[string]any
	decodeBody(t, rec, &resp)
	if resp["error"] != "invalid_signature" {
		t.Fatalf("error=%v", resp["error"])
	}
	if len(env.buildRepo.records) != 0 {
		t.Fatalf("expected no builds")
	}
	if !env.audit.hasAction("push_webhook.reject") {
		t.Fatalf("expected reject audit, got %v", env.audit.actions())
	}
}

func TestPushHookRequiresDeliveryID(t *testing.T) {
	env := newTestEnv(t)

	body := testPushBody(t)
	header := pushHeader("", body)
	header.Del(headerPushDelivery)

	rec := env.request(http.MethodPost, "/hooks/push", body, header)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
}

func TestPushHookIgnoresOtherEvents(t *testing.T) {
	env := newTestEnv(t)
	env.registerWorkflow(t)

	body := testPushBody(t)
	header := pushHeader("d-ping", body)
	header.Set(headerPushEvent, "ping")

	rec := env.request(http.MethodPost, "/hooks/push", body, header)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	var resp map[string]any
	decodeBody(t, rec, &resp)
	if resp["status"] != "ignored" || resp["reason"] != "event_type" {
		t.Fatalf("unexpected response: %v", resp)
	}
	if len(env.buildRepo.records) != 0 {
		t.Fatalf("expected no builds")
	}
}

func TestPushHookIgnoresNonBranchAndDeletedRefs(t *testing.T) {
	env := newTestEnv(t)
	env.registerWorkflow(t)

	cases := []struct {
		name    string
		mutate  func(map[string]any)
		reason  string
		deliver string
	}{
		{
			name:    "tag push",
			mutate:  func(p map[string]any) { p["ref"] = "refs/tags/v1.0.0" },
			reason:  "non_branch_ref",
			deliver: "d-tag",
		},
		{
			name:    "branch deletion",
			mutate:  func(p map[string]any) { p["deleted"] = true },
			reason:  "ref_deleted",
			deliver: "d-del",
		},
		{
			name: "zero commit",
			mutate: func(p map[string]any) {
				p["after"] = zeroCommitSHA
				delete(p, "head_commit")
			},
			reason:  "no_commit",
			deliver: "d-zero",
		},
	}

	for _, tc := range cases {
		payload := map[string]any{
			"ref":     "refs/heads/master",
			"after":   "0f5a1c9d2e3b4a5968778695a4b3c2d1e0f9a8b7",
			"deleted": false,
			"repository": map[string]any{
				"clone_url": "https://github.com/lenskit/lkpy.git",
				"full_name": "lenskit/lkpy",
			},
			"head_commit": map[string]any{"id": "0f5a1c9d2e3b4a5968778695a4b3c2d1e0f9a8b7"},
			"pusher":      map[string]any{"name": "mdekstrand"},
		}
		tc.mutate(payload)
		body := jsonBody(t, payload)

		rec := env.request(http.MethodPost, "/hooks/push", body, pushHeader(tc.deliver, body))
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: status=%d body=%s", tc.name, rec.Code, rec.Body.String())
		}
		var resp map[string]any
		decodeBody(t, rec, &resp)
		if resp["status"] != "ignored" || resp["reason"] != tc.reason {
			t.Fatalf("%s: unexpected response %v", tc.name, resp)
		}
	}

	if len(env.buildRepo.records) != 0 {
		t.Fatalf("expected no builds")
	}
}

func TestPushHookDuplicateDelivery(t *testing.T) {
	env := newTestEnv(t)
	env.registerWorkflow(t)

	body := testPushBody(t)
	rec := env.request(http.MethodPost, "/hooks/push", body, pushHeader("d-dup", body))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("first delivery status=%d", rec.Code)
	}
	var first struct {
		Builds []string `json:"builds"`
	}
	decodeBody(t, rec, &first)

	rec = env.request(http.MethodPost, "/hooks/push", body, pushHeader("d-dup", body))
	if rec.Code != http.StatusOK {
		t.Fatalf("replay status=%d body=%s", rec.Code, rec.Body.String())
	}
	var replay struct {
		Status string   `json:"status"`
		Builds []string `json:"builds"`
	}
	decodeBody(t, rec, &replay)
	if replay.Status != "duplicate" {
		t.Fatalf("status=%q", replay.Status)
	}
	if len(replay.Builds) != 1 || replay.Builds[0] != first.Builds[0] {
		t.Fatalf("expected original build back, got %v", replay.Builds)
	}
	if len(env.buildRepo.records) != 1 {
		t.Fatalf("expected a single build, got %d", len(env.buildRepo.records))
	}
}
