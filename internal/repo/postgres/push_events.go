package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/kilnlabs/kiln-go/internal/domain"
)

type PushEventStore struct {
	db DB
}

const (
	pushEventColumns = `delivery_id, repo, full_name, ref, branch, head_commit, pusher, payload_sha256, received_at`

	insertPushEventQuery = `INSERT INTO push_events (
		delivery_id,
		repo,
		full_name,
		ref,
		branch,
		head_commit,
		pusher,
		payload_sha256,
		received_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	ON CONFLICT (delivery_id) DO NOTHING`

	selectPushEventQuery = `SELECT ` + pushEventColumns + `
	 FROM push_events
	 WHERE delivery_id = $1`
)

func NewPushEventStore(db DB) *PushEventStore {
	if db == nil {
		return nil
	}
	return &PushEventStore{db: db}
}

// RecordPushEvent stores a delivery once. A replayed delivery ID returns
// inserted=false without error.
func (s *PushEventStore) RecordPushEvent(ctx context.Context, event domain.PushEvent) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("push event store not initialized")
	}
	if err := event.Validate(); err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(
		ctx,
		insertPushEventQuery,
		strings.TrimSpace(event.DeliveryID),
		strings.TrimSpace(event.Repo),
		nullIfEmpty(event.FullName),
		strings.TrimSpace(event.Ref),
		nullIfEmpty(event.Branch),
		nullIfEmpty(event.HeadCommit),
		nullIfEmpty(event.Pusher),
		strings.TrimSpace(event.PayloadSHA256),
		normalizeTime(event.ReceivedAt),
	)
	if err != nil {
		return false, fmt.Errorf("insert push event: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert push event: %w", err)
	}
	return rows > 0, nil
}

func (s *PushEventStore) GetPushEvent(ctx context.Context, deliveryID string) (domain.PushEvent, error) {
	if s == nil || s.db == nil {
		return domain.PushEvent{}, fmt.Errorf("push event store not initialized")
	}
	deliveryID = strings.TrimSpace(deliveryID)
	if deliveryID == "" {
		return domain.PushEvent{}, fmt.Errorf("delivery id is required")
	}
	var event domain.PushEvent
	var fullName sql.NullString
	var branch sql.NullString
	var headCommit sql.NullString
	var pusher sql.NullString
	row := s.db.QueryRowContext(ctx, selectPushEventQuery, deliveryID)
	if err := row.Scan(
		&event.DeliveryID,
		&event.Repo,
		&fullName,
		&event.Ref,
		&branch,
		&headCommit,
		&pusher,
		&event.PayloadSHA256,
		&event.ReceivedAt,
	); err != nil {
		return domain.PushEvent{}, handleNotFound(err)
	}
	event.FullName = strings.TrimSpace(fullName.String)
	event.Branch = strings.TrimSpace(branch.String)
	event.HeadCommit = strings.TrimSpace(headCommit.String)
	event.Pusher = strings.TrimSpace(pusher.String)
	return event, nil
}
