package repository

import (
	"context"
	"encoding/json"

	"github.com/pesio-ai/be-crm-pipeline/internal/database"
	"github.com/pesio-ai/be-crm-pipeline/internal/errors"
	"github.com/pesio-ai/be-crm-pipeline/internal/tenancy"
)

// AuditRepository appends and reads audit log entries. The table has an
// update/delete-rejecting trigger so Append is the only mutation exposed.
type AuditRepository struct {
	db *database.DB
}

// NewAuditRepository creates a new AuditRepository.
func NewAuditRepository(db *database.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Append inserts one audit entry.
func (r *AuditRepository) Append(ctx context.Context, scope tenancy.Scope, entry *AuditEntry) error {
	entry.TenantID = scope.TenantID

	payload := []byte("{}")
	if entry.Payload != nil {
		var err error
		payload, err = json.Marshal(entry.Payload)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal audit payload")
		}
	}

	query := `
		INSERT INTO audit_log (tenant_id, entity_kind, entity_id, actor_id, action, payload)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb)
		RETURNING id::text, created_at
	`

	err := r.db.QueryRow(ctx, query,
		entry.TenantID,
		entry.EntityKind,
		entry.EntityID,
		entry.ActorID,
		entry.Action,
		string(payload),
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to append audit entry")
	}
	return nil
}

// List returns the audit trail of one entity, oldest first.
func (r *AuditRepository) List(ctx context.Context, scope tenancy.Scope, entityKind, entityID string) ([]*AuditEntry, error) {
	query := `
		SELECT id::text, tenant_id, entity_kind, entity_id, actor_id, action, payload, created_at
		FROM audit_log
		WHERE tenant_id = $1 AND entity_kind = $2 AND entity_id = $3
		ORDER BY created_at ASC
	`

	rows, err := r.db.Query(ctx, query, scope.TenantID, entityKind, entityID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list audit entries")
	}
	defer rows.Close()

	var out []*AuditEntry
	for rows.Next() {
		var (
			e       AuditEntry
			payload []byte
		)
		if err := rows.Scan(&e.ID, &e.TenantID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Action, &payload, &e.CreatedAt); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan audit entry")
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &e.Payload); err != nil {
				return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to decode audit payload")
			}
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
