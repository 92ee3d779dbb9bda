package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-crm-pipeline/internal/database"
	"github.com/pesio-ai/be-crm-pipeline/internal/errors"
	"github.com/pesio-ai/be-crm-pipeline/internal/stagegraph"
	"github.com/pesio-ai/be-crm-pipeline/internal/tenancy"
)

// RecordRepository persists pipeline records and their lines. Every query is
// filtered by the scope's tenant.
type RecordRepository struct {
	db *database.DB
}

// NewRecordRepository creates a new RecordRepository.
func NewRecordRepository(db *database.DB) *RecordRepository {
	return &RecordRepository{db: db}
}

const recordColumns = `
	id::text, tenant_id, kind::text, stage::text, title, total::text, currency,
	parent_kind::text, parent_id::text, owner_id, created_at, updated_at`

// Get loads a record with its lines.
func (r *RecordRepository) Get(ctx context.Context, scope tenancy.Scope, kind stagegraph.Kind, id string) (*PipelineRecord, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, errors.NotFound(kind.Module(), id)
	}

	query := `SELECT ` + recordColumns + `
		FROM pipeline_records
		WHERE id = $1 AND tenant_id = $2 AND kind = $3::record_kind`

	rec, err := scanRecord(r.db.QueryRow(ctx, query, id, scope.TenantID, string(kind)))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound(kind.Module(), id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get record")
	}

	lines, err := r.getLines(ctx, rec.ID)
	if err != nil {
		return nil, err
	}
	rec.Lines = lines
	return rec, nil
}

func (r *RecordRepository) getLines(ctx context.Context, recordID string) ([]LineItem, error) {
	query := `
		SELECT line_number, item_id, quantity, unit_price::text
		FROM record_lines
		WHERE record_id = $1
		ORDER BY line_number
	`

	rows, err := r.db.Query(ctx, query, recordID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get record lines")
	}
	defer rows.Close()

	var lines []LineItem
	for rows.Next() {
		var (
			line  LineItem
			price string
		)
		if err := rows.Scan(&line.LineNumber, &line.ItemID, &line.Quantity, &price); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan record line")
		}
		line.UnitPrice, err = decimal.NewFromString(price)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "invalid unit price")
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

// UpdateStage moves the record to `to`. The row must still be in `from` (or
// already in `to`, so a retried write is harmless); otherwise the record moved
// underneath us and the write is refused.
func (r *RecordRepository) UpdateStage(ctx context.Context, scope tenancy.Scope, kind stagegraph.Kind, id string, from, to stagegraph.Stage) error {
	query := `
		UPDATE pipeline_records
		SET stage      = $4::pipeline_stage,
		    updated_at = NOW()
		WHERE id = $1 AND tenant_id = $2 AND kind = $3::record_kind
		  AND stage IN ($5::pipeline_stage, $4::pipeline_stage)
		RETURNING id::text
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query, id, scope.TenantID, string(kind), string(to), string(from)).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return errors.New(errors.ErrCodeConsistency,
			fmt.Sprintf("%s %s is no longer in stage %s", kind, id, from))
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update stage")
	}
	return nil
}

// UpdateFields applies a field patch and returns the updated record.
func (r *RecordRepository) UpdateFields(ctx context.Context, scope tenancy.Scope, kind stagegraph.Kind, id string, patch RecordPatch) (*PipelineRecord, error) {
	var total *string
	if patch.Total != nil {
		s := patch.Total.String()
		total = &s
	}

	query := `
		UPDATE pipeline_records
		SET title      = COALESCE($4, title),
		    total      = COALESCE($5::numeric, total),
		    owner_id   = COALESCE($6, owner_id),
		    updated_at = NOW()
		WHERE id = $1 AND tenant_id = $2 AND kind = $3::record_kind
		RETURNING id::text
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query, id, scope.TenantID, string(kind), patch.Title, total, patch.OwnerID).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound(kind.Module(), id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to update record")
	}
	return r.Get(ctx, scope, kind, id)
}

// Create inserts a record and its lines in one transaction.
func (r *RecordRepository) Create(ctx context.Context, scope tenancy.Scope, rec *PipelineRecord) error {
	rec.TenantID = scope.TenantID

	var parentKind *string
	if rec.ParentKind != nil {
		s := string(*rec.ParentKind)
		parentKind = &s
	}

	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		query := `
			INSERT INTO pipeline_records
			    (tenant_id, kind, stage, title, total, currency,
			     parent_kind, parent_id, owner_id)
			VALUES ($1, $2::record_kind, $3::pipeline_stage, $4, $5::numeric, $6,
			        $7::record_kind, $8::uuid, $9)
			RETURNING id::text, created_at, updated_at
		`

		err := tx.QueryRow(ctx, query,
			rec.TenantID,
			string(rec.Kind),
			string(rec.Stage),
			rec.Title,
			rec.Total.String(),
			rec.Currency,
			parentKind,
			rec.ParentID,
			rec.OwnerID,
		).Scan(&rec.ID, &rec.CreatedAt, &rec.UpdatedAt)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to create record")
		}

		lineQuery := `
			INSERT INTO record_lines (record_id, line_number, item_id, quantity, unit_price)
			VALUES ($1, $2, $3, $4, $5::numeric)
		`
		for i := range rec.Lines {
			line := &rec.Lines[i]
			if line.LineNumber == 0 {
				line.LineNumber = i + 1
			}
			if _, err := tx.Exec(ctx, lineQuery,
				rec.ID, line.LineNumber, line.ItemID, line.Quantity, line.UnitPrice.String(),
			); err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to create record line")
			}
		}
		return nil
	})
}

// Delete removes a record. Lines go with it.
func (r *RecordRepository) Delete(ctx context.Context, scope tenancy.Scope, kind stagegraph.Kind, id string) error {
	query := `DELETE FROM pipeline_records WHERE id = $1 AND tenant_id = $2 AND kind = $3::record_kind`

	result, err := r.db.Exec(ctx, query, id, scope.TenantID, string(kind))
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to delete record")
	}
	if result.RowsAffected() == 0 {
		return errors.NotFound(kind.Module(), id)
	}
	return nil
}

// FindDependents lists records whose parent is (parentKind, parentID). An
// empty childKind matches every kind. Lines are not loaded.
func (r *RecordRepository) FindDependents(ctx context.Context, scope tenancy.Scope, parentKind stagegraph.Kind, parentID string, childKind stagegraph.Kind) ([]*PipelineRecord, error) {
	query := `SELECT ` + recordColumns + `
		FROM pipeline_records
		WHERE tenant_id = $1
		  AND parent_kind = $2::record_kind
		  AND parent_id = $3::uuid
		  AND ($4 = '' OR kind::text = $4)
		ORDER BY created_at`

	rows, err := r.db.Query(ctx, query, scope.TenantID, string(parentKind), parentID, string(childKind))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to find dependents")
	}
	defer rows.Close()

	var out []*PipelineRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan dependent")
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ── scan helper ───────────────────────────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*PipelineRecord, error) {
	var (
		rec        PipelineRecord
		kind       string
		stage      string
		total      string
		parentKind *string
	)
	err := row.Scan(
		&rec.ID,
		&rec.TenantID,
		&kind,
		&stage,
		&rec.Title,
		&total,
		&rec.Currency,
		&parentKind,
		&rec.ParentID,
		&rec.OwnerID,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.Kind = stagegraph.Kind(kind)
	rec.Stage = stagegraph.Stage(stage)
	if parentKind != nil {
		pk := stagegraph.Kind(*parentKind)
		rec.ParentKind = &pk
	}
	rec.Total, err = decimal.NewFromString(total)
	if err != nil {
		return nil, fmt.Errorf("invalid total %q: %w", total, err)
	}
	return &rec, nil
}
