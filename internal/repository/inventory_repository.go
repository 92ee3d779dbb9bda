package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-crm-pipeline/internal/database"
	"github.com/pesio-ai/be-crm-pipeline/internal/errors"
	"github.com/pesio-ai/be-crm-pipeline/internal/tenancy"
)

// InventoryRepository mutates stock counters with single-statement SQL so
// concurrent cascades touching the same item never lose an update.
type InventoryRepository struct {
	db *database.DB
}

// NewInventoryRepository creates a new InventoryRepository.
func NewInventoryRepository(db *database.DB) *InventoryRepository {
	return &InventoryRepository{db: db}
}

// Get returns an item's balance.
func (r *InventoryRepository) Get(ctx context.Context, scope tenancy.Scope, itemID string) (*InventoryBalance, error) {
	query := `
		SELECT tenant_id, item_id, on_hand, reserved, incoming, allow_oversell, updated_at
		FROM inventory_balances
		WHERE tenant_id = $1 AND item_id = $2
	`

	var b InventoryBalance
	err := r.db.QueryRow(ctx, query, scope.TenantID, itemID).Scan(
		&b.TenantID, &b.ItemID, &b.OnHand, &b.Reserved, &b.Incoming, &b.AllowOversell, &b.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("inventory_item", itemID)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get inventory balance")
	}
	return &b, nil
}

// Put creates or replaces an item's balance. Stock receipts and catalog
// setup go through here; the transition cascade never does.
func (r *InventoryRepository) Put(ctx context.Context, scope tenancy.Scope, b *InventoryBalance) error {
	b.TenantID = scope.TenantID
	query := `
		INSERT INTO inventory_balances (tenant_id, item_id, on_hand, reserved, incoming, allow_oversell)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tenant_id, item_id) DO UPDATE
		SET on_hand        = EXCLUDED.on_hand,
		    reserved       = EXCLUDED.reserved,
		    incoming       = EXCLUDED.incoming,
		    allow_oversell = EXCLUDED.allow_oversell,
		    updated_at     = NOW()
		RETURNING updated_at
	`
	err := r.db.QueryRow(ctx, query, b.TenantID, b.ItemID, b.OnHand, b.Reserved, b.Incoming, b.AllowOversell).
		Scan(&b.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to put inventory balance")
	}
	return nil
}

// Reserve holds qty against the item. Items that do not allow overselling
// refuse a reservation larger than what is available.
func (r *InventoryRepository) Reserve(ctx context.Context, scope tenancy.Scope, itemID string, qty int64) (*StockChange, error) {
	if qty <= 0 {
		return nil, errors.InvalidInput("quantity", "must be positive")
	}

	query := `
		UPDATE inventory_balances
		SET reserved   = reserved + $3,
		    updated_at = NOW()
		WHERE tenant_id = $1 AND item_id = $2
		  AND (allow_oversell OR GREATEST(on_hand - reserved, 0) >= $3)
		RETURNING tenant_id, item_id, on_hand, reserved, incoming, allow_oversell, updated_at
	`

	var b InventoryBalance
	err := r.db.QueryRow(ctx, query, scope.TenantID, itemID, qty).Scan(
		&b.TenantID, &b.ItemID, &b.OnHand, &b.Reserved, &b.Incoming, &b.AllowOversell, &b.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		current, getErr := r.Get(ctx, scope, itemID)
		if getErr != nil {
			return nil, getErr
		}
		return nil, errors.InsufficientStock(itemID, qty, current.Available())
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to reserve stock")
	}
	return &StockChange{ItemID: itemID, Requested: qty, Balance: b}, nil
}

// Release returns qty from the reservation. Releasing more than is reserved
// floors the counter at zero and reports Clamped.
func (r *InventoryRepository) Release(ctx context.Context, scope tenancy.Scope, itemID string, qty int64) (*StockChange, error) {
	if qty <= 0 {
		return nil, errors.InvalidInput("quantity", "must be positive")
	}

	query := `
		WITH cur AS (
		    SELECT reserved FROM inventory_balances
		    WHERE tenant_id = $1 AND item_id = $2
		    FOR UPDATE
		)
		UPDATE inventory_balances b
		SET reserved   = GREATEST(b.reserved - $3, 0),
		    updated_at = NOW()
		FROM cur
		WHERE b.tenant_id = $1 AND b.item_id = $2
		RETURNING b.tenant_id, b.item_id, b.on_hand, b.reserved, b.incoming, b.allow_oversell, b.updated_at,
		          cur.reserved
	`

	var (
		b            InventoryBalance
		prevReserved int64
	)
	err := r.db.QueryRow(ctx, query, scope.TenantID, itemID, qty).Scan(
		&b.TenantID, &b.ItemID, &b.OnHand, &b.Reserved, &b.Incoming, &b.AllowOversell, &b.UpdatedAt,
		&prevReserved,
	)
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("inventory_item", itemID)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to release stock")
	}
	return &StockChange{ItemID: itemID, Requested: qty, Balance: b, Clamped: prevReserved < qty}, nil
}

// Consume removes qty from on-hand stock and retires up to qty of the
// reservation. Both counters are floored at zero. Clamped reports only an
// on-hand shortfall; consuming stock that was never reserved is normal.
func (r *InventoryRepository) Consume(ctx context.Context, scope tenancy.Scope, itemID string, qty int64) (*StockChange, error) {
	if qty <= 0 {
		return nil, errors.InvalidInput("quantity", "must be positive")
	}

	query := `
		WITH cur AS (
		    SELECT on_hand, reserved FROM inventory_balances
		    WHERE tenant_id = $1 AND item_id = $2
		    FOR UPDATE
		)
		UPDATE inventory_balances b
		SET on_hand    = GREATEST(b.on_hand - $3, 0),
		    reserved   = b.reserved - LEAST($3, b.reserved),
		    updated_at = NOW()
		FROM cur
		WHERE b.tenant_id = $1 AND b.item_id = $2
		RETURNING b.tenant_id, b.item_id, b.on_hand, b.reserved, b.incoming, b.allow_oversell, b.updated_at,
		          cur.on_hand
	`

	var (
		b          InventoryBalance
		prevOnHand int64
	)
	err := r.db.QueryRow(ctx, query, scope.TenantID, itemID, qty).Scan(
		&b.TenantID, &b.ItemID, &b.OnHand, &b.Reserved, &b.Incoming, &b.AllowOversell, &b.UpdatedAt,
		&prevOnHand,
	)
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("inventory_item", itemID)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to consume stock")
	}
	return &StockChange{
		ItemID:    itemID,
		Requested: qty,
		Balance:   b,
		Clamped:   prevOnHand < qty,
	}, nil
}
