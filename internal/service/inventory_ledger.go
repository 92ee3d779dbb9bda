package service

import (
	"context"

	"github.com/pesio-ai/be-crm-pipeline/internal/logger"
	"github.com/pesio-ai/be-crm-pipeline/internal/repository"
	"github.com/pesio-ai/be-crm-pipeline/internal/tenancy"
)

// InventoryLedger adjusts stock on behalf of the cascade. The store applies
// each mutation atomically; the ledger reports clamped counters as anomalies.
type InventoryLedger struct {
	store InventoryStore
	log   *logger.Logger
}

// NewInventoryLedger creates a new InventoryLedger.
func NewInventoryLedger(store InventoryStore, log *logger.Logger) *InventoryLedger {
	return &InventoryLedger{store: store, log: log.Component("inventory_ledger")}
}

// Reserve holds qty of itemID. Non-oversell items fail with
// INSUFFICIENT_STOCK when qty exceeds what is available.
func (l *InventoryLedger) Reserve(ctx context.Context, scope tenancy.Scope, itemID string, qty int64) (*repository.StockChange, error) {
	change, err := l.store.Reserve(ctx, scope, itemID, qty)
	if err != nil {
		return nil, err
	}
	l.log.Debug().Str("item_id", itemID).Int64("qty", qty).Int64("reserved", change.Balance.Reserved).Msg("Stock reserved")
	return change, nil
}

// Release returns qty of a reservation.
func (l *InventoryLedger) Release(ctx context.Context, scope tenancy.Scope, itemID string, qty int64) (*repository.StockChange, error) {
	change, err := l.store.Release(ctx, scope, itemID, qty)
	if err != nil {
		return nil, err
	}
	l.anomaly(scope, "release", change)
	return change, nil
}

// Consume removes qty from on-hand stock and converts up to qty of the
// reservation into consumed stock.
func (l *InventoryLedger) Consume(ctx context.Context, scope tenancy.Scope, itemID string, qty int64) (*repository.StockChange, error) {
	change, err := l.store.Consume(ctx, scope, itemID, qty)
	if err != nil {
		return nil, err
	}
	l.anomaly(scope, "consume", change)
	return change, nil
}

func (l *InventoryLedger) anomaly(scope tenancy.Scope, op string, change *repository.StockChange) {
	if !change.Clamped {
		return
	}
	l.log.Warn().
		Str("tenant_id", scope.TenantID).
		Str("item_id", change.ItemID).
		Str("op", op).
		Int64("requested", change.Requested).
		Int64("on_hand", change.Balance.OnHand).
		Int64("reserved", change.Balance.Reserved).
		Msg("Inventory anomaly: counter clamped at zero")
}
