package storage

import (
	"context"
	"time"

	"auto_trader/internal/core"
	"auto_trader/pkg/concurrency"

	"github.com/shopspring/decimal"
)

const workerWriteTimeout = 5 * time.Second

// Worker is the fire-and-forget persistence queue. Writes are submitted to a
// single-worker pool so they apply in submission order; a full queue or a
// failed write logs a warning and never reaches the engines.
type Worker struct {
	store  *Store
	pool   *concurrency.WorkerPool
	logger core.ILogger
}

func NewWorker(store *Store, logger core.ILogger) *Worker {
	log := logger.WithField("component", "persistence_worker")
	return &Worker{
		store: store,
		pool: concurrency.NewWorkerPool(concurrency.PoolConfig{
			Name:        "PersistenceWorker",
			MaxWorkers:  1,
			MaxCapacity: 1000,
			NonBlocking: true,
		}, log),
		logger: log,
	}
}

func (w *Worker) submit(op string, fn func(ctx context.Context) error) {
	err := w.pool.Submit(func() {
		ctx, cancel := context.WithTimeout(context.Background(), workerWriteTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			w.logger.Warn("Persistence write failed", "op", op, "error", err)
		}
	})
	if err != nil {
		w.logger.Warn("Persistence queue full, dropping write", "op", op)
	}
}

func (w *Worker) PersistNewOrder(order *core.TrackedOrder, meta core.OrderMeta) {
	rec := &OrderRecord{Order: *order, Meta: meta}
	w.submit("insert_order", func(ctx context.Context) error {
		return w.store.InsertOrder(ctx, rec)
	})
}

func (w *Worker) PersistOrderStatusChange(orderID string, status core.OrderStatus, filledAt int64, linkedOrderID string) {
	w.submit("update_order_status", func(ctx context.Context) error {
		return w.store.UpdateOrderStatus(ctx, orderID, status, filledAt, linkedOrderID)
	})
}

func (w *Worker) PersistRealizedPnl(net, fee decimal.Decimal, isWin bool, kind core.StrategyKind) {
	date := time.Now().UTC().Format("2006-01-02")
	w.submit("upsert_daily_pnl", func(ctx context.Context) error {
		return w.store.UpsertDailyPnl(ctx, date, kind, net, fee, isWin)
	})
}

func (w *Worker) PersistGridLevel(instanceID string, level core.GridLevelView) {
	w.submit("save_grid_level", func(ctx context.Context) error {
		return w.store.SaveGridLevel(ctx, instanceID, level)
	})
}

// SaveActiveConfig queues an upsert of the single active config row.
func (w *Worker) SaveActiveConfig(configJSON []byte) {
	w.submit("save_active_config", func(ctx context.Context) error {
		return w.store.SaveActiveConfig(ctx, configJSON)
	})
}

// LoadActiveConfig is synchronous; used only during start.
func (w *Worker) LoadActiveConfig(ctx context.Context) ([]byte, error) {
	return w.store.LoadActiveConfig(ctx)
}

// LoadPendingOrders is synchronous; used only during start.
func (w *Worker) LoadPendingOrders(ctx context.Context, symbol, venueCode string) ([]core.TrackedOrder, error) {
	return w.store.LoadPendingOrders(ctx, symbol, venueCode)
}

// Stop drains the queue and stops the pool.
func (w *Worker) Stop() {
	w.pool.Stop()
}
