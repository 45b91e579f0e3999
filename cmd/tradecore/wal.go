package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"tradecore/internal/core"
	"tradecore/internal/store"
	"tradecore/internal/wal"
	apperrors "tradecore/pkg/errors"
)

const walKindFill = "record_fill"

// fillRecord is the WAL payload for a deferred fill write.
type fillRecord struct {
	OrderID      string           `json:"order_id"`
	FilledQty    decimal.Decimal  `json:"filled_qty"`
	AvgFillPrice decimal.Decimal  `json:"avg_fill_price"`
	Status       core.OrderStatus `json:"status"`
}

// journalingOrderStore defers fill persistence to the WAL buffer when the
// database is unreachable, so fills keep applying in memory while degraded.
// Replay is idempotent: the store rejects regressions in filled quantity.
type journalingOrderStore struct {
	*store.OrderStore
	wal *wal.Buffer
}

func (s *journalingOrderStore) RecordFill(ctx context.Context, orderID string, filledQty, avgFillPrice decimal.Decimal, status core.OrderStatus) error {
	err := s.OrderStore.RecordFill(ctx, orderID, filledQty, avgFillPrice, status)
	if err == nil || !dbUnreachable(err) {
		return err
	}

	key := fmt.Sprintf("%s:%s:%s", walKindFill, orderID, filledQty)
	return s.wal.Append(ctx, key, walKindFill, fillRecord{
		OrderID:      orderID,
		FilledQty:    filledQty,
		AvgFillPrice: avgFillPrice,
		Status:       status,
	})
}

func dbUnreachable(err error) bool {
	return errors.Is(err, apperrors.ErrDatabaseUnavailable) ||
		errors.Is(err, apperrors.ErrDatabaseTimeout)
}

// replayWAL drains buffered writes once the database answers health checks
// again. Each entry applies in its own transaction; the first failure stops
// the replay and the buffer forces a halt.
func replayWAL(ctx context.Context, db *store.DB, buf *wal.Buffer, orders *store.OrderStore, logger core.ILogger) {
	if buf.Len() == 0 {
		return
	}
	if err := db.CheckHealth(); err != nil {
		return
	}

	applied, err := buf.Replay(ctx, func(ctx context.Context, e wal.Entry) error {
		switch e.Kind {
		case walKindFill:
			var rec fillRecord
			if err := json.Unmarshal(e.Payload, &rec); err != nil {
				return fmt.Errorf("%w: corrupt wal payload: %v", apperrors.ErrWALReplayConflict, err)
			}
			return orders.RecordFill(ctx, rec.OrderID, rec.FilledQty, rec.AvgFillPrice, rec.Status)
		default:
			return fmt.Errorf("%w: unknown wal entry kind %q", apperrors.ErrWALReplayConflict, e.Kind)
		}
	})
	if err != nil {
		logger.Error("wal replay aborted", "applied", applied, "error", err)
		return
	}
	if applied > 0 {
		logger.Info("wal replay drained", "applied", applied)
	}
}
