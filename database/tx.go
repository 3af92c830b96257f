package database

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

type rollbacker interface {
	Rollback(ctx context.Context) error
}

// Rollback rolls the transaction back and logs any failure, except the
// ErrTxClosed that a deferred rollback after a successful commit produces.
func Rollback(ctx context.Context, tx rollbacker, logger *zap.Logger) {
	if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
		logger.Error("rollback failed", zap.Error(rbErr))
	}
}
