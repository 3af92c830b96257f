package database

import (
	"context"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type stubTx struct {
	err    error
	called bool
}

var _ rollbacker = (*stubTx)(nil)

func (s *stubTx) Rollback(_ context.Context) error {
	s.called = true
	return s.err
}

func TestRollbackIgnoresClosedTx(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	tx := &stubTx{err: pgx.ErrTxClosed}

	Rollback(context.Background(), tx, zap.New(core))

	assert.True(t, tx.called)
	assert.Zero(t, logs.Len())
}

func TestRollbackLogsRealFailures(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	tx := &stubTx{err: fmt.Errorf("connection reset")}

	Rollback(context.Background(), tx, zap.New(core))

	assert.Equal(t, 1, logs.Len())
	assert.Equal(t, "rollback failed", logs.All()[0].Message)
}

func TestRollbackQuietOnSuccess(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	tx := &stubTx{}

	Rollback(context.Background(), tx, zap.New(core))

	assert.True(t, tx.called)
	assert.Zero(t, logs.Len())
}
