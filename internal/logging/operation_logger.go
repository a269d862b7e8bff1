package logging

import (
	"context"

	"github.com/MarkoPoloResearchLab/chapterunlock/pkg/ledger"
	"go.uber.org/zap"
)

// ZapOperationLogger writes wallet operations to a zap logger. Failed
// operations are logged at warn level, the rest at info.
type ZapOperationLogger struct {
	logger *zap.Logger
}

// NewZapOperationLogger returns a ledger.OperationLogger backed by logger.
// A nil logger discards everything.
func NewZapOperationLogger(logger *zap.Logger) *ZapOperationLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapOperationLogger{logger: logger.Named("wallet")}
}

func (operationLogger *ZapOperationLogger) LogOperation(_ context.Context, entry ledger.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("user_id", entry.UserID.String()),
		zap.Int64("amount", entry.Amount.Int64()),
		zap.Int64("balance_after", entry.BalanceAfter.Int64()),
		zap.String("status", entry.Status),
	}
	if entry.Kind != "" {
		fields = append(fields, zap.String("kind", entry.Kind.String()))
	}
	if !entry.IdempotencyKey.IsZero() {
		fields = append(fields, zap.String("idempotency_key", entry.IdempotencyKey.String()))
	}
	if entry.Error != nil {
		operationLogger.logger.Warn("wallet operation failed", append(fields, zap.Error(entry.Error))...)
		return
	}
	operationLogger.logger.Info("wallet operation", fields...)
}

var _ ledger.OperationLogger = (*ZapOperationLogger)(nil)
