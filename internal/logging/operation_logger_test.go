package logging

import (
	"context"
	"testing"

	"github.com/MarkoPoloResearchLab/chapterunlock/pkg/ledger"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestZapOperationLoggerLevels(test *testing.T) {
	test.Parallel()
	core, recorded := observer.New(zapcore.InfoLevel)
	operationLogger := NewZapOperationLogger(zap.New(core))
	userID, err := ledger.NewUserID("reader-1")
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	key, err := ledger.NewIdempotencyKey("unlock-job:42")
	if err != nil {
		test.Fatalf("key: %v", err)
	}

	operationLogger.LogOperation(context.Background(), ledger.OperationLog{
		Operation:      "record_entry",
		UserID:         userID,
		Amount:         -2450,
		Kind:           ledger.EntryKindBatchUnlock,
		IdempotencyKey: key,
		Status:         "ok",
	})
	operationLogger.LogOperation(context.Background(), ledger.OperationLog{
		Operation: "debit",
		UserID:    userID,
		Amount:    -3000,
		Status:    "error",
		Error:     ledger.ErrInsufficientBalance,
	})

	entries := recorded.AllUntimed()
	if len(entries) != 2 {
		test.Fatalf("expected two log lines, got %d", len(entries))
	}
	first := entries[0]
	if first.Level != zapcore.InfoLevel || first.LoggerName != "wallet" {
		test.Fatalf("unexpected first entry: %+v", first)
	}
	fields := first.ContextMap()
	if fields["idempotency_key"] != "unlock-job:42" || fields["amount"] != int64(-2450) || fields["kind"] != ledger.EntryKindBatchUnlock.String() {
		test.Fatalf("unexpected fields: %v", fields)
	}
	second := entries[1]
	if second.Level != zapcore.WarnLevel {
		test.Fatalf("expected warn for failed operation, got %s", second.Level)
	}
	if _, hasKey := second.ContextMap()["idempotency_key"]; hasKey {
		test.Fatalf("zero idempotency key should be omitted")
	}
	if errorText, _ := second.ContextMap()["error"].(string); errorText != ledger.ErrInsufficientBalance.Error() {
		test.Fatalf("expected error field, got %v", second.ContextMap())
	}
}

func TestNewZapOperationLoggerNil(test *testing.T) {
	test.Parallel()
	operationLogger := NewZapOperationLogger(nil)
	operationLogger.LogOperation(context.Background(), ledger.OperationLog{Operation: "credit"})
}
