package main

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
)

func runCommand(test *testing.T, args ...string) (string, error) {
	test.Helper()
	var output bytes.Buffer
	root := newRootCommand()
	root.SetOut(&output)
	root.SetErr(&output)
	root.SetArgs(args)
	err := root.Execute()
	return output.String(), err
}

func TestResolveDriver(test *testing.T) {
	directory := test.TempDir()
	testCases := []struct {
		name           string
		databaseURL    string
		expectedDriver string
		expectedPath   string
	}{
		{name: "postgres", databaseURL: "postgres://unlock@localhost/unlock", expectedDriver: driverPostgres},
		{name: "postgresql", databaseURL: "postgresql://unlock@localhost/unlock", expectedDriver: driverPostgres},
		{name: "sqlite url", databaseURL: "sqlite://" + filepath.Join(directory, "a", "unlock.db"), expectedDriver: driverSQLite, expectedPath: filepath.Join(directory, "a", "unlock.db")},
		{name: "plain path", databaseURL: filepath.Join(directory, "b.db"), expectedDriver: driverSQLite, expectedPath: filepath.Join(directory, "b.db")},
		{name: "memory", databaseURL: ":memory:", expectedDriver: driverSQLite, expectedPath: ":memory:"},
	}
	for _, testCase := range testCases {
		driver, path, err := resolveDriver(testCase.databaseURL)
		if err != nil {
			test.Fatalf("%s: %v", testCase.name, err)
		}
		if driver != testCase.expectedDriver || path != testCase.expectedPath {
			test.Fatalf("%s: got %s %q, want %s %q", testCase.name, driver, path, testCase.expectedDriver, testCase.expectedPath)
		}
	}
}

func TestWalletCreditIsExactlyOnce(test *testing.T) {
	databaseURL := "sqlite://" + filepath.Join(test.TempDir(), "unlockd.db")

	output, err := runCommand(test, "wallet", "credit", "--database-url", databaseURL, "--user-id", "reader-1", "--amount", "500", "--idempotency-key", "payment-42")
	if err != nil {
		test.Fatalf("credit: %v (%s)", err, output)
	}
	var credited map[string]any
	if err := json.Unmarshal([]byte(output), &credited); err != nil {
		test.Fatalf("decode %q: %v", output, err)
	}
	if credited["balance"] != float64(500) {
		test.Fatalf("expected balance 500, got %v", credited["balance"])
	}

	if _, err := runCommand(test, "wallet", "credit", "--database-url", databaseURL, "--user-id", "reader-1", "--amount", "500", "--idempotency-key", "payment-42"); err == nil || !strings.Contains(err.Error(), "duplicate idempotency key") {
		test.Fatalf("expected duplicate idempotency key, got %v", err)
	}

	output, err = runCommand(test, "wallet", "balance", "--database-url", databaseURL, "--user-id", "reader-1")
	if err != nil {
		test.Fatalf("balance: %v (%s)", err, output)
	}
	var balance struct {
		Balance int64            `json:"balance"`
		Entries []map[string]any `json:"entries"`
	}
	if err := json.Unmarshal([]byte(output), &balance); err != nil {
		test.Fatalf("decode %q: %v", output, err)
	}
	if balance.Balance != 500 || len(balance.Entries) != 1 {
		test.Fatalf("expected one credit of 500, got %+v", balance)
	}
}

func TestCatalogSeed(test *testing.T) {
	databaseURL := "sqlite://" + filepath.Join(test.TempDir(), "unlockd.db")
	output, err := runCommand(test, "catalog", "seed", "--database-url", databaseURL, "--story-id", "7", "--title", "Spirit Sword Saga", "--chapters", "30", "--free-chapters", "5")
	if err != nil {
		test.Fatalf("seed: %v (%s)", err, output)
	}
	if !strings.Contains(output, "Spirit Sword Saga") {
		test.Fatalf("unexpected output %q", output)
	}
}

func TestServeRequiresSigningKey(test *testing.T) {
	test.Setenv("UNLOCKD_JWT_SIGNING_KEY", "")
	_, err := runCommand(test, "serve", "--database-url", "sqlite://"+filepath.Join(test.TempDir(), "unlockd.db"))
	if err == nil || !strings.Contains(err.Error(), flagJWTSigningKey) {
		test.Fatalf("expected missing signing key error, got %v", err)
	}
}

func TestStorageRejectsPgxOnSQLite(test *testing.T) {
	_, err := runCommand(test, "wallet", "balance", "--store-backend", "pgx", "--database-url", "sqlite:///tmp/x.db", "--user-id", "reader-1")
	if err == nil || !strings.Contains(err.Error(), "postgres database url") {
		test.Fatalf("expected backend mismatch error, got %v", err)
	}
}
