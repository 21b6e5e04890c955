package postgres

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/approvals/internal/config"
)

func TestDSN(t *testing.T) {
	if _, err := DSN(config.StoreConfig{}); !errors.Is(err, ErrNoDSN) {
		t.Errorf("DSN(no env name) error = %v, want ErrNoDSN", err)
	}

	t.Setenv("APPROVALS_TEST_DSN", "")
	if _, err := DSN(config.StoreConfig{DSNEnv: "APPROVALS_TEST_DSN"}); !errors.Is(err, ErrNoDSN) {
		t.Errorf("DSN(empty env) error = %v, want ErrNoDSN", err)
	}

	t.Setenv("APPROVALS_TEST_DSN", " postgres://u:p@db:5432/approvals ")
	got, err := DSN(config.StoreConfig{DSNEnv: "APPROVALS_TEST_DSN"})
	if err != nil {
		t.Fatalf("DSN() error = %v", err)
	}
	if got != "postgres://u:p@db:5432/approvals" {
		t.Errorf("DSN() = %q", got)
	}
}

func TestPoolConfig(t *testing.T) {
	cfg := config.StoreConfig{MaxOpenConns: 12, MaxIdleConns: 3, ConnMaxLifetime: 10 * time.Minute}
	pc, err := PoolConfig("postgres://u:p@db:5432/approvals", cfg)
	if err != nil {
		t.Fatalf("PoolConfig() error = %v", err)
	}
	if pc.MaxConns != 12 || pc.MinConns != 3 || pc.MaxConnLifetime != 10*time.Minute {
		t.Errorf("pool limits = %d/%d/%v", pc.MaxConns, pc.MinConns, pc.MaxConnLifetime)
	}
	if pc.ConnConfig.Database != "approvals" {
		t.Errorf("database = %q", pc.ConnConfig.Database)
	}

	if _, err := PoolConfig("postgres://%zz", cfg); err == nil {
		t.Error("PoolConfig(bad DSN) should fail")
	}
}

func TestConnect_missingDSN(t *testing.T) {
	_, err := Connect(context.Background(), config.StoreConfig{Driver: "postgres"}, zap.NewNop())
	if !errors.Is(err, ErrNoDSN) {
		t.Errorf("Connect() error = %v, want ErrNoDSN", err)
	}
}

func TestStatements(t *testing.T) {
	stmts := Statements()
	if len(stmts) < 4 {
		t.Fatalf("Statements() = %d, want tables and indexes", len(stmts))
	}
	joined := strings.Join(stmts, "\n")
	for _, want := range []string{
		"CREATE TABLE IF NOT EXISTS workflow_templates",
		"CREATE TABLE IF NOT EXISTS workflow_instances",
		"ON workflow_instances (module, status)",
		"ON workflow_instances (requester_id)",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("schema is missing %q", want)
		}
	}
	for _, stmt := range stmts {
		if strings.HasSuffix(stmt, ";") || stmt == "" {
			t.Errorf("statement not split cleanly: %q", stmt)
		}
	}
}
