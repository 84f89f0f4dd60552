package migrate_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/angelmondragon/keymarket-backend/pkg/migrate"
)

func readMigration(t *testing.T, suffix string) string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join("migrations", "*_"+suffix+".sql"))
	if err != nil {
		t.Fatalf("glob migrations: %v", err)
	}
	if len(matches) == 0 {
		t.Fatalf("no %s migration file found", suffix)
	}
	data, err := os.ReadFile(matches[0])
	if err != nil {
		t.Fatalf("read migration file: %v", err)
	}
	return string(data)
}

func assertContains(t *testing.T, content string, checks []string) {
	t.Helper()
	for _, sub := range checks {
		if !strings.Contains(content, sub) {
			t.Errorf("missing expected statement %q", sub)
		}
	}
}

func TestInventoryMigrationContainsConstraints(t *testing.T) {
	assertContains(t, readMigration(t, "create_inventory_items"), []string{
		"CREATE TABLE IF NOT EXISTS inventory_items",
		"FOREIGN KEY (variant_id) REFERENCES product_variants(id) ON DELETE CASCADE",
		"CHECK (available_qty >= 0)",
		"CHECK (reserved_qty >= 0)",
		"CREATE TABLE IF NOT EXISTS inventory_reservations",
		"DROP TABLE IF EXISTS inventory_items",
	})
}

func TestCartsMigrationEnforcesSingleOpenCart(t *testing.T) {
	assertContains(t, readMigration(t, "create_carts"), []string{
		"CREATE UNIQUE INDEX IF NOT EXISTS ux_carts_owner_open",
		"CREATE UNIQUE INDEX IF NOT EXISTS ux_carts_session_open",
		"WHERE status IN ('active', 'converting')",
		"CHECK (status <> 'converted' OR order_id IS NOT NULL)",
		"UNIQUE (cart_id, variant_id)",
	})
}

func TestPaymentsMigrationUniqueProviderCode(t *testing.T) {
	assertContains(t, readMigration(t, "create_payments"), []string{
		"CREATE TABLE IF NOT EXISTS payments",
		"CREATE UNIQUE INDEX IF NOT EXISTS ux_payments_provider_order_code",
		"DROP TABLE IF EXISTS payments",
	})
}

func TestEnumsMigrationMatchesStatuses(t *testing.T) {
	assertContains(t, readMigration(t, "create_enums"), []string{
		"CREATE TYPE cart_status AS ENUM ('active', 'converting', 'converted', 'expired')",
		"'cancelled_by_timeout'",
		"'needs_manual_action'",
		"'dup_cancelled'",
		"'need_review'",
	})
}

func TestValidateDirAcceptsRepoMigrations(t *testing.T) {
	versions, err := migrate.ValidateDir("migrations")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if len(versions) < 7 {
		t.Fatalf("expected at least 7 migrations, got %d", len(versions))
	}
	for i := 1; i < len(versions); i++ {
		if versions[i] <= versions[i-1] {
			t.Fatalf("versions not ascending: %v", versions)
		}
	}
}

func TestValidateDirRejectsBadFiles(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "bad-name.sql"), []byte("-- +goose Up\n-- +goose Down\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := migrate.ValidateDir(dir); err == nil {
		t.Fatal("expected invalid filename to fail")
	}

	dir = t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "20260101000000_only_up.sql"), []byte("-- +goose Up\nSELECT 1;\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := migrate.ValidateDir(dir); err == nil {
		t.Fatal("expected missing down marker to fail")
	}
}

func TestCreateSQLMigration(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 10, 1, 12, 30, 0, 0, time.UTC)

	path, err := migrate.CreateSQLMigration(dir, "Add Payment Notes!", now)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if filepath.Base(path) != "20261001123000_add_payment_notes.sql" {
		t.Fatalf("unexpected filename %s", filepath.Base(path))
	}
	if _, err := migrate.ValidateDir(dir); err != nil {
		t.Fatalf("generated migration should validate: %v", err)
	}
	if _, err := migrate.CreateSQLMigration(dir, "Add Payment Notes!", now); err == nil {
		t.Fatal("expected duplicate create to fail")
	}
	if migrate.Dialect("SQLite") != "sqlite3" || migrate.Dialect("postgres") != "postgres" {
		t.Fatal("unexpected dialect mapping")
	}
}
