// Package dbtest opens throwaway SQLite databases that mirror the postgres
// schema closely enough for repository and service tests.
package dbtest

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/angelmondragon/keymarket-backend/pkg/db"
)

// New returns a client over a fresh shared-cache in-memory database. A single
// pooled connection keeps SQLite from reporting lock errors under concurrent
// callers.
func New(t testing.TB) *db.Client {
	t.Helper()

	dsn := "file:km_" + strings.ReplaceAll(uuid.NewString(), "-", "") + "?mode=memory&cache=shared&_busy_timeout=5000"
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 gormlogger.Default.LogMode(gormlogger.Silent),
		NowFunc:                func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := conn.DB()
	if err != nil {
		t.Fatalf("sql handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	for _, stmt := range strings.Split(schema, ";\n") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if err := conn.Exec(stmt).Error; err != nil {
			t.Fatalf("apply schema: %v\n%s", err, stmt)
		}
	}
	return db.NewFromConn(conn)
}

const schema = `
CREATE TABLE products (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'active',
	created_at DATETIME,
	updated_at DATETIME
);
CREATE TABLE product_variants (
	id TEXT PRIMARY KEY,
	product_id TEXT NOT NULL REFERENCES products(id) ON DELETE CASCADE,
	name TEXT NOT NULL,
	price TEXT NOT NULL,
	list_price TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'active',
	stock_count INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME,
	updated_at DATETIME
);
CREATE TABLE inventory_items (
	variant_id TEXT PRIMARY KEY,
	available_qty INTEGER NOT NULL DEFAULT 0,
	reserved_qty INTEGER NOT NULL DEFAULT 0,
	sold_qty INTEGER NOT NULL DEFAULT 0,
	updated_at DATETIME
);
CREATE TABLE carts (
	id TEXT PRIMARY KEY,
	owner_user_id TEXT,
	session_id TEXT,
	status TEXT NOT NULL DEFAULT 'active',
	order_id TEXT,
	expires_at DATETIME NOT NULL,
	created_at DATETIME,
	updated_at DATETIME
);
CREATE UNIQUE INDEX ux_carts_owner_open ON carts(owner_user_id) WHERE status IN ('active','converting') AND owner_user_id IS NOT NULL;
CREATE UNIQUE INDEX ux_carts_session_open ON carts(session_id) WHERE status IN ('active','converting') AND session_id IS NOT NULL;
CREATE TABLE cart_items (
	id TEXT PRIMARY KEY,
	cart_id TEXT NOT NULL REFERENCES carts(id) ON DELETE CASCADE,
	variant_id TEXT NOT NULL,
	quantity INTEGER NOT NULL,
	created_at DATETIME,
	updated_at DATETIME,
	UNIQUE (cart_id, variant_id)
);
CREATE TABLE orders (
	id TEXT PRIMARY KEY,
	owner_user_id TEXT,
	session_id TEXT,
	cart_id TEXT NOT NULL,
	contact_email TEXT NOT NULL,
	contact_name TEXT,
	contact_phone TEXT,
	total_amount TEXT NOT NULL,
	discount_amount TEXT NOT NULL,
	final_amount TEXT NOT NULL,
	currency TEXT NOT NULL DEFAULT 'USD',
	status TEXT NOT NULL DEFAULT 'pending_payment',
	admin_note TEXT,
	paid_at DATETIME,
	cancelled_at DATETIME,
	created_at DATETIME,
	updated_at DATETIME
);
CREATE TABLE order_details (
	id TEXT PRIMARY KEY,
	order_id TEXT NOT NULL REFERENCES orders(id) ON DELETE CASCADE,
	variant_id TEXT NOT NULL,
	product_name TEXT NOT NULL,
	variant_name TEXT NOT NULL,
	quantity INTEGER NOT NULL,
	unit_price TEXT NOT NULL,
	list_price TEXT NOT NULL,
	line_total TEXT NOT NULL,
	created_at DATETIME
);
CREATE TABLE inventory_reservations (
	id TEXT PRIMARY KEY,
	order_id TEXT NOT NULL,
	variant_id TEXT NOT NULL,
	qty INTEGER NOT NULL,
	status TEXT NOT NULL DEFAULT 'active',
	expires_at DATETIME NOT NULL,
	created_at DATETIME,
	updated_at DATETIME
);
CREATE TABLE payments (
	id TEXT PRIMARY KEY,
	amount TEXT NOT NULL,
	currency TEXT NOT NULL DEFAULT 'USD',
	status TEXT NOT NULL DEFAULT 'pending',
	target_type TEXT NOT NULL DEFAULT 'order',
	target_id TEXT NOT NULL,
	provider_order_code TEXT UNIQUE,
	payment_link_id TEXT,
	checkout_url TEXT,
	note TEXT,
	expires_at DATETIME NOT NULL,
	resolved_at DATETIME,
	created_at DATETIME,
	updated_at DATETIME
);
CREATE TABLE outbox_events (
	id TEXT PRIMARY KEY,
	event_type TEXT NOT NULL,
	aggregate_type TEXT NOT NULL,
	aggregate_id TEXT NOT NULL,
	payload BLOB NOT NULL,
	created_at DATETIME,
	published_at DATETIME,
	attempt_count INTEGER NOT NULL DEFAULT 0,
	last_error TEXT
);
CREATE TABLE outbox_dlq (
	id TEXT PRIMARY KEY,
	event_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	aggregate_type TEXT NOT NULL,
	aggregate_id TEXT NOT NULL,
	payload_json BLOB NOT NULL,
	error_reason TEXT NOT NULL,
	error_message TEXT,
	attempt_count INTEGER NOT NULL DEFAULT 0,
	failed_at DATETIME,
	created_at DATETIME
)
`
