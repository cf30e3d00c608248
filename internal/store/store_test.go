package store

import (
	"context"
	"testing"
)

func TestNewDBSQLite(t *testing.T) {
	ctx := context.Background()
	db, err := NewDB(ctx, "sqlite", ":memory:")
	if err != nil {
		t.Skipf("sqlite3 unavailable: %v", err)
	}
	defer db.Close()
	if db.Driver != "sqlite3" || !db.Healthy(ctx) {
		t.Fatalf("db = %+v", db)
	}
}

func TestNewDBRejectsUnknownDriver(t *testing.T) {
	if _, err := NewDB(context.Background(), "oracle", ""); err == nil {
		t.Fatal("expected error")
	}
}

func TestNilHandlesAreUnhealthy(t *testing.T) {
	var db *DB
	var r *Redis
	if db.Healthy(context.Background()) || r.Healthy(context.Background()) {
		t.Fatal("nil handle reported healthy")
	}
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestNewRedisParsesURL(t *testing.T) {
	r, err := NewRedis("redis://:secret@cache.internal:6380/2")
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	opts := r.Client.Options()
	if opts.Addr != "cache.internal:6380" || opts.Password != "secret" || opts.DB != 2 {
		t.Fatalf("options = %s %q %d", opts.Addr, opts.Password, opts.DB)
	}

	r2, err := NewRedis("localhost:6379")
	if err != nil {
		t.Fatal(err)
	}
	defer r2.Close()
	if r2.Client.Options().Addr != "localhost:6379" {
		t.Fatalf("addr = %s", r2.Client.Options().Addr)
	}

	if _, err := NewRedis("redis://%zz"); err == nil {
		t.Fatal("expected url error")
	}
}
