package postgres

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/vladislavdragonenkov/kitchen/internal/domain"
)

func TestStoreError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name            string
		err             error
		wantUnavailable bool
	}{
		{name: "bad conn", err: driver.ErrBadConn, wantUnavailable: true},
		{name: "connection exception", err: &pgconn.PgError{Code: "08006"}, wantUnavailable: true},
		{name: "admin shutdown", err: &pgconn.PgError{Code: "57P01"}, wantUnavailable: true},
		{name: "too many connections", err: fmt.Errorf("wrapped: %w", &pgconn.PgError{Code: "53300"}), wantUnavailable: true},
		{name: "unique violation", err: &pgconn.PgError{Code: "23505"}, wantUnavailable: false},
		{name: "context canceled", err: context.Canceled, wantUnavailable: false},
		{name: "plain error", err: errors.New("boom"), wantUnavailable: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := storeError(tt.err)
			if domain.IsStorageUnavailable(got) != tt.wantUnavailable {
				t.Fatalf("storeError(%v) unavailable=%v, want %v", tt.err, domain.IsStorageUnavailable(got), tt.wantUnavailable)
			}
			if !errors.Is(got, tt.err) {
				t.Fatalf("cause %v lost in %v", tt.err, got)
			}
		})
	}

	if storeError(nil) != nil {
		t.Fatal("storeError(nil) must be nil")
	}
}

func TestPgErrorClassifiers(t *testing.T) {
	t.Parallel()

	if !isUniqueViolation(&pgconn.PgError{Code: "23505"}) {
		t.Fatal("expected unique violation")
	}
	if !isForeignKeyViolation(fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23503"})) {
		t.Fatal("expected foreign key violation")
	}
	if isUniqueViolation(errors.New("23505")) {
		t.Fatal("plain error must not be classified")
	}
}
