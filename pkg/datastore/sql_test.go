package datastore_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/NicolasHaas/gatekeep/pkg/datastore"
	"github.com/NicolasHaas/gatekeep/pkg/model"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	_ "modernc.org/sqlite"
)

func NewTestSqlConn(t *testing.T) (*datastore.ProviderFactory, error) {
	t.Helper()

	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")

	st, err := datastore.NewProviderFactory(dbPath)
	if err != nil {
		return nil, fmt.Errorf("store_test: failed to open db: %w", err)
	}

	t.Cleanup(func() {
		if err := st.Close(); err != nil {
			fmt.Printf("Error closing database: %v\n", err)
		}
	})

	return st, nil
}

// secondAligned returns a UTC instant with no sub-second part, matching
// the storage resolution.
func secondAligned(d time.Duration) time.Time {
	return time.Now().UTC().Add(d).Truncate(time.Second)
}

var ignoreCreatedAt = cmpopts.IgnoreFields(model.Restriction{}, "CreatedAt")

func TestEnsureSchemaIdempotent(t *testing.T) {
	store, err := NewTestSqlConn(t)
	if err != nil {
		t.Fatalf("failed to open test connection: %v", err)
	}
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := store.EnsureSchema(ctx); err != nil {
			t.Fatalf("EnsureSchema #%d: unexpected error: %v", i+1, err)
		}
	}

	count, err := store.NonTx().CountRestrictions(ctx)
	if err != nil {
		t.Fatalf("CountRestrictions: unexpected error: %v", err)
	}
	if count != 0 {
		t.Fatalf("CountRestrictions: want 0 got %d", count)
	}
}

func TestEnsureSchemaConcurrent(t *testing.T) {
	store, err := NewTestSqlConn(t)
	if err != nil {
		t.Fatalf("failed to open test connection: %v", err)
	}
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- store.EnsureSchema(ctx)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("EnsureSchema: unexpected error: %v", err)
		}
	}
}

func TestEnsureSchemaSurvivesReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "reopen.db")
	ctx := context.Background()

	first, err := datastore.NewProviderFactory(dbPath)
	if err != nil {
		t.Fatalf("NewProviderFactory: %v", err)
	}
	want := model.Restriction{UserID: 7, Reason: "spam", ModeratorID: 1, ExpiresAt: secondAligned(time.Hour)}
	if err := first.NonTx().UpsertRestriction(ctx, want); err != nil {
		t.Fatalf("UpsertRestriction: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	second, err := datastore.NewProviderFactory(dbPath)
	if err != nil {
		t.Fatalf("NewProviderFactory (reopen): %v", err)
	}
	t.Cleanup(func() { _ = second.Close() })

	got, err := second.NonTx().GetRestriction(ctx, 7)
	if err != nil {
		t.Fatalf("GetRestriction: %v", err)
	}
	if diff := cmp.Diff(&want, got, ignoreCreatedAt); diff != "" {
		t.Errorf("GetRestriction after reopen mismatch (-want +got):\n%s", diff)
	}
}

func TestUpsertGetRoundTrip(t *testing.T) {
	t.Parallel()

	type tcase struct {
		restriction model.Restriction
	}

	tests := map[string]tcase{
		"temporary": {
			restriction: model.Restriction{UserID: 1, Reason: "spam", ModeratorID: 2, ExpiresAt: secondAligned(time.Hour)},
		},
		"lifetime": {
			restriction: model.Restriction{UserID: 1, Reason: "raid", ModeratorID: 2},
		},
		"empty_reason": {
			restriction: model.Restriction{UserID: 1, Reason: "", ModeratorID: 2, ExpiresAt: secondAligned(time.Minute)},
		},
		"already_expired": {
			restriction: model.Restriction{UserID: 1, Reason: "old", ModeratorID: 2, ExpiresAt: secondAligned(-time.Hour)},
		},
		"snowflake_ids": {
			restriction: model.Restriction{UserID: 852888051432685608, Reason: "x", ModeratorID: 852888051432685609},
		},
		"injection_reason": {
			restriction: model.Restriction{UserID: 3, Reason: "'); DROP TABLE blacklist; --", ModeratorID: 2},
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			store, err := NewTestSqlConn(t)
			if err != nil {
				t.Fatalf("failed to open test connection: %v", err)
			}
			ctx := context.Background()

			if err := store.NonTx().UpsertRestriction(ctx, tc.restriction); err != nil {
				t.Fatalf("UpsertRestriction: unexpected error: %v", err)
			}
			got, err := store.NonTx().GetRestriction(ctx, tc.restriction.UserID)
			if err != nil {
				t.Fatalf("GetRestriction: unexpected error: %v", err)
			}
			if diff := cmp.Diff(&tc.restriction, got, ignoreCreatedAt); diff != "" {
				t.Errorf("GetRestriction mismatch (-want +got):\n%s", diff)
			}
			if got.CreatedAt.IsZero() {
				t.Errorf("GetRestriction: expected CreatedAt to be set")
			}
		})
	}
}

func TestUpsertReplaces(t *testing.T) {
	store, err := NewTestSqlConn(t)
	if err != nil {
		t.Fatalf("failed to open test connection: %v", err)
	}
	ctx := context.Background()

	first := model.Restriction{UserID: 5, Reason: "first", ModeratorID: 1, ExpiresAt: secondAligned(time.Hour)}
	second := model.Restriction{UserID: 5, Reason: "second", ModeratorID: 2}

	for _, r := range []model.Restriction{first, second} {
		if err := store.NonTx().UpsertRestriction(ctx, r); err != nil {
			t.Fatalf("UpsertRestriction: unexpected error: %v", err)
		}
	}

	list, err := store.NonTx().ListRestrictions(ctx)
	if err != nil {
		t.Fatalf("ListRestrictions: unexpected error: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("ListRestrictions: want 1 row got %d", len(list))
	}
	if diff := cmp.Diff(second, list[0].Restriction, ignoreCreatedAt); diff != "" {
		t.Errorf("ListRestrictions mismatch (-want +got):\n%s", diff)
	}
}

func TestGetRestrictionMissing(t *testing.T) {
	store, err := NewTestSqlConn(t)
	if err != nil {
		t.Fatalf("failed to open test connection: %v", err)
	}

	got, err := store.NonTx().GetRestriction(context.Background(), 404)
	if err != nil {
		t.Fatalf("GetRestriction: unexpected error: %v", err)
	}
	if got != nil {
		t.Fatalf("GetRestriction: expected nil, got %+v", got)
	}
}

func TestDeleteRestriction(t *testing.T) {
	t.Parallel()

	type tcase struct {
		seed       bool
		wantExists bool
	}

	tests := map[string]tcase{
		"existing": {seed: true, wantExists: true},
		"missing":  {seed: false, wantExists: false},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			store, err := NewTestSqlConn(t)
			if err != nil {
				t.Fatalf("failed to open test connection: %v", err)
			}
			ctx := context.Background()

			if tc.seed {
				if err := store.NonTx().UpsertRestriction(ctx, model.Restriction{UserID: 9, Reason: "r", ModeratorID: 1}); err != nil {
					t.Fatalf("UpsertRestriction: unexpected error: %v", err)
				}
			}

			existed, err := store.NonTx().DeleteRestriction(ctx, 9)
			if err != nil {
				t.Fatalf("DeleteRestriction: unexpected error: %v", err)
			}
			if existed != tc.wantExists {
				t.Fatalf("DeleteRestriction: existed mismatch want=%t got=%t", tc.wantExists, existed)
			}

			got, err := store.NonTx().GetRestriction(ctx, 9)
			if err != nil {
				t.Fatalf("GetRestriction: unexpected error: %v", err)
			}
			if got != nil {
				t.Fatalf("GetRestriction: expected row to be gone, got %+v", got)
			}
		})
	}
}

func TestDeleteExpiredRestriction(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)

	type tcase struct {
		raw         *string // stored expires_at, inserted verbatim
		wantRemoved bool
	}
	str := func(s string) *string { return &s }

	tests := map[string]tcase{
		"past":           {raw: str("2026-03-14 15:09:25"), wantRemoved: true},
		"exactly now":    {raw: str("2026-03-14 15:09:26"), wantRemoved: true},
		"future":         {raw: str("2026-03-14 15:09:27"), wantRemoved: false},
		"never":          {raw: nil, wantRemoved: false},
		"legacy never":   {raw: str("Lifetime"), wantRemoved: false},
		"legacy rfc3339": {raw: str("2026-03-14T10:00:00Z"), wantRemoved: true},
		"malformed":      {raw: str("next tuesday"), wantRemoved: false},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			store, err := NewTestSqlConn(t)
			if err != nil {
				t.Fatalf("failed to open test connection: %v", err)
			}
			ctx := context.Background()

			if _, err := store.DB.ExecContext(ctx,
				"INSERT INTO blacklist (user_id, reason, moderator_id, expires_at) VALUES (5, 'r', 1, ?)", tc.raw); err != nil {
				t.Fatalf("seed row: %v", err)
			}

			removed, err := store.NonTx().DeleteExpiredRestriction(ctx, 5, now)
			if err != nil {
				t.Fatalf("DeleteExpiredRestriction: unexpected error: %v", err)
			}
			if removed != tc.wantRemoved {
				t.Fatalf("DeleteExpiredRestriction: removed mismatch want=%t got=%t", tc.wantRemoved, removed)
			}

			n, err := store.NonTx().CountRestrictions(ctx)
			if err != nil {
				t.Fatalf("CountRestrictions: unexpected error: %v", err)
			}
			wantCount := 1
			if tc.wantRemoved {
				wantCount = 0
			}
			if n != wantCount {
				t.Fatalf("CountRestrictions: want %d got %d", wantCount, n)
			}
		})
	}
}

func TestMalformedExpiry(t *testing.T) {
	store, err := NewTestSqlConn(t)
	if err != nil {
		t.Fatalf("failed to open test connection: %v", err)
	}
	ctx := context.Background()

	if err := store.NonTx().UpsertRestriction(ctx, model.Restriction{UserID: 1, Reason: "ok", ModeratorID: 3}); err != nil {
		t.Fatalf("UpsertRestriction: %v", err)
	}
	if _, err := store.DB.ExecContext(ctx,
		"INSERT INTO blacklist (user_id, reason, moderator_id, expires_at) VALUES (2, 'bad', 3, 'next tuesday')"); err != nil {
		t.Fatalf("insert malformed row: %v", err)
	}

	_, err = store.NonTx().GetRestriction(ctx, 2)
	if !errors.Is(err, model.ErrMalformedTimestamp) {
		t.Fatalf("GetRestriction: want ErrMalformedTimestamp, got %v", err)
	}

	list, err := store.NonTx().ListRestrictions(ctx)
	if err != nil {
		t.Fatalf("ListRestrictions: unexpected error: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("ListRestrictions: want 2 rows got %d", len(list))
	}
	if list[0].Err != nil {
		t.Errorf("ListRestrictions: row 1 unexpected error: %v", list[0].Err)
	}
	if !errors.Is(list[1].Err, model.ErrMalformedTimestamp) {
		t.Errorf("ListRestrictions: row 2 want ErrMalformedTimestamp, got %v", list[1].Err)
	}
	if list[1].UserID != 2 || list[1].Reason != "bad" {
		t.Errorf("ListRestrictions: row 2 should keep readable fields, got %+v", list[1].Restriction)
	}
}

func TestLegacyDatabase(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "blacklist.db")
	ctx := context.Background()

	legacy, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("open legacy db: %v", err)
	}
	stmts := []string{
		`CREATE TABLE blacklist (
			user_id INTEGER PRIMARY KEY,
			reason TEXT,
			moderator_id INTEGER,
			expires_at TEXT
		)`,
		`INSERT INTO blacklist VALUES (10, 'forever', 1, 'Lifetime')`,
		`INSERT INTO blacklist VALUES (11, 'week', 1, '2030-01-02 03:04:05')`,
	}
	for _, stmt := range stmts {
		if _, err := legacy.ExecContext(ctx, stmt); err != nil {
			t.Fatalf("seed legacy db: %v", err)
		}
	}
	_ = legacy.Close()

	store, err := datastore.NewProviderFactory(dbPath)
	if err != nil {
		t.Fatalf("NewProviderFactory: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	forever, err := store.NonTx().GetRestriction(ctx, 10)
	if err != nil {
		t.Fatalf("GetRestriction(10): %v", err)
	}
	if forever == nil || !forever.Permanent() {
		t.Fatalf("GetRestriction(10): want permanent restriction, got %+v", forever)
	}

	week, err := store.NonTx().GetRestriction(ctx, 11)
	if err != nil {
		t.Fatalf("GetRestriction(11): %v", err)
	}
	want := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)
	if week == nil || !week.ExpiresAt.Equal(want) {
		t.Fatalf("GetRestriction(11): want expiry %v, got %+v", want, week)
	}

	// New writes work against the upgraded table.
	if err := store.NonTx().UpsertRestriction(ctx, model.Restriction{UserID: 10, Reason: "replaced", ModeratorID: 2}); err != nil {
		t.Fatalf("UpsertRestriction on legacy table: %v", err)
	}
}

func TestParseExpiry(t *testing.T) {
	str := func(s string) *string { return &s }

	tests := []struct {
		name    string
		input   *string
		want    time.Time
		wantErr error
	}{
		{"null", nil, time.Time{}, nil},
		{"legacy sentinel", str("Lifetime"), time.Time{}, nil},
		{"layout", str("2026-01-02 03:04:05"), time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), nil},
		{"rfc3339", str("2026-01-02T03:04:05Z"), time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), nil},
		{"garbage", str("soon"), time.Time{}, model.ErrMalformedTimestamp},
		{"empty", str(""), time.Time{}, model.ErrMalformedTimestamp},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := datastore.ParseExpiry(tt.input)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("ParseExpiry err = %v, want %v", err, tt.wantErr)
			}
			if !got.Equal(tt.want) {
				t.Errorf("ParseExpiry = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFormatExpiryRoundTrip(t *testing.T) {
	if got := datastore.FormatExpiry(time.Time{}); got != nil {
		t.Fatalf("FormatExpiry(zero) = %q, want nil", *got)
	}

	in := time.Date(2026, 7, 8, 9, 10, 11, 0, time.FixedZone("CEST", 2*3600))
	encoded := datastore.FormatExpiry(in)
	if encoded == nil || *encoded != "2026-07-08 07:10:11" {
		t.Fatalf("FormatExpiry = %v, want UTC encoding", encoded)
	}
	out, err := datastore.ParseExpiry(encoded)
	if err != nil {
		t.Fatalf("ParseExpiry: %v", err)
	}
	if !out.Equal(in) {
		t.Fatalf("round trip: want %v got %v", in, out)
	}
}

func TestTxRollback(t *testing.T) {
	store, err := NewTestSqlConn(t)
	if err != nil {
		t.Fatalf("failed to open test connection: %v", err)
	}
	ctx := context.Background()

	tx, err := store.Tx(ctx)
	if err != nil {
		t.Fatalf("Tx: %v", err)
	}
	if err := tx.UpsertRestriction(ctx, model.Restriction{UserID: 1, Reason: "r", ModeratorID: 2}); err != nil {
		t.Fatalf("UpsertRestriction in tx: %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	got, err := store.NonTx().GetRestriction(ctx, 1)
	if err != nil {
		t.Fatalf("GetRestriction: %v", err)
	}
	if got != nil {
		t.Fatalf("GetRestriction: rolled back row is visible: %+v", got)
	}
}
