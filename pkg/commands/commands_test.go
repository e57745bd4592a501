package commands

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/NicolasHaas/gatekeep/pkg/blacklist"
	"github.com/NicolasHaas/gatekeep/pkg/model"
	pb "github.com/NicolasHaas/gatekeep/pkg/protocol/pb"
	"github.com/NicolasHaas/gatekeep/pkg/rbac"
	"github.com/NicolasHaas/gatekeep/pkg/store"
)

const (
	operatorID = int64(852888051432685608)
	userID     = int64(42)
	appealURL  = "https://example.com/appeal"
)

var testNow = time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)

func newTestHandler(t *testing.T) (*Handler, *store.MemoryStore) {
	t.Helper()
	now := func() time.Time { return testNow }
	st := store.NewMemoryWithClock(now)
	opts := blacklist.Options{Now: now}
	gate := blacklist.NewGate(st, opts)
	admin := blacklist.NewAdmin(st, blacklist.AdminConfig{Operators: rbac.NewOperators(operatorID)}, opts)
	return NewHandler(gate, admin, Config{AppealURL: appealURL}, opts), st
}

func TestGreet(t *testing.T) {
	h, st := newTestHandler(t)
	ctx := context.Background()

	got := h.Handle(ctx, &pb.CommandRequest{ID: 1, Name: Greet, InvokerID: userID})
	want := &pb.CommandResponse{ID: 1, Content: "Hello <@42>!"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("greet mismatch (-want +got):\n%s", diff)
	}

	if err := st.UpsertRestriction(ctx, model.Restriction{
		UserID: userID, Reason: "spam", ModeratorID: operatorID, ExpiresAt: testNow.Add(3 * time.Hour),
	}); err != nil {
		t.Fatalf("UpsertRestriction: unexpected error: %v", err)
	}

	got = h.Handle(ctx, &pb.CommandRequest{ID: 2, Name: Greet, InvokerID: userID})
	if got.Embed == nil || got.Embed.Title != "You are Banned!" {
		t.Fatalf("greet while banned: want banned embed, got %+v", got)
	}
	if got.ID != 2 || got.Content != "" {
		t.Fatalf("greet while banned: unexpected response %+v", got)
	}
	for _, part := range []string{"3 hours from now", "<@852888051432685608>", "```spam```"} {
		if !strings.Contains(got.Embed.Description, part) {
			t.Errorf("banned embed: description %q lacks %q", got.Embed.Description, part)
		}
	}
	if diff := cmp.Diff([]pb.Button{{Label: "Appeal", URL: appealURL}}, got.Buttons); diff != "" {
		t.Fatalf("appeal button mismatch (-want +got):\n%s", diff)
	}
}

func TestGreetLifetimeBan(t *testing.T) {
	h, st := newTestHandler(t)
	ctx := context.Background()
	if err := st.UpsertRestriction(ctx, model.Restriction{UserID: userID, Reason: "raid", ModeratorID: operatorID}); err != nil {
		t.Fatalf("UpsertRestriction: unexpected error: %v", err)
	}
	got := h.Handle(ctx, &pb.CommandRequest{Name: Greet, InvokerID: userID})
	if got.Embed == nil || !strings.Contains(got.Embed.Description, "**Expires At:** Never") {
		t.Fatalf("lifetime ban: want Never in embed, got %+v", got.Embed)
	}
}

func TestGreetStoreFailure(t *testing.T) {
	h, st := newTestHandler(t)
	st.FailAll(errors.New("offline"))
	got := h.Handle(context.Background(), &pb.CommandRequest{Name: Greet, InvokerID: userID})
	if !got.Ephemeral || got.Content != msgFailure {
		t.Fatalf("greet on store failure: want ephemeral failure, got %+v", got)
	}
}

func TestAddBlacklist(t *testing.T) {
	type tcase struct {
		req         pb.CommandRequest
		wantContent string // ephemeral text, empty when an embed is expected
		wantDesc    string
	}

	tests := map[string]tcase{
		"added": {
			req:      pb.CommandRequest{Name: AddBlacklist, InvokerID: operatorID, TargetID: userID, Duration: 1, DurationType: "Weeks", Reason: "spam"},
			wantDesc: "User: <@42>\nModerator: <@852888051432685608>\nExpires At: 1 week from now\n\nReason: ```spam```",
		},
		"lifetime": {
			req:      pb.CommandRequest{Name: AddBlacklist, InvokerID: operatorID, TargetID: userID, DurationType: "lifetime", Reason: "raid"},
			wantDesc: "User: <@42>\nModerator: <@852888051432685608>\nExpires At: Never\n\nReason: ```raid```",
		},
		"forbidden": {
			req:         pb.CommandRequest{Name: AddBlacklist, InvokerID: userID, TargetID: 7, Duration: 1, DurationType: "Days"},
			wantContent: msgForbidden,
		},
		"self": {
			req:         pb.CommandRequest{Name: AddBlacklist, InvokerID: operatorID, TargetID: operatorID, Duration: 1, DurationType: "Days"},
			wantContent: msgSelfAdd,
		},
		"no target": {
			req:         pb.CommandRequest{Name: AddBlacklist, InvokerID: operatorID, Duration: 1, DurationType: "Days"},
			wantContent: msgNoTarget,
		},
		"negative": {
			req:         pb.CommandRequest{Name: AddBlacklist, InvokerID: operatorID, TargetID: userID, Duration: -1, DurationType: "Days"},
			wantContent: "Duration must not be negative.",
		},
		"bad unit": {
			req:         pb.CommandRequest{Name: AddBlacklist, InvokerID: operatorID, TargetID: userID, Duration: 1, DurationType: "fortnights"},
			wantContent: `Unknown duration type "fortnights". Choose one of: Seconds, Minutes, Hours, Days, Weeks, Months, Years, Lifetime.`,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			h, st := newTestHandler(t)
			got := h.Handle(context.Background(), &tc.req)

			if tc.wantContent != "" {
				want := &pb.CommandResponse{Content: tc.wantContent, Ephemeral: true}
				if diff := cmp.Diff(want, got); diff != "" {
					t.Fatalf("response mismatch (-want +got):\n%s", diff)
				}
				if n, _ := st.CountRestrictions(context.Background()); n != 0 {
					t.Fatalf("rejected command stored %d rows", n)
				}
				return
			}

			want := &pb.CommandResponse{Embed: &pb.Embed{Title: "User Blacklisted", Description: tc.wantDesc, Color: colorAdded}}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Fatalf("response mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRemoveBlacklist(t *testing.T) {
	h, st := newTestHandler(t)
	ctx := context.Background()

	got := h.Handle(ctx, &pb.CommandRequest{Name: RemoveBlacklist, InvokerID: operatorID, TargetID: userID})
	if diff := cmp.Diff(&pb.CommandResponse{Content: "<@42> is not in the blacklist.", Ephemeral: true}, got); diff != "" {
		t.Fatalf("remove missing mismatch (-want +got):\n%s", diff)
	}

	if err := st.UpsertRestriction(ctx, model.Restriction{UserID: userID, Reason: "spam", ModeratorID: operatorID}); err != nil {
		t.Fatalf("UpsertRestriction: unexpected error: %v", err)
	}

	got = h.Handle(ctx, &pb.CommandRequest{Name: RemoveBlacklist, InvokerID: userID, TargetID: 7})
	if got.Content != msgForbidden {
		t.Fatalf("remove by non-operator: want forbidden, got %+v", got)
	}
	got = h.Handle(ctx, &pb.CommandRequest{Name: RemoveBlacklist, InvokerID: operatorID, TargetID: operatorID})
	if got.Content != msgSelfRemove {
		t.Fatalf("remove self: want self message, got %+v", got)
	}

	got = h.Handle(ctx, &pb.CommandRequest{Name: RemoveBlacklist, InvokerID: operatorID, TargetID: userID})
	want := &pb.CommandResponse{Embed: &pb.Embed{
		Title:       "User Removed from Blacklist",
		Description: "<@42> has been removed from the blacklist.",
		Color:       colorRemoved,
	}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("remove mismatch (-want +got):\n%s", diff)
	}
	if r, _ := st.GetRestriction(ctx, userID); r != nil {
		t.Fatalf("restriction still stored: %+v", r)
	}
}

func TestBlacklistInfo(t *testing.T) {
	h, st := newTestHandler(t)
	ctx := context.Background()

	seed := []model.Restriction{
		{UserID: userID, Reason: "spam", ModeratorID: operatorID, ExpiresAt: testNow.Add(2 * 24 * time.Hour)},
		{UserID: 7, Reason: "old", ModeratorID: operatorID, ExpiresAt: testNow.Add(-time.Minute)},
	}
	for _, r := range seed {
		if err := st.UpsertRestriction(ctx, r); err != nil {
			t.Fatalf("UpsertRestriction: unexpected error: %v", err)
		}
	}

	tests := map[string]struct {
		req  pb.CommandRequest
		want *pb.CommandResponse
	}{
		"defaults to invoker": {
			req: pb.CommandRequest{Name: BlacklistInfo, InvokerID: userID},
			want: &pb.CommandResponse{Embed: &pb.Embed{
				Title:        "User Blacklist Info",
				Description:  "User: <@42>\nModerator: <@852888051432685608>\nExpires At: 2 days from now\n\nReason: ```spam```",
				Color:        colorInfo,
				ThumbnailFor: userID,
			}},
		},
		"not blacklisted": {
			req:  pb.CommandRequest{Name: BlacklistInfo, InvokerID: userID, TargetID: 9},
			want: &pb.CommandResponse{Content: "<@9> is not in the blacklist.", Ephemeral: true},
		},
		"expired not pruned": {
			req:  pb.CommandRequest{Name: BlacklistInfo, InvokerID: userID, TargetID: 7},
			want: &pb.CommandResponse{Content: "<@7> is not in the blacklist.", Ephemeral: true},
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			got := h.Handle(ctx, &tc.req)
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Fatalf("response mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestUnknownCommand(t *testing.T) {
	h, _ := newTestHandler(t)
	got := h.Handle(context.Background(), &pb.CommandRequest{ID: 5, Name: "ban-everyone", InvokerID: operatorID})
	want := &pb.CommandResponse{ID: 5, Content: `Unknown command "ban-everyone".`, Ephemeral: true}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("response mismatch (-want +got):\n%s", diff)
	}
}

func TestRelativeExpiry(t *testing.T) {
	tests := map[string]struct {
		expires time.Time
		want    string
	}{
		"never":  {want: "Never"},
		"future": {expires: testNow.Add(3 * time.Hour), want: "3 hours from now"},
		"past":   {expires: testNow.Add(-2 * 24 * time.Hour), want: "2 days ago"},
		"now":    {expires: testNow, want: "now"},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			got := relativeExpiry(&model.Restriction{ExpiresAt: tc.expires}, testNow)
			if got != tc.want {
				t.Fatalf("relativeExpiry: want %q got %q", tc.want, got)
			}
		})
	}
}
