// Package commands turns bridge command requests into platform-neutral
// responses, consulting the access gate and the administration API.
package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/NicolasHaas/gatekeep/pkg/blacklist"
	"github.com/NicolasHaas/gatekeep/pkg/logging"
	"github.com/NicolasHaas/gatekeep/pkg/metrics"
	"github.com/NicolasHaas/gatekeep/pkg/model"
	pb "github.com/NicolasHaas/gatekeep/pkg/protocol/pb"
)

// Command names as registered on the platform.
const (
	Greet           = "greet"
	AddBlacklist    = "add-blacklist"
	RemoveBlacklist = "remove-blacklist"
	BlacklistInfo   = "blacklist-info"
)

// User-facing messages.
const (
	msgForbidden      = "You don't have permission to use this command."
	msgSelfAdd        = "You can't blacklist yourself."
	msgSelfRemove     = "You can't remove yourself from the blacklist."
	msgNotBlacklisted = "%s is not in the blacklist."
	msgNoTarget       = "Please specify a user."
	msgFailure        = "Something went wrong while handling this command. Please try again later."
)

// Config holds presentation settings.
type Config struct {
	AppealURL string // target of the Appeal button; no button when empty
}

type handlerFunc func(ctx context.Context, req *pb.CommandRequest) *pb.CommandResponse

type command struct {
	run   handlerFunc
	gated bool // consult the gate before running
}

// Handler dispatches commands by name.
type Handler struct {
	gate      *blacklist.Gate
	admin     *blacklist.Admin
	appealURL string
	now       func() time.Time
	logger    *slog.Logger
	metrics   *metrics.Metrics

	commands map[string]command
}

// NewHandler wires the gate and admin API into the command table.
func NewHandler(gate *blacklist.Gate, admin *blacklist.Admin, cfg Config, opts blacklist.Options) *Handler {
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	h := &Handler{
		gate:      gate,
		admin:     admin,
		appealURL: cfg.AppealURL,
		now:       now,
		logger:    logging.OrDefault(opts.Logger, "commands"),
		metrics:   opts.Metrics,
	}
	h.commands = map[string]command{
		Greet:           {run: h.greet, gated: true},
		AddBlacklist:    {run: h.addBlacklist},
		RemoveBlacklist: {run: h.removeBlacklist},
		BlacklistInfo:   {run: h.blacklistInfo},
	}
	return h
}

// Names returns the supported command names.
func Names() []string {
	return []string{Greet, AddBlacklist, RemoveBlacklist, BlacklistInfo}
}

// Handle runs one command. It always produces a response; failures are
// rendered as ephemeral messages.
func (h *Handler) Handle(ctx context.Context, req *pb.CommandRequest) *pb.CommandResponse {
	cmd, ok := h.commands[req.Name]
	if !ok {
		return ephemeral(req, fmt.Sprintf("Unknown command %q.", req.Name))
	}
	h.metrics.IncCommand(req.Name)

	if cmd.gated {
		if resp := h.checkGate(ctx, req); resp != nil {
			return resp
		}
	}

	resp := cmd.run(ctx, req)
	resp.ID = req.ID
	return resp
}

// checkGate returns the banned notice if the invoker is restricted, or nil
// to let the command run.
func (h *Handler) checkGate(ctx context.Context, req *pb.CommandRequest) *pb.CommandResponse {
	now := h.now()
	d, err := h.gate.Check(ctx, req.InvokerID, now)
	if err != nil {
		return h.failure(req, "gate check", err)
	}
	if d.Allowed() {
		return nil
	}
	resp := &pb.CommandResponse{
		ID:    req.ID,
		Embed: bannedEmbed(d.Restriction, now),
	}
	if h.appealURL != "" {
		resp.Buttons = []pb.Button{{Label: "Appeal", URL: h.appealURL}}
	}
	return resp
}

func (h *Handler) greet(_ context.Context, req *pb.CommandRequest) *pb.CommandResponse {
	return &pb.CommandResponse{Content: fmt.Sprintf("Hello %s!", mention(req.InvokerID))}
}

func (h *Handler) addBlacklist(ctx context.Context, req *pb.CommandRequest) *pb.CommandResponse {
	if req.TargetID == 0 {
		return ephemeral(req, msgNoTarget)
	}
	unit, err := model.ParseDurationUnit(req.DurationType)
	if err != nil {
		return ephemeral(req, fmt.Sprintf("Unknown duration type %q. Choose one of: %s.",
			req.DurationType, strings.Join(model.DurationUnits(), ", ")))
	}

	r, err := h.admin.Add(ctx, req.InvokerID, req.TargetID, req.Duration, unit, req.Reason)
	switch {
	case errors.Is(err, blacklist.ErrForbidden):
		return ephemeral(req, msgForbidden)
	case errors.Is(err, blacklist.ErrInvalidTarget):
		return ephemeral(req, msgSelfAdd)
	case errors.Is(err, model.ErrNegativeMagnitude):
		return ephemeral(req, "Duration must not be negative.")
	case errors.Is(err, model.ErrDurationTooLarge):
		return ephemeral(req, "That duration is too long. Use Lifetime instead.")
	case err != nil:
		return h.failure(req, "add restriction", err)
	}
	return &pb.CommandResponse{Embed: addedEmbed(r, h.now())}
}

func (h *Handler) removeBlacklist(ctx context.Context, req *pb.CommandRequest) *pb.CommandResponse {
	if req.TargetID == 0 {
		return ephemeral(req, msgNoTarget)
	}
	removed, err := h.admin.Remove(ctx, req.InvokerID, req.TargetID)
	switch {
	case errors.Is(err, blacklist.ErrForbidden):
		return ephemeral(req, msgForbidden)
	case errors.Is(err, blacklist.ErrInvalidTarget):
		return ephemeral(req, msgSelfRemove)
	case err != nil:
		return h.failure(req, "remove restriction", err)
	}
	if !removed {
		return ephemeral(req, fmt.Sprintf(msgNotBlacklisted, mention(req.TargetID)))
	}
	return &pb.CommandResponse{Embed: removedEmbed(req.TargetID)}
}

// blacklistInfo shows the restriction of the target, or of the invoker
// when no target was given. Lapsed rows the reconciler has not pruned yet
// are reported as not blacklisted, matching the gate.
func (h *Handler) blacklistInfo(ctx context.Context, req *pb.CommandRequest) *pb.CommandResponse {
	target := req.TargetID
	if target == 0 {
		target = req.InvokerID
	}
	r, err := h.admin.Inspect(ctx, target)
	if err != nil {
		return h.failure(req, "inspect restriction", err)
	}
	now := h.now()
	if r == nil || r.ExpiredAt(now) {
		return ephemeral(req, fmt.Sprintf(msgNotBlacklisted, mention(target)))
	}
	return &pb.CommandResponse{Embed: infoEmbed(r, now)}
}

func (h *Handler) failure(req *pb.CommandRequest, op string, err error) *pb.CommandResponse {
	h.logger.Error("command failed", "command", req.Name, "op", op, "user_id", req.InvokerID, "err", err)
	return ephemeral(req, msgFailure)
}

func ephemeral(req *pb.CommandRequest, text string) *pb.CommandResponse {
	return &pb.CommandResponse{ID: req.ID, Content: text, Ephemeral: true}
}
