package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/NicolasHaas/gatekeep/pkg/crypto"
	"github.com/NicolasHaas/gatekeep/pkg/datastore"
	"github.com/NicolasHaas/gatekeep/pkg/model"
)

// LoadConfig reads a YAML config file on top of base. Keys missing from
// the file keep their value from base.
func LoadConfig(path string, base Config) (Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path from user-provided CLI flag
	if err != nil {
		return base, fmt.Errorf("read config: %w", err)
	}
	cfg := base
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return base, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Validate checks a config that is about to be served.
func Validate(cfg Config) error {
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		var validationErrs validator.ValidationErrors
		if errors.As(err, &validationErrs) {
			msgs := make([]string, 0, len(validationErrs))
			for _, fe := range validationErrs {
				msgs = append(msgs, describeFieldError(fe))
			}
			return fmt.Errorf("validate config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("validate config: %w", err)
	}
	if cfg.BridgeTokenHash != "" {
		if err := crypto.ValidateHash(cfg.BridgeTokenHash); err != nil {
			return fmt.Errorf("validate config: bridge_token_hash: %w", err)
		}
	}
	return nil
}

func describeFieldError(fe validator.FieldError) string {
	switch field := fe.Field(); {
	case strings.HasPrefix(field, "Operators"):
		return "operators must list at least one positive user ID"
	case field == "AppealURL":
		return fmt.Sprintf("appeal_url must be an absolute URL (got %q)", fe.Value())
	case field == "SweepInterval":
		return fmt.Sprintf("sweep_interval must be at least 1s (got %v)", fe.Value())
	default:
		return fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag())
	}
}

// ParseOperators parses a comma separated list of user IDs.
func ParseOperators(s string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid operator id %q", part)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// RestrictionYAML is one restriction in a YAML export.
type RestrictionYAML struct {
	UserID      int64  `yaml:"user_id"`
	Reason      string `yaml:"reason"`
	ModeratorID int64  `yaml:"moderator_id"`
	ExpiresAt   string `yaml:"expires_at,omitempty"` // RFC 3339; empty = never
}

// RestrictionsExport is the top-level YAML for restriction export/import.
type RestrictionsExport struct {
	Restrictions []RestrictionYAML `yaml:"restrictions"`
}

// ExportRestrictionsYAML exports every decodable restriction as YAML.
// Rows with a malformed expiry are logged and left out.
func ExportRestrictionsYAML(ctx context.Context, st datastore.RestrictionReadProvider) ([]byte, error) {
	rows, err := st.ListRestrictions(ctx)
	if err != nil {
		return nil, err
	}

	export := RestrictionsExport{Restrictions: []RestrictionYAML{}}
	for _, r := range rows {
		if r.Err != nil {
			slog.Warn("export: skipping restriction with malformed expiry", "user_id", r.UserID, "err", r.Err)
			continue
		}
		entry := RestrictionYAML{
			UserID:      r.UserID,
			Reason:      r.Reason,
			ModeratorID: r.ModeratorID,
		}
		if !r.Permanent() {
			entry.ExpiresAt = r.ExpiresAt.UTC().Format(time.RFC3339)
		}
		export.Restrictions = append(export.Restrictions, entry)
	}
	return yaml.Marshal(&export)
}

// LoadRestrictionsFromYAML reads an export file and imports it.
func LoadRestrictionsFromYAML(ctx context.Context, path string, pf datastore.DataProviderFactory) (int, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path from user-provided CLI flag
	if err != nil {
		return 0, fmt.Errorf("read restrictions: %w", err)
	}
	return ImportRestrictionsYAML(ctx, data, pf)
}

// ImportRestrictionsYAML upserts every restriction in data inside one
// transaction. Nothing is written if any entry is invalid.
func ImportRestrictionsYAML(ctx context.Context, data []byte, pf datastore.DataProviderFactory) (int, error) {
	var export RestrictionsExport
	if err := yaml.Unmarshal(data, &export); err != nil {
		return 0, fmt.Errorf("parse restrictions: %w", err)
	}

	records := make([]model.Restriction, 0, len(export.Restrictions))
	for i, entry := range export.Restrictions {
		if entry.UserID <= 0 {
			return 0, fmt.Errorf("restriction %d: user_id must be positive", i)
		}
		r := model.Restriction{
			UserID:      entry.UserID,
			Reason:      entry.Reason,
			ModeratorID: entry.ModeratorID,
		}
		if entry.ExpiresAt != "" {
			t, err := time.Parse(time.RFC3339, entry.ExpiresAt)
			if err != nil {
				return 0, fmt.Errorf("restriction %d: %w: %q", i, model.ErrMalformedTimestamp, entry.ExpiresAt)
			}
			r.ExpiresAt = t.UTC().Truncate(time.Second)
		}
		records = append(records, r)
	}

	tx, err := pf.Tx(ctx)
	if err != nil {
		return 0, fmt.Errorf("import restrictions: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, r := range records {
		if err := tx.UpsertRestriction(ctx, r); err != nil {
			return 0, fmt.Errorf("import restrictions: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("import restrictions: commit: %w", err)
	}

	slog.Info("imported restrictions from YAML", "count", len(records))
	return len(records), nil
}
