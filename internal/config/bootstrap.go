package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"

	"github.com/eugener/palantir/internal/storage"
)

// Bootstrap seeds config-declared guard rules into the store on startup.
// Rule IDs derive from the pattern content, so re-running is idempotent
// and runtime edits to other rules are untouched.
func Bootstrap(ctx context.Context, cfg *Config, store storage.GuardStore) error {
	existing, err := store.ListGuardRules(ctx)
	if err != nil {
		return err
	}
	known := map[string]bool{}
	for _, rule := range existing {
		known[rule.ID] = true
	}

	for _, pattern := range cfg.Guard.Patterns {
		id := "seed-" + patternID(pattern)
		if known[id] {
			continue
		}
		if err := store.UpsertGuardRule(ctx, storage.GuardRule{
			ID:      id,
			Pattern: pattern,
			Enabled: true,
			Note:    "seeded from config",
		}); err != nil {
			return err
		}
		slog.Info("guard rule seeded", "id", id)
	}
	return nil
}

func patternID(pattern string) string {
	sum := sha256.Sum256([]byte(pattern))
	return hex.EncodeToString(sum[:6])
}
