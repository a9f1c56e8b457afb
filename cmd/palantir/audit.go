package main

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"

	"github.com/eugener/palantir/internal/screen"
	"github.com/eugener/palantir/internal/storage"
)

// storageAudit converts a gateway audit entry into its persisted row.
func storageAudit(entry screen.AuditEntry) storage.GuardAudit {
	sum := sha256.Sum256([]byte(entry.Text))
	return storage.GuardAudit{
		ID:        uuid.NewString(),
		PaneID:    entry.PaneID,
		TextHash:  hex.EncodeToString(sum[:]),
		Pattern:   entry.Pattern,
		Blocked:   entry.Blocked,
		Override:  entry.Override,
		CreatedAt: time.Now().UTC(),
	}
}
