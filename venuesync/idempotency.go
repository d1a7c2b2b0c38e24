// Copyright 2026 VenueKit Authors
// SPDX-License-Identifier: Apache-2.0

package venuesync

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// ComputeIdempotencyKey derives the stable key the remote uses to deduplicate
// retried uploads. It is a function of the entity, the operation kind and the
// snapshot version, so a retry of the same pending operation reuses the same
// key while a coalesced newer edit gets a fresh one.
func ComputeIdempotencyKey(entityLocalID string, kind OpKind, snapshotVersion int64) string {
	sum := sha256.Sum256(fmt.Appendf(nil, "%s|%s|%d", entityLocalID, kind, snapshotVersion))
	return hex.EncodeToString(sum[:])
}
