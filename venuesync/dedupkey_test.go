// Copyright 2026 VenueKit Authors
// SPDX-License-Identifier: Apache-2.0

package venuesync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestComputeDedupKeyCanonicalization(t *testing.T) {
	base := ComputeDedupKey("Le Petit Bistro", "Lyon", "cur-1")

	// Case, surrounding space and internal whitespace runs do not matter.
	require.Equal(t, base, ComputeDedupKey("le petit bistro", "lyon", "cur-1"))
	require.Equal(t, base, ComputeDedupKey("  LE  PETIT\tBISTRO ", " Lyon ", "cur-1"))

	// Compatibility forms of the same text normalize together.
	require.Equal(t,
		ComputeDedupKey("Café", "Paris", "cur-1"),
		ComputeDedupKey("Café", "Paris", "cur-1"))

	// Different curator, name or locality each produce a different key.
	require.NotEqual(t, base, ComputeDedupKey("Le Petit Bistro", "Lyon", "cur-2"))
	require.NotEqual(t, base, ComputeDedupKey("Le Petit Bistro", "Paris", "cur-1"))
	require.NotEqual(t, base, ComputeDedupKey("Le Grand Bistro", "Lyon", "cur-1"))

	// Field boundaries are not forgeable by embedding separators in values.
	require.NotEqual(t,
		ComputeDedupKey("a", "b c", "cur-1"),
		ComputeDedupKey("a b", "c", "cur-1"))
}

func TestComputeIdempotencyKey(t *testing.T) {
	key := ComputeIdempotencyKey("loc-1", OpCreate, 1)
	require.Len(t, key, 64) // hex sha256

	// Stable for the same inputs, distinct across entity, kind and version.
	require.Equal(t, key, ComputeIdempotencyKey("loc-1", OpCreate, 1))
	require.NotEqual(t, key, ComputeIdempotencyKey("loc-2", OpCreate, 1))
	require.NotEqual(t, key, ComputeIdempotencyKey("loc-1", OpUpdate, 1))
	require.NotEqual(t, key, ComputeIdempotencyKey("loc-1", OpCreate, 2))
}

func TestBackoffDelay(t *testing.T) {
	min, max := 1*time.Second, 60*time.Second
	require.Equal(t, 1*time.Second, backoffDelay(0, min, max))
	require.Equal(t, 2*time.Second, backoffDelay(1, min, max))
	require.Equal(t, 4*time.Second, backoffDelay(2, min, max))
	require.Equal(t, 32*time.Second, backoffDelay(5, min, max))
	require.Equal(t, max, backoffDelay(6, min, max))
	require.Equal(t, max, backoffDelay(50, min, max))
}
