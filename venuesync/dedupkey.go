// Copyright 2026 VenueKit Authors
// SPDX-License-Identifier: Apache-2.0

package venuesync

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// dedupKeySep keeps the composite parts unambiguous even when a name itself
// contains separator-looking characters.
const dedupKeySep = "\x1f"

// ComputeDedupKey derives the composite natural key used to detect two
// independently created records for the same real-world venue. Parts are
// NFKC-normalized, case-folded and whitespace-collapsed so that
// "Le  Petit Bistro" and "le petit bistro" collide as intended.
func ComputeDedupKey(name, locality, curatorID string) string {
	return canonicalizePart(name) + dedupKeySep +
		canonicalizePart(locality) + dedupKeySep +
		canonicalizePart(curatorID)
}

func canonicalizePart(s string) string {
	s = norm.NFKC.String(s)
	// cases.Caser is stateful, so a fresh one per call rather than a package var.
	s = cases.Fold().String(s)
	return strings.Join(strings.Fields(s), " ")
}
