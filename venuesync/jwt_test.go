// Copyright 2026 VenueKit Authors
// SPDX-License-Identifier: Apache-2.0

package venuesync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/venuekit/go-venuesync/internal/auth"
)

func TestTokenRoundTrip(t *testing.T) {
	source := NewTokenSource("test-secret")

	token, err := source.Issue("cur-1", "device-1", time.Hour)
	require.NoError(t, err)

	claims, err := source.Validate(token)
	require.NoError(t, err)
	require.Equal(t, "cur-1", claims.Subject)
	require.Equal(t, "device-1", claims.DeviceID)
}

func TestTokenValidationFailures(t *testing.T) {
	source := NewTokenSource("test-secret")

	token, err := source.Issue("cur-1", "device-1", time.Hour)
	require.NoError(t, err)

	// Wrong secret.
	_, err = NewTokenSource("other-secret").Validate(token)
	require.Error(t, err)

	// Expired.
	expired, err := source.Issue("cur-1", "device-1", -time.Minute)
	require.NoError(t, err)
	_, err = source.Validate(expired)
	require.Error(t, err)

	// Missing device id.
	bare, err := source.Issue("cur-1", "", time.Hour)
	require.NoError(t, err)
	_, err = source.Validate(bare)
	require.Error(t, err)
}

func TestTokenFuncReadsIdentityFromContext(t *testing.T) {
	source := NewTokenSource("test-secret")
	tokenFn := source.TokenFunc(time.Minute)

	// A context without identity cannot mint a token.
	_, err := tokenFn(context.Background())
	require.Error(t, err)

	ctx := auth.SetAuthContext(context.Background(), "cur-7", "device-3")
	token, err := tokenFn(ctx)
	require.NoError(t, err)

	claims, err := source.Validate(token)
	require.NoError(t, err)
	require.Equal(t, "cur-7", claims.Subject)
	require.Equal(t, "device-3", claims.DeviceID)
}
