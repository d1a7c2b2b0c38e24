// Copyright 2026 VenueKit Authors
// SPDX-License-Identifier: Apache-2.0

package venuesync

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/venuekit/go-venuesync/internal/auth"
)

// TokenSource issues and validates the HS256 bearer tokens the remote venue
// API expects. The curator id travels in the standard 'sub' claim and the
// device id in 'did', so the server can attribute changes per device.
type TokenSource struct {
	secret []byte
}

// NewTokenSource creates a token source from a shared HMAC secret.
func NewTokenSource(secret string) *TokenSource {
	return &TokenSource{secret: []byte(secret)}
}

// Claims carries curator/device identity for sync requests.
type Claims struct {
	DeviceID string `json:"did"`
	jwt.RegisteredClaims
}

// Issue generates a signed token for the given curator and device.
func (t *TokenSource) Issue(curatorID, deviceID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		DeviceID: deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    "go-venuesync",
			Subject:   curatorID,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(t.secret)
}

// Validate parses and verifies a token, returning its claims.
func (t *TokenSource) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return t.secret, nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("missing sub (curator ID) in token")
	}
	if claims.DeviceID == "" {
		return nil, fmt.Errorf("missing did (device ID) in token")
	}
	return claims, nil
}

// TokenFunc adapts the source into the Token callback the remote client uses,
// issuing a short-lived token per call. Curator and device identity are read
// from the request context (see internal/auth), so one client serves whichever
// identity the calling context carries.
func (t *TokenSource) TokenFunc(ttl time.Duration) func(context.Context) (string, error) {
	return func(ctx context.Context) (string, error) {
		curatorID, ok := auth.GetCuratorID(ctx)
		if !ok {
			return "", fmt.Errorf("no curator id in request context")
		}
		deviceID, ok := auth.GetDeviceID(ctx)
		if !ok {
			return "", fmt.Errorf("no device id in request context")
		}
		return t.Issue(curatorID, deviceID, ttl)
	}
}
