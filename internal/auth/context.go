// Copyright 2026 VenueKit Authors
// SPDX-License-Identifier: Apache-2.0

// Package auth carries curator identity through request contexts.
package auth

import (
	"context"
)

type contextKey string

const (
	curatorIDKey contextKey = "curator_id"
	deviceIDKey  contextKey = "device_id"
)

// SetCuratorID sets the curator ID in the context.
func SetCuratorID(ctx context.Context, curatorID string) context.Context {
	return context.WithValue(ctx, curatorIDKey, curatorID)
}

// GetCuratorID retrieves the curator ID from the context.
func GetCuratorID(ctx context.Context) (string, bool) {
	curatorID, ok := ctx.Value(curatorIDKey).(string)
	return curatorID, ok
}

// SetDeviceID sets the device ID in the context.
func SetDeviceID(ctx context.Context, deviceID string) context.Context {
	return context.WithValue(ctx, deviceIDKey, deviceID)
}

// GetDeviceID retrieves the device ID from the context.
func GetDeviceID(ctx context.Context) (string, bool) {
	deviceID, ok := ctx.Value(deviceIDKey).(string)
	return deviceID, ok
}

// SetAuthContext sets both curator and device ID in context.
func SetAuthContext(ctx context.Context, curatorID, deviceID string) context.Context {
	ctx = SetCuratorID(ctx, curatorID)
	return SetDeviceID(ctx, deviceID)
}
