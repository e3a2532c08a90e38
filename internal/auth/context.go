// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
)

type contextKey string

const (
	kioskUUIDKey    contextKey = "kiosk_uuid"
	serialNumberKey contextKey = "serial_number"
)

// SetKioskUUID sets the kiosk UUID in the context
func SetKioskUUID(ctx context.Context, kioskUUID string) context.Context {
	return context.WithValue(ctx, kioskUUIDKey, kioskUUID)
}

// GetKioskUUID retrieves the kiosk UUID from the context
func GetKioskUUID(ctx context.Context) (string, bool) {
	kioskUUID, ok := ctx.Value(kioskUUIDKey).(string)
	return kioskUUID, ok
}

// SetSerialNumber sets the device serial number in the context
func SetSerialNumber(ctx context.Context, serial string) context.Context {
	return context.WithValue(ctx, serialNumberKey, serial)
}

// GetSerialNumber retrieves the device serial number from the context
func GetSerialNumber(ctx context.Context) (string, bool) {
	serial, ok := ctx.Value(serialNumberKey).(string)
	return serial, ok
}

// SetKiosk sets both kiosk UUID and serial number in context
func SetKiosk(ctx context.Context, kioskUUID, serial string) context.Context {
	ctx = SetKioskUUID(ctx, kioskUUID)
	ctx = SetSerialNumber(ctx, serial)
	return ctx
}
