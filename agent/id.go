// Copyright (C) 2025 BeamLens Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package agent

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
)

// NewNotificationID returns a new 16-hex-character notification id.
//
// Ids are random, not sequential: notifications from different nodes must
// not collide when fanned out cluster-wide.
func NewNotificationID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand never fails on supported platforms; fall back to a
		// UUID-derived id rather than panic in a monitoring path.
		return uuid.NewString()[:16]
	}
	return hex.EncodeToString(b[:])
}

// NewInsightID returns a new unique insight id.
func NewInsightID() string {
	return uuid.NewString()
}
