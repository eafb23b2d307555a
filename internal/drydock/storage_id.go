// SPDX-FileCopyrightText: 2026 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package drydock

import (
	"crypto/rand"
	"encoding/hex"
)

// GenerateStorageID generates a new random storage ID for use with
// StorageDriver.AppendToBlob(). Storage IDs are chosen at upload start,
// before the content digest is known, so they cannot be derived from the
// digest.
func GenerateStorageID() string {
	var buf [16]byte
	_, err := rand.Read(buf[:])
	if err != nil {
		// rand.Read only fails when the OS RNG is broken
		panic(err.Error())
	}
	return hex.EncodeToString(buf[:])
}
