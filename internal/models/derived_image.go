// SPDX-FileCopyrightText: 2026 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/opencontainers/go-digest"
)

// DerivedImage contains a record from the `derived_images` table.
//
// Derived images are artifacts computed from a source manifest by applying a
// verb (e.g. "squash", "aci"). They are keyed by (source manifest, verb,
// canonical hash of the varying metadata) and created lazily, at most once
// per key. Signatures from external signers are attached in the
// `derived_image_signatures` table.
type DerivedImage struct {
	ID           int64         `db:"id"`
	RepositoryID int64         `db:"repo_id"`
	SourceDigest digest.Digest `db:"source_digest"`
	Verb         string        `db:"verb"`
	MetadataHash string        `db:"metadata_hash"`
	StorageID    string        `db:"storage_id"`
	SizeBytes    *uint64       `db:"size_bytes"`
}

// HashDerivedImageMetadata computes the canonical hash over the varying
// metadata of a derived-image computation. The serialization sorts keys, so
// semantically equal metadata maps always land on the same cache row. A nil
// or empty map hashes to the fixed empty-metadata value.
func HashDerivedImageMetadata(metadata map[string]string) string {
	keys := make([]string, 0, len(metadata))
	for key := range metadata {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	canonical := make([][2]string, len(keys))
	for idx, key := range keys {
		canonical[idx] = [2]string{key, metadata[key]}
	}
	buf, _ := json.Marshal(canonical) //cannot fail for map[string]string input
	hashBytes := sha256.Sum256(buf)
	return hex.EncodeToString(hashBytes[:])
}
