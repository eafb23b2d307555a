// SPDX-FileCopyrightText: 2026 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package models

import (
	"time"

	"github.com/opencontainers/go-digest"
)

// Tag contains a record from the `tags` table.
//
// Tags are append-only intervals: retargeting a name never updates the
// pointer of an existing record, it closes the current record's lifetime
// (LifetimeEnd = now) and inserts a new record (LifetimeStart = now). The
// record with LifetimeEnd == nil is the active one; a partial unique index
// on (repo_id, name) WHERE lifetime_end IS NULL guarantees that there is at
// most one of those per name at any instant.
//
// A tag points at either a manifest or a legacy image, never both.
//
// Hidden tags are not listed and cannot be resolved by name; they exist only
// to keep their target alive. They are the realization of temporary pins:
// a hidden tag with an ExpiresAt in the near future keeps a freshly pushed
// or checked-out manifest safe from GC across an operation boundary.
type Tag struct {
	ID             int64          `db:"id"`
	RepositoryID   int64          `db:"repo_id"`
	Name           string         `db:"name"`
	ManifestDigest *digest.Digest `db:"manifest_digest"`
	LegacyImageID  *int64         `db:"legacy_image_id"`
	LifetimeStart  time.Time      `db:"lifetime_start"`
	LifetimeEnd    *time.Time     `db:"lifetime_end"`
	IsReversion    bool           `db:"is_reversion"`
	IsHidden       bool           `db:"is_hidden"`
	ExpiresAt      *time.Time     `db:"expires_at"`
}

// IsActiveAt reports whether this tag is active at time t, i.e. its lifetime
// is open and it has not expired. An expired tag whose lifetime has not been
// closed yet is treated as inactive by all read paths; the tag reaper closes
// it later.
func (t Tag) IsActiveAt(now time.Time) bool {
	if t.LifetimeEnd != nil {
		return false
	}
	return t.ExpiresAt == nil || t.ExpiresAt.After(now)
}

// TagTarget is the tagged variant that a Tag (and therefore a retarget
// operation) can point at: exactly one of Manifest or LegacyImage is set.
type TagTarget struct {
	ManifestDigest *digest.Digest
	LegacyImageID  *int64
}

// TargetManifest constructs a TagTarget pointing at a manifest.
func TargetManifest(d digest.Digest) TagTarget {
	return TagTarget{ManifestDigest: &d}
}

// TargetLegacyImage constructs a TagTarget pointing at a legacy image.
func TargetLegacyImage(id int64) TagTarget {
	return TagTarget{LegacyImageID: &id}
}

// IsValid reports whether exactly one variant is set.
func (t TagTarget) IsValid() bool {
	return (t.ManifestDigest == nil) != (t.LegacyImageID == nil)
}
