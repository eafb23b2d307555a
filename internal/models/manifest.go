// SPDX-FileCopyrightText: 2026 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package models

import (
	"time"

	"github.com/opencontainers/go-digest"
)

// Manifest contains a record from the `manifests` table.
//
// Manifests are immutable: a record is created at most once per distinct
// digest per repository and never updated afterwards (except for the GC
// bookkeeping in CanBeDeletedAt). The raw payload bytes live in the
// StorageDriver, addressed by repository name and digest; the blobs and
// child manifests it references are recorded in the `manifest_blob_refs` and
// `manifest_manifest_refs` tables.
type Manifest struct {
	RepositoryID   int64         `db:"repo_id"`
	Digest         digest.Digest `db:"digest"`
	MediaType      string        `db:"media_type"`
	SizeBytes      uint64        `db:"size_bytes"`
	PushedAt       time.Time     `db:"pushed_at"`
	CanBeDeletedAt *time.Time    `db:"can_be_deleted_at"` // see tasks.ManifestSweepJob
}
