// SPDX-FileCopyrightText: 2026 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package models

import "time"

// OrphanedStorage contains a record from the `orphaned_storage` table.
//
// Rows in this table point at storage locations whose database records are
// already gone. Foreground operations and the GC sweeps only ever enqueue
// rows here; the actual storage deletion happens asynchronously in
// tasks.StorageSweepJob, which retries failed deletions with a backoff.
type OrphanedStorage struct {
	NamespaceName string `db:"namespace_name"`
	// For blobs, StorageID is the backend storage ID of the blob contents.
	// For manifests, it has the form "<repo_name>@<digest>" instead.
	StorageID  string `db:"storage_id"`
	IsManifest bool   `db:"is_manifest"`
	// NumChunks is nonzero for storage left behind by an upload session that
	// was never finalized. Such storage must be disposed of with
	// AbortBlobUpload instead of DeleteBlob.
	NumChunks           uint32    `db:"num_chunks"`
	MarkedForDeletionAt time.Time `db:"marked_for_deletion_at"`
}
