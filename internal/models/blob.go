// SPDX-FileCopyrightText: 2026 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package models

import (
	"time"

	"github.com/opencontainers/go-digest"
)

// Blob contains a record from the `blobs` table.
//
// Blobs are bound to a namespace, not to a repository. This makes cross-repo
// blob mounts cheap to implement; the actual connection to repos is in the
// `blob_mounts` table.
//
// StorageID is used to construct the location of this blob in the
// StorageDriver. We cannot use the digest for this since the StorageID needs
// to be chosen at the start of the blob upload, when the digest is not known
// yet.
//
// ExpiresAt is the soft-reference mechanism that keeps a freshly committed
// blob alive until a manifest references it: a blob is live while ExpiresAt
// lies in the future, regardless of whether anything references it.
type Blob struct {
	ID             int64         `db:"id"`
	NamespaceName  string        `db:"namespace_name"`
	Digest         digest.Digest `db:"digest"`
	SizeBytes      uint64        `db:"size_bytes"`
	MediaType      string        `db:"media_type"`
	StorageID      string        `db:"storage_id"`
	PushedAt       time.Time     `db:"pushed_at"`
	ExpiresAt      *time.Time    `db:"expires_at"`
	PieceLength    *int32        `db:"piece_length"`
	PieceHashes    []byte        `db:"piece_hashes"`
	CanBeDeletedAt *time.Time    `db:"can_be_deleted_at"` // see tasks.BlobSweepJob
}

// SafeMediaType returns the MediaType field, but falls back to
// "application/octet-stream" if it is empty.
func (b Blob) SafeMediaType() string {
	if b.MediaType == "" {
		return "application/octet-stream"
	}
	return b.MediaType
}

// UploadState is the state machine position of an Upload.
type UploadState string

const (
	// UploadStateOpen accepts appends and can be committed or aborted.
	UploadStateOpen UploadState = "open"
	// UploadStateCommitted is terminal; a Blob was materialized.
	UploadStateCommitted UploadState = "committed"
	// UploadStateAborted is terminal; partial contents await reclamation.
	UploadStateAborted UploadState = "aborted"
)

// IsTerminal returns whether no further state transitions are allowed.
func (s UploadState) IsTerminal() bool {
	return s != UploadStateOpen
}

// Upload contains a record from the `uploads` table.
//
// DigestState contains the serialized running-hash state for everything that
// has been appended so far. It is supplied by the caller on each append (the
// push connection computes the streaming hash incrementally); this core
// stores it, it never computes it. PieceHashes optionally accumulates
// fixed-size piece digests for torrent support.
type Upload struct {
	RepositoryID    int64       `db:"repo_id"`
	UUID            string      `db:"uuid"`
	State           UploadState `db:"state"`
	StorageID       string      `db:"storage_id"`
	SizeBytes       uint64      `db:"size_bytes"`
	NumChunks       uint32      `db:"num_chunks"`
	DigestState     string      `db:"digest_state"`
	PieceHashes     []byte      `db:"piece_hashes"`
	StorageMetadata string      `db:"storage_metadata"`
	UpdatedAt       time.Time   `db:"updated_at"`
}
