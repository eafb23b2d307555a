// SPDX-FileCopyrightText: 2026 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"time"

	gorp "github.com/go-gorp/gorp/v3"
	"github.com/opencontainers/go-digest"
	"github.com/sapcc/go-bits/logg"
	uuid "github.com/satori/go.uuid"

	"github.com/sapcc/drydock/internal/drydock"
	"github.com/sapcc/drydock/internal/models"
)

// CreateUpload starts a new chunked upload session in the given repo. The
// storageMetadata is an opaque handle owned by the storage backend; this
// core only carries it along.
//
// Sessions are single-writer by contract: the owning push connection is the
// only caller that may append. Different sessions in the same repo do not
// interfere with each other.
func (p *Processor) CreateUpload(repo models.Repository, storageMetadata string) (*models.Upload, error) {
	upload := &models.Upload{
		RepositoryID:    repo.ID,
		UUID:            uuid.NewV4().String(),
		State:           models.UploadStateOpen,
		StorageID:       p.generateStorageID(),
		SizeBytes:       0,
		NumChunks:       0,
		DigestState:     "",
		StorageMetadata: storageMetadata,
		UpdatedAt:       p.timeNow(),
	}
	err := p.db.Insert(upload)
	if err != nil {
		return nil, err
	}
	return upload, nil
}

// FindUpload looks up an upload session by UUID within a repo. Returns nil
// if it does not exist.
func (p *Processor) FindUpload(repo models.Repository, uploadUUID string) (*models.Upload, error) {
	var upload models.Upload
	err := p.db.SelectOne(&upload,
		`SELECT * FROM uploads WHERE repo_id = $1 AND uuid = $2`,
		repo.ID, uploadUUID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &upload, nil
}

// UploadAppendment describes one append operation on an upload session. All
// counters and hash states are supplied by the caller: the push connection
// computes the streaming hash incrementally as it relays bytes, and this
// core stores (but never computes) the resulting state. An inconsistency
// between the supplied values and the bytes written is therefore a caller
// bug, and surfaces as ErrPrecondition, not as a storage error.
type UploadAppendment struct {
	Chunk []byte
	// NewSizeBytes is the total session size after this chunk, and must be
	// strictly greater than the current size.
	NewSizeBytes uint64
	// NewDigestState is the running-hash state over all bytes appended so
	// far, including this chunk.
	NewDigestState string
	// NewPieceHashes optionally replaces the accumulated piece-hash list
	// (for torrent support). nil keeps the existing list.
	NewPieceHashes []byte
}

// AppendToUpload appends a chunk to an open upload session. Byte and chunk
// counts are monotonic; appends to a session that is not open fail with
// ErrPrecondition.
func (p *Processor) AppendToUpload(ns models.Namespace, upload *models.Upload, appendment UploadAppendment) error {
	if upload.State != models.UploadStateOpen {
		return drydock.ErrPrecondition.With("cannot append to upload %s in state %q", upload.UUID, upload.State)
	}
	if appendment.NewSizeBytes <= upload.SizeBytes {
		return drydock.ErrPrecondition.With(
			"byte count must increase on append (upload %s has %d bytes, append gives %d)",
			upload.UUID, upload.SizeBytes, appendment.NewSizeBytes)
	}
	if uint64(len(appendment.Chunk)) != appendment.NewSizeBytes-upload.SizeBytes {
		return drydock.ErrPrecondition.With("chunk size inconsistent with byte count on upload %s", upload.UUID)
	}

	chunkNumber := upload.NumChunks + 1
	chunkLength := uint64(len(appendment.Chunk))
	err := p.sd.AppendToBlob(ns, upload.StorageID, chunkNumber, &chunkLength, bytes.NewReader(appendment.Chunk))
	if err != nil {
		return drydock.ErrDependency.Wrap(err)
	}

	upload.SizeBytes = appendment.NewSizeBytes
	upload.NumChunks = chunkNumber
	upload.DigestState = appendment.NewDigestState
	if appendment.NewPieceHashes != nil {
		upload.PieceHashes = appendment.NewPieceHashes
	}
	upload.UpdatedAt = p.timeNow()
	_, err = p.db.Update(upload)
	return err
}

// CommitUpload finalizes an open upload session into a Blob carrying the
// given digest and expiration, and moves the session to its committed state.
//
// The final digest must match the one reachable from the stored hash state;
// a mismatch means the caller's streaming hash diverged from what it told us
// earlier, and fails with ErrPrecondition before anything is materialized.
//
// If ctx is canceled before the transaction commits, the session remains
// exactly in its pre-commit open state: no blob row, no mount, no state
// transition.
func (p *Processor) CommitUpload(ctx context.Context, ns models.Namespace, repo models.Repository, upload *models.Upload, finalDigest digest.Digest, blobExpiresAt *time.Time) (*models.Blob, error) {
	if upload.State != models.UploadStateOpen {
		return nil, drydock.ErrPrecondition.With("cannot commit upload %s in state %q", upload.UUID, upload.State)
	}
	if err := finalDigest.Validate(); err != nil {
		return nil, drydock.ErrValidation.With("malformed digest: %s", err.Error())
	}
	if upload.DigestState != finalDigest.String() {
		return nil, drydock.ErrPrecondition.With(
			"digest %s does not match the hash state recorded for upload %s",
			finalDigest, upload.UUID)
	}

	err := p.sd.FinalizeBlob(ns, upload.StorageID, upload.NumChunks)
	if err != nil {
		return nil, drydock.ErrDependency.Wrap(err)
	}

	var blob *models.Blob
	err = p.insideTransaction(func(tx *gorp.Transaction) error {
		if err := ctx.Err(); err != nil {
			return err
		}

		now := p.timeNow()
		// a plain INSERT would abort the whole transaction on a unique
		// violation, so duplicate content goes through ON CONFLICT DO NOTHING
		// and a re-select (same pattern as FindOrCreateDerivedImage)
		_, err := tx.Exec(
			`INSERT INTO blobs (namespace_name, digest, size_bytes, storage_id, pushed_at, expires_at, piece_hashes)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (namespace_name, digest) DO NOTHING`,
			ns.Name, finalDigest, upload.SizeBytes, upload.StorageID, now, blobExpiresAt, upload.PieceHashes,
		)
		if err != nil {
			return err
		}
		blob = &models.Blob{}
		err = tx.SelectOne(blob,
			`SELECT * FROM blobs WHERE namespace_name = $1 AND digest = $2`,
			ns.Name, finalDigest,
		)
		if err != nil {
			return err
		}
		if blob.StorageID != upload.StorageID {
			// the same content was already committed in this namespace; keep the
			// existing blob and discard this session's duplicate bytes
			err = enqueueOrphanedStorage(tx, models.OrphanedStorage{
				NamespaceName:       ns.Name,
				StorageID:           upload.StorageID,
				MarkedForDeletionAt: now,
			})
			if err != nil {
				return err
			}
		}

		_, err = tx.Exec(
			`INSERT INTO blob_mounts (blob_id, repo_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			blob.ID, repo.ID,
		)
		if err != nil {
			return err
		}

		upload.State = models.UploadStateCommitted
		upload.UpdatedAt = now
		_, err = tx.Update(upload)
		return err
	})
	if err != nil {
		// leave the session open for a later retry
		upload.State = models.UploadStateOpen
		return nil, err
	}
	return blob, nil
}

// AbortUpload terminates an open upload session and hands its partial bytes
// over for reclamation. Aborting a session that already reached a terminal
// state fails with ErrPrecondition.
func (p *Processor) AbortUpload(ns models.Namespace, upload *models.Upload) error {
	if upload.State != models.UploadStateOpen {
		return drydock.ErrPrecondition.With("cannot abort upload %s in state %q", upload.UUID, upload.State)
	}

	now := p.timeNow()
	err := p.insideTransaction(func(tx *gorp.Transaction) error {
		upload.State = models.UploadStateAborted
		upload.UpdatedAt = now
		_, err := tx.Update(upload)
		if err != nil {
			return err
		}
		if upload.NumChunks == 0 {
			return nil //no bytes were ever written
		}
		return enqueueOrphanedStorage(tx, models.OrphanedStorage{
			NamespaceName:       ns.Name,
			StorageID:           upload.StorageID,
			NumChunks:           upload.NumChunks,
			MarkedForDeletionAt: now,
		})
	})
	if err != nil {
		upload.State = models.UploadStateOpen
		return err
	}

	// also try to dispose of the partial upload right away; if this fails, the
	// storage sweep will retry via the orphaned_storage entry
	if upload.NumChunks > 0 {
		err := p.sd.AbortBlobUpload(ns, upload.StorageID, upload.NumChunks)
		if err != nil {
			logg.Error("cannot abort upload %s in storage (will retry in storage sweep): %s",
				upload.UUID, err.Error())
		}
	}
	return nil
}

// MountBlob creates a reference to an already-committed blob under another
// repository, without another upload of the same bytes. If expiresAt is
// given and lies beyond the blob's current expiration, the expiration is
// extended so the new reference enjoys the same grace window a fresh commit
// would get. No authorization check happens here; that is the caller's job.
func (p *Processor) MountBlob(blob *models.Blob, targetRepo models.Repository, expiresAt *time.Time) error {
	return p.insideTransaction(func(tx *gorp.Transaction) error {
		_, err := tx.Exec(
			`INSERT INTO blob_mounts (blob_id, repo_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			blob.ID, targetRepo.ID,
		)
		if err != nil {
			return err
		}
		if expiresAt != nil && (blob.ExpiresAt == nil || blob.ExpiresAt.Before(*expiresAt)) {
			blob.ExpiresAt = expiresAt
			_, err = tx.Update(blob)
		}
		return err
	})
}
