// SPDX-FileCopyrightText: 2026 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"strings"
	"time"

	gorp "github.com/go-gorp/gorp/v3"
	"github.com/opencontainers/go-digest"
	"github.com/sapcc/go-bits/sqlext"
	uuid "github.com/satori/go.uuid"

	"github.com/sapcc/drydock/internal/models"
)

// This file is the reference-lifetime coordinator: the single authority on
// whether content is still live. Content is live while it is reachable from
// an active tag, from a non-expired pin (a hidden tag), or from an upload
// session that has not reached a terminal state. Nothing in this repo - in
// particular no sweep in package tasks - physically deletes content without
// asking these predicates first.
//
// Deliberately, there are no reference counters anywhere. Liveness is always
// recomputed from the tables, and reclamation runs as mark / wait out the
// grace period / recheck / delete, so a sweep racing against a retarget or
// pin can only ever err on the side of keeping content.

// PinManifest creates a temporary pin that keeps the given manifest (and
// everything reachable from it) live for the given TTL. The pin is realized
// as a hidden tag, so all liveness queries pick it up like a regular tag.
//
// A zero ttl selects the configured default; larger values are capped at the
// configured maximum. Callers that outlive their pin must renew it.
func (p *Processor) PinManifest(repo models.Repository, manifest models.Manifest, ttl time.Duration) (*models.Tag, error) {
	return p.insertPin(repo, models.TargetManifest(manifest.Digest), ttl)
}

// PinLegacyImage is PinManifest for legacy images.
func (p *Processor) PinLegacyImage(repo models.Repository, img models.LegacyImage, ttl time.Duration) (*models.Tag, error) {
	return p.insertPin(repo, models.TargetLegacyImage(img.ID), ttl)
}

func (p *Processor) insertPin(repo models.Repository, target models.TagTarget, ttl time.Duration) (*models.Tag, error) {
	if ttl <= 0 {
		ttl = p.cfg.DefaultPinTTL
	}
	if ttl > p.cfg.MaxPinTTL {
		ttl = p.cfg.MaxPinTTL
	}

	now := p.timeNow()
	expiresAt := now.Add(ttl)
	pin := &models.Tag{
		RepositoryID:   repo.ID,
		Name:           "$pin-" + uuid.NewV4().String(),
		ManifestDigest: target.ManifestDigest,
		LegacyImageID:  target.LegacyImageID,
		LifetimeStart:  now,
		IsHidden:       true,
		ExpiresAt:      &expiresAt,
	}
	err := p.db.Insert(pin)
	if err != nil {
		return nil, err
	}
	return pin, nil
}

// RenewPin extends a pin's expiration to now + ttl (with the same default
// and cap as PinManifest). Renewing an already-expired pin is allowed as
// long as the reaper has not closed it yet.
func (p *Processor) RenewPin(pin *models.Tag, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = p.cfg.DefaultPinTTL
	}
	if ttl > p.cfg.MaxPinTTL {
		ttl = p.cfg.MaxPinTTL
	}
	expiresAt := p.timeNow().Add(ttl)
	pin.ExpiresAt = &expiresAt
	_, err := p.db.Update(pin)
	return err
}

// ReleasePin ends a pin before its TTL runs out.
func (p *Processor) ReleasePin(pin *models.Tag) error {
	now := p.timeNow()
	pin.LifetimeEnd = &now
	_, err := p.db.Update(pin)
	return err
}

// SetBlobExpiration sets or clears the expiration on a blob. A nil expiresAt
// clears it; the blob is then live only while something references it.
func (p *Processor) SetBlobExpiration(blob *models.Blob, expiresAt *time.Time) error {
	blob.ExpiresAt = expiresAt
	_, err := p.db.Update(blob)
	return err
}

// A manifest is reachable if it or any of its (transitive) parents carries a
// tag or pin whose lifetime is open and whose expiration has not passed.
var manifestLivenessQuery = sqlext.SimplifyWhitespace(`
	WITH RECURSIVE reachable_parents AS (
		SELECT $2::TEXT AS digest
		UNION
		SELECT r.parent_digest FROM manifest_manifest_refs r
			JOIN reachable_parents p ON r.child_digest = p.digest
			WHERE r.repo_id = $1
	)
	SELECT EXISTS (
		SELECT 1 FROM tags t
			JOIN reachable_parents p ON t.manifest_digest = p.digest
			WHERE t.repo_id = $1 AND t.lifetime_end IS NULL
			  AND (t.expires_at IS NULL OR t.expires_at > $3)
	)
`)

// IsManifestLive implements the liveness predicate for manifests.
func (p *Processor) IsManifestLive(repo models.Repository, manifest models.Manifest) (bool, error) {
	return isManifestLive(p.db, repo.ID, manifest.Digest.String(), p.timeNow())
}

func isManifestLive(dbi gorp.SqlExecutor, repoID int64, manifestDigest string, now time.Time) (bool, error) {
	live, err := dbi.SelectInt(manifestLivenessQuery, repoID, manifestDigest, now)
	return live != 0, err
}

// A legacy image is reachable if it or any of its descendants carries an
// open, non-expired tag. (Descendants keep ancestors alive because the
// parent chain is part of the image's content.)
var legacyImageLivenessQuery = sqlext.SimplifyWhitespace(`
	SELECT EXISTS (
		SELECT 1 FROM tags t
			JOIN legacy_images i ON t.legacy_image_id = i.id
			WHERE t.repo_id = $1 AND t.lifetime_end IS NULL
			  AND (t.expires_at IS NULL OR t.expires_at > $3)
			  AND (i.id = $2 OR i.ancestry LIKE '%/' || $2::TEXT || '/%')
	)
`)

// IsLegacyImageLive implements the liveness predicate for legacy images.
func (p *Processor) IsLegacyImageLive(repo models.Repository, img models.LegacyImage) (bool, error) {
	live, err := p.db.SelectInt(legacyImageLivenessQuery, repo.ID, img.ID, p.timeNow())
	return live != 0, err
}

// A blob is live if its own expiration has not passed yet (this is what
// keeps a freshly committed blob alive until a manifest claims it), or if a
// live manifest references it, or if a legacy image that is itself live owns
// it. Open upload sessions do not appear here because they guard their own
// storage: the storage sweep never touches the storage ID of a session that
// is still open.
var blobLivenessQuery = sqlext.SimplifyWhitespace(`
	SELECT EXISTS (
		SELECT 1 FROM blobs b WHERE b.id = $1 AND b.expires_at > $2
	) OR EXISTS (
		WITH RECURSIVE live_manifests AS (
			SELECT t.repo_id, t.manifest_digest AS digest FROM tags t
				WHERE t.manifest_digest IS NOT NULL AND t.lifetime_end IS NULL
				  AND (t.expires_at IS NULL OR t.expires_at > $2)
			UNION
			SELECT mr.repo_id, mr.child_digest FROM manifest_manifest_refs mr
				JOIN live_manifests lm ON mr.repo_id = lm.repo_id AND mr.parent_digest = lm.digest
		)
		SELECT 1 FROM manifest_blob_refs r
			JOIN live_manifests lm ON lm.repo_id = r.repo_id AND lm.digest = r.digest
			WHERE r.blob_id = $1
	) OR EXISTS (
		SELECT 1 FROM legacy_images i
			JOIN tags t ON t.repo_id = i.repo_id
			JOIN legacy_images ti ON t.legacy_image_id = ti.id
			WHERE i.blob_id = $1 AND t.lifetime_end IS NULL
			  AND (t.expires_at IS NULL OR t.expires_at > $2)
			  AND (ti.id = i.id OR ti.ancestry LIKE '%/' || i.id::TEXT || '/%')
	)
`)

// IsBlobLive implements the liveness predicate for blobs.
func (p *Processor) IsBlobLive(blob models.Blob) (bool, error) {
	live, err := p.db.SelectInt(blobLivenessQuery, blob.ID, p.timeNow())
	return live != 0, err
}

// ManifestStorageID packs the storage coordinates of a manifest into a
// single orphaned_storage key. The storage sweep splits it apart again.
func ManifestStorageID(repo models.Repository, manifestDigest digest.Digest) string {
	return repo.Name + "@" + manifestDigest.String()
}

// ParseManifestStorageID is the inverse of ManifestStorageID.
func ParseManifestStorageID(storageID string) (repoName, manifestDigest string, ok bool) {
	return strings.Cut(storageID, "@")
}

// enqueueOrphanedStorage hands a storage location over to the storage sweep
// for physical deletion. The sweep retries with backoff, so foreground
// operations never wait on (or fail because of) the storage backend's
// delete path.
func enqueueOrphanedStorage(dbi gorp.SqlExecutor, o models.OrphanedStorage) error {
	_, err := dbi.Exec(sqlext.SimplifyWhitespace(`
		INSERT INTO orphaned_storage (namespace_name, storage_id, is_manifest, num_chunks, marked_for_deletion_at)
		VALUES ($1, $2, $3, $4, $5) ON CONFLICT DO NOTHING
	`), o.NamespaceName, o.StorageID, o.IsManifest, o.NumChunks, o.MarkedForDeletionAt)
	return err
}
