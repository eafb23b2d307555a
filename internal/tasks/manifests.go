// SPDX-FileCopyrightText: 2026 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package tasks

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-gorp/gorp/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sapcc/go-bits/jobloop"
	"github.com/sapcc/go-bits/logg"
	"github.com/sapcc/go-bits/sqlext"

	"github.com/sapcc/drydock/internal/models"
	"github.com/sapcc/drydock/internal/registry"
)

// Manifest GC works in rounds of mark, grace period, recheck, delete:
//
//  1. Mark: manifests not reachable from any open tag or pin get
//     can_be_deleted_at = now + grace period. Manifests that became reachable
//     again since the last round get unmarked.
//  2. Sweep: manifests whose mark has ripened are rechecked against the live
//     liveness predicate and then deleted.
//
// The steps deliberately do not share a transaction. A retarget or pin that
// lands between them unmarks in the next round at worst, so racing against
// foreground writes can only ever delay a deletion, never delete live
// content. Legacy images follow the same protocol in the same round.

// query that finds the next repo to sweep
var repoManifestSweepSearchQuery = sqlext.SimplifyWhitespace(`
	SELECT * FROM repos
	WHERE next_manifest_sweep_at IS NULL OR next_manifest_sweep_at < $1
	-- repos without any sweeps first, then sorted by last sweep
	ORDER BY next_manifest_sweep_at IS NULL DESC, next_manifest_sweep_at ASC
	LIMIT 1
`)

// `live_manifests` contains every manifest that carries an open tag or pin,
// plus (transitively) the children of such manifests.
var manifestMarkQuery = sqlext.SimplifyWhitespace(`
	WITH RECURSIVE live_manifests AS (
		SELECT t.manifest_digest AS digest FROM tags t
			WHERE t.repo_id = $1 AND t.manifest_digest IS NOT NULL
			  AND t.lifetime_end IS NULL AND (t.expires_at IS NULL OR t.expires_at > $2)
		UNION
		SELECT r.child_digest FROM manifest_manifest_refs r
			JOIN live_manifests lm ON r.parent_digest = lm.digest
			WHERE r.repo_id = $1
	)
	UPDATE manifests SET can_be_deleted_at = $3
		WHERE repo_id = $1 AND can_be_deleted_at IS NULL
		  AND digest NOT IN (SELECT digest FROM live_manifests)
`)

var manifestUnmarkQuery = sqlext.SimplifyWhitespace(`
	WITH RECURSIVE live_manifests AS (
		SELECT t.manifest_digest AS digest FROM tags t
			WHERE t.repo_id = $1 AND t.manifest_digest IS NOT NULL
			  AND t.lifetime_end IS NULL AND (t.expires_at IS NULL OR t.expires_at > $2)
		UNION
		SELECT r.child_digest FROM manifest_manifest_refs r
			JOIN live_manifests lm ON r.parent_digest = lm.digest
			WHERE r.repo_id = $1
	)
	UPDATE manifests SET can_be_deleted_at = NULL
		WHERE repo_id = $1 AND can_be_deleted_at IS NOT NULL
		  AND digest IN (SELECT digest FROM live_manifests)
`)

// Manifests that are still referenced by a parent manifest row are skipped
// here even when marked; they become deletable once the sweep has disposed
// of the parent in an earlier iteration of the same round (or in the next
// round).
var manifestSweepSelectQuery = sqlext.SimplifyWhitespace(`
	SELECT * FROM manifests
	WHERE repo_id = $1 AND can_be_deleted_at < $2
	  AND digest NOT IN (SELECT child_digest FROM manifest_manifest_refs WHERE repo_id = $1)
`)

var legacyImageMarkQuery = sqlext.SimplifyWhitespace(`
	UPDATE legacy_images i SET can_be_deleted_at = $3
		WHERE i.repo_id = $1 AND i.can_be_deleted_at IS NULL AND NOT EXISTS (
			SELECT 1 FROM tags t JOIN legacy_images ti ON t.legacy_image_id = ti.id
			WHERE t.repo_id = $1 AND t.lifetime_end IS NULL
			  AND (t.expires_at IS NULL OR t.expires_at > $2)
			  AND (ti.id = i.id OR ti.ancestry LIKE '%/' || i.id::TEXT || '/%')
		)
`)

var legacyImageUnmarkQuery = sqlext.SimplifyWhitespace(`
	UPDATE legacy_images i SET can_be_deleted_at = NULL
		WHERE i.repo_id = $1 AND i.can_be_deleted_at IS NOT NULL AND EXISTS (
			SELECT 1 FROM tags t JOIN legacy_images ti ON t.legacy_image_id = ti.id
			WHERE t.repo_id = $1 AND t.lifetime_end IS NULL
			  AND (t.expires_at IS NULL OR t.expires_at > $2)
			  AND (ti.id = i.id OR ti.ancestry LIKE '%/' || i.id::TEXT || '/%')
		)
`)

// Only leaves can go; parents become leaves once their children are gone.
var legacyImageSweepSelectQuery = sqlext.SimplifyWhitespace(`
	SELECT * FROM legacy_images
	WHERE repo_id = $1 AND can_be_deleted_at < $2
	  AND id NOT IN (SELECT parent_id FROM legacy_images WHERE repo_id = $1 AND parent_id IS NOT NULL)
`)

// ManifestSweepJob runs one round of the manifest and legacy image GC
// protocol (see above) on one repo at a time. Each repo is swept at most
// once per hour.
func (j *Janitor) ManifestSweepJob(registerer prometheus.Registerer) jobloop.Job {
	return (&jobloop.ProducerConsumerJob[models.Repository]{
		Metadata: jobloop.JobMetadata{
			ReadableName: "sweep manifests and legacy images",
			CounterOpts: prometheus.CounterOpts{
				Name: "drydock_manifest_sweeps",
				Help: "Counter for manifest and legacy image sweeps per repo.",
			},
		},
		DiscoverTask: func(_ context.Context, _ prometheus.Labels) (repo models.Repository, err error) {
			err = j.db.SelectOne(&repo, repoManifestSweepSearchQuery, j.timeNow())
			return repo, err
		},
		ProcessTask: j.sweepManifestsInRepo,
	}).Setup(registerer)
}

func (j *Janitor) sweepManifestsInRepo(_ context.Context, repo models.Repository, _ prometheus.Labels) error {
	now := j.timeNow()
	canBeDeletedAt := now.Add(j.cfg.GCGracePeriod)

	//mark and unmark (phase 1)
	_, err := j.db.Exec(manifestUnmarkQuery, repo.ID, now)
	if err != nil {
		return err
	}
	_, err = j.db.Exec(manifestMarkQuery, repo.ID, now, canBeDeletedAt)
	if err != nil {
		return err
	}
	_, err = j.db.Exec(legacyImageUnmarkQuery, repo.ID, now)
	if err != nil {
		return err
	}
	_, err = j.db.Exec(legacyImageMarkQuery, repo.ID, now, canBeDeletedAt)
	if err != nil {
		return err
	}

	//sweep (phase 2)
	var manifests []models.Manifest
	_, err = j.db.Select(&manifests, manifestSweepSelectQuery, repo.ID, now)
	if err != nil {
		return err
	}
	for _, manifest := range manifests {
		err := j.deleteSweptManifest(repo, manifest)
		if err != nil {
			return fmt.Errorf("cannot delete manifest %s in repo %s: %w", manifest.Digest, repo.FullName(), err)
		}
	}

	var images []models.LegacyImage
	_, err = j.db.Select(&images, legacyImageSweepSelectQuery, repo.ID, now)
	if err != nil {
		return err
	}
	for _, img := range images {
		err := j.deleteSweptLegacyImage(repo, img)
		if err != nil {
			return fmt.Errorf("cannot delete legacy image %s in repo %s: %w", img.ImageID, repo.FullName(), err)
		}
	}

	nextSweepAt := now.Add(j.addJitter(1 * time.Hour))
	_, err = j.db.Exec(`UPDATE repos SET next_manifest_sweep_at = $2 WHERE id = $1`, repo.ID, nextSweepAt)
	return err
}

func (j *Janitor) deleteSweptManifest(repo models.Repository, manifest models.Manifest) error {
	//recheck right before the point of no return (the mark is half an hour
	//old by now, and e.g. a reverting retarget may have made the manifest
	//reachable again without the unmark query having seen it yet)
	live, err := j.processor().IsManifestLive(repo, manifest)
	if err != nil {
		return err
	}
	if live {
		logg.Info("skipping deletion of manifest %s in repo %s: it became reachable again during the grace period",
			manifest.Digest, repo.FullName())
		_, err := j.db.Exec(
			`UPDATE manifests SET can_be_deleted_at = NULL WHERE repo_id = $1 AND digest = $2`,
			repo.ID, manifest.Digest)
		return err
	}

	now := j.timeNow()
	tx, err := j.db.Begin()
	if err != nil {
		return err
	}
	defer sqlext.RollbackUnlessCommitted(tx)

	//deleting the manifest row cascades into derived images, so their
	//storage needs to go into the reclamation queue first
	err = sqlext.ForeachRow(tx,
		`SELECT storage_id FROM derived_images WHERE repo_id = $1 AND source_digest = $2`,
		[]any{repo.ID, manifest.Digest}, func(rows *sql.Rows) error {
			var storageID string
			err := rows.Scan(&storageID)
			if err != nil {
				return err
			}
			return enqueueOrphanedStorage(tx, models.OrphanedStorage{
				NamespaceName:       repo.NamespaceName,
				StorageID:           storageID,
				MarkedForDeletionAt: now,
			})
		})
	if err != nil {
		return err
	}

	err = enqueueOrphanedStorage(tx, models.OrphanedStorage{
		NamespaceName:       repo.NamespaceName,
		StorageID:           registry.ManifestStorageID(repo, manifest.Digest),
		IsManifest:          true,
		MarkedForDeletionAt: now,
	})
	if err != nil {
		return err
	}

	_, err = tx.Delete(&manifest)
	if err != nil {
		return err
	}
	err = tx.Commit()
	if err != nil {
		return err
	}

	j.notifier.NotifyManifestDeleted(repo, manifest.Digest)
	return nil
}

func (j *Janitor) deleteSweptLegacyImage(repo models.Repository, img models.LegacyImage) error {
	live, err := j.processor().IsLegacyImageLive(repo, img)
	if err != nil {
		return err
	}
	if live {
		_, err := j.db.Exec(
			`UPDATE legacy_images SET can_be_deleted_at = NULL WHERE id = $1`, img.ID)
		return err
	}

	//the image's blob stays behind for now; the blob sweep reclaims it once
	//nothing references it anymore
	_, err = j.db.Delete(&img)
	return err
}

func enqueueOrphanedStorage(dbi gorp.SqlExecutor, o models.OrphanedStorage) error {
	_, err := dbi.Exec(sqlext.SimplifyWhitespace(`
		INSERT INTO orphaned_storage (namespace_name, storage_id, is_manifest, num_chunks, marked_for_deletion_at)
		VALUES ($1, $2, $3, $4, $5) ON CONFLICT DO NOTHING
	`), o.NamespaceName, o.StorageID, o.IsManifest, o.NumChunks, o.MarkedForDeletionAt)
	return err
}
