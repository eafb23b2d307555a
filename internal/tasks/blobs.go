// SPDX-FileCopyrightText: 2026 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package tasks

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sapcc/go-bits/jobloop"
	"github.com/sapcc/go-bits/logg"
	"github.com/sapcc/go-bits/sqlext"

	"github.com/sapcc/drydock/internal/models"
)

// Blob GC uses the same mark, grace period, recheck, delete protocol as
// manifest GC (see explanation in manifests.go), scoped to one namespace per
// round since blobs are deduplicated across the repos of a namespace.
//
// A blob only gets marked once nothing references it at all: no
// manifest_blob_refs row (not even from a dead manifest that is itself still
// waiting out its grace period), no legacy image, and no unexpired
// expiration of its own. Staged like this, content always disappears
// top-down: tag, then manifest, then blob.

// query that finds the next namespace to sweep
var blobSweepSearchQuery = sqlext.SimplifyWhitespace(`
	SELECT * FROM namespaces
	WHERE next_blob_sweep_at IS NULL OR next_blob_sweep_at < $1
	-- namespaces without any sweeps first, then sorted by last sweep
	ORDER BY next_blob_sweep_at IS NULL DESC, next_blob_sweep_at ASC
	LIMIT 1
`)

var blobMarkQuery = sqlext.SimplifyWhitespace(`
	UPDATE blobs b SET can_be_deleted_at = $3
		WHERE b.namespace_name = $1 AND b.can_be_deleted_at IS NULL
		  AND (b.expires_at IS NULL OR b.expires_at <= $2)
		  AND NOT EXISTS (SELECT 1 FROM manifest_blob_refs r WHERE r.blob_id = b.id)
		  AND NOT EXISTS (SELECT 1 FROM legacy_images i WHERE i.blob_id = b.id)
`)

var blobUnmarkQuery = sqlext.SimplifyWhitespace(`
	UPDATE blobs b SET can_be_deleted_at = NULL
		WHERE b.namespace_name = $1 AND b.can_be_deleted_at IS NOT NULL AND (
			b.expires_at > $2
			OR EXISTS (SELECT 1 FROM manifest_blob_refs r WHERE r.blob_id = b.id)
			OR EXISTS (SELECT 1 FROM legacy_images i WHERE i.blob_id = b.id)
		)
`)

var blobSweepSelectQuery = sqlext.SimplifyWhitespace(`
	SELECT * FROM blobs WHERE namespace_name = $1 AND can_be_deleted_at < $2
`)

// BlobSweepJob runs one round of the blob GC protocol (see above) on one
// namespace at a time. Each namespace is swept at most once per hour.
func (j *Janitor) BlobSweepJob(registerer prometheus.Registerer) jobloop.Job {
	return (&jobloop.ProducerConsumerJob[models.Namespace]{
		Metadata: jobloop.JobMetadata{
			ReadableName: "sweep blobs",
			CounterOpts: prometheus.CounterOpts{
				Name: "drydock_blob_sweeps",
				Help: "Counter for blob sweeps per namespace.",
			},
		},
		DiscoverTask: func(_ context.Context, _ prometheus.Labels) (ns models.Namespace, err error) {
			err = j.db.SelectOne(&ns, blobSweepSearchQuery, j.timeNow())
			return ns, err
		},
		ProcessTask: j.sweepBlobsInNamespace,
	}).Setup(registerer)
}

func (j *Janitor) sweepBlobsInNamespace(_ context.Context, ns models.Namespace, _ prometheus.Labels) error {
	now := j.timeNow()

	//mark and unmark (phase 1)
	_, err := j.db.Exec(blobUnmarkQuery, ns.Name, now)
	if err != nil {
		return err
	}
	_, err = j.db.Exec(blobMarkQuery, ns.Name, now, now.Add(j.cfg.GCGracePeriod))
	if err != nil {
		return err
	}

	//sweep (phase 2)
	var blobs []models.Blob
	_, err = j.db.Select(&blobs, blobSweepSelectQuery, ns.Name, now)
	if err != nil {
		return err
	}
	for _, blob := range blobs {
		err := j.deleteSweptBlob(ns, blob)
		if err != nil {
			return fmt.Errorf("cannot delete blob %s in namespace %s: %w", blob.Digest, ns.Name, err)
		}
	}

	nextSweepAt := now.Add(j.addJitter(1 * time.Hour))
	_, err = j.db.Exec(`UPDATE namespaces SET next_blob_sweep_at = $2 WHERE name = $1`, ns.Name, nextSweepAt)
	return err
}

func (j *Janitor) deleteSweptBlob(ns models.Namespace, blob models.Blob) error {
	//recheck right before the point of no return
	live, err := j.processor().IsBlobLive(blob)
	if err != nil {
		return err
	}
	if live {
		_, err := j.db.Exec(`UPDATE blobs SET can_be_deleted_at = NULL WHERE id = $1`, blob.ID)
		return err
	}

	//The database record goes first. If the storage deletion then fails, we
	//are left with an unreferenced object in storage, which goes into the
	//reclamation queue; a database record pointing at deleted storage would
	//be much worse since read paths could still find it.
	_, err = j.db.Delete(&blob)
	if err != nil {
		return err
	}
	err = j.sd.DeleteBlob(ns, blob.StorageID)
	if err != nil {
		logg.Error("cannot delete blob %s in storage (will retry in storage sweep): %s", blob.Digest, err.Error())
		return enqueueOrphanedStorage(j.db, models.OrphanedStorage{
			NamespaceName:       ns.Name,
			StorageID:           blob.StorageID,
			MarkedForDeletionAt: j.timeNow(),
		})
	}
	return nil
}
