// SPDX-FileCopyrightText: 2026 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package tasks

import (
	"context"
	"fmt"
	"time"

	"github.com/go-gorp/gorp/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sapcc/go-bits/jobloop"
	"github.com/sapcc/go-bits/sqlext"

	"github.com/sapcc/drydock/internal/models"
	"github.com/sapcc/drydock/internal/registry"
)

// query that finds the next orphaned storage object to dispose of
var orphanedStorageSearchQuery = sqlext.SimplifyWhitespace(`
	SELECT * FROM orphaned_storage
	WHERE marked_for_deletion_at < $1
	ORDER BY marked_for_deletion_at ASC
	FOR UPDATE SKIP LOCKED
	LIMIT 1
`)

// how long to wait before retrying a failed storage deletion
const orphanedStorageRetryInterval = 5 * time.Minute

// StorageSweepJob drains the orphaned_storage queue: it physically deletes
// storage objects whose database records are already gone. Failed deletions
// stay in the queue and are retried with a backoff, so a flaky storage
// backend delays reclamation but never blocks foreground operations.
func (j *Janitor) StorageSweepJob(registerer prometheus.Registerer) jobloop.Job {
	return (&jobloop.TxGuardedJob[*gorp.Transaction, models.OrphanedStorage]{
		Metadata: jobloop.JobMetadata{
			ReadableName:    "dispose of orphaned storage",
			ConcurrencySafe: true, //because "FOR UPDATE SKIP LOCKED" is used
			CounterOpts: prometheus.CounterOpts{
				Name: "drydock_orphaned_storage_disposals",
				Help: "Counter for physical deletions of orphaned storage objects.",
			},
		},
		BeginTx: j.db.Begin,
		DiscoverRow: func(_ context.Context, tx *gorp.Transaction, _ prometheus.Labels) (o models.OrphanedStorage, err error) {
			err = tx.SelectOne(&o, orphanedStorageSearchQuery, j.timeNow())
			return o, err
		},
		ProcessRow: j.disposeOrphanedStorage,
	}).Setup(registerer)
}

func (j *Janitor) disposeOrphanedStorage(_ context.Context, tx *gorp.Transaction, o models.OrphanedStorage, _ prometheus.Labels) error {
	var ns models.Namespace
	err := tx.SelectOne(&ns, `SELECT * FROM namespaces WHERE name = $1`, o.NamespaceName)
	if err != nil {
		return err
	}

	//safety check: if the storage ID has been claimed by a database record
	//again (e.g. because an enqueued session was resurrected), forget the
	//queue entry instead of deleting live content
	claimed, err := tx.SelectInt(sqlext.SimplifyWhitespace(`
		SELECT EXISTS (
			SELECT 1 FROM blobs WHERE namespace_name = $1 AND storage_id = $2
		) OR EXISTS (
			SELECT 1 FROM uploads u JOIN repos r ON u.repo_id = r.id
			WHERE r.namespace_name = $1 AND u.storage_id = $2 AND u.state = 'open'
		) OR EXISTS (
			SELECT 1 FROM derived_images d JOIN repos r ON d.repo_id = r.id
			WHERE r.namespace_name = $1 AND d.storage_id = $2
		)
	`), o.NamespaceName, o.StorageID)
	if err != nil {
		return err
	}

	if claimed == 0 {
		err := j.deleteFromStorage(ns, o)
		if err != nil {
			//push the entry back into the queue with a backoff, then report the failure
			_, updateErr := tx.Exec(sqlext.SimplifyWhitespace(`
				UPDATE orphaned_storage SET marked_for_deletion_at = $3
				WHERE namespace_name = $1 AND storage_id = $2
			`), o.NamespaceName, o.StorageID, j.timeNow().Add(orphanedStorageRetryInterval))
			if updateErr != nil {
				return updateErr
			}
			commitErr := tx.Commit()
			if commitErr != nil {
				return commitErr
			}
			return fmt.Errorf("cannot delete orphaned storage %s in namespace %s (will retry): %w",
				o.StorageID, o.NamespaceName, err)
		}
	}

	_, err = tx.Delete(&o)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (j *Janitor) deleteFromStorage(ns models.Namespace, o models.OrphanedStorage) error {
	switch {
	case o.IsManifest:
		repoName, manifestDigest, ok := registry.ParseManifestStorageID(o.StorageID)
		if !ok {
			return fmt.Errorf("malformed manifest storage ID: %q", o.StorageID)
		}
		return j.sd.DeleteManifest(ns, repoName, manifestDigest)
	case o.NumChunks > 0:
		//storage left behind by an upload session that was never finalized
		return j.sd.AbortBlobUpload(ns, o.StorageID, o.NumChunks)
	default:
		return j.sd.DeleteBlob(ns, o.StorageID)
	}
}
