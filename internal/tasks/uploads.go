// SPDX-FileCopyrightText: 2026 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package tasks

import (
	"context"
	"fmt"

	"github.com/go-gorp/gorp/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sapcc/go-bits/jobloop"
	"github.com/sapcc/go-bits/sqlext"

	"github.com/sapcc/drydock/internal/models"
)

// query that finds the next open upload session to be aborted
var abandonedUploadSearchQuery = sqlext.SimplifyWhitespace(`
	SELECT * FROM uploads
	WHERE state = 'open' AND updated_at < $1
	ORDER BY updated_at ASC -- oldest sessions first
	FOR UPDATE SKIP LOCKED  -- block concurrent continuation of the upload
	LIMIT 1                 -- one at a time
`)

// query that finds the next terminal upload session whose record can go away
var finishedUploadSearchQuery = sqlext.SimplifyWhitespace(`
	SELECT * FROM uploads
	WHERE state != 'open' AND updated_at < $1
	ORDER BY updated_at ASC
	FOR UPDATE SKIP LOCKED
	LIMIT 1
`)

// AbandonedUploadCleanupJob aborts open upload sessions that have not seen an
// append for longer than the configured threshold. The session's partial
// bytes are handed over to the storage sweep for reclamation.
func (j *Janitor) AbandonedUploadCleanupJob(registerer prometheus.Registerer) jobloop.Job {
	return (&jobloop.TxGuardedJob[*gorp.Transaction, models.Upload]{
		Metadata: jobloop.JobMetadata{
			ReadableName:    "abort abandoned uploads",
			ConcurrencySafe: true, //because "FOR UPDATE SKIP LOCKED" is used
			CounterOpts: prometheus.CounterOpts{
				Name: "drydock_aborted_abandoned_uploads",
				Help: "Counter for abandoned upload sessions that were aborted.",
			},
		},
		BeginTx: j.db.Begin,
		DiscoverRow: func(_ context.Context, tx *gorp.Transaction, _ prometheus.Labels) (upload models.Upload, err error) {
			maxUpdatedAt := j.timeNow().Add(-j.cfg.AbandonedUploadThreshold)
			err = tx.SelectOne(&upload, abandonedUploadSearchQuery, maxUpdatedAt)
			return upload, err
		},
		ProcessRow: j.abortAbandonedUpload,
	}).Setup(registerer)
}

func (j *Janitor) abortAbandonedUpload(_ context.Context, tx *gorp.Transaction, upload models.Upload, _ prometheus.Labels) error {
	namespaceName, err := tx.SelectStr(
		`SELECT namespace_name FROM repos WHERE id = $1`, upload.RepositoryID)
	if err != nil {
		return fmt.Errorf("cannot find namespace for abandoned upload %s: %w", upload.UUID, err)
	}

	now := j.timeNow()
	upload.State = models.UploadStateAborted
	upload.UpdatedAt = now
	_, err = tx.Update(&upload)
	if err != nil {
		return err
	}

	if upload.NumChunks > 0 {
		_, err = tx.Exec(sqlext.SimplifyWhitespace(`
			INSERT INTO orphaned_storage (namespace_name, storage_id, num_chunks, marked_for_deletion_at)
			VALUES ($1, $2, $3, $4) ON CONFLICT DO NOTHING
		`), namespaceName, upload.StorageID, upload.NumChunks, now)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// FinishedUploadCleanupJob deletes the records of upload sessions that
// reached a terminal state a while ago. The records linger for the same
// threshold as abandoned sessions, so that late appends to a finished
// session keep failing with a precise error instead of "no such session".
func (j *Janitor) FinishedUploadCleanupJob(registerer prometheus.Registerer) jobloop.Job {
	return (&jobloop.TxGuardedJob[*gorp.Transaction, models.Upload]{
		Metadata: jobloop.JobMetadata{
			ReadableName:    "delete finished upload records",
			ConcurrencySafe: true, //because "FOR UPDATE SKIP LOCKED" is used
			CounterOpts: prometheus.CounterOpts{
				Name: "drydock_deleted_finished_upload_records",
				Help: "Counter for deleted records of upload sessions in a terminal state.",
			},
		},
		BeginTx: j.db.Begin,
		DiscoverRow: func(_ context.Context, tx *gorp.Transaction, _ prometheus.Labels) (upload models.Upload, err error) {
			maxUpdatedAt := j.timeNow().Add(-j.cfg.AbandonedUploadThreshold)
			err = tx.SelectOne(&upload, finishedUploadSearchQuery, maxUpdatedAt)
			return upload, err
		},
		ProcessRow: func(_ context.Context, tx *gorp.Transaction, upload models.Upload, _ prometheus.Labels) error {
			_, err := tx.Delete(&upload)
			if err != nil {
				return err
			}
			return tx.Commit()
		},
	}).Setup(registerer)
}
