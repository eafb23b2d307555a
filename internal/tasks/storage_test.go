// SPDX-FileCopyrightText: 2026 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package tasks

import (
	"database/sql"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sapcc/drydock/internal/registry"
	"github.com/sapcc/drydock/internal/test"
)

func TestStorageSweepDisposesAbortedUploads(t *testing.T) {
	j, s := setup(t)
	s.Clock.StepBy(1 * time.Hour)
	ns := s.MustCreateNamespace(t, "test1")
	repo := s.MustCreateRepository(t, ns, "foo")

	// an aborted session leaves a reclamation entry behind, even when the
	// immediate disposal already succeeded
	chunk := []byte("some partial data")
	upload, err := s.Registry.CreateUpload(repo, "")
	expectSuccess(t, err)
	err = s.Registry.AppendToUpload(ns, upload, registry.UploadAppendment{
		Chunk:        chunk,
		NewSizeBytes: uint64(len(chunk)),
	})
	expectSuccess(t, err)
	expectSuccess(t, s.Registry.AbortUpload(ns, upload))
	if s.SD.BlobCount() != 0 {
		t.Fatalf("expected immediate disposal to have cleaned storage, but got %d objects", s.SD.BlobCount())
	}

	// the sweep confirms the disposal and drains the queue; deleting storage
	// that is already gone is fine
	storageJob := j.StorageSweepJob(prometheus.NewRegistry())
	s.Clock.StepBy(10 * time.Minute)
	expectSuccess(t, storageJob.ProcessOne(s.Ctx))
	expectError(t, sql.ErrNoRows.Error(), storageJob.ProcessOne(s.Ctx))
	orphanCount, err := s.DB.SelectInt(`SELECT COUNT(*) FROM orphaned_storage`)
	expectSuccess(t, err)
	if orphanCount != 0 {
		t.Errorf("expected the queue to be drained, but got %d entries", orphanCount)
	}
}

func TestStorageSweepSkipsReclaimedStorageIDs(t *testing.T) {
	j, s := setup(t)
	s.Clock.StepBy(1 * time.Hour)
	ns := s.MustCreateNamespace(t, "test1")
	repo := s.MustCreateRepository(t, ns, "foo")

	blob := s.MustCommitBlob(t, ns, repo, test.GenerateExampleLayer(1))

	// a stale queue entry whose storage ID belongs to a live blob must not
	// delete that blob's bytes
	mustExec(t, s.DB, `INSERT INTO orphaned_storage (namespace_name, storage_id, marked_for_deletion_at) VALUES ($1, $2, $3)`,
		ns.Name, blob.StorageID, s.Clock.Now())

	storageJob := j.StorageSweepJob(prometheus.NewRegistry())
	s.Clock.StepBy(10 * time.Minute)
	expectSuccess(t, storageJob.ProcessOne(s.Ctx))
	expectError(t, sql.ErrNoRows.Error(), storageJob.ProcessOne(s.Ctx))

	// the entry is gone, the blob's bytes are not
	orphanCount, err := s.DB.SelectInt(`SELECT COUNT(*) FROM orphaned_storage`)
	expectSuccess(t, err)
	if orphanCount != 0 {
		t.Errorf("expected the stale entry to be dropped, but got %d entries", orphanCount)
	}
	if s.SD.BlobCount() != 1 {
		t.Errorf("expected the live blob to keep its storage, but got %d objects", s.SD.BlobCount())
	}
}

func TestStorageSweepWaitsForDueEntries(t *testing.T) {
	j, s := setup(t)
	s.Clock.StepBy(1 * time.Hour)
	ns := s.MustCreateNamespace(t, "test1")

	// an entry scheduled for the future is not touched yet; this is how
	// failed deletions are retried with a backoff
	mustExec(t, s.DB, `INSERT INTO orphaned_storage (namespace_name, storage_id, marked_for_deletion_at) VALUES ($1, $2, $3)`,
		ns.Name, "some-storage-id", s.Clock.Now().Add(5*time.Minute))

	storageJob := j.StorageSweepJob(prometheus.NewRegistry())
	expectError(t, sql.ErrNoRows.Error(), storageJob.ProcessOne(s.Ctx))

	s.Clock.StepBy(10 * time.Minute)
	expectSuccess(t, storageJob.ProcessOne(s.Ctx))
	orphanCount, err := s.DB.SelectInt(`SELECT COUNT(*) FROM orphaned_storage`)
	expectSuccess(t, err)
	if orphanCount != 0 {
		t.Errorf("expected the due entry to be disposed of, but got %d entries", orphanCount)
	}
}
