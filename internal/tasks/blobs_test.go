// SPDX-FileCopyrightText: 2026 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package tasks

import (
	"database/sql"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sapcc/drydock/internal/test"
)

func TestBlobSweepMarksAndDeletes(t *testing.T) {
	j, s := setup(t)
	s.Clock.StepBy(1 * time.Hour)
	ns := s.MustCreateNamespace(t, "test1")
	repo := s.MustCreateRepository(t, ns, "foo")

	// one blob referenced by a manifest, one stray blob
	image := test.GenerateImage(test.GenerateExampleLayer(1))
	s.MustCreateImage(t, ns, repo, image)
	strayBlob := s.MustCommitBlob(t, ns, repo, test.GenerateExampleLayer(2))

	sweepJob := j.BlobSweepJob(prometheus.NewRegistry())

	// the first round only marks the stray blob; the referenced ones are
	// spared even though their manifest carries no tag
	expectSuccess(t, sweepJob.ProcessOne(s.Ctx))
	expectError(t, sql.ErrNoRows.Error(), sweepJob.ProcessOne(s.Ctx))
	markedCount, err := s.DB.SelectInt(`SELECT COUNT(*) FROM blobs WHERE can_be_deleted_at IS NOT NULL`)
	expectSuccess(t, err)
	if markedCount != 1 {
		t.Fatalf("expected 1 marked blob after first round, but got %d", markedCount)
	}

	// once the grace period has passed, the next round deletes it, database
	// record and storage object both
	storedBlobCount := s.SD.BlobCount()
	s.Clock.StepBy(2 * time.Hour)
	expectSuccess(t, sweepJob.ProcessOne(s.Ctx))
	foundBlob, err := s.Registry.FindBlobByRepo(repo, strayBlob.Digest)
	expectSuccess(t, err)
	if foundBlob != nil {
		t.Error("expected stray blob record to be deleted in the second round")
	}
	if s.SD.BlobCount() != storedBlobCount-1 {
		t.Errorf("expected 1 storage object to be deleted, but went from %d to %d objects",
			storedBlobCount, s.SD.BlobCount())
	}
	// the happy path does not detour through the reclamation queue
	orphanCount, err := s.DB.SelectInt(`SELECT COUNT(*) FROM orphaned_storage`)
	expectSuccess(t, err)
	if orphanCount != 0 {
		t.Errorf("expected no reclamation entries, but got %d", orphanCount)
	}

	blobCount, err := s.DB.SelectInt(`SELECT COUNT(*) FROM blobs`)
	expectSuccess(t, err)
	if blobCount != 2 {
		t.Errorf("expected the 2 referenced blobs to survive, but got %d", blobCount)
	}
}

func TestBlobSweepRespectsExpiration(t *testing.T) {
	j, s := setup(t)
	s.Clock.StepBy(1 * time.Hour)
	ns := s.MustCreateNamespace(t, "test1")
	repo := s.MustCreateRepository(t, ns, "foo")

	// an unreferenced blob whose expiration lies in the future is spared;
	// this is the grace window between blob commit and manifest push
	blob := s.MustCommitBlob(t, ns, repo, test.GenerateExampleLayer(1))
	expiresAt := s.Clock.Now().Add(24 * time.Hour)
	expectSuccess(t, s.Registry.SetBlobExpiration(&blob, &expiresAt))

	sweepJob := j.BlobSweepJob(prometheus.NewRegistry())
	expectSuccess(t, sweepJob.ProcessOne(s.Ctx))
	markedCount, err := s.DB.SelectInt(`SELECT COUNT(*) FROM blobs WHERE can_be_deleted_at IS NOT NULL`)
	expectSuccess(t, err)
	if markedCount != 0 {
		t.Fatalf("expected no marked blobs while the expiration protects it, but got %d", markedCount)
	}

	// once the expiration passes, the blob gets marked...
	s.Clock.StepBy(25 * time.Hour)
	expectSuccess(t, sweepJob.ProcessOne(s.Ctx))
	markedCount, err = s.DB.SelectInt(`SELECT COUNT(*) FROM blobs WHERE can_be_deleted_at IS NOT NULL`)
	expectSuccess(t, err)
	if markedCount != 1 {
		t.Fatalf("expected the blob to be marked after its expiration, but got %d marks", markedCount)
	}

	// ...but extending the expiration during the grace period unmarks it
	expiresAt = s.Clock.Now().Add(24 * time.Hour)
	expectSuccess(t, s.Registry.SetBlobExpiration(&blob, &expiresAt))
	s.Clock.StepBy(2 * time.Hour)
	expectSuccess(t, sweepJob.ProcessOne(s.Ctx))
	foundBlob, err := s.Registry.FindBlobByRepo(repo, blob.Digest)
	expectSuccess(t, err)
	if foundBlob == nil {
		t.Fatal("expected protected blob to survive the sweep")
	}
	if foundBlob.CanBeDeletedAt != nil {
		t.Error("expected protected blob to be unmarked")
	}
}
