// SPDX-FileCopyrightText: 2026 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package tasks

import (
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sapcc/drydock/internal/models"
	"github.com/sapcc/drydock/internal/registry"
	"github.com/sapcc/drydock/internal/test"
)

func TestManifestSweepMarksAndDeletes(t *testing.T) {
	j, s := setup(t)
	s.Clock.StepBy(1 * time.Hour)
	ns := s.MustCreateNamespace(t, "test1")
	repo := s.MustCreateRepository(t, ns, "foo")
	taggedManifest := s.MustCreateImage(t, ns, repo, test.GenerateImage(test.GenerateExampleLayer(1)))
	strayManifest := s.MustCreateImage(t, ns, repo, test.GenerateImage(test.GenerateExampleLayer(2)))
	s.MustRetargetTag(t, repo, "latest", taggedManifest)

	sweepJob := j.ManifestSweepJob(prometheus.NewRegistry())

	// the first round only marks the unreachable manifest
	expectSuccess(t, sweepJob.ProcessOne(s.Ctx))
	expectError(t, sql.ErrNoRows.Error(), sweepJob.ProcessOne(s.Ctx))
	markedCount, err := s.DB.SelectInt(`SELECT COUNT(*) FROM manifests WHERE can_be_deleted_at IS NOT NULL`)
	expectSuccess(t, err)
	if markedCount != 1 {
		t.Fatalf("expected 1 marked manifest after first round, but got %d", markedCount)
	}
	foundManifest, err := s.Registry.FindManifest(repo, strayManifest.Digest)
	expectSuccess(t, err)
	if foundManifest == nil || foundManifest.CanBeDeletedAt == nil {
		t.Fatalf("expected the stray manifest to be marked, but got %v", foundManifest)
	}

	// once the grace period has passed, the next round deletes it
	s.Clock.StepBy(2 * time.Hour)
	expectSuccess(t, sweepJob.ProcessOne(s.Ctx))
	foundManifest, err = s.Registry.FindManifest(repo, strayManifest.Digest)
	expectSuccess(t, err)
	if foundManifest != nil {
		t.Error("expected the stray manifest to be deleted in the second round")
	}
	foundManifest, err = s.Registry.FindManifest(repo, taggedManifest.Digest)
	expectSuccess(t, err)
	if foundManifest == nil || foundManifest.CanBeDeletedAt != nil {
		t.Errorf("expected the tagged manifest to survive unmarked, but got %v", foundManifest)
	}

	// the deletion was reported to the security scanner
	expectedNotification := fmt.Sprintf("deleted %s@%s", repo.FullName(), strayManifest.Digest)
	if len(s.Notifier.Notifications) == 0 || s.Notifier.Notifications[len(s.Notifier.Notifications)-1] != expectedNotification {
		t.Errorf("expected notification %q, but got %v", expectedNotification, s.Notifier.Notifications)
	}

	// the payload is still in storage; physical deletion is the storage
	// sweep's job, fed by the reclamation queue
	if s.SD.ManifestCount() != 2 {
		t.Errorf("expected both payloads still in storage, but got %d", s.SD.ManifestCount())
	}
	expectedStorageID := registry.ManifestStorageID(repo, strayManifest.Digest)
	isManifest, err := s.DB.SelectInt(
		`SELECT COUNT(*) FROM orphaned_storage WHERE storage_id = $1 AND is_manifest`, expectedStorageID)
	expectSuccess(t, err)
	if isManifest != 1 {
		t.Errorf("expected a manifest reclamation entry for %q", expectedStorageID)
	}

	storageJob := j.StorageSweepJob(prometheus.NewRegistry())
	s.Clock.StepBy(10 * time.Minute)
	expectSuccess(t, storageJob.ProcessOne(s.Ctx))
	expectError(t, sql.ErrNoRows.Error(), storageJob.ProcessOne(s.Ctx))
	if s.SD.ManifestCount() != 1 {
		t.Errorf("expected 1 payload left in storage after the storage sweep, but got %d", s.SD.ManifestCount())
	}
}

func TestManifestSweepUnmarksRevivedManifests(t *testing.T) {
	j, s := setup(t)
	s.Clock.StepBy(1 * time.Hour)
	ns := s.MustCreateNamespace(t, "test1")
	repo := s.MustCreateRepository(t, ns, "foo")
	manifest := s.MustCreateImage(t, ns, repo, test.GenerateImage(test.GenerateExampleLayer(1)))

	sweepJob := j.ManifestSweepJob(prometheus.NewRegistry())
	expectSuccess(t, sweepJob.ProcessOne(s.Ctx))

	// the manifest becomes reachable again during its grace period
	s.MustRetargetTag(t, repo, "latest", manifest)

	s.Clock.StepBy(2 * time.Hour)
	expectSuccess(t, sweepJob.ProcessOne(s.Ctx))

	foundManifest, err := s.Registry.FindManifest(repo, manifest.Digest)
	expectSuccess(t, err)
	if foundManifest == nil {
		t.Fatal("expected revived manifest to survive the sweep")
	}
	if foundManifest.CanBeDeletedAt != nil {
		t.Error("expected revived manifest to be unmarked")
	}
}

func TestManifestSweepDeletesImageListsTopDown(t *testing.T) {
	j, s := setup(t)
	s.Clock.StepBy(1 * time.Hour)
	ns := s.MustCreateNamespace(t, "test1")
	repo := s.MustCreateRepository(t, ns, "foo")

	image1 := test.GenerateImage(test.GenerateExampleLayer(1))
	image2 := test.GenerateImage(test.GenerateExampleLayer(2))
	childManifest1 := s.MustCreateImage(t, ns, repo, image1)
	s.MustCreateImage(t, ns, repo, image2)
	imageList := test.GenerateImageList(image1, image2)
	listManifest, err := s.Registry.CreateManifest(ns, repo, imageList.Manifest.Contents, imageList.Manifest.MediaType)
	expectSuccess(t, err)
	s.MustRetargetTag(t, repo, "latest", *listManifest)

	// a derived artifact on a child manifest rides along through the cascade
	derivedImage, err := s.Registry.FindOrCreateDerivedImage(repo, childManifest1, "flatten", nil)
	expectSuccess(t, err)

	// with the tag gone, the whole tree gets marked
	_, err = s.Registry.DeleteTag(repo, "latest")
	expectSuccess(t, err)
	sweepJob := j.ManifestSweepJob(prometheus.NewRegistry())
	expectSuccess(t, sweepJob.ProcessOne(s.Ctx))
	markedCount, err := s.DB.SelectInt(`SELECT COUNT(*) FROM manifests WHERE can_be_deleted_at IS NOT NULL`)
	expectSuccess(t, err)
	if markedCount != 3 {
		t.Fatalf("expected all 3 manifests to be marked, but got %d", markedCount)
	}

	// the sweep goes top-down: first round past the grace period takes only
	// the list manifest, because the children are still referenced by it
	s.Clock.StepBy(2 * time.Hour)
	expectSuccess(t, sweepJob.ProcessOne(s.Ctx))
	manifestCount, err := s.DB.SelectInt(`SELECT COUNT(*) FROM manifests`)
	expectSuccess(t, err)
	if manifestCount != 2 {
		t.Fatalf("expected 2 manifests left after deleting the list, but got %d", manifestCount)
	}

	// the next round takes the children
	s.Clock.StepBy(2 * time.Hour)
	expectSuccess(t, sweepJob.ProcessOne(s.Ctx))
	manifestCount, err = s.DB.SelectInt(`SELECT COUNT(*) FROM manifests`)
	expectSuccess(t, err)
	if manifestCount != 0 {
		t.Errorf("expected no manifests left after the third round, but got %d", manifestCount)
	}

	// the derived artifact's record is gone with its source manifest, and its
	// storage went into the reclamation queue
	foundDerived, err := s.Registry.LookupDerivedImage(repo, childManifest1, "flatten", nil)
	expectSuccess(t, err)
	if foundDerived != nil {
		t.Error("expected derived artifact record to be deleted with its source manifest")
	}
	orphanCount, err := s.DB.SelectInt(
		`SELECT COUNT(*) FROM orphaned_storage WHERE storage_id = $1`, derivedImage.StorageID)
	expectSuccess(t, err)
	if orphanCount != 1 {
		t.Errorf("expected a reclamation entry for the derived artifact, but got %d", orphanCount)
	}
}

func TestLegacyImageSweep(t *testing.T) {
	j, s := setup(t)
	s.Clock.StepBy(1 * time.Hour)
	ns := s.MustCreateNamespace(t, "test1")
	repo := s.MustCreateRepository(t, ns, "foo")

	rootBlob := s.MustCommitBlob(t, ns, repo, test.GenerateExampleLayer(1))
	childBlob := s.MustCommitBlob(t, ns, repo, test.GenerateExampleLayer(2))
	rootImage, err := s.Registry.CreateLegacyImage(repo, "aaaa", rootBlob, nil)
	expectSuccess(t, err)
	childImage, err := s.Registry.CreateLegacyImage(repo, "bbbb", childBlob, rootImage)
	expectSuccess(t, err)
	_, err = s.Registry.RetargetTag(repo, "legacy", models.TargetLegacyImage(childImage.ID), false)
	expectSuccess(t, err)

	// while the tag is open, nothing gets marked
	sweepJob := j.ManifestSweepJob(prometheus.NewRegistry())
	expectSuccess(t, sweepJob.ProcessOne(s.Ctx))
	markedCount, err := s.DB.SelectInt(`SELECT COUNT(*) FROM legacy_images WHERE can_be_deleted_at IS NOT NULL`)
	expectSuccess(t, err)
	if markedCount != 0 {
		t.Fatalf("expected no marked legacy images while tagged, but got %d", markedCount)
	}

	// with the tag gone, the whole chain gets marked
	_, err = s.Registry.DeleteTag(repo, "legacy")
	expectSuccess(t, err)
	s.Clock.StepBy(2 * time.Hour)
	expectSuccess(t, sweepJob.ProcessOne(s.Ctx))
	markedCount, err = s.DB.SelectInt(`SELECT COUNT(*) FROM legacy_images WHERE can_be_deleted_at IS NOT NULL`)
	expectSuccess(t, err)
	if markedCount != 2 {
		t.Fatalf("expected both legacy images to be marked, but got %d", markedCount)
	}

	// deletion goes leaves-first: the child falls in the next ripened round,
	// the root in the one after that
	s.Clock.StepBy(2 * time.Hour)
	expectSuccess(t, sweepJob.ProcessOne(s.Ctx))
	imageCount, err := s.DB.SelectInt(`SELECT COUNT(*) FROM legacy_images`)
	expectSuccess(t, err)
	if imageCount != 1 {
		t.Fatalf("expected 1 legacy image left after deleting the leaf, but got %d", imageCount)
	}
	s.Clock.StepBy(2 * time.Hour)
	expectSuccess(t, sweepJob.ProcessOne(s.Ctx))
	imageCount, err = s.DB.SelectInt(`SELECT COUNT(*) FROM legacy_images`)
	expectSuccess(t, err)
	if imageCount != 0 {
		t.Errorf("expected no legacy images left, but got %d", imageCount)
	}

	// the owned blobs stay behind for the blob sweep
	blobCount, err := s.DB.SelectInt(`SELECT COUNT(*) FROM blobs`)
	expectSuccess(t, err)
	if blobCount != 2 {
		t.Errorf("expected the owned blobs to stay for the blob sweep, but got %d", blobCount)
	}
}
