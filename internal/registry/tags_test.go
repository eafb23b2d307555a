// SPDX-FileCopyrightText: 2026 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package registry_test

import (
	"sync"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/sapcc/drydock/internal/drydock"
	"github.com/sapcc/drydock/internal/models"
	"github.com/sapcc/drydock/internal/registry"
	"github.com/sapcc/drydock/internal/test"
)

func TestRetargetTagKeepsHistory(t *testing.T) {
	s := test.NewSetup(t)
	ns := s.MustCreateNamespace(t, "test1")
	repo := s.MustCreateRepository(t, ns, "foo")
	manifest1 := s.MustCreateImage(t, ns, repo, test.GenerateImage(test.GenerateExampleLayer(1)))
	manifest2 := s.MustCreateImage(t, ns, repo, test.GenerateImage(test.GenerateExampleLayer(2)))

	// first push of the tag creates the initial interval
	s.Clock.StepBy(1 * time.Hour)
	firstPushedAt := s.Clock.Now()
	s.MustRetargetTag(t, repo, "latest", manifest1)
	s.ExpectTagTarget(t, repo, "latest", manifest1.Digest)

	// retargeting closes the old interval and opens a new one at the same instant
	s.Clock.StepBy(1 * time.Hour)
	retargetedAt := s.Clock.Now()
	s.MustRetargetTag(t, repo, "latest", manifest2)
	s.ExpectTagTarget(t, repo, "latest", manifest2.Digest)

	tags, cursor, err := s.Registry.TagHistory(repo, registry.TagHistoryOptions{})
	expectSuccess(t, err)
	if cursor != "" {
		t.Errorf("expected exhausted listing, but got cursor %q", cursor)
	}
	if len(tags) != 2 {
		t.Fatalf("expected 2 tag intervals, but got %d", len(tags))
	}
	// newest first
	if tags[0].LifetimeEnd != nil {
		t.Error("expected newest interval to be open, but it is closed")
	}
	if tags[0].ManifestDigest == nil || *tags[0].ManifestDigest != manifest2.Digest {
		t.Errorf("expected newest interval to point to %s, but it points to %v", manifest2.Digest, tags[0].ManifestDigest)
	}
	if !tags[0].LifetimeStart.Equal(retargetedAt) {
		t.Errorf("expected newest interval to start at %s, but it starts at %s", retargetedAt, tags[0].LifetimeStart)
	}
	if tags[1].LifetimeEnd == nil {
		t.Fatal("expected old interval to be closed, but it is open")
	}
	if !tags[1].LifetimeEnd.Equal(retargetedAt) {
		t.Errorf("expected old interval to end at %s, but it ends at %s", retargetedAt, *tags[1].LifetimeEnd)
	}
	if !tags[1].LifetimeStart.Equal(firstPushedAt) {
		t.Errorf("expected old interval to start at %s, but it starts at %s", firstPushedAt, tags[1].LifetimeStart)
	}

	// re-pushing the same target records a new interval, too
	s.Clock.StepBy(1 * time.Hour)
	s.MustRetargetTag(t, repo, "latest", manifest2)
	tags, _, err = s.Registry.TagHistory(repo, registry.TagHistoryOptions{})
	expectSuccess(t, err)
	if len(tags) != 3 {
		t.Errorf("expected 3 tag intervals after re-push, but got %d", len(tags))
	}

	// a reversion is just a regular retarget with the flag set
	s.Clock.StepBy(1 * time.Hour)
	tag, err := s.Registry.RetargetTag(repo, "latest", models.TargetManifest(manifest1.Digest), true)
	expectSuccess(t, err)
	if !tag.IsReversion {
		t.Error("expected reversion flag to be set on the new interval")
	}
	s.ExpectTagTarget(t, repo, "latest", manifest1.Digest)
}

func TestRetargetTagValidation(t *testing.T) {
	s := test.NewSetup(t)
	ns := s.MustCreateNamespace(t, "test1")
	repo := s.MustCreateRepository(t, ns, "foo")
	manifest := s.MustCreateImage(t, ns, repo, test.GenerateImage(test.GenerateExampleLayer(1)))

	// malformed tag name
	_, err := s.Registry.RetargetTag(repo, "-no/t a tag", models.TargetManifest(manifest.Digest), false)
	expectErrorCode(t, drydock.ErrValidation, err)

	// target variant not chosen
	_, err = s.Registry.RetargetTag(repo, "latest", models.TagTarget{}, false)
	expectErrorCode(t, drydock.ErrValidation, err)

	// manifest that was never pushed
	bogusDigest := digest.Canonical.FromString("no such manifest")
	_, err = s.Registry.RetargetTag(repo, "latest", models.TargetManifest(bogusDigest), false)
	expectErrorCode(t, drydock.ErrValidation, err)

	// legacy image that was never pushed
	_, err = s.Registry.RetargetTag(repo, "latest", models.TargetLegacyImage(42), false)
	expectErrorCode(t, drydock.ErrValidation, err)

	// none of these may have left a record behind
	tags, _, err := s.Registry.TagHistory(repo, registry.TagHistoryOptions{})
	expectSuccess(t, err)
	if len(tags) != 0 {
		t.Errorf("expected no tag intervals after failed retargets, but got %d", len(tags))
	}
}

func TestTagExpiration(t *testing.T) {
	s := test.NewSetup(t)
	ns := s.MustCreateNamespace(t, "test1")
	repo := s.MustCreateRepository(t, ns, "foo")
	manifest := s.MustCreateImage(t, ns, repo, test.GenerateImage(test.GenerateExampleLayer(1)))

	tag := s.MustRetargetTag(t, repo, "nightly", manifest)
	expiresAt := s.Clock.Now().Add(30 * time.Minute)
	expectSuccess(t, s.Registry.SetTagExpiration(&tag, &expiresAt))

	// before the deadline, the tag resolves normally
	s.Clock.StepBy(29 * time.Minute)
	s.ExpectTagTarget(t, repo, "nightly", manifest.Digest)

	// after the deadline, the tag looks absent even though the reaper has not
	// closed the record yet
	s.Clock.StepBy(2 * time.Minute)
	activeTag, err := s.Registry.ActiveTag(repo, "nightly")
	expectSuccess(t, err)
	if activeTag != nil {
		t.Error("expected expired tag to be absent, but it still resolves")
	}
	hasExpired, err := s.Registry.HasExpiredTag(repo, "nightly")
	expectSuccess(t, err)
	if !hasExpired {
		t.Error("expected HasExpiredTag to report the expired record")
	}
	hasExpired, err = s.Registry.HasExpiredTag(repo, "unrelated")
	expectSuccess(t, err)
	if hasExpired {
		t.Error("expected HasExpiredTag to ignore names that never existed")
	}

	// as long as the reaper has not closed the record, clearing the
	// expiration resurrects the tag
	expectSuccess(t, s.Registry.SetTagExpiration(&tag, nil))
	s.ExpectTagTarget(t, repo, "nightly", manifest.Digest)
}

func TestDeleteTag(t *testing.T) {
	s := test.NewSetup(t)
	ns := s.MustCreateNamespace(t, "test1")
	repo := s.MustCreateRepository(t, ns, "foo")
	manifest := s.MustCreateImage(t, ns, repo, test.GenerateImage(test.GenerateExampleLayer(1)))

	s.MustRetargetTag(t, repo, "latest", manifest)
	s.Clock.StepBy(1 * time.Hour)

	closedTag, err := s.Registry.DeleteTag(repo, "latest")
	expectSuccess(t, err)
	if closedTag == nil {
		t.Fatal("expected DeleteTag to return the closed record, but got nil")
	}
	if closedTag.LifetimeEnd == nil || !closedTag.LifetimeEnd.Equal(s.Clock.Now()) {
		t.Errorf("expected closed record to end now, but got %v", closedTag.LifetimeEnd)
	}

	activeTag, err := s.Registry.ActiveTag(repo, "latest")
	expectSuccess(t, err)
	if activeTag != nil {
		t.Error("expected tag to be gone after DeleteTag, but it still resolves")
	}

	// deleting again is a no-op
	closedTag, err = s.Registry.DeleteTag(repo, "latest")
	expectSuccess(t, err)
	if closedTag != nil {
		t.Error("expected second DeleteTag to find nothing, but it returned a record")
	}

	// the history keeps the closed interval
	tags, _, err := s.Registry.TagHistory(repo, registry.TagHistoryOptions{})
	expectSuccess(t, err)
	if len(tags) != 1 {
		t.Errorf("expected 1 tag interval in history, but got %d", len(tags))
	}
}

func TestDeleteTagsForManifest(t *testing.T) {
	s := test.NewSetup(t)
	ns := s.MustCreateNamespace(t, "test1")
	repo := s.MustCreateRepository(t, ns, "foo")
	manifest1 := s.MustCreateImage(t, ns, repo, test.GenerateImage(test.GenerateExampleLayer(1)))
	manifest2 := s.MustCreateImage(t, ns, repo, test.GenerateImage(test.GenerateExampleLayer(2)))

	s.MustRetargetTag(t, repo, "latest", manifest1)
	s.MustRetargetTag(t, repo, "stable", manifest1)
	s.MustRetargetTag(t, repo, "other", manifest2)
	_, err := s.Registry.PinManifest(repo, manifest1, 1*time.Hour)
	expectSuccess(t, err)

	closedTags, err := s.Registry.DeleteTagsForManifest(repo, manifest1)
	expectSuccess(t, err)
	// both visible tags and the hidden pin are closed
	if len(closedTags) != 3 {
		t.Errorf("expected 3 closed tags, but got %d", len(closedTags))
	}
	for _, name := range []string{"latest", "stable"} {
		activeTag, err := s.Registry.ActiveTag(repo, name)
		expectSuccess(t, err)
		if activeTag != nil {
			t.Errorf("expected tag %q to be gone, but it still resolves", name)
		}
	}
	s.ExpectTagTarget(t, repo, "other", manifest2.Digest)
}

func TestMostRecentAndMatchingTag(t *testing.T) {
	s := test.NewSetup(t)
	ns := s.MustCreateNamespace(t, "test1")
	repo := s.MustCreateRepository(t, ns, "foo")
	manifest := s.MustCreateImage(t, ns, repo, test.GenerateImage(test.GenerateExampleLayer(1)))

	recentTag, err := s.Registry.MostRecentTag(repo)
	expectSuccess(t, err)
	if recentTag != nil {
		t.Error("expected no most recent tag in empty repo")
	}

	s.MustRetargetTag(t, repo, "v1", manifest)
	s.Clock.StepBy(1 * time.Hour)
	s.MustRetargetTag(t, repo, "v2", manifest)

	recentTag, err = s.Registry.MostRecentTag(repo)
	expectSuccess(t, err)
	if recentTag == nil || recentTag.Name != "v2" {
		t.Errorf("expected most recent tag to be v2, but got %v", recentTag)
	}

	matchingTag, err := s.Registry.FindMatchingTag(repo, []string{"latest", "v1", "v2"})
	expectSuccess(t, err)
	if matchingTag == nil || matchingTag.Name != "v1" {
		t.Errorf("expected first matching tag to be v1, but got %v", matchingTag)
	}

	startTimes, err := s.Registry.MostRecentTagLifetimeStart([]models.Repository{repo})
	expectSuccess(t, err)
	if start, ok := startTimes[repo.ID]; !ok || !start.Equal(s.Clock.Now()) {
		t.Errorf("expected most recent lifetime start %s for repo, but got %v", s.Clock.Now(), startTimes)
	}
}

func TestTagHistoryPagination(t *testing.T) {
	s := test.NewSetup(t)
	ns := s.MustCreateNamespace(t, "test1")
	repo := s.MustCreateRepository(t, ns, "foo")
	manifest := s.MustCreateImage(t, ns, repo, test.GenerateImage(test.GenerateExampleLayer(1)))

	for range 5 {
		s.Clock.StepBy(1 * time.Hour)
		s.MustRetargetTag(t, repo, "latest", manifest)
	}

	// walk the listing in pages of 2
	var listedStarts []time.Time
	var cursor registry.TagCursor
	for range 10 { // bounded so a broken cursor cannot loop forever
		tags, nextCursor, err := s.Registry.TagHistory(repo, registry.TagHistoryOptions{
			Limit:  2,
			Cursor: cursor,
		})
		expectSuccess(t, err)
		for _, tag := range tags {
			listedStarts = append(listedStarts, tag.LifetimeStart)
		}
		if nextCursor == "" {
			break
		}
		cursor = nextCursor
	}
	if len(listedStarts) != 5 {
		t.Fatalf("expected to list 5 intervals across pages, but got %d", len(listedStarts))
	}
	for idx := 1; idx < len(listedStarts); idx++ {
		if !listedStarts[idx].Before(listedStarts[idx-1]) {
			t.Errorf("expected newest-first ordering, but interval %d does not precede interval %d", idx, idx-1)
		}
	}

	// a cursor that did not come from a previous page is rejected
	_, _, err := s.Registry.TagHistory(repo, registry.TagHistoryOptions{Cursor: "garbage"})
	expectErrorCode(t, drydock.ErrValidation, err)

	// ActiveOnly hides all closed intervals
	tags, _, err := s.Registry.TagHistory(repo, registry.TagHistoryOptions{ActiveOnly: true})
	expectSuccess(t, err)
	if len(tags) != 1 {
		t.Errorf("expected 1 active interval, but got %d", len(tags))
	}

	// Since hides intervals that ended before the given time; this cutoff
	// keeps the open interval and the two that closed most recently
	since := s.Clock.Now().Add(-90 * time.Minute)
	tags, _, err = s.Registry.TagHistory(repo, registry.TagHistoryOptions{Since: &since})
	expectSuccess(t, err)
	if len(tags) != 3 {
		t.Errorf("expected 3 intervals since %s, but got %d", since, len(tags))
	}
}

func TestCachedListActiveTags(t *testing.T) {
	s := test.NewSetup(t, test.WithRedis())
	ns := s.MustCreateNamespace(t, "test1")
	repo := s.MustCreateRepository(t, ns, "foo")
	manifest1 := s.MustCreateImage(t, ns, repo, test.GenerateImage(test.GenerateExampleLayer(1)))
	manifest2 := s.MustCreateImage(t, ns, repo, test.GenerateImage(test.GenerateExampleLayer(2)))

	s.MustRetargetTag(t, repo, "latest", manifest1)

	ttl := 5 * time.Minute
	tags, _, err := s.Registry.CachedListActiveTags(s.Ctx, repo, "", 10, ttl)
	expectSuccess(t, err)
	if len(tags) != 1 || *tags[0].ManifestDigest != manifest1.Digest {
		t.Fatalf("expected cached listing with 1 tag on %s, but got %v", manifest1.Digest, tags)
	}

	// within the TTL, the listing is served from cache and does not see the retarget
	s.MustRetargetTag(t, repo, "latest", manifest2)
	tags, _, err = s.Registry.CachedListActiveTags(s.Ctx, repo, "", 10, ttl)
	expectSuccess(t, err)
	if len(tags) != 1 || *tags[0].ManifestDigest != manifest1.Digest {
		t.Errorf("expected stale cached listing to still show %s, but got %v", manifest1.Digest, tags)
	}

	// once the TTL lapses, the next listing recomputes
	s.Clock.MiniRedis.FastForward(ttl)
	tags, _, err = s.Registry.CachedListActiveTags(s.Ctx, repo, "", 10, ttl)
	expectSuccess(t, err)
	if len(tags) != 1 || *tags[0].ManifestDigest != manifest2.Digest {
		t.Errorf("expected fresh listing to show %s, but got %v", manifest2.Digest, tags)
	}
}

func TestRetargetTagConcurrentWriters(t *testing.T) {
	s := test.NewSetup(t)
	ns := s.MustCreateNamespace(t, "test1")
	repo := s.MustCreateRepository(t, ns, "foo")

	manifest1 := s.MustCreateImage(t, ns, repo, test.GenerateImage(test.GenerateExampleLayer(1)))
	s.MustRetargetTag(t, repo, "latest", manifest1)

	// several writers race to move the same tag; every writer must either
	// succeed or observe the conflict, and the name must never end up with
	// zero or two active records
	const writerCount = 4
	targets := make([]models.Manifest, writerCount)
	for idx := range targets {
		targets[idx] = s.MustCreateImage(t, ns, repo, test.GenerateImage(test.GenerateExampleLayer(int64(idx)+2)))
	}

	errs := make([]error, writerCount)
	var wg sync.WaitGroup
	for idx := range writerCount {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[idx] = s.Registry.RetargetTag(repo, "latest", models.TargetManifest(targets[idx].Digest), false)
		}()
	}
	wg.Wait()

	successCount := int64(0)
	for _, err := range errs {
		if err == nil {
			successCount++
		} else if !drydock.IsErrorWithCode(err, drydock.ErrConflict) {
			t.Errorf("expected concurrent retarget to succeed or conflict, but got error: %s", err.Error())
		}
	}
	if successCount == 0 {
		t.Error("expected at least one concurrent retarget to succeed, but all of them conflicted")
	}

	activeCount, err := s.DB.SelectInt(
		`SELECT COUNT(*) FROM tags WHERE repo_id = $1 AND name = $2 AND lifetime_end IS NULL`,
		repo.ID, "latest")
	expectSuccess(t, err)
	if activeCount != 1 {
		t.Errorf("expected exactly 1 active record for the tag, but got %d", activeCount)
	}

	// the history contains one record per successful retarget (plus the
	// initial one), i.e. conflicting writers left no partial rows behind
	totalCount, err := s.DB.SelectInt(
		`SELECT COUNT(*) FROM tags WHERE repo_id = $1 AND name = $2`,
		repo.ID, "latest")
	expectSuccess(t, err)
	if totalCount != successCount+1 {
		t.Errorf("expected %d records for the tag, but got %d", successCount+1, totalCount)
	}
}
