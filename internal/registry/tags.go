// SPDX-FileCopyrightText: 2026 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	gorp "github.com/go-gorp/gorp/v3"
	"github.com/lib/pq"
	"github.com/sapcc/go-bits/sqlext"

	"github.com/sapcc/drydock/internal/drydock"
	"github.com/sapcc/drydock/internal/models"
)

// RetargetTag points the tag `name` in `repo` at `target`.
//
// This is the only way a tag ever moves: the currently active record for the
// name (if any) gets its lifetime closed, and a fresh active record is
// inserted, both at the same instant and in the same transaction. Re-pushing
// the target that the tag already points at goes through the same
// close-and-reopen, so the history records the re-push event.
//
// Concurrent retargets of the same name serialize on the closed record's row
// lock; a loser that did not observe the winner's insert runs into the
// partial unique index on active tags and fails with ErrConflict, never
// leaving zero or two active records visible.
//
// `reversion` marks the new record as a rollback to an earlier target; it is
// a semantic flag only and does not affect ordering.
func (p *Processor) RetargetTag(repo models.Repository, name string, target models.TagTarget, reversion bool) (*models.Tag, error) {
	if !models.TagNameRx.MatchString(name) {
		return nil, drydock.ErrValidation.With("not a well-formed tag name: %q", name)
	}
	if !target.IsValid() {
		return nil, drydock.ErrValidation.With("tag target must be exactly one of manifest or legacy image")
	}

	var tag *models.Tag
	err := p.insideTransaction(func(tx *gorp.Transaction) error {
		err := p.checkRetargetTarget(tx, repo, target)
		if err != nil {
			return err
		}

		now := p.timeNow()
		_, err = tx.Exec(
			`UPDATE tags SET lifetime_end = $3 WHERE repo_id = $1 AND name = $2 AND lifetime_end IS NULL`,
			repo.ID, name, now,
		)
		if err != nil {
			return err
		}

		tag = &models.Tag{
			RepositoryID:   repo.ID,
			Name:           name,
			ManifestDigest: target.ManifestDigest,
			LegacyImageID:  target.LegacyImageID,
			LifetimeStart:  now,
			IsReversion:    reversion,
		}
		err = tx.Insert(tag)
		if isUniqueViolation(err) {
			return drydock.ErrConflict.With("tag %q was retargeted concurrently", name)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return tag, nil
}

func (p *Processor) checkRetargetTarget(tx *gorp.Transaction, repo models.Repository, target models.TagTarget) error {
	if target.ManifestDigest != nil {
		manifest, err := findManifest(tx, repo, *target.ManifestDigest)
		if err != nil {
			return err
		}
		if manifest == nil {
			return drydock.ErrValidation.With("cannot tag unknown manifest %s", *target.ManifestDigest)
		}
		return nil
	}
	count, err := tx.SelectInt(
		`SELECT COUNT(*) FROM legacy_images WHERE repo_id = $1 AND id = $2`,
		repo.ID, *target.LegacyImageID,
	)
	if err != nil {
		return err
	}
	if count == 0 {
		return drydock.ErrValidation.With("cannot tag unknown legacy image %d", *target.LegacyImageID)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// ActiveTag returns the currently active tag for the given name, or nil if
// there is none. A record whose lifetime is still open but whose expiration
// has passed counts as absent; the tag reaper will close it eventually.
func (p *Processor) ActiveTag(repo models.Repository, name string) (*models.Tag, error) {
	var tag models.Tag
	err := p.db.SelectOne(&tag,
		`SELECT * FROM tags WHERE repo_id = $1 AND name = $2 AND lifetime_end IS NULL AND NOT is_hidden`,
		repo.ID, name,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !tag.IsActiveAt(p.timeNow()) {
		return nil, nil
	}
	return &tag, nil
}

// HasExpiredTag returns whether the given name has an active-looking record
// that is only absent because its expiration has passed. Callers use this to
// distinguish "tag expired" from "tag never existed / was deleted".
func (p *Processor) HasExpiredTag(repo models.Repository, name string) (bool, error) {
	count, err := p.db.SelectInt(sqlext.SimplifyWhitespace(`
		SELECT COUNT(*) FROM tags
		WHERE repo_id = $1 AND name = $2 AND lifetime_end IS NULL AND NOT is_hidden
		  AND expires_at IS NOT NULL AND expires_at <= $3
	`), repo.ID, name, p.timeNow())
	return count > 0, err
}

// DeleteTag ends the active tag's lifetime without creating a replacement.
// The returned record is the closed one; nil means there was no active tag.
// The content it pointed to immediately becomes subject to liveness
// re-evaluation by the sweeps.
func (p *Processor) DeleteTag(repo models.Repository, name string) (*models.Tag, error) {
	var tag *models.Tag
	err := p.insideTransaction(func(tx *gorp.Transaction) error {
		var record models.Tag
		err := tx.SelectOne(&record, sqlext.SimplifyWhitespace(`
			SELECT * FROM tags WHERE repo_id = $1 AND name = $2 AND lifetime_end IS NULL AND NOT is_hidden
			FOR UPDATE
		`), repo.ID, name)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		now := p.timeNow()
		if !record.IsActiveAt(now) {
			return nil
		}
		record.LifetimeEnd = &now
		_, err = tx.Update(&record)
		tag = &record
		return err
	})
	if err != nil {
		return nil, err
	}
	return tag, nil
}

// DeleteTagsForManifest ends the lifetime of all tags (hidden pins included)
// that point at the given manifest, making it eligible for the manifest
// sweep. Returns the closed tags.
func (p *Processor) DeleteTagsForManifest(repo models.Repository, manifest models.Manifest) ([]models.Tag, error) {
	var tags []models.Tag
	err := p.insideTransaction(func(tx *gorp.Transaction) error {
		_, err := tx.Select(&tags, sqlext.SimplifyWhitespace(`
			SELECT * FROM tags
			WHERE repo_id = $1 AND manifest_digest = $2 AND lifetime_end IS NULL
			FOR UPDATE
		`), repo.ID, manifest.Digest)
		if err != nil {
			return err
		}
		now := p.timeNow()
		for idx := range tags {
			tags[idx].LifetimeEnd = &now
			_, err = tx.Update(&tags[idx])
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tags, nil
}

// SetTagExpiration sets or clears the expiration of a tag. A nil expiresAt
// clears it ("never expires").
func (p *Processor) SetTagExpiration(tag *models.Tag, expiresAt *time.Time) error {
	tag.ExpiresAt = expiresAt
	_, err := p.db.Update(tag)
	return err
}

// SetTagsExpirationForManifest applies the given expiration to all active
// tags pointing at the given manifest.
func (p *Processor) SetTagsExpirationForManifest(repo models.Repository, manifest models.Manifest, expiresAt *time.Time) error {
	_, err := p.db.Exec(
		`UPDATE tags SET expires_at = $3 WHERE repo_id = $1 AND manifest_digest = $2 AND lifetime_end IS NULL`,
		repo.ID, manifest.Digest, expiresAt,
	)
	return err
}

// MostRecentTag returns the active tag with the greatest lifetime start, or
// nil if the repo has no active tags.
func (p *Processor) MostRecentTag(repo models.Repository) (*models.Tag, error) {
	var tag models.Tag
	err := p.db.SelectOne(&tag, sqlext.SimplifyWhitespace(`
		SELECT * FROM tags
		WHERE repo_id = $1 AND lifetime_end IS NULL AND NOT is_hidden
		  AND (expires_at IS NULL OR expires_at > $2)
		ORDER BY lifetime_start DESC, id DESC LIMIT 1
	`), repo.ID, p.timeNow())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &tag, nil
}

// FindMatchingTag returns the first of the given names that resolves to an
// active tag, or nil if none does. (Pull paths use this to fall back from
// e.g. "latest" to a default tag.)
func (p *Processor) FindMatchingTag(repo models.Repository, names []string) (*models.Tag, error) {
	for _, name := range names {
		tag, err := p.ActiveTag(repo, name)
		if err != nil || tag != nil {
			return tag, err
		}
	}
	return nil, nil
}

// MostRecentTagLifetimeStart returns, for each given repo that has active
// tags, the lifetime start of its most recent one.
func (p *Processor) MostRecentTagLifetimeStart(repos []models.Repository) (map[int64]time.Time, error) {
	if len(repos) == 0 {
		return nil, nil
	}
	ids := make([]int64, len(repos))
	for idx, repo := range repos {
		ids[idx] = repo.ID
	}

	result := make(map[int64]time.Time)
	query := sqlext.SimplifyWhitespace(`
		SELECT repo_id, MAX(lifetime_start) FROM tags
		WHERE repo_id = ANY($1) AND lifetime_end IS NULL AND NOT is_hidden
		  AND (expires_at IS NULL OR expires_at > $2)
		GROUP BY repo_id
	`)
	err := sqlext.ForeachRow(p.db, query, []any{pq.Array(ids), p.timeNow()}, func(rows *sql.Rows) error {
		var (
			repoID int64
			start  time.Time
		)
		err := rows.Scan(&repoID, &start)
		if err != nil {
			return err
		}
		result[repoID] = start
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// TagHistoryOptions filters a TagHistory listing.
type TagHistoryOptions struct {
	// Name restricts the listing to intervals of one tag name.
	Name string
	// ActiveOnly hides closed and expired intervals.
	ActiveOnly bool
	// Since hides intervals that ended before the given time.
	Since *time.Time
	// Limit is the page size (default 100).
	Limit int
	// Cursor continues a previous listing. It is an opaque value from a
	// previous page's result; the zero value starts at the newest interval.
	Cursor TagCursor
}

// TagCursor is an opaque pagination cursor over tag intervals. It is derived
// from the interval ordering key (lifetime start, row ID), never from a row
// offset, so pages remain stable while concurrent retargets insert new rows
// above the cursor.
type TagCursor string

func makeTagCursor(tag models.Tag) TagCursor {
	plain := fmt.Sprintf("%d,%d", tag.LifetimeStart.UnixMicro(), tag.ID)
	return TagCursor(base64.StdEncoding.EncodeToString([]byte(plain)))
}

func (c TagCursor) parse() (lifetimeStart time.Time, id int64, err error) {
	buf, err := base64.StdEncoding.DecodeString(string(c))
	if err != nil {
		return time.Time{}, 0, err
	}
	fields := strings.SplitN(string(buf), ",", 2)
	if len(fields) != 2 {
		return time.Time{}, 0, errors.New("malformed cursor")
	}
	micros, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return time.Time{}, 0, err
	}
	id, err = strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return time.Time{}, 0, err
	}
	return time.UnixMicro(micros), id, nil
}

// TagHistory lists tag intervals of a repo, newest first. The returned
// cursor is empty when the listing is exhausted; otherwise it continues the
// listing in a subsequent call.
func (p *Processor) TagHistory(repo models.Repository, opts TagHistoryOptions) ([]models.Tag, TagCursor, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}

	whereClauses := []string{`repo_id = $1`, `NOT is_hidden`}
	args := []any{repo.ID}
	addArg := func(val any) string {
		args = append(args, val)
		return fmt.Sprintf("$%d", len(args))
	}

	if opts.Name != "" {
		whereClauses = append(whereClauses, `name = `+addArg(opts.Name))
	}
	if opts.ActiveOnly {
		whereClauses = append(whereClauses, `lifetime_end IS NULL`)
		whereClauses = append(whereClauses,
			`(expires_at IS NULL OR expires_at > `+addArg(p.timeNow())+`)`)
	}
	if opts.Since != nil {
		whereClauses = append(whereClauses,
			`(lifetime_end IS NULL OR lifetime_end >= `+addArg(*opts.Since)+`)`)
	}
	if opts.Cursor != "" {
		cursorStart, cursorID, err := opts.Cursor.parse()
		if err != nil {
			return nil, "", drydock.ErrValidation.With("malformed pagination cursor")
		}
		whereClauses = append(whereClauses, fmt.Sprintf(`(lifetime_start, id) < (%s, %s)`,
			addArg(cursorStart), addArg(cursorID)))
	}

	query := fmt.Sprintf(
		`SELECT * FROM tags WHERE %s ORDER BY lifetime_start DESC, id DESC LIMIT %d`,
		strings.Join(whereClauses, " AND "), limit+1,
	)
	var tags []models.Tag
	_, err := p.db.Select(&tags, query, args...)
	if err != nil {
		return nil, "", err
	}

	var nextCursor TagCursor
	if len(tags) > limit {
		tags = tags[:limit]
		nextCursor = makeTagCursor(tags[limit-1])
	}
	return tags, nextCursor, nil
}

// ListActiveTags lists the repo's active tags, newest first, with the same
// cursor pagination as TagHistory.
func (p *Processor) ListActiveTags(repo models.Repository, cursor TagCursor, limit int) ([]models.Tag, TagCursor, error) {
	return p.TagHistory(repo, TagHistoryOptions{
		ActiveOnly: true,
		Limit:      limit,
		Cursor:     cursor,
	})
}

type cachedTagPage struct {
	Tags       []models.Tag `json:"tags"`
	NextCursor TagCursor    `json:"next_cursor"`
}

// CachedListActiveTags is ListActiveTags behind the cache collaborator. The
// cache key includes the repo ID and the cursor, and entries live for the
// given TTL with no invalidation, so callers accept that a page may be up to
// one TTL stale. Without a cache driver this degrades to ListActiveTags.
func (p *Processor) CachedListActiveTags(ctx context.Context, repo models.Repository, cursor TagCursor, limit int, ttl time.Duration) ([]models.Tag, TagCursor, error) {
	if p.cache == nil {
		return p.ListActiveTags(repo, cursor, limit)
	}

	key := fmt.Sprintf("active-tags:%d:%d:%s", repo.ID, limit, cursor)
	buf, err := p.cache.GetOrCompute(ctx, key, ttl, func() ([]byte, error) {
		tags, nextCursor, err := p.ListActiveTags(repo, cursor, limit)
		if err != nil {
			return nil, err
		}
		return json.Marshal(cachedTagPage{tags, nextCursor})
	})
	if err != nil {
		return nil, "", err
	}

	var page cachedTagPage
	err = json.Unmarshal(buf, &page)
	if err != nil {
		return nil, "", err
	}
	return page.Tags, page.NextCursor, nil
}
