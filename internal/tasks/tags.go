// SPDX-FileCopyrightText: 2026 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package tasks

import (
	"context"

	"github.com/go-gorp/gorp/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sapcc/go-bits/jobloop"
	"github.com/sapcc/go-bits/sqlext"

	"github.com/sapcc/drydock/internal/models"
)

// query that finds the next expired tag or pin to be closed
var expiredTagSearchQuery = sqlext.SimplifyWhitespace(`
	SELECT * FROM tags
	WHERE lifetime_end IS NULL AND expires_at IS NOT NULL AND expires_at <= $1
	ORDER BY expires_at ASC -- longest-expired tags first
	FOR UPDATE SKIP LOCKED  -- block concurrent retargets of the same tag
	LIMIT 1                 -- one at a time
`)

// TagReaperJob closes tags and pins whose expiration has passed. Read paths
// already treat such tags as inactive, so the reaper only makes the history
// record explicit (and thereby releases the tag name for reuse).
//
// The lifetime is closed at the expiration timestamp, not at the time the
// reaper got around to the row, so the recorded interval matches what read
// paths have been reporting all along.
func (j *Janitor) TagReaperJob(registerer prometheus.Registerer) jobloop.Job {
	return (&jobloop.TxGuardedJob[*gorp.Transaction, models.Tag]{
		Metadata: jobloop.JobMetadata{
			ReadableName:    "close expired tags",
			ConcurrencySafe: true, //because "FOR UPDATE SKIP LOCKED" is used
			CounterOpts: prometheus.CounterOpts{
				Name: "drydock_closed_expired_tags",
				Help: "Counter for expired tags and pins that were closed.",
			},
		},
		BeginTx: j.db.Begin,
		DiscoverRow: func(_ context.Context, tx *gorp.Transaction, _ prometheus.Labels) (tag models.Tag, err error) {
			err = tx.SelectOne(&tag, expiredTagSearchQuery, j.timeNow())
			return tag, err
		},
		ProcessRow: j.closeExpiredTag,
	}).Setup(registerer)
}

func (j *Janitor) closeExpiredTag(_ context.Context, tx *gorp.Transaction, tag models.Tag, _ prometheus.Labels) error {
	tag.LifetimeEnd = tag.ExpiresAt
	_, err := tx.Update(&tag)
	if err != nil {
		return err
	}
	return tx.Commit()
}
