// SPDX-FileCopyrightText: 2026 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package models

import (
	"strconv"
	"strings"
	"time"
)

// LegacyImage contains a record from the `legacy_images` table.
//
// Legacy images predate manifest lists. Each one owns exactly one blob and
// has an explicit parent chain. Ancestry is the materialized path of
// ancestor IDs from the root down to (and excluding) this image, in the form
// "/1/4/9/", which makes "all descendants of X" a prefix query.
type LegacyImage struct {
	ID           int64     `db:"id"`
	RepositoryID int64     `db:"repo_id"`
	ImageID      string    `db:"image_id"`
	BlobID       int64     `db:"blob_id"`
	ParentID     *int64    `db:"parent_id"`
	Ancestry     string    `db:"ancestry"`
	CreatedAt    time.Time `db:"created_at"`
	// CanBeDeletedAt is set by tasks.ManifestSweepJob, see explanation there.
	CanBeDeletedAt *time.Time `db:"can_be_deleted_at"`
}

// AncestorIDs parses the Ancestry path into the ordered list of ancestor
// row IDs, root first.
func (i LegacyImage) AncestorIDs() []int64 {
	parts := strings.Split(strings.Trim(i.Ancestry, "/"), "/")
	var result []int64
	for _, part := range parts {
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			// ancestry strings are only ever written by ChildAncestry
			continue
		}
		result = append(result, id)
	}
	return result
}

// ChildAncestry returns the Ancestry value for a direct child of this image.
func (i LegacyImage) ChildAncestry() string {
	return i.Ancestry + strconv.FormatInt(i.ID, 10) + "/"
}
