// SPDX-FileCopyrightText: 2026 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package models

import (
	"github.com/opencontainers/go-digest"
)

// Label contains a record from the `labels` table. Each label belongs to
// exactly one manifest.
type Label struct {
	UUID           string        `db:"uuid"`
	RepositoryID   int64         `db:"repo_id"`
	ManifestDigest digest.Digest `db:"manifest_digest"`
	Key            string        `db:"label_key"`
	Value          string        `db:"value"`
	SourceType     string        `db:"source_type"`
	MediaType      string        `db:"media_type"`
}

// Source types for labels.
const (
	LabelSourceManifest = "manifest"
	LabelSourceAPI      = "api"
	LabelSourceInternal = "internal"
)

// IsLabelMediaType returns whether the given string is an accepted label
// media type. The empty string is accepted and means text/plain.
func IsLabelMediaType(mediaType string) bool {
	switch mediaType {
	case "", "text/plain", "application/json":
		return true
	default:
		return false
	}
}

// IsLabelSourceType returns whether the given string is a known label source
// type.
func IsLabelSourceType(sourceType string) bool {
	switch sourceType {
	case LabelSourceManifest, LabelSourceAPI, LabelSourceInternal:
		return true
	default:
		return false
	}
}
