// SPDX-FileCopyrightText: 2026 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package models

import "time"

// RepositoryKind distinguishes what sort of content a repository holds.
type RepositoryKind string

const (
	// RepositoryKindImage is a regular container image repository.
	RepositoryKindImage RepositoryKind = "image"
	// RepositoryKindApplication is a repository holding application bundles.
	RepositoryKindApplication RepositoryKind = "application"
)

// Namespace contains a record from the `namespaces` table. Repositories live
// inside namespaces and inherit their enabled/disabled state from them.
type Namespace struct {
	Name      string         `db:"name"`
	Kind      RepositoryKind `db:"kind"`
	IsEnabled bool           `db:"is_enabled"`

	NextBlobSweepAt *time.Time `db:"next_blob_sweep_at"` // see tasks.BlobSweepJob
}

// Repository contains a record from the `repos` table.
type Repository struct {
	ID            int64          `db:"id"`
	NamespaceName string         `db:"namespace_name"`
	Name          string         `db:"name"`
	Kind          RepositoryKind `db:"kind"`

	NextManifestSweepAt *time.Time `db:"next_manifest_sweep_at"` // see tasks.ManifestSweepJob
}

// FullName prepends the namespace name to the repository name.
func (r Repository) FullName() string {
	return r.NamespaceName + `/` + r.Name
}
