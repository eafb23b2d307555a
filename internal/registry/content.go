// SPDX-FileCopyrightText: 2026 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"database/sql"
	"errors"
	"time"

	gorp "github.com/go-gorp/gorp/v3"
	"github.com/lib/pq"
	"github.com/opencontainers/go-digest"
	"github.com/sapcc/go-bits/sqlext"

	"github.com/sapcc/drydock/internal/drydock"
	"github.com/sapcc/drydock/internal/models"
)

// FindNamespace looks up a namespace by name. Returns nil if it does not
// exist.
func (p *Processor) FindNamespace(name string) (*models.Namespace, error) {
	var ns models.Namespace
	err := p.db.SelectOne(&ns, `SELECT * FROM namespaces WHERE name = $1`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ns, nil
}

// IsNamespaceEnabled returns whether the given namespace exists and is
// enabled. Repositories inherit this state.
func (p *Processor) IsNamespaceEnabled(name string) (bool, error) {
	ns, err := p.FindNamespace(name)
	if err != nil || ns == nil {
		return false, err
	}
	return ns.IsEnabled, nil
}

// EnsureNamespace creates a namespace if it does not exist yet.
func (p *Processor) EnsureNamespace(name string, kind models.RepositoryKind) (*models.Namespace, error) {
	if !models.IsNamespaceName(name) {
		return nil, drydock.ErrValidation.With("not a well-formed namespace name: %q", name)
	}
	_, err := p.db.Exec(
		`INSERT INTO namespaces (name, kind) VALUES ($1, $2) ON CONFLICT (name) DO NOTHING`,
		name, kind,
	)
	if err != nil {
		return nil, err
	}
	return p.FindNamespace(name)
}

// FindRepository looks up a repository within a namespace. Returns nil if it
// does not exist, or if kindFilter is given and the repository is of a
// different kind.
func (p *Processor) FindRepository(namespaceName, repoName string, kindFilter *models.RepositoryKind) (*models.Repository, error) {
	var repo models.Repository
	err := p.db.SelectOne(&repo,
		`SELECT * FROM repos WHERE namespace_name = $1 AND name = $2`,
		namespaceName, repoName,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if kindFilter != nil && repo.Kind != *kindFilter {
		return nil, nil
	}
	return &repo, nil
}

// EnsureRepository creates a repository if it does not exist yet.
func (p *Processor) EnsureRepository(namespaceName, repoName string, kind models.RepositoryKind) (*models.Repository, error) {
	if !models.RepoPathRx.MatchString(repoName) {
		return nil, drydock.ErrValidation.With("not a well-formed repository name: %q", repoName)
	}
	_, err := p.db.Exec(
		`INSERT INTO repos (namespace_name, name, kind) VALUES ($1, $2, $3)
		 ON CONFLICT (namespace_name, name) DO NOTHING`,
		namespaceName, repoName, kind,
	)
	if err != nil {
		return nil, err
	}
	return p.FindRepository(namespaceName, repoName, nil)
}

// FindManifest looks up a manifest by digest within a repo. Returns nil if
// it does not exist.
func (p *Processor) FindManifest(repo models.Repository, manifestDigest digest.Digest) (*models.Manifest, error) {
	return findManifest(p.db, repo, manifestDigest)
}

func findManifest(dbi gorp.SqlExecutor, repo models.Repository, manifestDigest digest.Digest) (*models.Manifest, error) {
	var manifest models.Manifest
	err := dbi.SelectOne(&manifest,
		`SELECT * FROM manifests WHERE repo_id = $1 AND digest = $2`,
		repo.ID, manifestDigest,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &manifest, nil
}

// ManifestPayload reads the raw manifest bytes from the backing storage.
func (p *Processor) ManifestPayload(ns models.Namespace, repo models.Repository, manifest models.Manifest) ([]byte, error) {
	payload, err := p.sd.ReadManifest(ns, repo.Name, manifest.Digest.String())
	return payload, drydock.ErrDependency.Wrap(err)
}

var blobByRepoQuery = sqlext.SimplifyWhitespace(`
	SELECT b.* FROM blobs b
	JOIN blob_mounts m ON m.blob_id = b.id
	WHERE m.repo_id = $1 AND b.digest = $2
`)

// FindBlobByRepo looks up a blob by digest among the blobs mounted in the
// given repo. Returns nil if no such mount exists.
func (p *Processor) FindBlobByRepo(repo models.Repository, blobDigest digest.Digest) (*models.Blob, error) {
	return findBlobByRepo(p.db, repo, blobDigest)
}

func findBlobByRepo(dbi gorp.SqlExecutor, repo models.Repository, blobDigest digest.Digest) (*models.Blob, error) {
	var blob models.Blob
	err := dbi.SelectOne(&blob, blobByRepoQuery, repo.ID, blobDigest)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &blob, nil
}

// CreateManifest records a manifest in the given repo, or returns the
// existing record for its digest (manifests are immutable, so there is
// nothing to update on a re-push).
//
// The payload is parsed through the ManifestParser collaborator; every blob
// it references must already be mounted in the repo, and every child
// manifest must already exist in it. The payload bytes are written to the
// backing storage within the same transaction that records the metadata, so
// a failure on either side leaves no partial manifest behind.
func (p *Processor) CreateManifest(ns models.Namespace, repo models.Repository, payload []byte, mediaType string) (*models.Manifest, error) {
	manifestDigest := digest.Canonical.FromBytes(payload)

	parsed, err := p.parser.Parse(mediaType, payload)
	if err != nil {
		return nil, drydock.ErrValidation.With("cannot parse manifest: %s", err.Error())
	}

	var manifest *models.Manifest
	err = p.insideTransaction(func(tx *gorp.Transaction) error {
		var err error
		manifest, err = findManifest(tx, repo, manifestDigest)
		if err != nil || manifest != nil {
			return err
		}

		manifest = &models.Manifest{
			RepositoryID: repo.ID,
			Digest:       manifestDigest,
			MediaType:    mediaType,
			SizeBytes:    uint64(len(payload)),
			PushedAt:     p.timeNow(),
		}
		err = tx.Insert(manifest)
		if err != nil {
			return err
		}

		for _, desc := range parsed.BlobReferences {
			blob, err := findBlobByRepo(tx, repo, desc.Digest)
			if err != nil {
				return err
			}
			if blob == nil {
				return drydock.ErrValidation.With("manifest references unknown blob %s", desc.Digest)
			}
			_, err = tx.Exec(
				`INSERT INTO manifest_blob_refs (repo_id, digest, blob_id) VALUES ($1, $2, $3)`,
				repo.ID, manifestDigest, blob.ID,
			)
			if err != nil {
				return err
			}
		}

		for _, childDigest := range parsed.ChildManifestDigests {
			child, err := findManifest(tx, repo, childDigest)
			if err != nil {
				return err
			}
			if child == nil {
				return drydock.ErrValidation.With("manifest references unknown submanifest %s", childDigest)
			}
			_, err = tx.Exec(
				`INSERT INTO manifest_manifest_refs (repo_id, parent_digest, child_digest) VALUES ($1, $2, $3)`,
				repo.ID, manifestDigest, childDigest,
			)
			if err != nil {
				return err
			}
		}

		return drydock.ErrDependency.Wrap(
			p.sd.WriteManifest(ns, repo.Name, manifestDigest.String(), payload))
	})
	if err != nil {
		return nil, err
	}

	p.notifier.NotifyManifestPushed(repo, manifestDigest)
	return manifest, nil
}

// CreateManifestWithTempTag is like CreateManifest, but additionally pins
// the fresh manifest for the given TTL, so that it cannot be garbage
// collected before the caller gets around to tagging it.
func (p *Processor) CreateManifestWithTempTag(ns models.Namespace, repo models.Repository, payload []byte, mediaType string, ttl time.Duration) (*models.Manifest, *models.Tag, error) {
	manifest, err := p.CreateManifest(ns, repo, payload, mediaType)
	if err != nil {
		return nil, nil, err
	}
	pin, err := p.PinManifest(repo, *manifest, ttl)
	if err != nil {
		return nil, nil, err
	}
	return manifest, pin, nil
}

// CreateLegacyImage records a pre-schema2 image in the given repo, taking
// ownership of the given blob. If parent is not nil, the new image is
// appended to the parent's ancestor chain.
func (p *Processor) CreateLegacyImage(repo models.Repository, imageID string, blob models.Blob, parent *models.LegacyImage) (*models.LegacyImage, error) {
	img := &models.LegacyImage{
		RepositoryID: repo.ID,
		ImageID:      imageID,
		BlobID:       blob.ID,
		Ancestry:     "/",
		CreatedAt:    p.timeNow(),
	}
	if parent != nil {
		img.ParentID = &parent.ID
		img.Ancestry = parent.ChildAncestry()
	}
	err := p.db.Insert(img)
	if err != nil {
		return nil, err
	}
	return img, nil
}

// FindLegacyImage looks up a legacy image by its image ID within a repo.
// Returns nil if it does not exist.
func (p *Processor) FindLegacyImage(repo models.Repository, imageID string) (*models.LegacyImage, error) {
	var img models.LegacyImage
	err := p.db.SelectOne(&img,
		`SELECT * FROM legacy_images WHERE repo_id = $1 AND image_id = $2`,
		repo.ID, imageID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &img, nil
}

// LegacyImageAncestors resolves the parent chain of the given image, root
// first.
func (p *Processor) LegacyImageAncestors(img models.LegacyImage) ([]models.LegacyImage, error) {
	ids := img.AncestorIDs()
	if len(ids) == 0 {
		return nil, nil
	}

	var ancestors []models.LegacyImage
	_, err := p.db.Select(&ancestors,
		`SELECT * FROM legacy_images WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]models.LegacyImage, len(ancestors))
	for _, ancestor := range ancestors {
		byID[ancestor.ID] = ancestor
	}

	result := make([]models.LegacyImage, 0, len(ids))
	for _, id := range ids {
		if ancestor, exists := byID[id]; exists {
			result = append(result, ancestor)
		}
	}
	return result, nil
}

// GetTorrentInfo returns the piece-hash information of a blob, or (0, nil)
// if none was recorded.
func (p *Processor) GetTorrentInfo(blob models.Blob) (pieceLength int32, pieceHashes []byte) {
	if blob.PieceLength == nil {
		return 0, nil
	}
	return *blob.PieceLength, blob.PieceHashes
}

// SetTorrentInfo records piece-hash information for a blob.
func (p *Processor) SetTorrentInfo(blob *models.Blob, pieceLength int32, pieceHashes []byte) error {
	blob.PieceLength = &pieceLength
	blob.PieceHashes = pieceHashes
	_, err := p.db.Update(blob)
	return err
}
