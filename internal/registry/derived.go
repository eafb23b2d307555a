// SPDX-FileCopyrightText: 2026 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"database/sql"
	"errors"

	gorp "github.com/go-gorp/gorp/v3"

	"github.com/sapcc/drydock/internal/models"
)

// LookupDerivedImage finds the cached artifact for the given source
// manifest, verb and varying metadata. Returns nil if it has not been
// computed yet.
func (p *Processor) LookupDerivedImage(repo models.Repository, manifest models.Manifest, verb string, varyingMetadata map[string]string) (*models.DerivedImage, error) {
	return findDerivedImage(p.db, repo, manifest, verb, models.HashDerivedImageMetadata(varyingMetadata))
}

func findDerivedImage(dbi gorp.SqlExecutor, repo models.Repository, manifest models.Manifest, verb, metadataHash string) (*models.DerivedImage, error) {
	var derived models.DerivedImage
	err := dbi.SelectOne(&derived,
		`SELECT * FROM derived_images WHERE repo_id = $1 AND source_digest = $2 AND verb = $3 AND metadata_hash = $4`,
		repo.ID, manifest.Digest, verb, metadataHash,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &derived, nil
}

// FindOrCreateDerivedImage returns the cached artifact for the given key,
// creating the record on first use. Concurrent callers with the same key
// converge on a single record: the insert is a no-op for losers of the
// race, and they return the winner's record (including its storage
// location) instead of an error.
func (p *Processor) FindOrCreateDerivedImage(repo models.Repository, manifest models.Manifest, verb string, varyingMetadata map[string]string) (*models.DerivedImage, error) {
	metadataHash := models.HashDerivedImageMetadata(varyingMetadata)

	_, err := p.db.Exec(
		`INSERT INTO derived_images (repo_id, source_digest, verb, metadata_hash, storage_id)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (repo_id, source_digest, verb, metadata_hash) DO NOTHING`,
		repo.ID, manifest.Digest, verb, metadataHash, p.generateStorageID(),
	)
	if err != nil {
		return nil, err
	}
	return findDerivedImage(p.db, repo, manifest, verb, metadataHash)
}

// SetDerivedImageSize records the compressed size of the computed artifact.
func (p *Processor) SetDerivedImageSize(derived *models.DerivedImage, sizeBytes uint64) error {
	derived.SizeBytes = &sizeBytes
	_, err := p.db.Update(derived)
	return err
}

// GetDerivedImageSignature returns the signature that the given signer
// attached to this artifact, or "" if there is none.
func (p *Processor) GetDerivedImageSignature(derived models.DerivedImage, signer string) (string, error) {
	var signature string
	err := p.db.SelectOne(&signature,
		`SELECT signature FROM derived_image_signatures WHERE derived_id = $1 AND signer = $2`,
		derived.ID, signer,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return signature, err
}

// SetDerivedImageSignature attaches (or replaces) a signer's signature on
// this artifact.
func (p *Processor) SetDerivedImageSignature(derived models.DerivedImage, signer, signature string) error {
	_, err := p.db.Exec(
		`INSERT INTO derived_image_signatures (derived_id, signer, signature) VALUES ($1, $2, $3)
		 ON CONFLICT (derived_id, signer) DO UPDATE SET signature = EXCLUDED.signature`,
		derived.ID, signer, signature,
	)
	return err
}

// DeleteDerivedImage removes a cached artifact and hands its storage
// location over to the storage sweep for reclamation. A later
// FindOrCreateDerivedImage with the same key will compute it afresh.
func (p *Processor) DeleteDerivedImage(ns models.Namespace, derived models.DerivedImage) error {
	return p.insideTransaction(func(tx *gorp.Transaction) error {
		_, err := tx.Delete(&derived)
		if err != nil {
			return err
		}
		return enqueueOrphanedStorage(tx, models.OrphanedStorage{
			NamespaceName:       ns.Name,
			StorageID:           derived.StorageID,
			MarkedForDeletionAt: p.timeNow(),
		})
	})
}
