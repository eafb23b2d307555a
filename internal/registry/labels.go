// SPDX-FileCopyrightText: 2026 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"database/sql"
	"errors"

	gorp "github.com/go-gorp/gorp/v3"
	uuid "github.com/satori/go.uuid"

	"github.com/sapcc/drydock/internal/drydock"
	"github.com/sapcc/drydock/internal/models"
)

func buildLabel(repo models.Repository, manifest models.Manifest, key, value, sourceType, mediaType string) (*models.Label, error) {
	if !models.IsLabelKey(key) {
		return nil, drydock.ErrValidation.With("not a well-formed label key: %q", key)
	}
	if !models.IsLabelSourceType(sourceType) {
		return nil, drydock.ErrValidation.With("unknown label source type: %q", sourceType)
	}
	if !models.IsLabelMediaType(mediaType) {
		return nil, drydock.ErrValidation.With("unknown label media type: %q", mediaType)
	}
	return &models.Label{
		UUID:           uuid.NewV4().String(),
		RepositoryID:   repo.ID,
		ManifestDigest: manifest.Digest,
		Key:            key,
		Value:          value,
		SourceType:     sourceType,
		MediaType:      mediaType,
	}, nil
}

// CreateLabel attaches a single label to a manifest. The key must pass the
// label key grammar and the media type must be recognized, otherwise
// ErrValidation is returned and nothing is persisted.
func (p *Processor) CreateLabel(repo models.Repository, manifest models.Manifest, key, value, sourceType, mediaType string) (*models.Label, error) {
	label, err := buildLabel(repo, manifest, key, value, sourceType, mediaType)
	if err != nil {
		return nil, err
	}
	err = p.db.Insert(label)
	if err != nil {
		return nil, err
	}
	return label, nil
}

// LabelBatch buffers label creations for one manifest and persists them as a
// single atomic unit. Obtain one from BatchCreateLabels, call Add for each
// label, then Commit exactly once. If any Add failed validation, or if
// Commit is never reached, no label is persisted.
type LabelBatch struct {
	p        *Processor
	repo     models.Repository
	manifest models.Manifest
	labels   []*models.Label
	failed   error
	done     bool
}

// BatchCreateLabels opens a label batch for the given manifest.
func (p *Processor) BatchCreateLabels(repo models.Repository, manifest models.Manifest) *LabelBatch {
	return &LabelBatch{p: p, repo: repo, manifest: manifest}
}

// Add buffers one label creation. Validation happens immediately; a
// validation failure poisons the whole batch, and is also returned here for
// callers that want to stop early.
func (b *LabelBatch) Add(key, value, sourceType, mediaType string) error {
	if b.done {
		return drydock.ErrPrecondition.With("label batch was already committed")
	}
	label, err := buildLabel(b.repo, b.manifest, key, value, sourceType, mediaType)
	if err != nil {
		if b.failed == nil {
			b.failed = err
		}
		return err
	}
	b.labels = append(b.labels, label)
	return nil
}

// Commit persists all buffered labels in one transaction. If any Add failed,
// Commit persists nothing and returns that failure.
func (b *LabelBatch) Commit() ([]*models.Label, error) {
	if b.done {
		return nil, drydock.ErrPrecondition.With("label batch was already committed")
	}
	b.done = true
	if b.failed != nil {
		return nil, b.failed
	}

	err := b.p.insideTransaction(func(tx *gorp.Transaction) error {
		for _, label := range b.labels {
			err := tx.Insert(label)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return b.labels, nil
}

// GetLabel looks up a label by UUID on the given manifest. Returns nil if it
// does not exist.
func (p *Processor) GetLabel(manifest models.Manifest, labelUUID string) (*models.Label, error) {
	var label models.Label
	err := p.db.SelectOne(&label,
		`SELECT * FROM labels WHERE repo_id = $1 AND manifest_digest = $2 AND uuid = $3`,
		manifest.RepositoryID, manifest.Digest, labelUUID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &label, nil
}

// ListLabels lists the labels on a manifest, optionally restricted to keys
// with the given prefix.
func (p *Processor) ListLabels(manifest models.Manifest, keyPrefix string) ([]models.Label, error) {
	query := `SELECT * FROM labels WHERE repo_id = $1 AND manifest_digest = $2 ORDER BY label_key, uuid`
	args := []any{manifest.RepositoryID, manifest.Digest}
	if keyPrefix != "" {
		query = `SELECT * FROM labels WHERE repo_id = $1 AND manifest_digest = $2 AND label_key LIKE $3 ORDER BY label_key, uuid`
		args = append(args, escapeLikePattern(keyPrefix)+"%")
	}
	var labels []models.Label
	_, err := p.db.Select(&labels, query, args...)
	return labels, err
}

// DeleteLabel removes a label from a manifest and returns it. Returns nil if
// there was no such label.
func (p *Processor) DeleteLabel(manifest models.Manifest, labelUUID string) (*models.Label, error) {
	label, err := p.GetLabel(manifest, labelUUID)
	if err != nil || label == nil {
		return nil, err
	}
	_, err = p.db.Delete(label)
	if err != nil {
		return nil, err
	}
	return label, nil
}

func escapeLikePattern(input string) string {
	var result []rune
	for _, r := range input {
		if r == '%' || r == '_' || r == '\\' {
			result = append(result, '\\')
		}
		result = append(result, r)
	}
	return string(result)
}
