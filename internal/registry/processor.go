// SPDX-FileCopyrightText: 2026 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"time"

	gorp "github.com/go-gorp/gorp/v3"
	"github.com/sapcc/go-bits/logg"

	"github.com/sapcc/drydock/internal/drydock"
)

// Processor bundles the metadata engines: content store, tag history, upload
// sessions, reference lifetime, derived images and labels. All methods are
// safe for concurrent use; the serialization points are in the database.
type Processor struct {
	cfg      drydock.Configuration
	db       *drydock.DB
	sd       drydock.StorageDriver
	parser   drydock.ManifestParser
	notifier drydock.SecurityScanNotifier
	cache    drydock.CacheDriver // optional, may be nil

	// non-pure functions that can be replaced by deterministic doubles for unit tests
	timeNow           func() time.Time
	generateStorageID func() string
}

// New creates a new Processor. The cache driver may be nil, in which case
// cached listings always hit the database.
func New(cfg drydock.Configuration, db *drydock.DB, sd drydock.StorageDriver, parser drydock.ManifestParser, notifier drydock.SecurityScanNotifier, cache drydock.CacheDriver) *Processor {
	return &Processor{cfg, db, sd, parser, notifier, cache, time.Now, drydock.GenerateStorageID}
}

// OverrideTimeNow replaces time.Now with a test double.
func (p *Processor) OverrideTimeNow(timeNow func() time.Time) *Processor {
	p.timeNow = timeNow
	return p
}

// OverrideGenerateStorageID replaces drydock.GenerateStorageID with a test double.
func (p *Processor) OverrideGenerateStorageID(generateStorageID func() string) *Processor {
	p.generateStorageID = generateStorageID
	return p
}

func (p *Processor) insideTransaction(action func(*gorp.Transaction) error) error {
	tx, err := p.db.Begin()
	if err != nil {
		return err
	}
	isCommitted := false

	defer func() {
		if !isCommitted {
			err := tx.Rollback()
			if err != nil {
				logg.Error("implicit rollback failed: " + err.Error())
			}
		}
	}()

	err = action(tx)
	if err != nil {
		return err
	}
	err = tx.Commit()
	if err != nil {
		return err
	}
	isCommitted = true
	return nil
}
