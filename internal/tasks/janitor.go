// SPDX-FileCopyrightText: 2026 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package tasks

import (
	"math/rand"
	"time"

	"github.com/sapcc/drydock/internal/drydock"
	"github.com/sapcc/drydock/internal/registry"
)

// Janitor contains the toolbox of the drydock-janitor process. Each of its
// ...Job() methods spawns one background job that takes care of one aspect
// of garbage collection or session cleanup.
type Janitor struct {
	cfg      drydock.Configuration
	db       *drydock.DB
	sd       drydock.StorageDriver
	notifier drydock.SecurityScanNotifier

	// non-pure functions that can be replaced by deterministic doubles for unit tests
	timeNow           func() time.Time
	generateStorageID func() string
	addJitter         func(time.Duration) time.Duration
}

// NewJanitor creates a new Janitor.
func NewJanitor(cfg drydock.Configuration, db *drydock.DB, sd drydock.StorageDriver, notifier drydock.SecurityScanNotifier) *Janitor {
	return &Janitor{cfg, db, sd, notifier, time.Now, drydock.GenerateStorageID, addJitter}
}

// OverrideTimeNow replaces time.Now with a test double.
func (j *Janitor) OverrideTimeNow(timeNow func() time.Time) *Janitor {
	j.timeNow = timeNow
	return j
}

// OverrideGenerateStorageID replaces drydock.GenerateStorageID with a test double.
func (j *Janitor) OverrideGenerateStorageID(generateStorageID func() string) *Janitor {
	j.generateStorageID = generateStorageID
	return j
}

// DisableJitter replaces addJitter with a no-op for this Janitor.
func (j *Janitor) DisableJitter() {
	j.addJitter = func(d time.Duration) time.Duration { return d }
}

// addJitter returns a random duration within +/- 10% of the requested value.
// This spreads out sweeps that would otherwise land on the same schedule.
func addJitter(duration time.Duration) time.Duration {
	//nolint:gosec // This is not crypto-relevant, so math/rand is okay.
	r := rand.Float64() //NOTE: 0 <= r < 1
	return time.Duration(float64(duration) * (0.9 + 0.2*r))
}

func (j *Janitor) processor() *registry.Processor {
	return registry.New(j.cfg, j.db, j.sd, drydock.DistributionManifestParser{}, j.notifier, nil).
		OverrideTimeNow(j.timeNow).
		OverrideGenerateStorageID(j.generateStorageID)
}
