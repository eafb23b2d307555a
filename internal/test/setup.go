// SPDX-FileCopyrightText: 2026 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package test

import (
	"context"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sapcc/go-bits/logg"

	"github.com/sapcc/drydock/internal/drydock"
	"github.com/sapcc/drydock/internal/models"
	"github.com/sapcc/drydock/internal/registry"
)

// SetupOption is an optional behavior for NewSetup().
type SetupOption func(*setupParams)

type setupParams struct {
	withRedis bool
}

// WithRedis is a SetupOption that wires a miniredis instance into the
// processor as its cache driver.
func WithRedis() SetupOption {
	return func(params *setupParams) {
		params.withRedis = true
	}
}

// Setup contains all the pieces of a test deployment.
type Setup struct {
	Ctx      context.Context //nolint:containedctx // only used in tests
	Cfg      drydock.Configuration
	DB       *drydock.DB
	Clock    *Clock
	SD       *StorageDriver
	SIDGen   *StorageIDGenerator
	Notifier *NotificationRecorder
	Registry *registry.Processor
}

// NewSetup prepares a fresh test database (via easypg.WithTestDB, which must
// be active in the package's TestMain) and wires a Processor with
// deterministic doubles for clock, storage IDs and storage contents.
func NewSetup(t *testing.T, opts ...SetupOption) *Setup {
	t.Helper()
	logg.ShowDebug, _ = strconv.ParseBool(os.Getenv("DRYDOCK_DEBUG"))

	var params setupParams
	for _, o := range opts {
		o(&params)
	}

	s := Setup{
		Ctx: context.Background(),
		Cfg: drydock.Configuration{
			GCGracePeriod:            30 * time.Minute,
			AbandonedUploadThreshold: 24 * time.Hour,
			DefaultPinTTL:            1 * time.Hour,
			MaxPinTTL:                24 * time.Hour,
		},
		DB:       drydock.ConnectForTest(t),
		Clock:    &Clock{},
		SD:       NewStorageDriver(),
		SIDGen:   &StorageIDGenerator{},
		Notifier: &NotificationRecorder{},
	}

	var cache drydock.CacheDriver
	if params.withRedis {
		mr := miniredis.RunT(t)
		s.Clock.MiniRedis = mr
		mr.SetTime(s.Clock.Now())
		cache = drydock.NewRedisCacheDriver(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	}

	s.Registry = registry.New(s.Cfg, s.DB, s.SD, drydock.DistributionManifestParser{}, s.Notifier, cache).
		OverrideTimeNow(s.Clock.Now).
		OverrideGenerateStorageID(s.SIDGen.Next)

	return &s
}

// MustCreateNamespace is a shorthand for tests that need a namespace to work in.
func (s *Setup) MustCreateNamespace(t *testing.T, name string) models.Namespace {
	t.Helper()
	ns, err := s.Registry.EnsureNamespace(name, models.RepositoryKindImage)
	if err != nil {
		t.Fatal(err.Error())
	}
	return *ns
}

// MustCreateRepository is a shorthand for tests that need a repo to work in.
func (s *Setup) MustCreateRepository(t *testing.T, ns models.Namespace, name string) models.Repository {
	t.Helper()
	repo, err := s.Registry.EnsureRepository(ns.Name, name, ns.Kind)
	if err != nil {
		t.Fatal(err.Error())
	}
	return *repo
}
