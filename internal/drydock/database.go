// SPDX-FileCopyrightText: 2026 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package drydock

import (
	"database/sql"
	"net/url"

	gorp "github.com/go-gorp/gorp/v3"
	"github.com/sapcc/go-bits/easypg"

	"github.com/sapcc/drydock/internal/models"
)

var sqlMigrations = map[string]string{
	"001_initial.up.sql": `
		CREATE TABLE namespaces (
			name       TEXT    NOT NULL PRIMARY KEY,
			kind       TEXT    NOT NULL DEFAULT 'image',
			is_enabled BOOLEAN NOT NULL DEFAULT TRUE
		);

		CREATE TABLE repos (
			id             BIGSERIAL NOT NULL PRIMARY KEY,
			namespace_name TEXT      NOT NULL REFERENCES namespaces ON DELETE CASCADE,
			name           TEXT      NOT NULL,
			kind           TEXT      NOT NULL DEFAULT 'image',
			UNIQUE (namespace_name, name)
		);

		CREATE TABLE blobs (
			id                BIGSERIAL   NOT NULL PRIMARY KEY,
			namespace_name    TEXT        NOT NULL REFERENCES namespaces ON DELETE CASCADE,
			digest            TEXT        NOT NULL,
			size_bytes        BIGINT      NOT NULL,
			media_type        TEXT        NOT NULL DEFAULT '',
			storage_id        TEXT        NOT NULL,
			pushed_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			expires_at        TIMESTAMPTZ DEFAULT NULL,
			piece_length      INT         DEFAULT NULL,
			piece_hashes      BYTEA       DEFAULT NULL,
			can_be_deleted_at TIMESTAMPTZ DEFAULT NULL,
			UNIQUE (namespace_name, digest)
		);

		CREATE TABLE blob_mounts (
			blob_id           BIGINT NOT NULL REFERENCES blobs ON DELETE CASCADE,
			repo_id           BIGINT NOT NULL REFERENCES repos ON DELETE CASCADE,
			can_be_deleted_at TIMESTAMPTZ DEFAULT NULL,
			UNIQUE (blob_id, repo_id)
		);

		CREATE TABLE uploads (
			repo_id          BIGINT      NOT NULL REFERENCES repos ON DELETE CASCADE,
			uuid             TEXT        NOT NULL,
			state            TEXT        NOT NULL DEFAULT 'open',
			storage_id       TEXT        NOT NULL,
			size_bytes       BIGINT      NOT NULL,
			num_chunks       INT         NOT NULL,
			digest_state     TEXT        NOT NULL,
			piece_hashes     BYTEA       DEFAULT NULL,
			storage_metadata TEXT        NOT NULL DEFAULT '',
			updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (repo_id, uuid),
			CHECK (state IN ('open', 'committed', 'aborted'))
		);

		CREATE TABLE manifests (
			repo_id           BIGINT      NOT NULL REFERENCES repos ON DELETE CASCADE,
			digest            TEXT        NOT NULL,
			media_type        TEXT        NOT NULL,
			size_bytes        BIGINT      NOT NULL,
			pushed_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			can_be_deleted_at TIMESTAMPTZ DEFAULT NULL,
			PRIMARY KEY (repo_id, digest)
		);

		CREATE TABLE manifest_blob_refs (
			repo_id BIGINT NOT NULL,
			digest  TEXT   NOT NULL,
			blob_id BIGINT NOT NULL,
			FOREIGN KEY (repo_id, digest)  REFERENCES manifests ON DELETE CASCADE,
			FOREIGN KEY (blob_id, repo_id) REFERENCES blob_mounts (blob_id, repo_id) ON DELETE RESTRICT,
			UNIQUE (repo_id, digest, blob_id)
		);

		CREATE TABLE manifest_manifest_refs (
			repo_id       BIGINT NOT NULL,
			parent_digest TEXT   NOT NULL,
			child_digest  TEXT   NOT NULL,
			FOREIGN KEY (repo_id, parent_digest) REFERENCES manifests (repo_id, digest) ON DELETE CASCADE,
			FOREIGN KEY (repo_id, child_digest)  REFERENCES manifests (repo_id, digest) ON DELETE RESTRICT,
			UNIQUE (repo_id, parent_digest, child_digest)
		);

		CREATE TABLE legacy_images (
			id         BIGSERIAL   NOT NULL PRIMARY KEY,
			repo_id    BIGINT      NOT NULL REFERENCES repos ON DELETE CASCADE,
			image_id   TEXT        NOT NULL,
			blob_id    BIGINT      NOT NULL REFERENCES blobs ON DELETE RESTRICT,
			parent_id  BIGINT      DEFAULT NULL REFERENCES legacy_images ON DELETE RESTRICT,
			ancestry   TEXT        NOT NULL DEFAULT '/',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (repo_id, image_id)
		);

		CREATE TABLE tags (
			id                 BIGSERIAL   NOT NULL PRIMARY KEY,
			repo_id            BIGINT      NOT NULL REFERENCES repos ON DELETE CASCADE,
			name               TEXT        NOT NULL,
			manifest_digest    TEXT        DEFAULT NULL,
			legacy_image_id    BIGINT      DEFAULT NULL REFERENCES legacy_images ON DELETE CASCADE,
			lifetime_start     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			lifetime_end       TIMESTAMPTZ DEFAULT NULL,
			is_reversion       BOOLEAN     NOT NULL DEFAULT FALSE,
			is_hidden          BOOLEAN     NOT NULL DEFAULT FALSE,
			expires_at         TIMESTAMPTZ DEFAULT NULL,
			FOREIGN KEY (repo_id, manifest_digest) REFERENCES manifests ON DELETE CASCADE,
			CHECK ((manifest_digest IS NULL) != (legacy_image_id IS NULL))
		);
		CREATE UNIQUE INDEX tags_one_active_per_name ON tags (repo_id, name) WHERE lifetime_end IS NULL;
		CREATE INDEX tags_by_lifetime ON tags (repo_id, lifetime_start DESC, id DESC);

		CREATE TABLE derived_images (
			id            BIGSERIAL NOT NULL PRIMARY KEY,
			repo_id       BIGINT    NOT NULL,
			source_digest TEXT      NOT NULL,
			verb          TEXT      NOT NULL,
			metadata_hash TEXT      NOT NULL,
			storage_id    TEXT      NOT NULL,
			size_bytes    BIGINT    DEFAULT NULL,
			FOREIGN KEY (repo_id, source_digest) REFERENCES manifests ON DELETE CASCADE,
			UNIQUE (repo_id, source_digest, verb, metadata_hash)
		);

		CREATE TABLE derived_image_signatures (
			derived_id BIGINT NOT NULL REFERENCES derived_images ON DELETE CASCADE,
			signer     TEXT   NOT NULL,
			signature  TEXT   NOT NULL,
			UNIQUE (derived_id, signer)
		);

		CREATE TABLE labels (
			uuid            TEXT   NOT NULL PRIMARY KEY,
			repo_id         BIGINT NOT NULL,
			manifest_digest TEXT   NOT NULL,
			label_key       TEXT   NOT NULL,
			value           TEXT   NOT NULL,
			source_type     TEXT   NOT NULL,
			media_type      TEXT   NOT NULL DEFAULT '',
			FOREIGN KEY (repo_id, manifest_digest) REFERENCES manifests ON DELETE CASCADE
		);

		CREATE TABLE orphaned_storage (
			namespace_name         TEXT        NOT NULL REFERENCES namespaces ON DELETE CASCADE,
			storage_id             TEXT        NOT NULL,
			is_manifest            BOOLEAN     NOT NULL DEFAULT FALSE,
			num_chunks             INT         NOT NULL DEFAULT 0,
			marked_for_deletion_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (namespace_name, storage_id)
		);
	`,
	"001_initial.down.sql": `
		DROP TABLE orphaned_storage;
		DROP TABLE labels;
		DROP TABLE derived_image_signatures;
		DROP TABLE derived_images;
		DROP TABLE tags;
		DROP TABLE legacy_images;
		DROP TABLE manifest_manifest_refs;
		DROP TABLE manifest_blob_refs;
		DROP TABLE manifests;
		DROP TABLE uploads;
		DROP TABLE blob_mounts;
		DROP TABLE blobs;
		DROP TABLE repos;
		DROP TABLE namespaces;
	`,
	"002_add_sweep_bookkeeping.up.sql": `
		ALTER TABLE namespaces    ADD COLUMN next_blob_sweep_at TIMESTAMPTZ DEFAULT NULL;
		ALTER TABLE repos         ADD COLUMN next_manifest_sweep_at TIMESTAMPTZ DEFAULT NULL;
		ALTER TABLE legacy_images ADD COLUMN can_be_deleted_at TIMESTAMPTZ DEFAULT NULL;
	`,
	"002_add_sweep_bookkeeping.down.sql": `
		ALTER TABLE namespaces    DROP COLUMN next_blob_sweep_at;
		ALTER TABLE repos         DROP COLUMN next_manifest_sweep_at;
		ALTER TABLE legacy_images DROP COLUMN can_be_deleted_at;
	`,
}

// DB adds convenience functions on top of gorp.DbMap.
type DB struct {
	gorp.DbMap
}

// InitDB connects to the Postgres database and applies all pending schema
// migrations.
func InitDB(dbURL url.URL) (*DB, error) {
	db, err := easypg.Connect(dbURL, easypg.Configuration{
		Migrations: sqlMigrations,
	})
	if err != nil {
		return nil, err
	}
	return InitORM(db), nil
}

// ConnectForTest connects to the test database server spawned by
// easypg.WithTestDB and applies all schema migrations.
func ConnectForTest(t easypg.TestingT, opts ...easypg.TestSetupOption) *DB {
	return InitORM(easypg.ConnectForTest(t, easypg.Configuration{
		Migrations: sqlMigrations,
	}, opts...))
}

// InitORM wraps a database connection into a gorp.DbMap instance. This is
// factored out of InitDB to support tests that use easypg.ConnectForTest.
func InitORM(db *sql.DB) *DB {
	result := &DB{DbMap: gorp.DbMap{Db: db, Dialect: gorp.PostgresDialect{}}}
	initModels(&result.DbMap)
	return result
}

func initModels(db *gorp.DbMap) {
	db.AddTableWithName(models.Namespace{}, "namespaces").SetKeys(false, "name")
	db.AddTableWithName(models.Repository{}, "repos").SetKeys(true, "id")
	db.AddTableWithName(models.Blob{}, "blobs").SetKeys(true, "id")
	db.AddTableWithName(models.Upload{}, "uploads").SetKeys(false, "repo_id", "uuid")
	db.AddTableWithName(models.Manifest{}, "manifests").SetKeys(false, "repo_id", "digest")
	db.AddTableWithName(models.LegacyImage{}, "legacy_images").SetKeys(true, "id")
	db.AddTableWithName(models.Tag{}, "tags").SetKeys(true, "id")
	db.AddTableWithName(models.DerivedImage{}, "derived_images").SetKeys(true, "id")
	db.AddTableWithName(models.Label{}, "labels").SetKeys(false, "uuid")
	db.AddTableWithName(models.OrphanedStorage{}, "orphaned_storage").SetKeys(false, "namespace_name", "storage_id")
}
