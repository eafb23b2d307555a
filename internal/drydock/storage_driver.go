// SPDX-FileCopyrightText: 2026 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package drydock

import (
	"errors"
	"io"

	"github.com/sapcc/drydock/internal/models"
)

// StorageDriver is the abstract interface for the backing storage that holds
// the actual bytes of blobs, manifests and derived images. This core only
// passes opaque storage IDs and metadata through to it; it never interprets
// byte contents itself.
//
// AbortBlobUpload, DeleteBlob and DeleteManifest must be idempotent: deleting
// something that does not exist shall return nil. The storage sweep may retry
// a deletion that already went through on an earlier attempt.
type StorageDriver interface {
	// AppendToBlob appends a chunk to the blob upload identified by storageID.
	// The chunkNumber of the first chunk is 1. The chunkLength may be nil if
	// the caller does not know the chunk size in advance.
	AppendToBlob(ns models.Namespace, storageID string, chunkNumber uint32, chunkLength *uint64, chunk io.Reader) error
	// FinalizeBlob completes a chunked upload and makes the blob contents
	// readable.
	FinalizeBlob(ns models.Namespace, storageID string, chunkCount uint32) error
	// AbortBlobUpload disposes of the partial contents of an unfinished
	// chunked upload.
	AbortBlobUpload(ns models.Namespace, storageID string, chunkCount uint32) error

	ReadBlob(ns models.Namespace, storageID string) (contents io.ReadCloser, sizeBytes uint64, err error)
	DeleteBlob(ns models.Namespace, storageID string) error

	ReadManifest(ns models.Namespace, repoName, digest string) ([]byte, error)
	WriteManifest(ns models.Namespace, repoName, digest string, contents []byte) error
	DeleteManifest(ns models.Namespace, repoName, digest string) error
}

var storageDriverFactories = make(map[string]func(Configuration) (StorageDriver, error))

// NewStorageDriver instantiates a previously registered StorageDriver.
func NewStorageDriver(name string, cfg Configuration) (StorageDriver, error) {
	factory := storageDriverFactories[name]
	if factory != nil {
		return factory(cfg)
	}
	return nil, errors.New("no such storage driver: " + name)
}

// RegisterStorageDriver registers a StorageDriver. Call this from func init()
// of the package defining the driver.
func RegisterStorageDriver(name string, factory func(Configuration) (StorageDriver, error)) {
	if _, exists := storageDriverFactories[name]; exists {
		panic("attempted to register multiple storage drivers with name = " + name)
	}
	storageDriverFactories[name] = factory
}
