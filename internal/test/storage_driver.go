// SPDX-FileCopyrightText: 2026 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package test

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/sapcc/drydock/internal/drydock"
	"github.com/sapcc/drydock/internal/models"
)

func init() {
	drydock.RegisterStorageDriver("in-memory-for-testing", func(_ drydock.Configuration) (drydock.StorageDriver, error) {
		return NewStorageDriver(), nil
	})
}

// StorageDriver (driver ID "in-memory-for-testing") is a drydock.StorageDriver
// for use in test suites, storing all contents in RAM without any persistence.
type StorageDriver struct {
	blobs     map[string][]byte
	manifests map[string][]byte
}

// NewStorageDriver creates a StorageDriver instance.
func NewStorageDriver() *StorageDriver {
	return &StorageDriver{make(map[string][]byte), make(map[string][]byte)}
}

var (
	errNoSuchBlob     = errors.New("no such blob")
	errNoSuchManifest = errors.New("no such manifest")
)

func blobKey(ns models.Namespace, storageID string) string {
	return fmt.Sprintf("%s/%s", ns.Name, storageID)
}

func manifestKey(ns models.Namespace, repoName, digest string) string {
	return fmt.Sprintf("%s/%s/%s", ns.Name, repoName, digest)
}

// AppendToBlob implements the drydock.StorageDriver interface.
func (d *StorageDriver) AppendToBlob(ns models.Namespace, storageID string, chunkNumber uint32, chunkLength *uint64, chunk io.Reader) error {
	k := blobKey(ns, storageID)
	contents, exists := d.blobs[k]
	if exists != (chunkNumber > 1) {
		return errNoSuchBlob
	}
	chunkBytes, err := io.ReadAll(chunk)
	if err != nil {
		return err
	}
	d.blobs[k] = append(contents, chunkBytes...)
	return nil
}

// FinalizeBlob implements the drydock.StorageDriver interface.
func (d *StorageDriver) FinalizeBlob(ns models.Namespace, storageID string, chunkCount uint32) error {
	_, exists := d.blobs[blobKey(ns, storageID)]
	if !exists {
		return errNoSuchBlob
	}
	return nil
}

// AbortBlobUpload implements the drydock.StorageDriver interface.
func (d *StorageDriver) AbortBlobUpload(ns models.Namespace, storageID string, chunkCount uint32) error {
	return d.DeleteBlob(ns, storageID)
}

// ReadBlob implements the drydock.StorageDriver interface.
func (d *StorageDriver) ReadBlob(ns models.Namespace, storageID string) (io.ReadCloser, uint64, error) {
	contents, exists := d.blobs[blobKey(ns, storageID)]
	if !exists {
		return nil, 0, errNoSuchBlob
	}
	return io.NopCloser(bytes.NewReader(contents)), uint64(len(contents)), nil
}

// DeleteBlob implements the drydock.StorageDriver interface. Deletes are
// idempotent, as the interface contract requires.
func (d *StorageDriver) DeleteBlob(ns models.Namespace, storageID string) error {
	delete(d.blobs, blobKey(ns, storageID))
	return nil
}

// ReadManifest implements the drydock.StorageDriver interface.
func (d *StorageDriver) ReadManifest(ns models.Namespace, repoName, digest string) ([]byte, error) {
	contents, exists := d.manifests[manifestKey(ns, repoName, digest)]
	if !exists {
		return nil, errNoSuchManifest
	}
	return contents, nil
}

// WriteManifest implements the drydock.StorageDriver interface.
func (d *StorageDriver) WriteManifest(ns models.Namespace, repoName, digest string, contents []byte) error {
	d.manifests[manifestKey(ns, repoName, digest)] = contents
	return nil
}

// DeleteManifest implements the drydock.StorageDriver interface. Deletes are
// idempotent, as the interface contract requires.
func (d *StorageDriver) DeleteManifest(ns models.Namespace, repoName, digest string) error {
	delete(d.manifests, manifestKey(ns, repoName, digest))
	return nil
}

// BlobCount returns how many blobs exist in this storage driver. This is
// mostly used to validate that failure cases do not commit data to storage.
func (d *StorageDriver) BlobCount() int {
	return len(d.blobs)
}

// ManifestCount returns how many manifests exist in this storage driver.
func (d *StorageDriver) ManifestCount() int {
	return len(d.manifests)
}
