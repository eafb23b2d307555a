// SPDX-FileCopyrightText: 2026 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package filesystem

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	digestlib "github.com/opencontainers/go-digest"
	"github.com/sapcc/go-bits/osext"

	"github.com/sapcc/drydock/internal/drydock"
	"github.com/sapcc/drydock/internal/models"
	"github.com/sapcc/drydock/internal/stringy"
)

func init() {
	drydock.RegisterStorageDriver("filesystem", func(_ drydock.Configuration) (drydock.StorageDriver, error) {
		rootPath, err := osext.NeedGetenv("DRYDOCK_STORAGE_PATH")
		if err != nil {
			return nil, err
		}
		return &Driver{rootPath}, nil
	})
}

// Driver (driver ID "filesystem") is a drydock.StorageDriver that stores
// contents on the local filesystem below DRYDOCK_STORAGE_PATH. It is
// intended for single-node deployments and for development; clustered
// deployments want a driver backed by an object store instead.
type Driver struct {
	rootPath string
}

func (d *Driver) blobPath(ns models.Namespace, storageID string) string {
	return filepath.Join(d.rootPath, ns.Name, filepath.FromSlash(stringy.BlobObjectName(storageID)))
}

func (d *Driver) manifestPath(ns models.Namespace, repoName, digest string) string {
	return filepath.Join(d.rootPath, ns.Name, filepath.FromSlash(stringy.ManifestObjectName(repoName, digestlib.Digest(digest))))
}

// During upload, chunks accumulate in a ".uploading" file next to the final
// location. FinalizeBlob moves it in place with a rename, so a blob is
// either fully present or not at all.
func uploadingPath(finalPath string) string {
	return finalPath + ".uploading"
}

// AppendToBlob implements the drydock.StorageDriver interface.
func (d *Driver) AppendToBlob(ns models.Namespace, storageID string, chunkNumber uint32, chunkLength *uint64, chunk io.Reader) error {
	path := uploadingPath(d.blobPath(ns, storageID))
	flags := os.O_WRONLY | os.O_CREATE | os.O_APPEND
	if chunkNumber == 1 {
		err := os.MkdirAll(filepath.Dir(path), 0777)
		if err != nil {
			return err
		}
		flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	}

	file, err := os.OpenFile(path, flags, 0666)
	if err != nil {
		return err
	}
	_, err = io.Copy(file, chunk)
	if err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// FinalizeBlob implements the drydock.StorageDriver interface.
func (d *Driver) FinalizeBlob(ns models.Namespace, storageID string, chunkCount uint32) error {
	path := d.blobPath(ns, storageID)
	err := os.Rename(uploadingPath(path), path)
	if errors.Is(err, fs.ErrNotExist) {
		// CommitUpload retries after an interrupted commit; if an earlier call
		// already moved the blob into place, that retry must succeed
		_, statErr := os.Stat(path)
		if statErr == nil {
			return nil
		}
	}
	return err
}

// AbortBlobUpload implements the drydock.StorageDriver interface.
func (d *Driver) AbortBlobUpload(ns models.Namespace, storageID string, chunkCount uint32) error {
	return ignoreNotExist(os.Remove(uploadingPath(d.blobPath(ns, storageID))))
}

// ReadBlob implements the drydock.StorageDriver interface.
func (d *Driver) ReadBlob(ns models.Namespace, storageID string) (io.ReadCloser, uint64, error) {
	path := d.blobPath(ns, storageID)
	stat, err := os.Stat(path)
	if err != nil {
		return nil, 0, err
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	return file, uint64(stat.Size()), nil
}

// DeleteBlob implements the drydock.StorageDriver interface.
func (d *Driver) DeleteBlob(ns models.Namespace, storageID string) error {
	return ignoreNotExist(os.Remove(d.blobPath(ns, storageID)))
}

// ReadManifest implements the drydock.StorageDriver interface.
func (d *Driver) ReadManifest(ns models.Namespace, repoName, digest string) ([]byte, error) {
	return os.ReadFile(d.manifestPath(ns, repoName, digest))
}

// WriteManifest implements the drydock.StorageDriver interface.
func (d *Driver) WriteManifest(ns models.Namespace, repoName, digest string, contents []byte) error {
	path := d.manifestPath(ns, repoName, digest)
	err := os.MkdirAll(filepath.Dir(path), 0777)
	if err != nil {
		return err
	}

	//write to a temporary location first, then rename into place, so that
	//concurrent readers never observe a partially written manifest
	tmpPath := fmt.Sprintf("%s.%d.tmp", path, os.Getpid())
	err = os.WriteFile(tmpPath, contents, 0666)
	if err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

// DeleteManifest implements the drydock.StorageDriver interface.
func (d *Driver) DeleteManifest(ns models.Namespace, repoName, digest string) error {
	return ignoreNotExist(os.Remove(d.manifestPath(ns, repoName, digest)))
}

// deletes are idempotent as the StorageDriver contract requires
func ignoreNotExist(err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
