// SPDX-FileCopyrightText: 2026 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package test

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"math/rand"
	"testing"

	"github.com/docker/distribution/manifest/manifestlist"
	"github.com/docker/distribution/manifest/schema2"
	"github.com/opencontainers/go-digest"

	"github.com/sapcc/drydock/internal/models"
	"github.com/sapcc/drydock/internal/registry"
)

// Bytes groups a bytestring with its digest.
type Bytes struct {
	Contents  []byte
	Digest    digest.Digest
	MediaType string
}

// NewBytes makes a new Bytes instance.
func NewBytes(contents []byte) Bytes {
	return newBytesWithMediaType(contents, "application/octet-stream")
}

func newBytesWithMediaType(contents []byte, mediaType string) Bytes {
	return Bytes{contents, digest.Canonical.FromBytes(contents), mediaType}
}

// GenerateExampleLayer generates a blob of 1 MiB that can be used like an
// image layer when constructing manifests for unit tests. The contents are
// generated deterministically from the given seed.
func GenerateExampleLayer(seed int64) Bytes {
	r := rand.New(rand.NewSource(seed)) //nolint:gosec // deterministic contents are the point
	buf := make([]byte, 1<<20)
	r.Read(buf)

	var result bytes.Buffer
	w := gzip.NewWriter(&result)
	w.Write(buf) //nolint:errcheck
	w.Close()
	return newBytesWithMediaType(result.Bytes(), schema2.MediaTypeLayer)
}

// Image contains all the pieces of a container image. The Layers and Config
// must be committed as blobs before the Manifest can be created.
type Image struct {
	Layers   []Bytes
	Config   Bytes
	Manifest Bytes
}

// GenerateImage makes an Image from the given layers in a deterministic manner.
func GenerateImage(layers ...Bytes) Image {
	config := map[string]any{
		"architecture": "amd64",
		"os":           "linux",
		"rootfs":       map[string]any{"type": "layers"},
	}
	configBytes, err := json.Marshal(config)
	if err != nil {
		panic(err.Error())
	}
	configObj := newBytesWithMediaType(configBytes, schema2.MediaTypeImageConfig)

	layerDescs := []map[string]any{}
	for _, layer := range layers {
		layerDescs = append(layerDescs, map[string]any{
			"mediaType": layer.MediaType,
			"size":      len(layer.Contents),
			"digest":    layer.Digest.String(),
		})
	}
	manifestData := map[string]any{
		"schemaVersion": 2,
		"mediaType":     schema2.MediaTypeManifest,
		"config": map[string]any{
			"mediaType": configObj.MediaType,
			"size":      len(configBytes),
			"digest":    configObj.Digest.String(),
		},
		"layers": layerDescs,
	}
	manifestBytes, err := json.Marshal(manifestData)
	if err != nil {
		panic(err.Error())
	}

	return Image{
		Layers:   layers,
		Config:   configObj,
		Manifest: newBytesWithMediaType(manifestBytes, schema2.MediaTypeManifest),
	}
}

// ImageList contains a manifest list referencing the given images as
// submanifests.
type ImageList struct {
	Images   []Image
	Manifest Bytes
}

// GenerateImageList makes an ImageList from the given images in a
// deterministic manner.
func GenerateImageList(images ...Image) ImageList {
	manifestDescs := []map[string]any{}
	architectures := []string{"amd64", "arm64", "ppc64le", "s390x"}
	for idx, img := range images {
		manifestDescs = append(manifestDescs, map[string]any{
			"mediaType": img.Manifest.MediaType,
			"size":      len(img.Manifest.Contents),
			"digest":    img.Manifest.Digest.String(),
			"platform": map[string]any{
				"os":           "linux",
				"architecture": architectures[idx%len(architectures)],
			},
		})
	}
	manifestData := map[string]any{
		"schemaVersion": 2,
		"mediaType":     manifestlist.MediaTypeManifestList,
		"manifests":     manifestDescs,
	}
	manifestBytes, err := json.Marshal(manifestData)
	if err != nil {
		panic(err.Error())
	}

	return ImageList{
		Images:   images,
		Manifest: newBytesWithMediaType(manifestBytes, manifestlist.MediaTypeManifestList),
	}
}

// MustCommitBlob pushes a bytestring through the full upload session flow
// (create, append, commit) into the given repo.
func (s *Setup) MustCommitBlob(t *testing.T, ns models.Namespace, repo models.Repository, blob Bytes) models.Blob {
	t.Helper()
	upload, err := s.Registry.CreateUpload(repo, "")
	if err != nil {
		t.Fatal(err.Error())
	}
	err = s.Registry.AppendToUpload(ns, upload, registry.UploadAppendment{
		Chunk:        blob.Contents,
		NewSizeBytes: uint64(len(blob.Contents)),
		// the push connection computes the streaming hash; tests shortcut
		// straight to the final digest
		NewDigestState: blob.Digest.String(),
	})
	if err != nil {
		t.Fatal(err.Error())
	}
	result, err := s.Registry.CommitUpload(s.Ctx, ns, repo, upload, blob.Digest, nil)
	if err != nil {
		t.Fatal(err.Error())
	}
	return *result
}

// MustCreateImage commits all blobs of the given image and creates its
// manifest in the given repo.
func (s *Setup) MustCreateImage(t *testing.T, ns models.Namespace, repo models.Repository, img Image) models.Manifest {
	t.Helper()
	for _, blob := range append(img.Layers, img.Config) {
		s.MustCommitBlob(t, ns, repo, blob)
	}
	manifest, err := s.Registry.CreateManifest(ns, repo, img.Manifest.Contents, img.Manifest.MediaType)
	if err != nil {
		t.Fatal(err.Error())
	}
	return *manifest
}

// MustRetargetTag points the given tag name at the given manifest and fails
// the test on error.
func (s *Setup) MustRetargetTag(t *testing.T, repo models.Repository, name string, manifest models.Manifest) models.Tag {
	t.Helper()
	tag, err := s.Registry.RetargetTag(repo, name, models.TargetManifest(manifest.Digest), false)
	if err != nil {
		t.Fatal(err.Error())
	}
	return *tag
}

// ExpectTagTarget checks which manifest digest the given tag name currently
// points to.
func (s *Setup) ExpectTagTarget(t *testing.T, repo models.Repository, name string, manifestDigest digest.Digest) {
	t.Helper()
	tag, err := s.Registry.ActiveTag(repo, name)
	if err != nil {
		t.Fatal(err.Error())
	}
	if tag == nil {
		t.Fatalf("expected tag %q to be active, but it is not", name)
	}
	if tag.ManifestDigest == nil || *tag.ManifestDigest != manifestDigest {
		t.Fatalf("expected tag %q to point to %s, but it points to %v", name, manifestDigest, tag.ManifestDigest)
	}
}
