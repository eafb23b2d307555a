// SPDX-FileCopyrightText: 2026 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package drydock

import (
	"github.com/docker/distribution"
	"github.com/opencontainers/go-digest"

	// activate manifest unmarshallers for the media types we accept
	_ "github.com/docker/distribution/manifest/manifestlist"
	_ "github.com/docker/distribution/manifest/ocischema"
	_ "github.com/docker/distribution/manifest/schema2"

	imagespecs "github.com/opencontainers/image-spec/specs-go/v1"
)

// ParsedManifest is the result of parsing a manifest payload. It carries only
// the reference sets that this core needs to maintain its ref tables; all
// other manifest-format concerns stay inside the parser.
type ParsedManifest struct {
	// BlobReferences lists the layers and config blobs referenced by this
	// manifest, i.e. everything that must be mounted in the repo before the
	// manifest may be created.
	BlobReferences []distribution.Descriptor
	// ChildManifestDigests lists submanifests (for manifest lists/image
	// indexes), which must exist in the repo before the manifest may be
	// created.
	ChildManifestDigests []digest.Digest
}

// ManifestParser is the collaborator that understands manifest formats. The
// core calls it to discover what a manifest references, but never implements
// format logic itself.
type ManifestParser interface {
	Parse(mediaType string, payload []byte) (ParsedManifest, error)
}

// DistributionManifestParser parses manifests using the reference
// implementations from github.com/docker/distribution.
type DistributionManifestParser struct{}

// Parse implements the ManifestParser interface.
func (DistributionManifestParser) Parse(mediaType string, payload []byte) (ParsedManifest, error) {
	manifest, _, err := distribution.UnmarshalManifest(mediaType, payload)
	if err != nil {
		return ParsedManifest{}, err
	}

	var result ParsedManifest
	for _, desc := range manifest.References() {
		if isManifestMediaType(desc.MediaType) {
			result.ChildManifestDigests = append(result.ChildManifestDigests, desc.Digest)
		} else {
			result.BlobReferences = append(result.BlobReferences, desc)
		}
	}
	return result, nil
}

func isManifestMediaType(mediaType string) bool {
	switch mediaType {
	case "application/vnd.docker.distribution.manifest.v2+json",
		"application/vnd.docker.distribution.manifest.list.v2+json",
		imagespecs.MediaTypeImageManifest,
		imagespecs.MediaTypeImageIndex:
		return true
	default:
		return false
	}
}
