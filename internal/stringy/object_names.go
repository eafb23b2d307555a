// SPDX-FileCopyrightText: 2026 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package stringy

import (
	"fmt"

	"github.com/opencontainers/go-digest"
)

// BlobObjectName builds the name under which a blob with the provided storage ID
// is stored. The storage ID is sharded over two directory levels to keep the
// fan-out of any single directory bounded.
func BlobObjectName(storageID string) string {
	return fmt.Sprintf("blobs/%s/%s/%s", storageID[0:2], storageID[2:4], storageID[4:])
}

// ManifestObjectName builds the name under which a manifest with the provided
// repository name and digest is stored.
func ManifestObjectName(repoName string, manifestDigest digest.Digest) string {
	return fmt.Sprintf("manifests/%s/%s", repoName, manifestDigest)
}
