// SPDX-FileCopyrightText: 2026 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package drydock

import (
	"github.com/opencontainers/go-digest"

	"github.com/sapcc/drydock/internal/models"
)

// SecurityScanNotifier is notified whenever the reachable content set of a
// manifest changes (manifest created or deleted). Implementations must treat
// the notification as fire-and-forget: errors and delivery are their problem,
// not the caller's, and notifications may not block foreground operations.
type SecurityScanNotifier interface {
	NotifyManifestPushed(repo models.Repository, manifestDigest digest.Digest)
	NotifyManifestDeleted(repo models.Repository, manifestDigest digest.Digest)
}

// NullSecurityScanNotifier discards all notifications. It is the default when
// no vulnerability indexer is deployed.
type NullSecurityScanNotifier struct{}

func (NullSecurityScanNotifier) NotifyManifestPushed(models.Repository, digest.Digest) {}

func (NullSecurityScanNotifier) NotifyManifestDeleted(models.Repository, digest.Digest) {}
