// SPDX-FileCopyrightText: 2026 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package test

import (
	"fmt"

	"github.com/opencontainers/go-digest"

	"github.com/sapcc/drydock/internal/models"
)

// NotificationRecorder is a drydock.SecurityScanNotifier that records all
// notifications for inspection by tests.
type NotificationRecorder struct {
	// Each entry has the form "pushed <repo>@<digest>" or "deleted <repo>@<digest>".
	Notifications []string
}

// NotifyManifestPushed implements the drydock.SecurityScanNotifier interface.
func (r *NotificationRecorder) NotifyManifestPushed(repo models.Repository, manifestDigest digest.Digest) {
	r.Notifications = append(r.Notifications,
		fmt.Sprintf("pushed %s@%s", repo.FullName(), manifestDigest))
}

// NotifyManifestDeleted implements the drydock.SecurityScanNotifier interface.
func (r *NotificationRecorder) NotifyManifestDeleted(repo models.Repository, manifestDigest digest.Digest) {
	r.Notifications = append(r.Notifications,
		fmt.Sprintf("deleted %s@%s", repo.FullName(), manifestDigest))
}
