// SPDX-FileCopyrightText: 2026 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package models

import (
	"regexp"
)

var (
	RepoNameRx          = `[a-z0-9]+(?:[._-][a-z0-9]+)*`
	RepoPathRx          = regexp.MustCompile(`^` + RepoNameRx + `(?:/` + RepoNameRx + `)*$`)
	RepoPathComponentRx = regexp.MustCompile(`^` + RepoNameRx + `$`)
)

// TagNameRx matches well-formed tag names as accepted by the push protocol.
var TagNameRx = regexp.MustCompile(`^[a-zA-Z0-9_][a-zA-Z0-9._-]{0,127}$`)

// LabelKeyRx matches well-formed label keys: starts with an alphanumeric
// character, continues with alphanumerics, dots, dashes and underscores,
// and is at most 255 characters long in total.
var LabelKeyRx = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,254}$`)

// IsNamespaceName returns whether the given string is a well-formed
// namespace name. This does not check whether the namespace actually exists
// in the DB.
func IsNamespaceName(input string) bool {
	// namespace names are limited to 48 chars so that they remain usable as
	// path components in storage backends with tight key limits
	if len(input) > 48 {
		return false
	}
	return RepoPathComponentRx.MatchString(input)
}

// IsLabelKey returns whether the given string is a well-formed label key.
func IsLabelKey(input string) bool {
	return LabelKeyRx.MatchString(input)
}
