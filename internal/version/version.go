// Copyright (c) 2026 The Meridian developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package version provides a single location to house the version information
// for mrdd and other utilities provided in the same repository.
package version

import (
	"fmt"
	"strings"
)

const (
	// semanticAlphabet defines the allowed characters for the pre-release
	// and build metadata portions of a semantic version string.
	semanticAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz-."

	// Constants defining the application version.
	Major = 0
	Minor = 9
	Patch = 0
)

// PreRelease contains the prerelease name of the application.  It is a
// variable so it can be modified at link time (e.g.
// `-ldflags "-X github.com/meridianchain/mrdd/internal/version.PreRelease=rc1"`).
// It must only contain characters from the semantic version alphabet.
var PreRelease = "pre"

// BuildMetadata defines additional build metadata.  It is modified at link
// time for official releases.  It must only contain characters from the
// semantic version alphabet.
var BuildMetadata = "dev"

// normalizeString returns the passed string stripped of all characters which
// are not valid according to the provided alphabet.
func normalizeString(str, alphabet string) string {
	var result strings.Builder
	for _, r := range str {
		if strings.ContainsRune(alphabet, r) {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// String returns the application version as a properly formed string per the
// semantic versioning 2.0.0 spec (https://semver.org/).
func String() string {
	// Start with the major, minor, and patch versions.
	version := fmt.Sprintf("%d.%d.%d", Major, Minor, Patch)

	// Append pre-release version if there is one.  The hyphen called for by
	// the semantic versioning spec is automatically appended and should not
	// be contained in the pre-release string.
	preRelease := normalizeString(PreRelease, semanticAlphabet)
	if preRelease != "" {
		version += "-" + preRelease
	}

	// Append build metadata if there is any.  The plus called for by the
	// semantic versioning spec is automatically appended and should not be
	// contained in the build metadata string.
	buildMetadata := normalizeString(BuildMetadata, semanticAlphabet)
	if buildMetadata != "" {
		version += "+" + buildMetadata
	}

	return version
}
