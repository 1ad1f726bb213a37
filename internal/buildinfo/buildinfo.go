// Copyright 2026 The vdmtel Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package buildinfo exposes compile-time metadata shared across the vdmtel binaries.
package buildinfo

import "fmt"

// The following variables are overridden via ldflags during release builds.
// Defaults cover local development builds.
var (
	// Version is the semantic version or git describe output of the binary.
	Version = "dev"

	// Commit is the git commit SHA baked into the binary.
	Commit = "none"

	// BuildDate records when the binary was built in UTC.
	BuildDate = "unknown"
)

// String renders the build metadata on one line.
func String() string {
	return fmt.Sprintf("vdmtel %s (commit %s, built %s)", Version, Commit, BuildDate)
}

// Fields returns the build metadata as structured record fields.
func Fields() map[string]any {
	return map[string]any{"version": Version, "commit": Commit, "build_date": BuildDate}
}
