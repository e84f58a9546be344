// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package httphelpers has small HTTP plumbing shared by clients and the
// server: response draining and base-path normalization for reverse-proxy
// deployments.
package httphelpers

import "strings"

// NormalizeBasePath canonicalizes a configured base URL path: leading slash,
// no trailing slash, empty string for the root.
func NormalizeBasePath(path string) string {
	path = strings.TrimSpace(path)
	path = strings.Trim(path, "/")
	if path == "" {
		return ""
	}
	return "/" + path
}

// JoinBasePath joins a normalized base path with a route suffix, always
// producing an absolute path.
func JoinBasePath(basePath, suffix string) string {
	basePath = NormalizeBasePath(basePath)
	suffix = strings.TrimPrefix(suffix, "/")

	switch {
	case basePath == "" && suffix == "":
		return "/"
	case suffix == "":
		return basePath
	default:
		return basePath + "/" + suffix
	}
}
