// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package domain holds small shared helpers that carry no dependencies.
package domain

// RedactedStr is the placeholder returned in place of stored secrets.
const RedactedStr = "<redacted>"

// RedactString replaces a non-empty secret with the redaction placeholder.
func RedactString(s string) string {
	if len(s) == 0 {
		return ""
	}

	return RedactedStr
}

// IsRedactedString reports whether a client-supplied value is the redaction
// placeholder. Update paths use this to avoid overwriting a stored secret
// with its own redacted echo.
func IsRedactedString(value string) bool {
	return value == RedactedStr
}
