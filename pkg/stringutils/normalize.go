// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package stringutils normalizes release and file names so torrent metadata
// can be matched against inventory paths regardless of unicode form, case,
// or separator style.
package stringutils

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// NormalizeUnicode decomposes accented characters to their ASCII base form.
// Distinct Nordic/Germanic letters that NFKD does not decompose are replaced
// explicitly first.
func NormalizeUnicode(s string) string {
	replacements := [...][2]string{
		{"æ", "ae"}, {"Æ", "AE"},
		{"œ", "oe"}, {"Œ", "OE"},
		{"ø", "o"}, {"Ø", "O"},
		{"ß", "ss"},
		{"ð", "d"}, {"Ð", "D"},
		{"þ", "th"}, {"Þ", "TH"},
	}
	for _, r := range replacements {
		s = strings.ReplaceAll(s, r[0], r[1])
	}

	// transform.Chain is not safe for concurrent use, so build it per call.
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)))
	result, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return result
}

// NormalizeForMatching lowers a name into a canonical comparison form:
// unicode-folded, lowercase, separators collapsed to single spaces.
func NormalizeForMatching(s string) string {
	s = NormalizeUnicode(s)
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, "'", "")

	var b strings.Builder
	b.Grow(len(s))
	lastSpace := false
	for _, ch := range s {
		if ch == '.' || ch == '_' || ch == '-' || ch == ' ' || ch == '+' {
			if !lastSpace && b.Len() > 0 {
				b.WriteByte(' ')
				lastSpace = true
			}
			continue
		}
		b.WriteRune(ch)
		lastSpace = false
	}
	return strings.TrimRight(b.String(), " ")
}
