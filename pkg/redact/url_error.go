// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package redact strips credentials from errors before they reach logs or
// audit records.
package redact

import (
	"errors"
	"net/url"
	"strings"
)

const placeholder = "REDACTED"

// sensitiveParams are query parameter names whose values never belong in an
// error message.
var sensitiveParams = map[string]struct{}{
	"apikey":   {},
	"api_key":  {},
	"passkey":  {},
	"token":    {},
	"password": {},
	"secret":   {},
}

// URLError redacts sensitive query parameters from a *url.Error anywhere in
// the error chain. Other errors pass through unchanged; nil stays nil.
func URLError(err error) error {
	if err == nil {
		return nil
	}

	var urlErr *url.Error
	if !errors.As(err, &urlErr) {
		return err
	}

	return &url.Error{
		Op:  urlErr.Op,
		URL: redactURL(urlErr.URL),
		Err: urlErr.Err,
	}
}

func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return placeholder
	}

	if u.User != nil {
		if _, hasPassword := u.User.Password(); hasPassword {
			u.User = url.UserPassword(u.User.Username(), placeholder)
		}
	}

	q := u.Query()
	changed := false
	for key := range q {
		if _, ok := sensitiveParams[strings.ToLower(key)]; ok {
			q.Set(key, placeholder)
			changed = true
		}
	}
	if changed {
		u.RawQuery = q.Encode()
	}

	return u.String()
}
