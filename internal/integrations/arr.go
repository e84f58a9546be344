// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package integrations

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/pkg/errors"

	"github.com/autobrr/warden/pkg/httphelpers"
)

// ArrClient notifies a Sonarr/Radarr-style tool that paths under its watch
// changed. Warden only ever asks for a rescan; the arr side decides what to
// do with it.
type ArrClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewArrClient(baseURL, apiKey string) *ArrClient {
	return &ArrClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

type arrCommandRequest struct {
	Name    string   `json:"name"`
	Folders []string `json:"folders,omitempty"`
}

// NotifyRescan asks the arr tool to rescan the given folders.
func (c *ArrClient) NotifyRescan(ctx context.Context, folders []string) error {
	body, err := json.Marshal(arrCommandRequest{Name: "RescanFolders", Folders: folders})
	if err != nil {
		return errors.Wrap(err, "encode arr command")
	}

	return retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v3/command", bytes.NewReader(body))
			if err != nil {
				return retry.Unrecoverable(errors.Wrap(err, "build arr request"))
			}
			req.Header.Set("X-Api-Key", c.apiKey)
			req.Header.Set("Content-Type", "application/json")

			resp, err := c.http.Do(req)
			if err != nil {
				return errors.Wrap(err, "arr request")
			}
			defer httphelpers.DrainAndClose(resp)

			switch {
			case resp.StatusCode == http.StatusUnauthorized:
				return retry.Unrecoverable(errors.New("arr rejected the API key"))
			case resp.StatusCode >= 400:
				return errors.Errorf("arr returned status %d", resp.StatusCode)
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(500*time.Millisecond),
		retry.LastErrorOnly(true),
	)
}
