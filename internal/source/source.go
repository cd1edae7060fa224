// Sessionkeeper - Media Server Session Tracking and Policy Enforcement
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sessionkeeper

// Package source fetches "currently playing" snapshots from media servers and
// normalizes them into models.SnapshotEntry. Each vendor adapter owns its
// wire format; nothing outside this package sees vendor JSON.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/sessionkeeper/internal/breaker"
	"github.com/tomtom215/sessionkeeper/internal/config"
	"github.com/tomtom215/sessionkeeper/internal/models"
)

// ErrUnsupported is returned by sources that cannot provide an operation.
var ErrUnsupported = errors.New("operation not supported by source")

// Source is one media server.
type Source interface {
	ServerID() string
	Vendor() string

	// FetchSnapshot returns every entry currently playing or paused.
	FetchSnapshot(ctx context.Context) ([]models.SnapshotEntry, error)

	// FetchRecentHistory returns playbacks that finished at or after since.
	FetchRecentHistory(ctx context.Context, since time.Time) ([]models.HistoryEntry, error)
}

// New builds the adapter for cfg, wrapped in a BreakerSource.
func New(cfg config.MediaServerConfig) (Source, error) {
	var src Source
	switch cfg.Type {
	case config.ServerTypePlex:
		src = NewPlexSource(cfg.ID, cfg.URL, cfg.Token)
	case config.ServerTypeJellyfin:
		src = NewJellyfinSource(cfg.ID, cfg.URL, cfg.Token)
	case config.ServerTypeEmby:
		src = NewEmbySource(cfg.ID, cfg.URL, cfg.Token)
	default:
		return nil, fmt.Errorf("unknown media server type %q", cfg.Type)
	}
	return NewBreakerSource(src, breaker.DefaultConfig(cfg.Type+"-"+cfg.ID), cfg.RequestsPerSecond), nil
}

// client is the shared HTTP plumbing of the vendor adapters.
type client struct {
	baseURL    string
	headers    map[string]string
	httpClient *http.Client
}

func newClient(baseURL string, headers map[string]string) client {
	return client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		headers: headers,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// getJSON performs a GET on path (which may carry a raw query) and decodes
// the JSON response into result.
func (c *client) getJSON(ctx context.Context, path string, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, http.NoBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s returned status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
