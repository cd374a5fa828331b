// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/random"
)

// MediaPipeline is the generic media-fetch/storage boundary. Fetch pulls
// bytes from an HTTP(S) URL (outbound reply media); Save stores bytes on
// disk (inbound downloads and fetched outbound media) and enforces the
// size cap. direction is "inbound" or "outbound".
type MediaPipeline interface {
	Fetch(ctx context.Context, url string, headers map[string]string) (data []byte, contentType string, err error)
	Save(ctx context.Context, data []byte, contentType, direction string) (storedPath string, err error)
}

// DiskMediaPipeline stores media under one root directory, split by
// direction, with randomized file names and owner-only permissions.
type DiskMediaPipeline struct {
	log      zerolog.Logger
	dir      string
	maxBytes int64
	client   *http.Client
}

var _ MediaPipeline = (*DiskMediaPipeline)(nil)

func NewDiskMediaPipeline(dir string, maxBytes int64, log zerolog.Logger) (*DiskMediaPipeline, error) {
	for _, sub := range []string{"inbound", "outbound"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create media dir: %w", err)
		}
	}
	return &DiskMediaPipeline{
		log:      log.With().Str("component", "media").Logger(),
		dir:      dir,
		maxBytes: maxBytes,
		client:   &http.Client{Timeout: 60 * time.Second},
	}, nil
}

func (p *DiskMediaPipeline) Fetch(ctx context.Context, url string, headers map[string]string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to build media request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("failed to fetch media: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("media fetch returned HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, p.maxBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("failed to read media body: %w", err)
	}
	if int64(len(data)) > p.maxBytes {
		return nil, "", fmt.Errorf("media exceeds size limit of %d bytes", p.maxBytes)
	}
	return data, resp.Header.Get("Content-Type"), nil
}

func (p *DiskMediaPipeline) Save(_ context.Context, data []byte, contentType, direction string) (string, error) {
	if direction != "inbound" && direction != "outbound" {
		return "", fmt.Errorf("invalid media direction %q", direction)
	}
	if int64(len(data)) > p.maxBytes {
		return "", fmt.Errorf("media exceeds size limit of %d bytes", p.maxBytes)
	}
	path := filepath.Join(p.dir, direction, random.String(16)+extensionFor(contentType))
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("failed to store media: %w", err)
	}
	p.log.Debug().Str("path", path).Int("bytes", len(data)).Msg("Stored media file")
	return path, nil
}

func extensionFor(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ".bin"
	}
	// Prefer the well-known extensions for common types; the platform
	// mime database can return surprising first entries (e.g. ".jpe").
	switch mediaType {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "text/plain":
		return ".txt"
	}
	exts, err := mime.ExtensionsByType(mediaType)
	if err != nil || len(exts) == 0 {
		return ".bin"
	}
	return exts[0]
}
