// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// DefaultHTTPTimeout bounds a single engine call.
const DefaultHTTPTimeout = 10 * time.Minute

// HTTPEngine delegates batches to a processing service over HTTP. It
// POSTs {"items": [...]} and expects a BatchResult as the response body.
type HTTPEngine struct {
	endpoint string
	client   *http.Client
}

type ingestRequest struct {
	Items []string `json:"items"`
}

func NewHTTPEngine(endpoint string, timeout time.Duration) *HTTPEngine {
	if timeout <= 0 {
		timeout = DefaultHTTPTimeout
	}
	return &HTTPEngine{
		endpoint: endpoint,
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

func (e *HTTPEngine) Ingest(ctx context.Context, items []string) (BatchResult, error) {
	body, err := json.Marshal(ingestRequest{Items: items})
	if err != nil {
		return BatchResult{}, fmt.Errorf("encoding engine request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return BatchResult{}, fmt.Errorf("creating engine request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return BatchResult{}, fmt.Errorf("calling engine: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return BatchResult{}, fmt.Errorf("engine returned %s: %s", resp.Status, bytes.TrimSpace(msg))
	}

	var result BatchResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return BatchResult{}, fmt.Errorf("decoding engine response: %w", err)
	}
	return result, nil
}
