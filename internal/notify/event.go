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

// Package notify turns object-store notifications into item identifiers
// and hands them to the intake router.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/lsst-dm/embargo-butler/internal/pathinfo"
)

// Acceptor routes identifiers. *intake.Router satisfies it.
type Acceptor interface {
	Accept(ctx context.Context, identifiers []string) ([]pathinfo.Descriptor, error)
}

// Parser extracts identifiers of the form [profile@]bucket/key from
// notification bodies.
type Parser struct {
	secret  string
	profile string
	ll      *slog.Logger
}

// NewParser returns a parser that only trusts S3 records whose opaque
// data equals secret. With an empty secret no S3 record is trusted. An empty profile leaves bucket names unprefixed.
func NewParser(secret, profile string, ll *slog.Logger) *Parser {
	if ll == nil {
		ll = slog.Default()
	}
	return &Parser{secret: secret, profile: profile, ll: ll}
}

type s3Event struct {
	Records []struct {
		OpaqueData string `json:"opaqueData"`
		S3         struct {
			Bucket struct {
				Name string `json:"name"`
			} `json:"bucket"`
			Object struct {
				Key string `json:"key"`
			} `json:"object"`
		} `json:"s3"`
	} `json:"Records"`
}

type gcsEvent struct {
	Kind   string `json:"kind"`
	Bucket string `json:"bucket"`
	Name   string `json:"name"`
}

// Parse detects the notification flavor and returns its identifiers.
// Records that cannot be trusted or decoded are logged and skipped.
func (p *Parser) Parse(raw []byte) ([]string, error) {
	var envelope struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("decoding notification: %w", err)
	}
	if envelope.Kind == "storage#object" {
		return p.parseGCS(raw)
	}
	return p.parseS3(raw)
}

func (p *Parser) parseS3(raw []byte) ([]string, error) {
	var evt s3Event
	if err := json.Unmarshal(raw, &evt); err != nil {
		return nil, fmt.Errorf("decoding S3 event: %w", err)
	}

	out := make([]string, 0, len(evt.Records))
	for _, rec := range evt.Records {
		if p.secret == "" || rec.OpaqueData != p.secret {
			p.ll.Info("Unrecognized notification secret", slog.String("opaqueData", rec.OpaqueData))
			continue
		}
		key, err := url.QueryUnescape(rec.S3.Object.Key)
		if err != nil {
			p.ll.Warn("Skipping undecodable object key", slog.String("key", rec.S3.Object.Key), slog.Any("error", err))
			continue
		}
		out = append(out, p.identifier(rec.S3.Bucket.Name, key))
	}
	return out, nil
}

func (p *Parser) parseGCS(raw []byte) ([]string, error) {
	var evt gcsEvent
	if err := json.Unmarshal(raw, &evt); err != nil {
		return nil, fmt.Errorf("decoding storage event: %w", err)
	}
	if evt.Bucket == "" || evt.Name == "" {
		return nil, fmt.Errorf("storage event missing bucket or name")
	}
	return []string{p.identifier(evt.Bucket, evt.Name)}, nil
}

func (p *Parser) identifier(bucket, key string) string {
	if p.profile != "" {
		bucket = p.profile + "@" + bucket
	}
	return bucket + "/" + strings.TrimPrefix(key, "/")
}

// handle parses one notification body and routes its identifiers.
func handle(ctx context.Context, p *Parser, acc Acceptor, raw []byte) ([]pathinfo.Descriptor, error) {
	ids, err := p.Parse(raw)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	descriptors, err := acc.Accept(ctx, ids)
	if err != nil {
		return descriptors, &routeError{err: err}
	}
	return descriptors, nil
}

// routeError marks a failure to reach the store, as opposed to a
// notification that could not be decoded.
type routeError struct {
	err error
}

func (e *routeError) Error() string { return e.err.Error() }
func (e *routeError) Unwrap() error { return e.err }
