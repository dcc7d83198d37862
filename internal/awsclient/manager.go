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

// Package awsclient builds AWS service clients that share one base
// configuration and a cache of assumed-role credentials.
package awsclient

import (
	"context"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"go.opentelemetry.io/contrib/instrumentation/github.com/aws/aws-sdk-go-v2/otelaws"
)

type Manager struct {
	baseCfg     aws.Config
	stsClient   *sts.Client
	sessionName string

	mu        sync.Mutex
	providers map[credentialKey]aws.CredentialsProvider
}

type credentialKey struct {
	region  string
	roleARN string
}

type ManagerOption func(*Manager)

func WithSessionName(name string) ManagerOption {
	return func(m *Manager) {
		m.sessionName = name
	}
}

// NewManager loads the default AWS configuration chain and instruments
// every client it builds with OpenTelemetry.
func NewManager(ctx context.Context, opts ...ManagerOption) (*Manager, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	otelaws.AppendMiddlewares(&cfg.APIOptions)

	m := &Manager{
		baseCfg:     cfg,
		stsClient:   sts.NewFromConfig(cfg),
		sessionName: "embargo-butler",
		providers:   make(map[credentialKey]aws.CredentialsProvider),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// ClientOptions selects the region, role and endpoint of one client.
// Empty fields fall back to the base configuration.
type ClientOptions struct {
	Region    string `mapstructure:"region"`
	RoleARN   string `mapstructure:"role_arn"`
	Endpoint  string `mapstructure:"endpoint"`
	PathStyle bool   `mapstructure:"path_style"`
}

func (m *Manager) configFor(o ClientOptions) aws.Config {
	region := o.Region
	if region == "" {
		region = m.baseCfg.Region
	}
	key := credentialKey{region: region, roleARN: o.RoleARN}

	m.mu.Lock()
	provider, ok := m.providers[key]
	if !ok {
		if o.RoleARN == "" {
			provider = m.baseCfg.Credentials
		} else {
			provider = aws.NewCredentialsCache(stscreds.NewAssumeRoleProvider(m.stsClient, o.RoleARN,
				func(ao *stscreds.AssumeRoleOptions) {
					ao.RoleSessionName = m.sessionName
				}))
		}
		m.providers[key] = provider
	}
	m.mu.Unlock()

	cfg := m.baseCfg.Copy()
	cfg.Region = region
	cfg.Credentials = provider
	return cfg
}

func (m *Manager) S3(o ClientOptions) *s3.Client {
	return s3.NewFromConfig(m.configFor(o), func(so *s3.Options) {
		if o.Endpoint != "" {
			so.BaseEndpoint = aws.String(o.Endpoint)
		}
		so.UsePathStyle = o.PathStyle
	})
}

func (m *Manager) SQS(o ClientOptions) *sqs.Client {
	return sqs.NewFromConfig(m.configFor(o), func(so *sqs.Options) {
		if o.Endpoint != "" {
			so.BaseEndpoint = aws.String(o.Endpoint)
		}
	})
}
