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

package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/api/option"
)

// GCPPubSubService routes Cloud Storage notifications delivered through a
// Pub/Sub subscription.
type GCPPubSubService struct {
	client   *pubsub.Client
	sub      *pubsub.Subscription
	parser   *Parser
	acceptor Acceptor
	tracer   trace.Tracer
	ll       *slog.Logger
}

// NewGCPPubSubService connects to the subscription. An empty
// credentialsFile falls back to application default credentials.
func NewGCPPubSubService(ctx context.Context, projectID, subscriptionID, credentialsFile string, parser *Parser, acceptor Acceptor, ll *slog.Logger) (*GCPPubSubService, error) {
	if projectID == "" || subscriptionID == "" {
		return nil, fmt.Errorf("GCP project and subscription are required")
	}
	if ll == nil {
		ll = slog.Default()
	}

	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := pubsub.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create pubsub client: %w", err)
	}

	return &GCPPubSubService{
		client:   client,
		sub:      client.Subscription(subscriptionID),
		parser:   parser,
		acceptor: acceptor,
		tracer:   otel.Tracer("github.com/lsst-dm/embargo-butler/internal/notify"),
		ll:       ll.With(slog.String("component", "notify-gcp"), slog.String("subscription", subscriptionID)),
	}, nil
}

func (s *GCPPubSubService) Run(ctx context.Context) error {
	s.ll.Info("Starting Pub/Sub receive loop")
	defer func() {
		if err := s.client.Close(); err != nil {
			s.ll.Error("Failed to close Pub/Sub client", slog.Any("error", err))
		}
	}()

	err := s.sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		if s.process(ctx, msg.ID, msg.Data) {
			msg.Ack()
			return
		}
		msg.Nack()
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("pubsub receive: %w", err)
	}
	return nil
}

// process reports whether the message may be acknowledged. Only store
// errors ask for redelivery.
func (s *GCPPubSubService) process(ctx context.Context, id string, data []byte) bool {
	ctx, span := s.tracer.Start(ctx, "notify.gcp",
		trace.WithAttributes(attribute.String("message_id", id)))
	defer span.End()

	_, err := handle(ctx, s.parser, s.acceptor, data)
	if err == nil {
		return true
	}
	span.RecordError(err)
	var storeErr *routeError
	if errors.As(err, &storeErr) {
		s.ll.Error("Failed to route notification", slog.String("message_id", id), slog.Any("error", err))
		return false
	}
	s.ll.Warn("Discarding undecodable notification", slog.String("message_id", id), slog.Any("error", err))
	return true
}
