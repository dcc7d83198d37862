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
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
)

// QueueAPI is the subset of the Azure queue client used by
// AzureQueueService.
type QueueAPI interface {
	DequeueMessages(ctx context.Context, o *azqueue.DequeueMessagesOptions) (azqueue.DequeueMessagesResponse, error)
	DeleteMessage(ctx context.Context, messageID string, popReceipt string, o *azqueue.DeleteMessageOptions) (azqueue.DeleteMessageResponse, error)
}

// AzureQueueService routes blob notifications delivered through an Azure
// storage queue.
type AzureQueueService struct {
	client    QueueAPI
	parser    *Parser
	acceptor  Acceptor
	idleDelay time.Duration
	ll        *slog.Logger
}

// NewAzureQueueClient connects to https://<account>.queue.core.windows.net/<queue>
// with the default Azure credential chain.
func NewAzureQueueClient(storageAccount, queueName string) (*azqueue.QueueClient, error) {
	if storageAccount == "" || queueName == "" {
		return nil, fmt.Errorf("Azure storage account and queue name are required")
	}
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("loading Azure credentials: %w", err)
	}
	url := fmt.Sprintf("https://%s.queue.core.windows.net/%s", storageAccount, queueName)
	client, err := azqueue.NewQueueClient(url, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("creating Azure queue client: %w", err)
	}
	return client, nil
}

func NewAzureQueueService(client QueueAPI, parser *Parser, acceptor Acceptor, ll *slog.Logger) *AzureQueueService {
	if ll == nil {
		ll = slog.Default()
	}
	return &AzureQueueService{
		client:    client,
		parser:    parser,
		acceptor:  acceptor,
		idleDelay: time.Second,
		ll:        ll.With(slog.String("component", "notify-azure")),
	}
}

func (s *AzureQueueService) Run(ctx context.Context) error {
	s.ll.Info("Starting Azure queue polling loop")
	for ctx.Err() == nil {
		n, err := s.poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			s.ll.Error("Failed to receive messages from Azure queue", slog.Any("error", err))
			sleep(ctx, 5*time.Second)
			continue
		}
		if n == 0 {
			sleep(ctx, s.idleDelay)
		}
	}
	s.ll.Info("Azure queue polling loop stopped")
	return nil
}

// poll dequeues one batch and returns how many messages it saw.
func (s *AzureQueueService) poll(ctx context.Context) (int, error) {
	reqCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	numberOfMessages := int32(32)
	visibilityTimeout := int32(30)
	result, err := s.client.DequeueMessages(reqCtx, &azqueue.DequeueMessagesOptions{
		NumberOfMessages:  &numberOfMessages,
		VisibilityTimeout: &visibilityTimeout,
	})
	cancel()
	if err != nil {
		return 0, fmt.Errorf("dequeueing messages: %w", err)
	}

	for _, msg := range result.Messages {
		if msg == nil || msg.MessageID == nil || msg.PopReceipt == nil {
			continue
		}
		if msg.MessageText != nil {
			_, err := handle(ctx, s.parser, s.acceptor, decodeIfBase64(*msg.MessageText))
			var storeErr *routeError
			if errors.As(err, &storeErr) {
				// Left invisible until the visibility timeout lapses, then redelivered.
				s.ll.Error("Failed to route notification", slog.String("messageId", *msg.MessageID), slog.Any("error", err))
				continue
			}
			if err != nil {
				s.ll.Warn("Discarding undecodable notification", slog.String("messageId", *msg.MessageID), slog.Any("error", err))
			}
		}

		delCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		_, err := s.client.DeleteMessage(delCtx, *msg.MessageID, *msg.PopReceipt, nil)
		cancel()
		if err != nil {
			s.ll.Error("Failed to delete Azure queue message", slog.Any("error", err))
		}
	}
	return len(result.Messages), nil
}

// decodeIfBase64 unwraps Event Grid deliveries, which arrive base64
// encoded; anything else is returned as is.
func decodeIfBase64(s string) []byte {
	if len(s)%4 != 0 {
		return []byte(s)
	}
	decoded, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return []byte(s)
	}
	return decoded
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
