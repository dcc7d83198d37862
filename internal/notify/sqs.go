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
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// SQSAPI is the subset of the SQS client used by SQSService.
type SQSAPI interface {
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

const maxConcurrentMessages = 10

// SQSService routes S3 notifications delivered through an SQS queue.
// Messages are deleted once routed or once found undecodable; messages
// that hit a store error stay on the queue for redelivery.
type SQSService struct {
	client     SQSAPI
	queueURL   string
	parser     *Parser
	acceptor   Acceptor
	retryDelay time.Duration
	ll         *slog.Logger
}

func NewSQSService(client SQSAPI, queueURL string, parser *Parser, acceptor Acceptor, ll *slog.Logger) *SQSService {
	if ll == nil {
		ll = slog.Default()
	}
	return &SQSService{
		client:     client,
		queueURL:   queueURL,
		parser:     parser,
		acceptor:   acceptor,
		retryDelay: 5 * time.Second,
		ll:         ll.With(slog.String("component", "notify-sqs"), slog.String("queueURL", queueURL)),
	}
}

func (s *SQSService) Run(ctx context.Context) error {
	s.ll.Info("Starting SQS polling loop")
	for {
		if ctx.Err() != nil {
			s.ll.Info("SQS polling loop stopped")
			return nil
		}
		if _, err := s.poll(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.ll.Error("Failed to receive messages from SQS", slog.Any("error", err))
			select {
			case <-ctx.Done():
			case <-time.After(s.retryDelay):
			}
		}
	}
}

// poll receives one batch and returns how many messages were deleted.
func (s *SQSService) poll(ctx context.Context) (int, error) {
	result, err := s.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(s.queueURL),
		MaxNumberOfMessages: 10,
		WaitTimeSeconds:     20,
	})
	if err != nil {
		return 0, fmt.Errorf("receiving messages: %w", err)
	}

	sem := make(chan struct{}, maxConcurrentMessages)
	var wg sync.WaitGroup
	var mu sync.Mutex
	deleted := 0

	for _, msg := range result.Messages {
		wg.Add(1)
		sem <- struct{}{}
		go func(msg types.Message) {
			defer wg.Done()
			defer func() { <-sem }()
			if s.handle(ctx, msg) {
				mu.Lock()
				deleted++
				mu.Unlock()
			}
		}(msg)
	}
	wg.Wait()
	return deleted, nil
}

func (s *SQSService) handle(ctx context.Context, msg types.Message) bool {
	id := aws.ToString(msg.MessageId)
	if msg.Body != nil {
		msgCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		_, err := handle(msgCtx, s.parser, s.acceptor, []byte(*msg.Body))
		cancel()
		var storeErr *routeError
		if errors.As(err, &storeErr) {
			s.ll.Error("Failed to route notification, leaving message for retry",
				slog.String("messageId", id), slog.Any("error", err))
			return false
		}
		if err != nil {
			s.ll.Warn("Discarding undecodable notification", slog.String("messageId", id), slog.Any("error", err))
		}
	}

	deleteCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := s.client.DeleteMessage(deleteCtx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(s.queueURL),
		ReceiptHandle: msg.ReceiptHandle,
	}); err != nil {
		s.ll.Error("Failed to delete SQS message", slog.String("messageId", id), slog.Any("error", err))
		return false
	}
	return true
}
