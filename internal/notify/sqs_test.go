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
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSQS struct {
	mu         sync.Mutex
	messages   []types.Message
	receiveErr error
	deleted    []string
}

func (f *fakeSQS) ReceiveMessage(_ context.Context, in *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	if f.receiveErr != nil {
		return nil, f.receiveErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := &sqs.ReceiveMessageOutput{Messages: f.messages}
	f.messages = nil
	return out, nil
}

func (f *fakeSQS) DeleteMessage(_ context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, aws.ToString(in.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func sqsMessage(id, body string) types.Message {
	return types.Message{MessageId: aws.String(id), ReceiptHandle: aws.String("rh-" + id), Body: aws.String(body)}
}

func TestSQSPollRoutesAndDeletes(t *testing.T) {
	client := &fakeSQS{messages: []types.Message{
		sqsMessage("1", string(s3Body(testSecret, "bucketA", testKey))),
		sqsMessage("2", "garbage"),
	}}
	acc := &fakeAcceptor{}
	svc := NewSQSService(client, "https://sqs/queue", NewParser(testSecret, "", nil), acc, nil)

	n, err := svc.poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.ElementsMatch(t, []string{"rh-1", "rh-2"}, client.deleted)
	assert.Equal(t, []string{"bucketA/" + testKey}, acc.identifiers())
}

func TestSQSPollKeepsMessageOnStoreError(t *testing.T) {
	client := &fakeSQS{messages: []types.Message{sqsMessage("1", string(s3Body(testSecret, "bucketA", testKey)))}}
	svc := NewSQSService(client, "q", NewParser(testSecret, "", nil), &fakeAcceptor{err: errors.New("down")}, nil)

	n, err := svc.poll(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, client.deleted)
}

func TestSQSPollReceiveError(t *testing.T) {
	svc := NewSQSService(&fakeSQS{receiveErr: errors.New("throttled")}, "q", NewParser("", "", nil), &fakeAcceptor{}, nil)
	_, err := svc.poll(context.Background())
	assert.Error(t, err)
}

func TestSQSRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	svc := NewSQSService(&fakeSQS{}, "q", NewParser("", "", nil), &fakeAcceptor{}, nil)
	assert.NoError(t, svc.Run(ctx))
}
