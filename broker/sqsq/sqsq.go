// Package sqsq publishes envelopes to Amazon SQS FIFO queues. The session id
// becomes the message group, so SQS keeps each session in order.
package sqsq

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/aws/smithy-go"

	"github.com/mickamy/txbus"
)

// maxBatch is the SendMessageBatch entry limit.
const maxBatch = 10

// API is the subset of *sqs.Client used by Sender.
type API interface {
	SendMessageBatch(ctx context.Context, params *sqs.SendMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageBatchOutput, error)
	GetQueueUrl(ctx context.Context, params *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
}

// Sender implements txbus.Sender on SQS.
type Sender struct {
	client API
	codec  *txbus.Codec

	mu   sync.RWMutex
	urls map[string]string
}

// Option configures a Sender.
type Option func(*Sender)

// WithQueueURL maps a queue name to its URL and skips the GetQueueUrl lookup.
func WithQueueURL(queue, url string) Option {
	return func(s *Sender) {
		s.urls[queue] = url
	}
}

// New creates a Sender on client.
func New(client API, codec *txbus.Codec, opts ...Option) *Sender {
	s := &Sender{
		client: client,
		codec:  codec,
		urls:   make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ txbus.Sender = (*Sender)(nil)

// Send publishes envs in chunks of ten. Unsessioned envelopes get their own
// message group.
func (s *Sender) Send(ctx context.Context, queue string, envs ...txbus.Envelope) error {
	if len(envs) == 0 {
		return nil
	}
	url, err := s.queueURL(ctx, queue)
	if err != nil {
		return err
	}
	entries := make([]types.SendMessageBatchRequestEntry, len(envs))
	for i, env := range envs {
		body, err := s.codec.Marshal(env)
		if err != nil {
			return txbus.Permanent(err)
		}
		group := env.SessionID
		if group == "" {
			group = env.MessageID
		}
		entries[i] = types.SendMessageBatchRequestEntry{
			Id:                     aws.String(strconv.Itoa(i)),
			MessageBody:            aws.String(string(body)),
			MessageGroupId:         aws.String(group),
			MessageDeduplicationId: aws.String(env.MessageID),
			MessageAttributes: map[string]types.MessageAttributeValue{
				"type": {DataType: aws.String("String"), StringValue: aws.String(env.TypeTag)},
			},
		}
	}

	for start := 0; start < len(entries); start += maxBatch {
		end := min(start+maxBatch, len(entries))
		out, err := s.client.SendMessageBatch(ctx, &sqs.SendMessageBatchInput{
			QueueUrl: aws.String(url),
			Entries:  entries[start:end],
		})
		if err != nil {
			return classify(err)
		}
		if err := batchFailure(out); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sender) queueURL(ctx context.Context, queue string) (string, error) {
	s.mu.RLock()
	url, ok := s.urls[queue]
	s.mu.RUnlock()
	if ok {
		return url, nil
	}
	out, err := s.client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(queue)})
	if err != nil {
		return "", fmt.Errorf("sqsq: resolve queue %s: %w", queue, err)
	}
	url = aws.ToString(out.QueueUrl)
	s.mu.Lock()
	s.urls[queue] = url
	s.mu.Unlock()
	return url, nil
}

var permanentCodes = map[string]bool{
	"AWS.SimpleQueueService.BatchRequestTooLong":      true,
	"AWS.SimpleQueueService.BatchEntryIdsNotDistinct": true,
	"InvalidMessageContents":                          true,
	"BatchRequestTooLong":                             true,
}

func classify(err error) error {
	var (
		tooLong *types.BatchRequestTooLong
		invalid *types.InvalidMessageContents
	)
	if errors.As(err, &tooLong) || errors.As(err, &invalid) {
		return txbus.Permanent(err)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && permanentCodes[apiErr.ErrorCode()] {
		return txbus.Permanent(err)
	}
	return fmt.Errorf("sqsq: send batch: %w", err)
}

func batchFailure(out *sqs.SendMessageBatchOutput) error {
	if out == nil || len(out.Failed) == 0 {
		return nil
	}
	var (
		errs      []error
		permanent = true
	)
	for _, f := range out.Failed {
		errs = append(errs, fmt.Errorf("entry %s: %s: %s", aws.ToString(f.Id), aws.ToString(f.Code), aws.ToString(f.Message)))
		if !f.SenderFault {
			permanent = false
		}
	}
	err := fmt.Errorf("sqsq: %d entries failed: %w", len(out.Failed), errors.Join(errs...))
	if permanent {
		return txbus.Permanent(err)
	}
	return err
}
