package relay

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

const (
	jobKindAttribute = "kind"
	maxSQSBatch      = 10
	maxSQSWait       = 20
)

type sqsAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// SQSQueue carries relay jobs over SQS. A queue URL ending in ".fifo" gets
// per-sender message groups and wamid-based deduplication.
type SQSQueue struct {
	client   sqsAPI
	queueURL string
	fifo     bool
}

// NewSQSQueue binds client to queueURL.
func NewSQSQueue(client sqsAPI, queueURL string) *SQSQueue {
	if client == nil {
		panic("relay: SQS client cannot be nil")
	}
	if queueURL == "" {
		panic("relay: SQS queueURL cannot be empty")
	}
	return &SQSQueue{
		client:   client,
		queueURL: queueURL,
		fifo:     strings.HasSuffix(queueURL, ".fifo"),
	}
}

func (q *SQSQueue) Send(ctx context.Context, job queueJob) error {
	in := &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.queueURL),
		MessageBody: aws.String(job.Body),
		MessageAttributes: map[string]sqstypes.MessageAttributeValue{
			jobKindAttribute: {DataType: aws.String("String"), StringValue: aws.String(jobKindInbound)},
		},
	}
	if q.fifo {
		in.MessageGroupId = aws.String(job.GroupID)
		in.MessageDeduplicationId = aws.String(job.DedupeID)
	}
	if _, err := q.client.SendMessage(ctx, in); err != nil {
		return fmt.Errorf("relay: enqueue job for %s: %w", job.GroupID, err)
	}
	return nil
}

func (q *SQSQueue) Receive(ctx context.Context, maxMessages int, waitSeconds int) ([]queueMessage, error) {
	maxMessages = min(max(maxMessages, 1), maxSQSBatch)
	waitSeconds = min(max(waitSeconds, 0), maxSQSWait)

	out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:                    aws.String(q.queueURL),
		MaxNumberOfMessages:         int32(maxMessages),
		WaitTimeSeconds:             int32(waitSeconds),
		MessageSystemAttributeNames: []sqstypes.MessageSystemAttributeName{sqstypes.MessageSystemAttributeNameApproximateReceiveCount},
	})
	if err != nil {
		return nil, fmt.Errorf("relay: poll relay jobs: %w", err)
	}

	messages := make([]queueMessage, len(out.Messages))
	for i, m := range out.Messages {
		count, _ := strconv.Atoi(m.Attributes[string(sqstypes.MessageSystemAttributeNameApproximateReceiveCount)])
		messages[i] = queueMessage{
			ID:            aws.ToString(m.MessageId),
			Body:          aws.ToString(m.Body),
			ReceiptHandle: aws.ToString(m.ReceiptHandle),
			ReceiveCount:  count,
		}
	}
	return messages, nil
}

func (q *SQSQueue) Delete(ctx context.Context, receiptHandle string) error {
	if receiptHandle == "" {
		return nil
	}
	if _, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	}); err != nil {
		return fmt.Errorf("relay: ack relay job: %w", err)
	}
	return nil
}
