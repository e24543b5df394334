// Package postprocess titles and summarizes sessions after an exchange
// completes. Tasks travel over a watermill topic and are handled by a
// Worker; failures are logged and never reach the caller.
package postprocess

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/sagaler1/v-chatbot/internal/providers"
)

// Task is the work item submitted after both turns of an exchange committed.
type Task struct {
	SessionID   string              `json:"session_id"`
	Owner       string              `json:"owner"`
	Exchange    []providers.Message `json:"exchange"`
	SubmittedAt time.Time           `json:"submitted_at"`
}

// Queue publishes tasks to the post-processing topic.
type Queue struct {
	publisher message.Publisher
	topic     string
}

func NewQueue(publisher message.Publisher, topic string) *Queue {
	return &Queue{publisher: publisher, topic: topic}
}

// Submit publishes the task and returns without waiting for it to run.
func (q *Queue) Submit(ctx context.Context, task Task) error {
	if task.SubmittedAt.IsZero() {
		task.SubmittedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to encode task: %w", err)
	}

	// Publishers take no context and the worker runs under its own
	// timeout, so ctx only decides whether the task is published at all.
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("task not published: %w", err)
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("session_id", task.SessionID)

	if err := q.publisher.Publish(q.topic, msg); err != nil {
		return fmt.Errorf("failed to publish task: %w", err)
	}
	return nil
}

func decodeTask(msg *message.Message) (Task, error) {
	var task Task
	if err := json.Unmarshal(msg.Payload, &task); err != nil {
		return Task{}, fmt.Errorf("failed to decode task: %w", err)
	}
	return task, nil
}
