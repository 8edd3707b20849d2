// Package queue provides the durable work queue the dispatcher hands
// inbound messages to.
package queue

import "context"

// Options control per-item delivery semantics.
type Options struct {
	// MaxAttempts is how many times a worker may retry the item.
	MaxAttempts int
	// DedupeOnComplete removes duplicate items once one completes.
	DedupeOnComplete bool
}

// Queue accepts work items for at-least-once processing.
type Queue interface {
	Enqueue(ctx context.Context, topic string, payload interface{}, opts Options) error
}
