package subscription

import "errors"

var (
	// ErrDisconnected is returned by Subscribe when the session is not a
	// live, validated connection. No partial state is created.
	ErrDisconnected = errors.New("session is not connected")

	// ErrInvalidTopic is returned by Subscribe when the topic cannot name a
	// progress file (empty, too long, or containing unsafe characters).
	ErrInvalidTopic = errors.New("invalid topic")

	// ErrTopicActive is returned by Subscribe when the manager already holds
	// a live subscription for the topic.
	ErrTopicActive = errors.New("topic already has an active subscription")

	// ErrResolutionFailed wraps an entity-discovery failure during
	// reconciliation. Prior watermark state is left untouched; the next
	// cycle retries.
	ErrResolutionFailed = errors.New("entity resolution failed")

	// ErrCycleFailed is returned by Consume once the retry budget is
	// exhausted. The subscription stays usable for the next cycle.
	ErrCycleFailed = errors.New("consume cycle failed")

	// ErrSubscriptionClosed is returned when a subscription is used after
	// Unsubscribe released it.
	ErrSubscriptionClosed = errors.New("subscription is closed")

	// ErrManagerClosed is returned by Subscribe after the manager has been
	// closed.
	ErrManagerClosed = errors.New("subscription manager is closed")
)
