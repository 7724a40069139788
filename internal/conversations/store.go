package conversations

import (
	"context"
	"errors"

	"github.com/haasonsaas/agui/pkg/models"
)

// ErrNotFound is returned for unknown conversation ids.
var ErrNotFound = errors.New("conversation not found")

// ErrExists is returned when Create is asked for an id that is already taken.
var ErrExists = errors.New("conversation already exists")

// Store is the interface for conversation state.
type Store interface {
	Create(ctx context.Context, opts ...CreateOption) (string, error)
	Get(ctx context.Context, id string) (*models.Conversation, error)
	// Append adds messages atomically: a batch is never interleaved with
	// another append to the same conversation.
	Append(ctx context.Context, id string, msgs ...models.Message) error
	List(ctx context.Context) ([]models.ConversationSummary, error)
	Count() int
}

// CreateOption customizes Create.
type CreateOption func(*createOptions)

type createOptions struct {
	id string
}

// WithID creates the conversation under a caller-supplied id.
func WithID(id string) CreateOption {
	return func(o *createOptions) {
		o.id = id
	}
}

// Limits bounds memory use of a store.
type Limits struct {
	// MaxMessages caps messages kept per conversation. The oldest
	// non-system messages are pruned first; system messages go only when
	// they alone exceed the cap, oldest first.
	MaxMessages int

	// MaxConversations caps live conversations. The least recently updated
	// conversation is evicted to make room.
	MaxConversations int
}

// DefaultLimits returns the default store limits.
func DefaultLimits() Limits {
	return Limits{
		MaxMessages:      200,
		MaxConversations: 1000,
	}
}
