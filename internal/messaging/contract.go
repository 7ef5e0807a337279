//go:generate go run go.uber.org/mock/mockgen -source=contract.go -destination=../mocks/mock_messaging.go -package=mocks
package messaging

import (
	"context"
	"time"

	"chatrelay/internal/presence"
	"chatrelay/internal/storage"
)

// Store is the persistence the service needs.
type Store interface {
	GetUserByID(ctx context.Context, id string) (*storage.User, error)
	InsertMessage(ctx context.Context, msg storage.Message) error
	FindMessagesBetween(ctx context.Context, a, b string) ([]storage.Message, error)
	FindMessageByID(ctx context.Context, id string) (*storage.Message, error)
	UpdateMessageText(ctx context.Context, id, text string, editedAt time.Time) error
	DeleteMessage(ctx context.Context, id string) error
}

// Notifier pushes events to online users. presence.Relay satisfies it.
type Notifier interface {
	Deliver(userID string, evt presence.Event) bool
}
