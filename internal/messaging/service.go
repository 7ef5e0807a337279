package messaging

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"chatrelay/internal/presence"
	"chatrelay/internal/storage"
)

// DefaultEditWindow is how long after sending a message its author may still
// edit or delete it.
const DefaultEditWindow = 10 * time.Minute

var (
	ErrNotFound  = errors.New("not found")
	ErrForbidden = errors.New("forbidden")
	// ErrNotAuthor and ErrEditWindowClosed both match ErrForbidden.
	ErrNotAuthor        = fmt.Errorf("%w: only the sender may change a message", ErrForbidden)
	ErrEditWindowClosed = fmt.Errorf("%w: edit window has passed", ErrForbidden)
	ErrEmptyText        = errors.New("message text must not be empty")
)

type Message struct {
	ID        string     `json:"id"`
	From      string     `json:"from"`
	To        string     `json:"to"`
	Text      string     `json:"text"`
	CreatedAt time.Time  `json:"createdAt"`
	EditedAt  *time.Time `json:"editedAt,omitempty"`
}

// HistoryEntry is a message as seen by one side of the conversation.
type HistoryEntry struct {
	Message
	FromSelf bool `json:"fromSelf"`
}

func fromRow(m storage.Message) Message {
	return Message{
		ID:        m.ID,
		From:      m.SenderID,
		To:        m.ReceiverID,
		Text:      m.Text,
		CreatedAt: m.CreatedAt,
		EditedAt:  m.EditedAt,
	}
}

// Service persists direct messages and relays them to online recipients.
// The store is always written first; a relay miss never fails an operation.
type Service struct {
	store      Store
	notifier   Notifier
	logger     *zap.Logger
	now        func() time.Time
	newID      func() string
	editWindow time.Duration
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithEditWindow(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.editWindow = d
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func NewService(store Store, notifier Notifier, opts ...Option) *Service {
	s := &Service{
		store:      store,
		notifier:   notifier,
		logger:     zap.NewNop(),
		now:        time.Now,
		newID:      uuid.NewString,
		editWindow: DefaultEditWindow,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Send stores a message from one user to another and pushes it to the
// recipient if they are online.
func (s *Service) Send(ctx context.Context, from, to, text string) (Message, error) {
	if strings.TrimSpace(text) == "" {
		return Message{}, ErrEmptyText
	}
	recipient, err := s.store.GetUserByID(ctx, to)
	if err != nil {
		return Message{}, fmt.Errorf("lookup recipient: %w", err)
	}
	if recipient == nil {
		return Message{}, fmt.Errorf("recipient %q: %w", to, ErrNotFound)
	}
	row := storage.Message{
		ID:         s.newID(),
		SenderID:   from,
		ReceiverID: to,
		Text:       text,
		CreatedAt:  s.now().UTC(),
	}
	if err := s.store.InsertMessage(ctx, row); err != nil {
		if errors.Is(err, storage.ErrUnknownUser) {
			return Message{}, fmt.Errorf("sender %q: %w", from, ErrNotFound)
		}
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	msg := fromRow(row)
	s.notify(to, presence.MessageReceived(presence.MessagePayload{
		ID:        msg.ID,
		From:      msg.From,
		To:        msg.To,
		Text:      msg.Text,
		CreatedAt: msg.CreatedAt,
	}))
	return msg, nil
}

// History returns the conversation between requester and peer, oldest first.
func (s *Service) History(ctx context.Context, requester, peer string) ([]HistoryEntry, error) {
	rows, err := s.store.FindMessagesBetween(ctx, requester, peer)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	return lo.Map(rows, func(m storage.Message, _ int) HistoryEntry {
		return HistoryEntry{Message: fromRow(m), FromSelf: m.SenderID == requester}
	}), nil
}

// Edit replaces the text of a message the actor sent within the edit window
// and tells the receiver.
func (s *Service) Edit(ctx context.Context, actor, messageID, newText string) (Message, error) {
	if strings.TrimSpace(newText) == "" {
		return Message{}, ErrEmptyText
	}
	row, err := s.authorize(ctx, actor, messageID)
	if err != nil {
		return Message{}, err
	}
	editedAt := s.now().UTC()
	if err := s.store.UpdateMessageText(ctx, messageID, newText, editedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Message{}, fmt.Errorf("message %q: %w", messageID, ErrNotFound)
		}
		return Message{}, fmt.Errorf("update message: %w", err)
	}
	row.Text = newText
	row.EditedAt = &editedAt
	s.notify(row.ReceiverID, presence.MessageEdited(messageID, newText))
	return fromRow(*row), nil
}

// Delete removes a message the actor sent within the edit window and tells
// the receiver.
func (s *Service) Delete(ctx context.Context, actor, messageID string) error {
	row, err := s.authorize(ctx, actor, messageID)
	if err != nil {
		return err
	}
	if err := s.store.DeleteMessage(ctx, messageID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("message %q: %w", messageID, ErrNotFound)
		}
		return fmt.Errorf("delete message: %w", err)
	}
	s.notify(row.ReceiverID, presence.MessageDeleted(messageID))
	return nil
}

func (s *Service) authorize(ctx context.Context, actor, messageID string) (*storage.Message, error) {
	row, err := s.store.FindMessageByID(ctx, messageID)
	if err != nil {
		return nil, fmt.Errorf("load message: %w", err)
	}
	if row == nil {
		return nil, fmt.Errorf("message %q: %w", messageID, ErrNotFound)
	}
	if row.SenderID != actor {
		return nil, ErrNotAuthor
	}
	if s.now().Sub(row.CreatedAt) > s.editWindow {
		return nil, ErrEditWindowClosed
	}
	return row, nil
}

func (s *Service) notify(userID string, evt presence.Event) {
	if !s.notifier.Deliver(userID, evt) {
		s.logger.Debug("recipient offline, event not relayed",
			zap.String("user_id", userID), zap.String("event", string(evt.Type)))
	}
}
