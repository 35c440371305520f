package store

import (
	"context"

	"chat-relay/internal/models"
)

// MessageLog is the durable, append-only message store. Append assigns the
// message id and timestamp; ListByRoom re-reads the full history for a room
// in ascending timestamp order on every call.
type MessageLog interface {
	Append(ctx context.Context, room, author, text string) (*models.Message, error)
	ListByRoom(ctx context.Context, room string) ([]*models.Message, error)
}

type UserRepository interface {
	CreateUser(ctx context.Context, username, passwordHash string) (*models.User, error)
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
}

type Store interface {
	MessageLog
	UserRepository
	Close() error
}
