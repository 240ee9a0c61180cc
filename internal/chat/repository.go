package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/httan304/webchat-sub000/pkg/resilience"
)

// Repository persists chat entities in Postgres. It deals only in storage;
// throttling, isolation and caching happen in the service layer above it.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repository over the given database handle.
func NewRepository(db *sql.DB) (*Repository, error) {
	if db == nil {
		return nil, errors.New("repository database handle is nil")
	}

	return &Repository{db: db}, nil
}

// Ping verifies database connectivity.
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// CreateUser inserts a new user.
func (r *Repository) CreateUser(ctx context.Context, user User) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO users (id, username, display_name, created_at) VALUES ($1, $2, $3, $4)`,
		user.ID, user.Username, user.DisplayName, user.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}

	return nil
}

// GetUser fetches one user by id.
func (r *Repository) GetUser(ctx context.Context, id string) (User, error) {
	var user User

	err := r.db.QueryRowContext(ctx,
		`SELECT id, username, display_name, created_at FROM users WHERE id = $1`, id,
	).Scan(&user.ID, &user.Username, &user.DisplayName, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("user %s: %w", id, resilience.ErrNotFound)
	}

	if err != nil {
		return User{}, fmt.Errorf("select user: %w", err)
	}

	return user, nil
}

// CreateRoom inserts a new room.
func (r *Repository) CreateRoom(ctx context.Context, room Room) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO rooms (id, name, topic, created_at) VALUES ($1, $2, $3, $4)`,
		room.ID, room.Name, room.Topic, room.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert room: %w", err)
	}

	return nil
}

// GetRoom fetches one room by id.
func (r *Repository) GetRoom(ctx context.Context, id string) (Room, error) {
	var room Room

	err := r.db.QueryRowContext(ctx,
		`SELECT id, name, topic, created_at FROM rooms WHERE id = $1`, id,
	).Scan(&room.ID, &room.Name, &room.Topic, &room.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Room{}, fmt.Errorf("room %s: %w", id, resilience.ErrNotFound)
	}

	if err != nil {
		return Room{}, fmt.Errorf("select room: %w", err)
	}

	return room, nil
}

// ListRooms returns all rooms ordered by creation time.
func (r *Repository) ListRooms(ctx context.Context) ([]Room, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, name, topic, created_at FROM rooms ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("select rooms: %w", err)
	}
	defer rows.Close()

	rooms := make([]Room, 0)

	for rows.Next() {
		var room Room

		if err := rows.Scan(&room.ID, &room.Name, &room.Topic, &room.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan room: %w", err)
		}

		rooms = append(rooms, room)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rooms: %w", err)
	}

	return rooms, nil
}

// CreateMessage inserts a new message.
func (r *Repository) CreateMessage(ctx context.Context, message Message) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO messages (id, room_id, user_id, body, created_at) VALUES ($1, $2, $3, $4, $5)`,
		message.ID, message.RoomID, message.UserID, message.Body, message.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	return nil
}

// ListRecentMessages returns the latest messages in a room, newest first.
func (r *Repository) ListRecentMessages(ctx context.Context, roomID string, limit int) ([]Message, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, room_id, user_id, body, created_at, edited_at
		   FROM messages
		  WHERE room_id = $1
		  ORDER BY created_at DESC
		  LIMIT $2`,
		roomID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select messages: %w", err)
	}
	defer rows.Close()

	messages := make([]Message, 0, limit)

	for rows.Next() {
		var message Message

		if err := rows.Scan(&message.ID, &message.RoomID, &message.UserID,
			&message.Body, &message.CreatedAt, &message.EditedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}

		messages = append(messages, message)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	return messages, nil
}
