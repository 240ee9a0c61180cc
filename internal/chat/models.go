// Package chat implements the chat-room domain: users, rooms and messages.
// It is deliberately thin glue around the resilience coordination layer;
// every read/write path runs through the shared primitives.
package chat

import "time"

// User is a chat participant.
type User struct {
	ID          string    `json:"id"`
	Username    string    `json:"username"`
	DisplayName string    `json:"displayName"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Room is a chat room.
type Room struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Topic     string    `json:"topic,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Message is a single chat message in a room.
type Message struct {
	ID        string     `json:"id"`
	RoomID    string     `json:"roomId"`
	UserID    string     `json:"userId"`
	Body      string     `json:"body"`
	CreatedAt time.Time  `json:"createdAt"`
	EditedAt  *time.Time `json:"editedAt,omitempty"`
}

// CreateUserInput is the payload for registering a user.
type CreateUserInput struct {
	Username    string `json:"username" validate:"required,alphanum,min=3,max=32"`
	DisplayName string `json:"displayName" validate:"required,min=1,max=64"`
}

// CreateRoomInput is the payload for creating a room.
type CreateRoomInput struct {
	Name  string `json:"name" validate:"required,min=1,max=64"`
	Topic string `json:"topic" validate:"max=256"`
}

// PostMessageInput is the payload for sending a message.
type PostMessageInput struct {
	UserID string `json:"userId" validate:"required,uuid4"`
	Body   string `json:"body" validate:"required,min=1,max=4096"`
}
