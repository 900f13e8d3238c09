package domain

import "context"

// Connection is one live observer attached to an actor instance.
// Connections are never persisted.
type Connection interface {
	ID() string
	// Send queues a text frame. Implementations must not block on slow peers.
	Send(ctx context.Context, data []byte) error
	// Metadata is the small attribute set attached at connect time.
	Metadata() map[string]string
}

// Broadcaster fans a frame out to every attached observer.
type Broadcaster interface {
	// Broadcast sends data to all observers whose id is not in exclude.
	Broadcast(ctx context.Context, data []byte, exclude ...string)
}

// Closer is implemented by connections the server can terminate, such as
// when their actor is destroyed.
type Closer interface {
	Close(reason string) error
}
