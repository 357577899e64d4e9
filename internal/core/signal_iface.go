//go:generate mockgen -destination=coretest/mock_channel.go -package=coretest . Channel

package core

import (
	"context"
	"encoding/json"
)

// Channel abstracts the per-peer signaling transport.
// Owned by the adapter; the room only closes it when evicting a peer.
type Channel interface {
	// Request sends a request and blocks until the remote answers or ctx ends.
	Request(ctx context.Context, method string, data any) (json.RawMessage, error)
	// Notify is fire-and-forget.
	Notify(method string, data any) error
	Close()
}

// Request is one inbound signaling request.
type Request struct {
	Method string
	Data   json.RawMessage
}

// Responder answers an inbound request exactly once.
type Responder interface {
	Accept(data any)
	Reject(code int, reason string)
}
