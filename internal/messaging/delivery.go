//go:generate go run go.uber.org/mock/mockgen -source=delivery.go -destination=../../mocks/mock_delivery.go -package=mocks
package messaging

import "github.com/nexus-im/courier/store/message"

// Publisher pushes a persisted message to the live channels of its
// recipient and returns how many channels accepted it.
type Publisher interface {
	Publish(msg message.Message) int
}

// Presence reports whether a user currently holds a live channel.
type Presence interface {
	Online(userID string) bool
}
