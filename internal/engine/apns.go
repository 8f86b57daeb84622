package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/sideshow/apns2"
	"github.com/sideshow/apns2/token"
)

// Sender delivers one push payload to one device token. The notification
// engine treats it as a black box — it only ever builds an
// *apns2.Notification and reads back success/failure.
type Sender interface {
	Send(ctx context.Context, notification *apns2.Notification) (*apns2.Response, error)
}

// apnsSender wraps sideshow/apns2's token-authenticated client. The client
// pointer is guarded by a mutex so a future key rotation can swap it, but
// the lock is released before the network round-trip itself, matching the
// narrow-scope locking rule used everywhere else in the process.
type apnsSender struct {
	mu     sync.RWMutex
	client *apns2.Client
	topic  string
}

// NewAPNsSender loads a .p8 token signing key from keyPath and builds a
// sender targeting either the APNs sandbox or production environment.
func NewAPNsSender(keyPath, keyID, teamID, topic string, production bool) (*apnsSender, error) {
	authKey, err := token.AuthKeyFromFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("engine: load APNs auth key: %w", err)
	}

	tok := &token.Token{
		AuthKey: authKey,
		KeyID:   keyID,
		TeamID:  teamID,
	}

	client := apns2.NewTokenClient(tok)
	if production {
		client = client.Production()
	} else {
		client = client.Development()
	}

	return &apnsSender{client: client, topic: topic}, nil
}

func (s *apnsSender) Send(ctx context.Context, notification *apns2.Notification) (*apns2.Response, error) {
	s.mu.RLock()
	client := s.client
	s.mu.RUnlock()
	return client.PushWithContext(ctx, notification)
}
