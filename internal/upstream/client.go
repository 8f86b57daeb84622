package upstream

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"
)

const (
	kindMuteList    = 10000
	kindContactList = 3

	fetchTimeout = 5 * time.Second
)

// MuteList is the decoded form of a kind-10000 event: the pubkeys, event
// ids, hashtags and words an author has asked to be muted from.
type MuteList struct {
	Pubkeys  map[string]struct{}
	EventIDs map[string]struct{}
	Hashtags map[string]struct{}
	Words    []string
}

// Client maintains one long-lived connection to the configured upstream
// relay and answers mute-list / contact-list / follow queries, memoizing
// results in a TTL cache with negative entries. Grounded on
// nostr_network_helper.rs: cache lookup first, release the lock before any
// network fetch, insert (positive or negative) results back into the
// cache. Every fetch opens its own subscription on the shared relay
// connection, and go-nostr gives each subscription its own id, so concurrent
// fetchers don't cross-talk; subCounter only numbers fetches for log lines.
type Client struct {
	relayURL string
	logger   *zap.Logger

	relay *nostr.Relay
	cache *cache

	subCounter atomic.Uint64
}

// Connect dials the upstream relay and returns a ready Client. The relay
// connection itself (package nbd-wtf/go-nostr's *nostr.Relay) is safe for
// concurrent use without extra locking, so it is shared by reference.
func Connect(ctx context.Context, relayURL string, logger *zap.Logger) (*Client, error) {
	relay, err := nostr.RelayConnect(ctx, relayURL)
	if err != nil {
		return nil, err
	}
	return &Client{
		relayURL: relayURL,
		logger:   logger,
		relay:    relay,
		cache:    newCache(DefaultTTL),
	}, nil
}

// Close disconnects from the upstream relay.
func (c *Client) Close() error {
	return c.relay.Close()
}

// GetPublicMuteList returns the decoded mute list for pubkey, or nil if the
// author has none (or it is unknown after an upstream failure, which
// degrades to "mute list unknown, do not mute").
func (c *Client) GetPublicMuteList(ctx context.Context, pubkey string) *MuteList {
	if hit := c.cache.getMuteList(pubkey); hit.hit {
		return muteListFromEvent(hit.event)
	}

	event := c.fetchSingleEvent(ctx, pubkey, kindMuteList)
	c.cache.putMuteList(pubkey, event)
	return muteListFromEvent(event)
}

// GetContactList returns the raw kind-3 contact list event for pubkey, or
// nil if the author has none or it is unknown.
func (c *Client) GetContactList(ctx context.Context, pubkey string) *nostr.Event {
	if hit := c.cache.getContactList(pubkey); hit.hit {
		return hit.event
	}

	event := c.fetchSingleEvent(ctx, pubkey, kindContactList)
	c.cache.putContactList(pubkey, event)
	return event
}

// DoesFollow reports whether sourcePubkey's contact list names
// targetPubkey in a "p" tag. An unknown contact list degrades to "not
// following".
func (c *Client) DoesFollow(ctx context.Context, sourcePubkey, targetPubkey string) bool {
	contactList := c.GetContactList(ctx, sourcePubkey)
	if contactList == nil {
		return false
	}
	for _, tag := range contactList.Tags {
		if len(tag) >= 2 && tag[0] == "p" && tag[1] == targetPubkey {
			return true
		}
	}
	return false
}

// ShouldMute reports whether event should be suppressed for pubkey given
// pubkey's public mute list. An empty/absent mute list always returns
// false.
func (c *Client) ShouldMute(ctx context.Context, event *nostr.Event, pubkey string) bool {
	muteList := c.GetPublicMuteList(ctx, pubkey)
	if muteList == nil {
		return false
	}

	if _, muted := muteList.Pubkeys[event.PubKey]; muted {
		return true
	}

	if _, muted := muteList.EventIDs[event.ID]; muted {
		return true
	}
	for _, tag := range event.Tags {
		if len(tag) >= 2 && tag[0] == "e" {
			if _, muted := muteList.EventIDs[tag[1]]; muted {
				return true
			}
		}
	}

	for _, tag := range event.Tags {
		if len(tag) >= 2 && tag[0] == "t" {
			if _, muted := muteList.Hashtags[tag[1]]; muted {
				return true
			}
		}
	}

	lowerContent := strings.ToLower(event.Content)
	for _, word := range muteList.Words {
		if strings.Contains(lowerContent, strings.ToLower(word)) {
			return true
		}
	}

	return false
}

// fetchSingleEvent subscribes upstream for the newest event of kind
// authored by author, waits up to fetchTimeout, and always unsubscribes
// before returning. A timeout or absent result is a definitive "none" —
// it is cached the same as a real negative upstream answer.
func (c *Client) fetchSingleEvent(ctx context.Context, author string, kind int) *nostr.Event {
	fetchCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	filter := nostr.Filter{
		Kinds:   []int{kind},
		Authors: []string{author},
		Limit:   1,
	}

	subID := c.subCounter.Add(1)
	sub, err := c.relay.Subscribe(fetchCtx, nostr.Filters{filter})
	if err != nil {
		c.logger.Warn("upstream subscribe failed",
			zap.Uint64("sub_id", subID), zap.Int("kind", kind), zap.Error(err))
		return nil
	}
	defer sub.Unsub()

	select {
	case event := <-sub.Events:
		if event != nil && event.Kind == kind {
			return event
		}
		return nil
	case <-sub.EndOfStoredEvents:
		return nil
	case <-fetchCtx.Done():
		c.logger.Debug("upstream fetch timed out",
			zap.Uint64("sub_id", subID), zap.Int("kind", kind), zap.String("author", author))
		return nil
	}
}

func muteListFromEvent(event *nostr.Event) *MuteList {
	if event == nil {
		return nil
	}
	ml := &MuteList{
		Pubkeys:  make(map[string]struct{}),
		EventIDs: make(map[string]struct{}),
		Hashtags: make(map[string]struct{}),
	}
	for _, tag := range event.Tags {
		if len(tag) < 2 {
			continue
		}
		switch tag[0] {
		case "p":
			ml.Pubkeys[tag[1]] = struct{}{}
		case "e":
			ml.EventIDs[tag[1]] = struct{}{}
		case "t":
			ml.Hashtags[tag[1]] = struct{}{}
		case "word":
			ml.Words = append(ml.Words, tag[1])
		}
	}
	return ml
}
