// Package engine implements process_event: the decision pipeline that
// turns one inbound Nostr event into zero or more APNs pushes. Grounded
// directly on the original Rust implementation's notification_manager.rs,
// adapted onto this module's store.Store and upstream.Client.
package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/sideshow/apns2"
	"go.uber.org/zap"

	"github.com/damus-io/notepush/internal/store"
)

// maxEventAge is the freshness gate: events older than this are dropped
// unprocessed, since they are most likely a relay backfilling history
// rather than something worth waking a phone for.
const maxEventAge = 7 * 24 * time.Hour

// Upstream answers the mute-list and follow questions process_event needs
// about a pubkey. In production this is *upstream.Client, backed by a
// cached connection to the configured relay; tests supply a fake so the
// pipeline's mute and only_from_following branches are reachable without a
// network dependency.
type Upstream interface {
	ShouldMute(ctx context.Context, event *nostr.Event, pubkey string) bool
	DoesFollow(ctx context.Context, sourcePubkey, targetPubkey string) bool
}

// Engine owns the notification pipeline's dependencies: persistent state,
// the upstream relay client for mute/follow checks, and an APNs sender.
type Engine struct {
	store    *store.Store
	upstream Upstream
	sender   Sender
	topic    string
	logger   *zap.Logger
}

func New(st *store.Store, up Upstream, sender Sender, topic string, logger *zap.Logger) *Engine {
	return &Engine{store: st, upstream: up, sender: sender, topic: topic, logger: logger}
}

// ProcessEvent runs one inbound event through the full pipeline: freshness
// and kind gates, relevant-pubkey discovery (authors/mentions plus e-tag
// thread subscribers), the registered-device filter, dedup against prior
// delivery, the mute filter, and finally per-device preference gating and
// APNs dispatch. It never returns an error for a "this event doesn't
// qualify" outcome — those are silent no-ops, matching the original's
// "process and move on" design. A non-nil error means a store read failed
// outright; upstream lookups report no errors and degrade instead.
func (e *Engine) ProcessEvent(ctx context.Context, event *nostr.Event) error {
	if time.Since(event.CreatedAt.Time()) > maxEventAge {
		return nil
	}
	if !supportedKinds[event.Kind] {
		return nil
	}

	candidates := relevantPubkeys(event)

	for _, refID := range referencedEventIDs(event) {
		subscribers, err := e.store.ListPubkeysForEvent(ctx, refID)
		if err != nil {
			return err
		}
		for _, pk := range subscribers {
			candidates[pk] = struct{}{}
		}
	}

	registered := make(map[string]struct{}, len(candidates))
	for pk := range candidates {
		tokens, err := e.store.ListDeviceTokens(ctx, pk)
		if err != nil {
			return err
		}
		if len(tokens) > 0 {
			registered[pk] = struct{}{}
		}
	}

	alreadyNotified, err := e.store.ListPubkeysForEvent(ctx, event.ID)
	if err != nil {
		return err
	}
	for _, pk := range alreadyNotified {
		delete(registered, pk)
	}

	toNotify := make([]string, 0, len(registered))
	for pk := range registered {
		if e.upstream.ShouldMute(ctx, event, pk) {
			continue
		}
		toNotify = append(toNotify, pk)
	}

	for _, pk := range toNotify {
		e.notifyPubkey(ctx, event, pk)

		if err := e.store.InsertDeliveryRecord(ctx, event.ID, pk, time.Now()); err != nil {
			e.logger.Error("failed to record delivery",
				zap.String("event_id", event.ID), zap.String("pubkey", pk), zap.Error(err))
		}
	}

	return nil
}

// notifyPubkey pushes to every device registered to pk whose preferences
// allow this event's kind. Device-level failures (unknown preferences,
// APNs rejection) are logged and do not stop the remaining devices.
func (e *Engine) notifyPubkey(ctx context.Context, event *nostr.Event, pk string) {
	tokens, err := e.store.ListDeviceTokens(ctx, pk)
	if err != nil {
		e.logger.Error("failed to list device tokens", zap.String("pubkey", pk), zap.Error(err))
		return
	}

	bucket, ok := bucketFor(event.Kind)
	if !ok {
		return
	}

	for _, deviceToken := range tokens {
		prefs, err := e.store.GetPreferences(ctx, pk, deviceToken)
		if err != nil {
			e.logger.Warn("skipping device with no preferences",
				zap.String("pubkey", pk), zap.String("device_token", deviceToken), zap.Error(err))
			continue
		}

		if !bucketEnabled(prefs, bucket) {
			continue
		}

		if prefs.OnlyFromFollowing && !e.upstream.DoesFollow(ctx, pk, event.PubKey) {
			continue
		}

		e.push(ctx, e.topic, deviceToken, event)
	}
}

func bucketEnabled(p store.Preferences, b preferenceBucket) bool {
	switch b {
	case bucketMention:
		return p.Mention
	case bucketDM:
		return p.DM
	case bucketRepost:
		return p.Repost
	case bucketReaction:
		return p.Reaction
	case bucketZap:
		return p.Zap
	default:
		return false
	}
}

type apnsAlert struct {
	Title    string `json:"title"`
	Subtitle string `json:"subtitle,omitempty"`
	Body     string `json:"body,omitempty"`
}

type apnsAps struct {
	Alert            apnsAlert `json:"alert"`
	MutableContent   int       `json:"mutable-content"`
	ContentAvailable int       `json:"content-available"`
}

type apnsPayload struct {
	Aps        apnsAps `json:"aps"`
	NostrEvent string  `json:"nostr_event"`
}

// push builds and sends the APNs payload for one device, per the shape in
// the external-interfaces section: a standard alert plus the event's own
// canonical JSON carried under "nostr_event" so the client app can render
// richer UI without a second fetch.
func (e *Engine) push(ctx context.Context, topic, deviceToken string, event *nostr.Event) {
	msg := formatMessage(event.Kind, event.Content)

	eventJSON, err := json.Marshal(event)
	if err != nil {
		e.logger.Error("failed to marshal event for push payload", zap.Error(err))
		return
	}

	payload := apnsPayload{
		Aps: apnsAps{
			Alert:            apnsAlert{Title: msg.Title, Body: msg.Body},
			MutableContent:   1,
			ContentAvailable: 1,
		},
		NostrEvent: string(eventJSON),
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		e.logger.Error("failed to marshal push payload", zap.Error(err))
		return
	}

	notification := &apns2.Notification{
		DeviceToken: deviceToken,
		Topic:       topic,
		Payload:     raw,
	}

	resp, err := e.sender.Send(ctx, notification)
	if err != nil {
		e.logger.Warn("apns send failed", zap.String("device_token", deviceToken), zap.Error(err))
		return
	}
	if !resp.Sent() {
		e.logger.Warn("apns rejected notification",
			zap.String("device_token", deviceToken),
			zap.Int("status", resp.StatusCode),
			zap.String("reason", resp.Reason))
	}
}

// relevantPubkeys is every pubkey an event is directly addressed to: every
// "p"-tagged pubkey, plus the author. The author is removed immediately
// after — nobody is notified of their own note — but is collected first so
// a self-mention doesn't change the result.
func relevantPubkeys(event *nostr.Event) map[string]struct{} {
	set := map[string]struct{}{event.PubKey: {}}
	for _, tag := range event.Tags {
		if len(tag) >= 2 && tag[0] == "p" {
			set[tag[1]] = struct{}{}
		}
	}
	delete(set, event.PubKey)
	return set
}

func referencedEventIDs(event *nostr.Event) []string {
	var ids []string
	for _, tag := range event.Tags {
		if len(tag) >= 2 && tag[0] == "e" {
			ids = append(ids, tag[1])
		}
	}
	return ids
}
