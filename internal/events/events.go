// Package events publishes valence lifecycle events.
package events

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// JSONDataContentType is the content type of every event payload.
const JSONDataContentType = "application/json"

// Source identifies this service in event envelopes.
const Source = "chamicore-valence"

// Event types. Each is appended to the configured subject prefix.
const (
	TypeNodeComposed         = "nodes.composed"
	TypeNodeDeleted          = "nodes.deleted"
	TypeNodeManaged          = "nodes.managed"
	TypeDeviceAttached       = "devices.attached"
	TypeDeviceDetached       = "devices.detached"
	TypeDevicesReconciled    = "devices.reconciled"
	TypePodManagerStatus     = "pod_managers.status"
	TypePodManagerRegistered = "pod_managers.registered"
	TypePodManagerRemoved    = "pod_managers.removed"
)

var (
	readEventRandom = rand.Read
	marshalEvent    = json.Marshal
)

// Event is the envelope published on the bus.
type Event struct {
	ID              string          `json:"id"`
	Source          string          `json:"source"`
	Type            string          `json:"type"`
	Subject         string          `json:"subject"`
	Time            time.Time       `json:"time"`
	DataContentType string          `json:"datacontenttype"`
	Data            json.RawMessage `json:"data"`
}

// New builds an event with a random id and a JSON payload.
func New(eventType, subject string, payload any) (Event, error) {
	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		return Event{}, fmt.Errorf("event type is required")
	}

	id, err := newEventID()
	if err != nil {
		return Event{}, err
	}
	data, err := marshalEvent(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshaling %s payload: %w", eventType, err)
	}

	return Event{
		ID:              id,
		Source:          Source,
		Type:            eventType,
		Subject:         strings.TrimSpace(subject),
		Time:            time.Now().UTC(),
		DataContentType: JSONDataContentType,
		Data:            data,
	}, nil
}

func newEventID() (string, error) {
	var id [16]byte
	if _, err := readEventRandom(id[:]); err != nil {
		return "", fmt.Errorf("generating event id: %w", err)
	}
	return "evt-" + hex.EncodeToString(id[:]), nil
}

// Publisher sends events to a bus.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// NopPublisher drops every event.
type NopPublisher struct{}

// Publish implements Publisher.
func (NopPublisher) Publish(context.Context, Event) error { return nil }

// Close implements Publisher.
func (NopPublisher) Close() error { return nil }

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Publish implements Publisher.
func (r *Recorder) Publish(_ context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

// Close implements Publisher.
func (r *Recorder) Close() error { return nil }

// Events returns a copy of every recorded event.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Types returns the recorded event types in publish order.
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]string, 0, len(r.events))
	for _, event := range r.events {
		types = append(types, event.Type)
	}
	return types
}

// Emit builds and publishes an event. Failures are logged and never returned:
// an event that cannot be published must not fail the operation it describes.
func Emit(ctx context.Context, publisher Publisher, logger zerolog.Logger, eventType, subject string, payload any) {
	if publisher == nil {
		return
	}
	event, err := New(eventType, subject, payload)
	if err != nil {
		logger.Warn().Err(err).Str("event_type", eventType).Msg("building event failed")
		return
	}
	if err := publisher.Publish(ctx, event); err != nil {
		logger.Warn().Err(err).Str("event_type", eventType).Str("subject", subject).Msg("publishing event failed")
	}
}
