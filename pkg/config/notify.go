package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/nats-io/nats.go"
)

// ChangeType distinguishes upserts from deletions.
type ChangeType string

const (
	ChangePut    ChangeType = "put"
	ChangeDelete ChangeType = "delete"
)

// ChangeEvent is a config change notification. Put events carry the YAML or
// JSON text of each document; delete events carry config ids.
type ChangeEvent struct {
	Type      ChangeType `json:"type"`
	IDs       []string   `json:"ids,omitempty"`
	Documents []string   `json:"documents,omitempty"`
}

// ErrInvalidChange is returned for notifications that cannot be applied.
var ErrInvalidChange = errors.New("invalid change event")

// NewPutEvent encodes docs into a put notification.
func NewPutEvent(docs ...*Document) (ChangeEvent, error) {
	ev := ChangeEvent{Type: ChangePut}
	for _, doc := range docs {
		data, err := EncodeDocument(doc)
		if err != nil {
			return ChangeEvent{}, err
		}
		ev.Documents = append(ev.Documents, string(data))
	}
	return ev, nil
}

// Validate checks the event shape.
func (e ChangeEvent) Validate() error {
	switch e.Type {
	case ChangePut:
		if len(e.Documents) == 0 {
			return fmt.Errorf("%w: put without documents", ErrInvalidChange)
		}
	case ChangeDelete:
		if len(e.IDs) == 0 {
			return fmt.Errorf("%w: delete without ids", ErrInvalidChange)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidChange, e.Type)
	}
	return nil
}

// ParsedDocuments decodes the documents of a put event.
func (e ChangeEvent) ParsedDocuments() ([]*Document, error) {
	var docs []*Document
	for i, text := range e.Documents {
		parsed, err := ParseDocuments([]byte(text))
		if err != nil {
			return nil, fmt.Errorf("document %d: %w", i, err)
		}
		docs = append(docs, parsed...)
	}
	return docs, nil
}

// EncodeChange renders ev for the wire.
func EncodeChange(ev ChangeEvent) ([]byte, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(ev)
}

// DecodeChange parses and validates a wire notification.
func DecodeChange(data []byte) (ChangeEvent, error) {
	var ev ChangeEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return ChangeEvent{}, fmt.Errorf("%w: %v", ErrInvalidChange, err)
	}
	ev.Type = ChangeType(strings.ToLower(strings.TrimSpace(string(ev.Type))))
	if err := ev.Validate(); err != nil {
		return ChangeEvent{}, err
	}
	return ev, nil
}

// ChangeFeed delivers change notifications until ctx is done.
type ChangeFeed interface {
	Changes(ctx context.Context) (<-chan ChangeEvent, error)
}

// ChangePublisher broadcasts change notifications to peer instances.
type ChangePublisher interface {
	Publish(ctx context.Context, ev ChangeEvent) error
}

// NATSFeed subscribes to a NATS subject carrying change notifications.
type NATSFeed struct {
	Conn    *nats.Conn
	Subject string
	Logger  *slog.Logger
}

// ConnectNATS dials url with reconnects enabled.
func ConnectNATS(url string) (*nats.Conn, error) {
	conn, err := nats.Connect(url,
		nats.Name("polis-aggregator"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return conn, nil
}

// Changes implements ChangeFeed. Malformed payloads are logged and dropped.
func (f *NATSFeed) Changes(ctx context.Context) (<-chan ChangeEvent, error) {
	logger := loggerOr(f.Logger)
	sink := newEventSink(16)
	sub, err := f.Conn.Subscribe(f.Subject, func(msg *nats.Msg) {
		ev, err := DecodeChange(msg.Data)
		if err != nil {
			logger.Warn("dropping change notification", "subject", msg.Subject, "error", err)
			return
		}
		sink.send(ctx, ev)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", f.Subject, err)
	}
	go func() {
		<-ctx.Done()
		// Unsubscribe does not wait for a callback already running.
		_ = sub.Unsubscribe()
		sink.close()
	}()
	return sink.out, nil
}

// eventSink is a channel that callbacks may still write to while it is being
// closed. Sends after close are dropped.
type eventSink struct {
	mu     sync.Mutex
	closed bool
	out    chan ChangeEvent
}

func newEventSink(buffer int) *eventSink {
	return &eventSink{out: make(chan ChangeEvent, buffer)}
}

// send delivers ev unless the sink is closed or ctx is done. It reports
// whether ev was delivered.
func (s *eventSink) send(ctx context.Context, ev ChangeEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *eventSink) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.out)
	}
}

// Publish implements ChangePublisher.
func (f *NATSFeed) Publish(_ context.Context, ev ChangeEvent) error {
	data, err := EncodeChange(ev)
	if err != nil {
		return err
	}
	return f.Conn.Publish(f.Subject, data)
}

// WatermillFeed consumes change notifications from any watermill subscriber.
type WatermillFeed struct {
	Subscriber message.Subscriber
	Publisher  message.Publisher
	Topic      string
	Logger     *slog.Logger
}

// Changes implements ChangeFeed. Every message is acked, malformed ones are
// logged and dropped.
func (f *WatermillFeed) Changes(ctx context.Context) (<-chan ChangeEvent, error) {
	logger := loggerOr(f.Logger)
	messages, err := f.Subscriber.Subscribe(ctx, f.Topic)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", f.Topic, err)
	}
	out := make(chan ChangeEvent, 16)
	go func() {
		defer close(out)
		for msg := range messages {
			ev, err := DecodeChange(msg.Payload)
			msg.Ack()
			if err != nil {
				logger.Warn("dropping change notification", "topic", f.Topic, "message_uuid", msg.UUID, "error", err)
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Publish implements ChangePublisher.
func (f *WatermillFeed) Publish(_ context.Context, ev ChangeEvent) error {
	if f.Publisher == nil {
		return errors.New("watermill feed has no publisher")
	}
	data, err := EncodeChange(ev)
	if err != nil {
		return err
	}
	return f.Publisher.Publish(f.Topic, message.NewMessage(watermill.NewUUID(), data))
}

// Feed drivers accepted by documents.feed.
const (
	FeedNATS   = "nats"
	FeedMemory = "memory"
)

// ChangeBus is an open notification transport: the feed the syncer consumes
// and the publisher the admin API broadcasts on.
type ChangeBus struct {
	Driver    string
	Feed      ChangeFeed
	Publisher ChangePublisher
	closer    func() error
}

// Close releases the transport.
func (b *ChangeBus) Close() error {
	if b == nil || b.closer == nil {
		return nil
	}
	return b.closer()
}

// OpenChangeBus opens the transport selected by cfg. It returns nil when no
// feed is configured. The memory driver runs a process-local watermill
// gochannel: admin writes loop back through the same path remote
// notifications take.
func OpenChangeBus(cfg DocumentsConfig, logger *slog.Logger) (*ChangeBus, error) {
	logger = loggerOr(logger)
	switch driver := cfg.FeedDriver(); driver {
	case "":
		return nil, nil
	case FeedNATS:
		conn, err := ConnectNATS(cfg.NATS.URL)
		if err != nil {
			return nil, err
		}
		feed := &NATSFeed{Conn: conn, Subject: cfg.NATS.Subject, Logger: logger}
		return &ChangeBus{Driver: driver, Feed: feed, Publisher: feed, closer: conn.Drain}, nil
	case FeedMemory:
		bus := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 16}, watermill.NopLogger{})
		feed := &WatermillFeed{Subscriber: bus, Publisher: bus, Topic: cfg.NATS.Subject, Logger: logger}
		return &ChangeBus{Driver: driver, Feed: feed, Publisher: feed, closer: bus.Close}, nil
	default:
		return nil, fmt.Errorf("unsupported change feed %q", driver)
	}
}

func loggerOr(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}
