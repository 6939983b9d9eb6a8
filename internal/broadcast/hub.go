package broadcast

import (
	"encoding/json"
	"errors"
	"fmt"
	"fraud_explorer/internal/domain"
	"fraud_explorer/pkg/metrics"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

const defaultSendBuffer = 64

// ErrTransport wraps a failure reported by a subscriber's transport.
var ErrTransport = errors.New("subscriber transport failed")

// Transport is one subscriber's outbound channel. Send is only ever called
// from that subscriber's writer goroutine.
type Transport interface {
	Send(data []byte) error
	Close() error
}

// FeedSource is an upstream transaction source driven by feed commands.
// Start and Stop must be idempotent.
type FeedSource interface {
	Start(handler func(domain.Transaction))
	Stop()
}

type HubConfig struct {
	SendBuffer int
}

// Subscriber is the handle returned by Subscribe.
type Subscriber struct {
	id        string
	transport Transport
	queue     chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func (s *Subscriber) ID() string {
	return s.id
}

// Done is closed once the subscriber has been removed from the hub.
func (s *Subscriber) Done() <-chan struct{} {
	return s.done
}

// Hub fans events out to subscribers and owns the upstream feed state.
// Each subscriber has a bounded queue drained by its own writer goroutine,
// so a slow or broken subscriber only ever loses its own events.
type Hub struct {
	cfg HubConfig

	clientsMu sync.RWMutex
	clients   map[string]*Subscriber

	feedMu      sync.Mutex
	feed        FeedSource
	feedHandler func(domain.Transaction)
	running     bool

	wg      sync.WaitGroup
	metrics *metrics.MetricsCollector
	logger  *slog.Logger
}

func NewHub(cfg HubConfig, m *metrics.MetricsCollector, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaultSendBuffer
	}

	return &Hub{
		cfg:     cfg,
		clients: make(map[string]*Subscriber),
		metrics: m,
		logger:  logger,
	}
}

// AttachFeed sets the source controlled by feed commands and the handler it
// delivers transactions to. The feed state starts out stopped.
func (h *Hub) AttachFeed(feed FeedSource, handler func(domain.Transaction)) {
	h.feedMu.Lock()
	defer h.feedMu.Unlock()
	h.feed = feed
	h.feedHandler = handler
}

// Subscribe registers t and starts its writer. The subscriber is greeted
// with a connection event.
func (h *Hub) Subscribe(t Transport) *Subscriber {
	s := &Subscriber{
		id:        uuid.NewString(),
		transport: t,
		queue:     make(chan []byte, h.cfg.SendBuffer),
		done:      make(chan struct{}),
	}

	h.clientsMu.Lock()
	h.clients[s.id] = s
	count := len(h.clients)
	h.clientsMu.Unlock()

	h.metrics.SetSubscribers(count)
	h.logger.Info("Subscriber connected",
		slog.String("subscriber_id", s.id),
		slog.Int("subscribers", count))

	h.wg.Add(1)
	go h.writeLoop(s)

	h.sendTo(s, ConnectionEvent{Type: EventConnection, Message: welcomeMessage})
	return s
}

// Unsubscribe removes s and closes its transport. It is idempotent.
func (h *Hub) Unsubscribe(s *Subscriber) {
	h.clientsMu.Lock()
	_, present := h.clients[s.id]
	delete(h.clients, s.id)
	count := len(h.clients)
	h.clientsMu.Unlock()

	s.closeOnce.Do(func() {
		close(s.done)
		if err := s.transport.Close(); err != nil {
			h.logger.Debug("Subscriber transport close failed",
				slog.String("subscriber_id", s.id),
				slog.String("error", err.Error()))
		}
	})

	if present {
		h.metrics.SetSubscribers(count)
		h.logger.Info("Subscriber disconnected",
			slog.String("subscriber_id", s.id),
			slog.Int("subscribers", count))
	}
}

// Publish delivers one combined transaction event to every subscriber. It
// never blocks.
func (h *Hub) Publish(tx domain.Transaction, decision domain.Decision) {
	h.broadcast(TransactionEvent{
		Type: EventTransaction,
		Data: TransactionPayload{Transaction: tx, Decision: decision},
	})
}

func (h *Hub) SubscriberCount() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

func (h *Hub) FeedRunning() bool {
	h.feedMu.Lock()
	defer h.feedMu.Unlock()
	return h.running
}

// StartFeed moves the feed to running. It reports whether the state changed.
func (h *Hub) StartFeed() bool {
	h.feedMu.Lock()
	defer h.feedMu.Unlock()

	if h.running {
		return false
	}
	if h.feed != nil {
		h.feed.Start(h.feedHandler)
	}
	h.running = true
	h.metrics.SetFeedRunning(true)
	h.logger.Info("Transaction feed started")
	return true
}

// StopFeed moves the feed to stopped. In-flight transactions are not
// cancelled. It reports whether the state changed.
func (h *Hub) StopFeed() bool {
	h.feedMu.Lock()
	defer h.feedMu.Unlock()

	if !h.running {
		return false
	}
	if h.feed != nil {
		h.feed.Stop()
	}
	h.running = false
	h.metrics.SetFeedRunning(false)
	h.logger.Info("Transaction feed stopped")
	return true
}

// HandleCommand applies a control message received from s. Feed changes are
// acknowledged to every subscriber; status and errors go to s only.
func (h *Hub) HandleCommand(s *Subscriber, raw []byte) {
	var cmd Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		h.sendTo(s, ErrorEvent{Type: EventError, Error: "Invalid message format"})
		return
	}

	switch cmd.Type {
	case CommandStartFeed, commandStartSimulation:
		h.StartFeed()
		h.broadcast(FeedStatusEvent{Type: EventSimulationStatus, Running: true})
	case CommandStopFeed, commandStopSimulation:
		h.StopFeed()
		h.broadcast(FeedStatusEvent{Type: EventSimulationStatus, Running: false})
	case CommandGetStatus:
		h.sendTo(s, StatusEvent{
			Type:            EventStatus,
			Running:         h.FeedRunning(),
			SubscriberCount: h.SubscriberCount(),
		})
	default:
		h.sendTo(s, ErrorEvent{Type: EventError, Error: fmt.Sprintf("Unknown message type %q", cmd.Type)})
	}
}

// Close stops the feed, disconnects every subscriber and waits for their
// writers to exit.
func (h *Hub) Close() {
	h.StopFeed()

	h.clientsMu.RLock()
	subs := make([]*Subscriber, 0, len(h.clients))
	for _, s := range h.clients {
		subs = append(subs, s)
	}
	h.clientsMu.RUnlock()

	for _, s := range subs {
		h.Unsubscribe(s)
	}
	h.wg.Wait()
}

func (h *Hub) broadcast(event any) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("Failed to encode event", slog.String("error", err.Error()))
		return
	}

	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()

	for _, s := range h.clients {
		h.enqueue(s, data)
	}
}

func (h *Hub) sendTo(s *Subscriber, event any) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("Failed to encode event", slog.String("error", err.Error()))
		return
	}
	h.enqueue(s, data)
}

// enqueue never blocks. The queue channel is never closed, so a send racing
// an unsubscribe is harmless.
func (h *Hub) enqueue(s *Subscriber, data []byte) {
	select {
	case <-s.done:
		return
	default:
	}

	select {
	case s.queue <- data:
	default:
		h.metrics.RecordDeliveryDropped("queue_full")
		h.logger.Debug("Subscriber queue full, event dropped", slog.String("subscriber_id", s.id))
	}
}

func (h *Hub) writeLoop(s *Subscriber) {
	defer h.wg.Done()

	for {
		select {
		case <-s.done:
			return
		case data := <-s.queue:
			if err := s.transport.Send(data); err != nil {
				h.metrics.RecordDeliveryDropped("transport_error")
				h.logger.Warn("Subscriber dropped",
					slog.String("subscriber_id", s.id),
					slog.String("error", fmt.Errorf("%w: %w", ErrTransport, err).Error()))
				h.Unsubscribe(s)
				return
			}
		}
	}
}
