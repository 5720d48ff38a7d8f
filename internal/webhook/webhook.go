// Package webhook pushes accepted messages to recipient-configured HTTP
// endpoints. Delivery is best effort: bounded retries with doubling
// backoff, never blocking the send path and never touching message
// lifecycle state.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/agentdispatch/admp-hub/internal/clock"
	"github.com/agentdispatch/admp-hub/internal/crypto"
	"github.com/agentdispatch/admp-hub/internal/envelope"
	"github.com/agentdispatch/admp-hub/internal/events"
	"github.com/agentdispatch/admp-hub/internal/logging"
	"github.com/agentdispatch/admp-hub/internal/store"
)

// UserAgent identifies hub deliveries.
const UserAgent = "ADMP-Server/1.0"

// EventMessageReceived is the payload event name for inbox deliveries.
const EventMessageReceived = "message.received"

// Delivery headers.
const (
	HeaderEvent     = "X-ADMP-Event"
	HeaderMessageID = "X-ADMP-Message-ID"
	HeaderAttempt   = "X-ADMP-Delivery-Attempt"
	HeaderSignature = "X-ADMP-Signature"
)

// MessageStore records delivery outcomes and exposes current message
// state, so an attempt can observe a purge that happened after enqueue.
type MessageStore interface {
	GetMessage(ctx context.Context, id string) (*store.Message, error)
	UpdateMessage(ctx context.Context, id string, p store.MessagePatch, nowMS int64) (*store.Message, error)
}

// Payload is the JSON body POSTed to the recipient's webhook. Signature is
// the hex HMAC-SHA256 of the payload serialized with an empty signature
// field, mirrored in the X-ADMP-Signature header.
type Payload struct {
	Event       string            `json:"event"`
	MessageID   string            `json:"message_id"`
	Envelope    envelope.Envelope `json:"envelope"`
	DeliveredAt string            `json:"delivered_at"`
	Signature   string            `json:"signature,omitempty"`
}

type job struct {
	message *store.Message
	target  store.Webhook
}

// Dispatcher owns a bounded worker pool draining a delivery queue. Retry
// state lives with each in-flight job, so a restart forgets attempt counts;
// the message stays pullable either way.
type Dispatcher struct {
	store       MessageStore
	clk         clock.Clock
	log         *logging.Logger
	bus         *events.Bus
	client      *http.Client
	queue       chan job
	workers     int
	maxAttempts int
	backoffBase time.Duration
	wg          sync.WaitGroup

	mu      sync.Mutex
	dropped int
}

// Options configures a Dispatcher.
type Options struct {
	Store       MessageStore
	Clock       clock.Clock
	Log         *logging.Logger
	Bus         *events.Bus
	Timeout     time.Duration
	MaxAttempts int
	BackoffBase time.Duration
	Workers     int
	QueueSize   int
}

// NewDispatcher creates a dispatcher. Run must be called before Enqueue
// has any effect.
func NewDispatcher(opts Options) *Dispatcher {
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	if opts.Log == nil {
		opts.Log = logging.Discard()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = time.Second
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	return &Dispatcher{
		store:       opts.Store,
		clk:         opts.Clock,
		log:         opts.Log,
		bus:         opts.Bus,
		client:      &http.Client{Timeout: opts.Timeout},
		queue:       make(chan job, opts.QueueSize),
		workers:     opts.Workers,
		maxAttempts: opts.MaxAttempts,
		backoffBase: opts.BackoffBase,
	}
}

// Enqueue hands a message to the pool without blocking. When the queue is
// full the delivery is dropped and counted; the message remains pullable.
func (d *Dispatcher) Enqueue(m *store.Message, target store.Webhook) {
	select {
	case d.queue <- job{message: m, target: target}:
	default:
		d.mu.Lock()
		d.dropped++
		d.mu.Unlock()
		d.log.Warn("webhook queue full, delivery dropped", "message_id", m.ID, "agent_id", m.To)
	}
}

// Dropped returns how many deliveries were discarded on a full queue.
func (d *Dispatcher) Dropped() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dropped
}

// Run starts the worker pool and blocks until ctx is cancelled and all
// in-flight deliveries have drained.
func (d *Dispatcher) Run(ctx context.Context) error {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for {
				select {
				case j := <-d.queue:
					d.deliver(ctx, j)
				case <-ctx.Done():
					return
				}
			}
		}()
	}
	d.wg.Wait()
	d.log.Info("webhook dispatcher stopped")
	return nil
}

// deliver runs the bounded retry loop for one message. Every attempt
// re-reads the record first: a message purged or deleted while the job
// sat in the queue or a backoff window must never leave the hub again.
func (d *Dispatcher) deliver(ctx context.Context, j job) {
	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		fresh, ok := d.current(ctx, j.message)
		if !ok {
			d.log.Debug("webhook delivery abandoned", "message_id", j.message.ID, "agent_id", j.message.To, "attempt", attempt)
			return
		}
		j.message = fresh
		err := d.post(ctx, j, attempt)
		if err == nil {
			d.markDelivered(ctx, j.message)
			d.publish(events.EventWebhookDelivered, j.message, "")
			d.log.Debug("webhook delivered", "message_id", j.message.ID, "agent_id", j.message.To, "attempt", attempt)
			return
		}
		d.log.Warn("webhook delivery failed",
			"message_id", j.message.ID,
			"agent_id", j.message.To,
			"attempt", attempt,
			"error", err,
		)
		if attempt == d.maxAttempts {
			break
		}
		// 1s, 2s, 4s...
		backoff := d.backoffBase << (attempt - 1)
		select {
		case <-d.clk.After(backoff):
		case <-ctx.Done():
			return
		}
	}
	d.publish(events.EventWebhookFailed, j.message, "gave up after retries")
}

// current re-reads the message before an attempt. A purged or deleted
// record ends delivery; a store read error does not suppress delivery of
// a live message.
func (d *Dispatcher) current(ctx context.Context, m *store.Message) (*store.Message, bool) {
	fresh, err := d.store.GetMessage(ctx, m.ID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, false
	}
	if err != nil {
		d.log.Warn("message re-read failed before delivery", "message_id", m.ID, "error", err)
		return m, true
	}
	if fresh.Status == store.StatusPurged {
		return nil, false
	}
	return fresh, true
}

func (d *Dispatcher) post(ctx context.Context, j job, attempt int) error {
	p := Payload{
		Event:       EventMessageReceived,
		MessageID:   j.message.ID,
		Envelope:    j.message.Envelope,
		DeliveredAt: d.clk.Now().UTC().Format(time.RFC3339Nano),
	}
	unsigned, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	var signature string
	body := unsigned
	if j.target.Secret != "" {
		signature = crypto.HMACSign(j.target.Secret, unsigned)
		p.Signature = signature
		if body, err = json.Marshal(p); err != nil {
			return fmt.Errorf("marshal signed payload: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, j.target.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set(HeaderEvent, EventMessageReceived)
	req.Header.Set(HeaderMessageID, j.message.ID)
	req.Header.Set(HeaderAttempt, strconv.Itoa(attempt))
	if signature != "" {
		req.Header.Set(HeaderSignature, signature)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}

// markDelivered is advisory bookkeeping; failure to record it never fails
// the delivery.
func (d *Dispatcher) markDelivered(ctx context.Context, m *store.Message) {
	delivered := true
	_, err := d.store.UpdateMessage(ctx, m.ID, store.MessagePatch{WebhookDelivered: &delivered}, clock.MS(d.clk.Now()))
	if err != nil {
		d.log.Warn("failed to record webhook delivery", "message_id", m.ID, "error", err)
	}
}

func (d *Dispatcher) publish(t events.EventType, m *store.Message, detail string) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(events.Event{
		Type:      t,
		AgentID:   m.To,
		MessageID: m.ID,
		Detail:    detail,
		Timestamp: d.clk.Now(),
	})
}
