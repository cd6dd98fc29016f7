package ocppj

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"chargepoint/internal/ocpptype"
	"chargepoint/internal/store"
)

// Sender is the narrow interface the queue needs from the WebSocket Link
// (component B), per spec.md §9's note on replacing cyclic owner/child
// callbacks with a narrow interface obtained at construction rather than a
// stored function reference.
type Sender interface {
	Send(text string) error
}

// Result is delivered to a SendAndWait caller once a Call is settled.
type Result struct {
	Payload json.RawMessage
	Err     *CallError
}

// Options configures retry/timeout behavior (spec.md §4.D, §7, §6 Configuration).
type Options struct {
	MessageTimeout       time.Duration // default 30s per spec.md §4.D
	MaxAttempts          int
	TransportCancelGrace time.Duration // spec.md §5 "Cancellation"
}

func (o Options) withDefaults() Options {
	if o.MessageTimeout <= 0 {
		o.MessageTimeout = 30 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.TransportCancelGrace <= 0 {
		o.TransportCancelGrace = 5 * time.Second
	}
	return o
}

// preBootAllowed is the set of actions permitted before BootNotification has
// been Accepted (spec.md §4.D "Registration gating").
var preBootAllowed = map[string]bool{
	"BootNotification":         true,
	"SecurityEventNotification": true,
}

type inflight struct {
	msg     ocpptype.QueuedMessage
	waiters []chan Result
	timer   *time.Timer
}

// Queue is the persistent, correlated, single-in-flight outbound message
// queue of spec.md §4.D.
type Queue struct {
	mu sync.Mutex

	st   *store.Store
	opts Options
	log  *log.Entry

	link      Sender
	connected bool
	registered bool

	transactional []ocpptype.QueuedMessage
	normal        []ocpptype.QueuedMessage

	current *inflight
	waiting map[string][]chan Result // uniqueId -> waiters, for calls not yet in-flight

	wake chan struct{}
	done chan struct{}
}

// New constructs a Queue and loads any persisted messages from st, restoring
// tier order (spec.md §4.D "After reconnect, the queue replays from the head").
func New(st *store.Store, opts Options) (*Queue, error) {
	q := &Queue{
		st:      st,
		opts:    opts.withDefaults(),
		log:     log.WithField("component", "ocppj.queue"),
		waiting: make(map[string][]chan Result),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	persisted, err := st.ListQueuedMessages()
	if err != nil {
		return nil, fmt.Errorf("ocppj: load queue: %w", err)
	}
	for _, m := range persisted {
		switch m.Tier {
		case ocpptype.TierTransactional:
			q.transactional = append(q.transactional, m)
		default:
			q.normal = append(q.normal, m)
		}
	}
	return q, nil
}

// SetLink installs the current link's Sender, or nil while disconnected.
// Installing a non-nil link wakes the send loop (spec.md §5 "queue.send_and_wait
// suspends until ... the link is lost and the record is re-queued").
func (q *Queue) SetLink(link Sender) {
	q.mu.Lock()
	q.link = link
	q.connected = link != nil
	q.mu.Unlock()
	q.nudge()
}

// SetRegistered flips the BootNotification-acceptance gate (spec.md §4.D
// "Registration gating").
func (q *Queue) SetRegistered(registered bool) {
	q.mu.Lock()
	q.registered = registered
	q.mu.Unlock()
	q.nudge()
}

func (q *Queue) nudge() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Enqueue appends msg to the tail of its tier, persisting it unless it is a
// Volatile-tier message (spec.md §4.D "never persisted").
func (q *Queue) Enqueue(msg ocpptype.QueuedMessage) error {
	if msg.Tier != ocpptype.TierVolatile {
		if err := q.st.EnqueueMessage(msg); err != nil {
			return fmt.Errorf("ocppj: persist enqueue: %w", err)
		}
	}
	q.mu.Lock()
	switch msg.Tier {
	case ocpptype.TierTransactional:
		q.transactional = append(q.transactional, msg)
	default:
		q.normal = append(q.normal, msg)
	}
	q.mu.Unlock()
	q.nudge()
	return nil
}

// SendAndWait enqueues a Call and blocks until its CallResult/CallError
// arrives, the per-message timeout is exhausted after max_attempts, or ctx
// is cancelled (spec.md §5 "suspension points").
func (q *Queue) SendAndWait(ctx context.Context, action string, uniqueID string, payload json.RawMessage, tier ocpptype.Tier, transactionID *string) (Result, error) {
	msg := ocpptype.QueuedMessage{
		MessageType:     TypeCall,
		UniqueID:        uniqueID,
		Action:          action,
		Payload:         payload,
		FirstEnqueuedAt: ocpptype.Now(),
		TransactionID:   transactionID,
		Tier:            tier,
	}
	ch := make(chan Result, 1)
	q.mu.Lock()
	q.waiting[uniqueID] = append(q.waiting[uniqueID], ch)
	q.mu.Unlock()

	if err := q.Enqueue(msg); err != nil {
		return Result{}, err
	}

	select {
	case res := <-ch:
		return res, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// AwaitOnce registers ch to receive the Result for a uniqueID that was
// already (or will be) enqueued via Enqueue rather than SendAndWait, used
// by callers that fire-and-forget the enqueue but still want a one-shot
// notification of the eventual outcome (spec.md §3 "deleted only after the
// CSMS has acknowledged the terminal Ended event").
func (q *Queue) AwaitOnce(uniqueID string, ch chan Result) {
	q.mu.Lock()
	q.waiting[uniqueID] = append(q.waiting[uniqueID], ch)
	q.mu.Unlock()
}

// SendResponse transmits a CallResult or CallError immediately, bypassing
// the FIFO and the one-in-flight rule: responses are volatile (never
// persisted, spec.md §4.D) and are not subject to the Call correlation the
// queue enforces for our own outbound requests.
func (q *Queue) SendResponse(frame interface{ Encode() ([]byte, error) }) error {
	q.mu.Lock()
	link := q.link
	q.mu.Unlock()
	if link == nil {
		return fmt.Errorf("ocppj: no link to send response on")
	}
	b, err := frame.Encode()
	if err != nil {
		return err
	}
	return link.Send(string(b))
}

// Deliver routes an inbound CallResult/CallError to the matching waiter and
// removes its persisted record (spec.md §4.D "CallResult: remove record,
// resolve the waiter" / "CallError: remove record, deliver error").
func (q *Queue) Deliver(uniqueID string, payload json.RawMessage, callErr *CallError) {
	q.mu.Lock()
	waiters := q.waiting[uniqueID]
	delete(q.waiting, uniqueID)
	isCurrent := q.current != nil && q.current.msg.UniqueID == uniqueID
	if isCurrent {
		if q.current.timer != nil {
			q.current.timer.Stop()
		}
		q.current = nil
	}
	q.mu.Unlock()

	if err := q.st.RemoveQueuedMessage(uniqueID); err != nil {
		q.log.WithError(err).Warn("failed to remove acknowledged message from store")
	}

	res := Result{Payload: payload, Err: callErr}
	for _, ch := range waiters {
		ch <- res
	}
	q.nudge()
}

// Run drives the send loop until ctx is cancelled. There is at most one Call
// in flight at a time (spec.md §8 invariant 3); the loop blocks until the
// link is connected and registration permits the head message's action.
func (q *Queue) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.wake:
		case <-time.After(time.Second):
		}
		q.pump()
	}
}

func (q *Queue) pump() {
	q.mu.Lock()
	if q.current != nil || !q.connected || q.link == nil {
		q.mu.Unlock()
		return
	}
	msg, ok := q.popHead()
	if !ok {
		q.mu.Unlock()
		return
	}
	link := q.link
	timeout := q.opts.MessageTimeout
	q.current = &inflight{msg: msg}
	q.mu.Unlock()

	call := &Call{UniqueID: msg.UniqueID, Action: msg.Action, Payload: msg.Payload}
	b, err := call.Encode()
	if err != nil {
		q.log.WithError(err).Error("failed to encode call")
		q.Deliver(msg.UniqueID, nil, &CallError{UniqueID: msg.UniqueID, ErrorCode: ocpptype.ErrFormationViolation, ErrorDescription: err.Error()})
		return
	}
	if err := link.Send(string(b)); err != nil {
		// Link down mid-send: leave the record queued (spec.md §4.D).
		q.log.WithError(err).Warn("send failed, requeueing at head")
		q.mu.Lock()
		q.current = nil
		q.requeueAtHead(msg)
		q.mu.Unlock()
		return
	}

	q.mu.Lock()
	if q.current != nil && q.current.msg.UniqueID == msg.UniqueID {
		timer := time.AfterFunc(timeout, func() { q.onTimeout(msg.UniqueID) })
		q.current.timer = timer
	}
	q.mu.Unlock()
}

// popHead removes and returns the highest-priority head message eligible to
// be sent, honoring registration gating (spec.md §4.D). Transactional
// messages take precedence over Normal messages.
func (q *Queue) popHead() (ocpptype.QueuedMessage, bool) {
	if m, ok := q.popEligible(&q.transactional); ok {
		return m, true
	}
	if m, ok := q.popEligible(&q.normal); ok {
		return m, true
	}
	return ocpptype.QueuedMessage{}, false
}

func (q *Queue) popEligible(list *[]ocpptype.QueuedMessage) (ocpptype.QueuedMessage, bool) {
	for i, m := range *list {
		if !q.registered && !preBootAllowed[m.Action] {
			continue
		}
		*list = append((*list)[:i:i], (*list)[i+1:]...)
		return m, true
	}
	return ocpptype.QueuedMessage{}, false
}

func (q *Queue) requeueAtHead(msg ocpptype.QueuedMessage) {
	switch msg.Tier {
	case ocpptype.TierTransactional:
		q.transactional = append([]ocpptype.QueuedMessage{msg}, q.transactional...)
	default:
		q.normal = append([]ocpptype.QueuedMessage{msg}, q.normal...)
	}
}

func (q *Queue) onTimeout(uniqueID string) {
	q.mu.Lock()
	if q.current == nil || q.current.msg.UniqueID != uniqueID {
		q.mu.Unlock()
		return
	}
	msg := q.current.msg
	q.current = nil
	msg.Attempts++
	if msg.Attempts < q.opts.MaxAttempts {
		q.requeueAtHead(msg)
		q.mu.Unlock()
		if err := q.st.UpdateQueuedMessageAttempts(msg.UniqueID, msg.Attempts); err != nil {
			q.log.WithError(err).Warn("failed to persist retry attempt count")
		}
		q.nudge()
		return
	}
	q.mu.Unlock()

	q.log.WithField("uniqueId", uniqueID).WithField("attempts", msg.Attempts).Warn("message timed out, dropping")
	q.Deliver(uniqueID, nil, &CallError{UniqueID: uniqueID, ErrorCode: ocpptype.ErrTimeout, ErrorDescription: "no response within message_timeout_s after max_attempts"})
}

// OnLinkLost cancels the in-flight waiter for non-transactional messages
// with a Transport CallError after the grace window, per spec.md §5
// ("Link loss cancels all in-flight waiters ... after the grace window; a
// pending transactional Call is not cancelled -- it is requeued"). It is
// called by the facade when the Connectivity Manager reports the link closed.
func (q *Queue) OnLinkLost() {
	q.mu.Lock()
	q.connected = false
	q.link = nil
	cur := q.current
	q.current = nil
	if cur != nil {
		if cur.timer != nil {
			cur.timer.Stop()
		}
		q.requeueAtHead(cur.msg)
	}
	q.mu.Unlock()

	if cur == nil {
		return
	}
	if cur.msg.Tier == ocpptype.TierTransactional {
		// Requeued above; not cancelled.
		return
	}
	time.AfterFunc(q.opts.TransportCancelGrace, func() {
		q.mu.Lock()
		waiters := q.waiting[cur.msg.UniqueID]
		delete(q.waiting, cur.msg.UniqueID)
		stillQueued := q.connected
		q.mu.Unlock()
		if stillQueued || len(waiters) == 0 {
			return
		}
		for _, ch := range waiters {
			ch <- Result{Err: &CallError{UniqueID: cur.msg.UniqueID, ErrorCode: ocpptype.ErrGenericError, ErrorDescription: "transport lost"}}
		}
	})
}

// Len reports the number of messages held across both tiers (volatile ones
// included) plus the one in flight, if any, for the operator debug surface
// and the shutdown drain.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.transactional) + len(q.normal)
	if q.current != nil {
		n++
	}
	return n
}

// Snapshot returns a copy of the queue contents for the operator surface.
func (q *Queue) Snapshot() []ocpptype.QueuedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]ocpptype.QueuedMessage, 0, len(q.transactional)+len(q.normal)+1)
	if q.current != nil {
		out = append(out, q.current.msg)
	}
	out = append(out, q.transactional...)
	out = append(out, q.normal...)
	return out
}
