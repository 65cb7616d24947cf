// Package coordinator routes Alert/Share/Query messages between loop
// executions. Alerts are broadcast to every registered execution; Shares
// are point-to-point with at-least-once delivery and dedup by message id;
// Queries are ephemeral request/reply exchanges bounded by a caller
// timeout. Alert and Share are durable — persisted via the state manager
// before routing, and replayed to recipients that re-register after a
// crash; Query is not, since a timed-out question has nothing useful to
// replay.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/taskdaemon/taskdaemon/internal/model"
	"github.com/taskdaemon/taskdaemon/internal/statemgr"
)

// inboxBufferSize bounds each execution's inbox channel. A full inbox
// means the recipient isn't draining messages; Alert/Share sends drop
// with a logged warning rather than blocking the sender, the same
// back-pressure policy statemgr uses for StateEvent subscribers.
const inboxBufferSize = 32

// defaultSenderRate is the per-sender message budget named in spec.md §4.6.
const defaultSenderRate = 10 // messages/second

// InboxMessage is delivered to a registered execution's inbox channel.
type InboxMessage struct {
	EventID  string
	Kind     model.EventKind
	Sender   string
	DataType string
	Payload  json.RawMessage
	ReplyTo  string // set for Query; pass to Reply to answer
}

// ErrNoRecipient indicates the target execution has no registered inbox.
var ErrNoRecipient = errors.New("coordinator: recipient not registered")

// ErrQueryTimeout indicates a Query's reply did not arrive before ctx
// was done.
var ErrQueryTimeout = errors.New("coordinator: query timed out")

type pendingQuery struct {
	reply chan string
}

// Coordinator routes Alert/Share/Query messages and watches the tracked
// upstream's main branch for updates.
type Coordinator struct {
	sm *statemgr.Manager

	mu       sync.Mutex
	inboxes  map[string]chan InboxMessage
	seen     map[string]map[string]bool // recipient -> delivered event ids
	limiters map[string]*rate.Limiter
	queries  map[string]*pendingQuery

	senderRate rate.Limit
}

// New constructs a Coordinator backed by sm. Call Start to replay any
// durable events left unresolved from a prior run.
func New(sm *statemgr.Manager) *Coordinator {
	return &Coordinator{
		sm:         sm,
		inboxes:    make(map[string]chan InboxMessage),
		seen:       make(map[string]map[string]bool),
		limiters:   make(map[string]*rate.Limiter),
		queries:    make(map[string]*pendingQuery),
		senderRate: defaultSenderRate,
	}
}

// Register opens an inbox for execID and returns it along with an
// unregister func the caller must call when the execution exits.
func (c *Coordinator) Register(execID string) (<-chan InboxMessage, func()) {
	c.mu.Lock()
	ch := make(chan InboxMessage, inboxBufferSize)
	c.inboxes[execID] = ch
	c.mu.Unlock()

	return ch, func() {
		c.mu.Lock()
		delete(c.inboxes, execID)
		delete(c.seen, execID)
		c.mu.Unlock()
	}
}

// RegisteredCount returns the number of executions with an open inbox.
// Exposed for telemetry's observable gauge callback.
func (c *Coordinator) RegisteredCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inboxes)
}

// Start replays durable events (Alert, Share) left in ResolutionPending
// state from a prior run, delivering to any recipients currently
// registered. Events whose recipients never register again are left
// pending indefinitely; an operator can inspect them via the store.
func (c *Coordinator) Start(ctx context.Context) error {
	pending, err := c.sm.ListPendingEvents(ctx)
	if err != nil {
		return fmt.Errorf("coordinator: listing pending events: %w", err)
	}
	for _, ev := range pending {
		switch ev.Kind {
		case model.EventAlert:
			c.deliverBroadcast(ev)
		case model.EventShare:
			delivered := c.deliverDirect(ev)
			if delivered == len(ev.Recipients) && delivered > 0 {
				_ = c.sm.MarkEventDelivered(ctx, ev.ID)
			}
		}
	}
	return nil
}

func (c *Coordinator) limiterFor(sender string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.limiters[sender]
	if !ok {
		l = rate.NewLimiter(c.senderRate, int(c.senderRate))
		c.limiters[sender] = l
	}
	return l
}

// Alert broadcasts payload to every currently registered execution and
// persists it durably. The event is marked delivered as soon as one
// recipient receives it, so the next Start replays it only when no
// registered execution received it.
func (c *Coordinator) Alert(ctx context.Context, fromExecID, dataType string, payload json.RawMessage) (int, error) {
	if !c.limiterFor(fromExecID).Allow() {
		log.Printf("[coordinator] sender %s exceeded alert rate, dropping", fromExecID)
		return 0, nil
	}

	ev := &model.CoordinationEvent{
		ID:         uuid.NewString(),
		Kind:       model.EventAlert,
		Sender:     fromExecID,
		DataType:   dataType,
		Payload:    payload,
		Resolution: model.ResolutionPending,
	}
	if err := c.sm.CreateEvent(ctx, ev); err != nil {
		return 0, fmt.Errorf("coordinator: persisting alert: %w", err)
	}

	delivered := c.deliverBroadcast(*ev)
	if delivered > 0 {
		_ = c.sm.MarkEventDelivered(ctx, ev.ID)
	}
	return delivered, nil
}

func (c *Coordinator) deliverBroadcast(ev model.CoordinationEvent) int {
	c.mu.Lock()
	recipients := make([]string, 0, len(c.inboxes))
	for id := range c.inboxes {
		if id == ev.Sender {
			continue
		}
		recipients = append(recipients, id)
	}
	c.mu.Unlock()

	delivered := 0
	for _, id := range recipients {
		if c.deliverOne(id, ev) {
			delivered++
		}
	}
	return delivered
}

// Share sends payload to each of toExecIDs with at-least-once semantics:
// persisted before routing, and retried on the next Start replay for any
// recipient not yet delivered to. Recipients dedup by event id, so a
// redelivered Share after a crash is a no-op on the receiving side.
func (c *Coordinator) Share(ctx context.Context, fromExecID string, toExecIDs []string, dataType string, payload json.RawMessage) (int, error) {
	if !c.limiterFor(fromExecID).Allow() {
		log.Printf("[coordinator] sender %s exceeded share rate, dropping", fromExecID)
		return 0, nil
	}

	ev := &model.CoordinationEvent{
		ID:         uuid.NewString(),
		Kind:       model.EventShare,
		Sender:     fromExecID,
		Recipients: toExecIDs,
		DataType:   dataType,
		Payload:    payload,
		Resolution: model.ResolutionPending,
	}
	if err := c.sm.CreateEvent(ctx, ev); err != nil {
		return 0, fmt.Errorf("coordinator: persisting share: %w", err)
	}

	delivered := c.deliverDirect(*ev)
	if delivered == len(toExecIDs) && delivered > 0 {
		_ = c.sm.MarkEventDelivered(ctx, ev.ID)
	}
	return delivered, nil
}

func (c *Coordinator) deliverDirect(ev model.CoordinationEvent) int {
	delivered := 0
	for _, to := range ev.Recipients {
		if c.deliverOne(to, ev) {
			delivered++
		}
	}
	return delivered
}

// deliverOne sends ev to recipient's inbox, deduping by event id and
// dropping (with a logged warning) on a full inbox rather than blocking.
func (c *Coordinator) deliverOne(recipient string, ev model.CoordinationEvent) bool {
	c.mu.Lock()
	if c.seen[recipient] == nil {
		c.seen[recipient] = make(map[string]bool)
	}
	if c.seen[recipient][ev.ID] {
		c.mu.Unlock()
		return true // already delivered; at-least-once dedup on our side too
	}
	ch, ok := c.inboxes[recipient]
	c.mu.Unlock()
	if !ok {
		return false
	}

	msg := InboxMessage{EventID: ev.ID, Kind: ev.Kind, Sender: ev.Sender, DataType: ev.DataType, Payload: ev.Payload}
	select {
	case ch <- msg:
		c.mu.Lock()
		c.seen[recipient][ev.ID] = true
		c.mu.Unlock()
		return true
	default:
		log.Printf("[coordinator] inbox for %s full, dropping event %s", recipient, ev.ID)
		return false
	}
}

// Query sends question to toExecID and blocks for a reply until ctx is
// done. Queries are ephemeral: never persisted, since a question whose
// answer never arrived has nothing worth replaying.
func (c *Coordinator) Query(ctx context.Context, fromExecID, toExecID, question string) (string, error) {
	if !c.limiterFor(fromExecID).Allow() {
		return "", fmt.Errorf("coordinator: sender %s exceeded query rate", fromExecID)
	}

	c.mu.Lock()
	ch, ok := c.inboxes[toExecID]
	c.mu.Unlock()
	if !ok {
		return "", ErrNoRecipient
	}

	queryID := uuid.NewString()
	pq := &pendingQuery{reply: make(chan string, 1)}
	c.mu.Lock()
	c.queries[queryID] = pq
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.queries, queryID)
		c.mu.Unlock()
	}()

	payload, _ := json.Marshal(question)
	msg := InboxMessage{EventID: queryID, Kind: model.EventQuery, Sender: fromExecID, DataType: "query", Payload: payload, ReplyTo: queryID}
	select {
	case ch <- msg:
	default:
		return "", fmt.Errorf("coordinator: inbox for %s full", toExecID)
	}

	select {
	case answer := <-pq.reply:
		return answer, nil
	case <-ctx.Done():
		return "", ErrQueryTimeout
	}
}

// Reply answers a pending Query by its ReplyTo id. Called by whatever
// drains the recipient's inbox (the loop engine, on the iteration after
// it observes an EventQuery message).
func (c *Coordinator) Reply(queryID, answer string) error {
	c.mu.Lock()
	pq, ok := c.queries[queryID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("coordinator: no pending query %s (already timed out?)", queryID)
	}
	select {
	case pq.reply <- answer:
		return nil
	default:
		return fmt.Errorf("coordinator: query %s already answered", queryID)
	}
}

// Stop signals toExecID to wind down at its next iteration boundary.
// Ephemeral like Query: a stop signal dropped by a full inbox makes Stop
// return false, and it is neither re-sent nor replayed from durable
// storage.
func (c *Coordinator) Stop(toExecID, reason string) bool {
	c.mu.Lock()
	ch, ok := c.inboxes[toExecID]
	c.mu.Unlock()
	if !ok {
		return false
	}
	msg := InboxMessage{EventID: uuid.NewString(), Kind: model.EventStop, Sender: "system:shutdown", DataType: reason}
	select {
	case ch <- msg:
		return true
	default:
		return false
	}
}

// MainBranchUpdate is the payload shape of a main_branch_updated Alert.
type MainBranchUpdate struct {
	CommitSHA string    `json:"commit_sha"`
	Timestamp time.Time `json:"timestamp"`
}

// mainBranchAlertSender is the system's own identity when broadcasting
// main_branch_updated alerts.
const mainBranchAlertSender = "system:main-branch-watcher"
