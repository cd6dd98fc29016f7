// Package facade implements the Charge Point Facade of spec.md §4.H: the
// protocol orchestrator that drives boot, dispatches inbound Calls
// to handlers, wires the Connectivity Manager/Message Queue/Transaction
// State Machine/Smart Charging Composer together, and exposes the external
// event API the hardware driver calls into.
//
// Grounded on the teacher's main.go for the boot sequence shape (open
// store, construct handler, connect, BootNotification, arm timers) and on
// its basic_handler.go/configurations_handler.go/security_handler.go/
// transactions_handler.go for the dispatch-by-action handler set, adapted
// from OCPP 1.6 callback methods to OCPP 2.0.1 Call/CallResult dispatch
// over internal/ocppj.
package facade

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"chargepoint/internal/connectivity"
	"chargepoint/internal/devicemodel"
	"chargepoint/internal/ocppj"
	"chargepoint/internal/ocpptype"
	"chargepoint/internal/smartcharging"
	"chargepoint/internal/store"
	"chargepoint/internal/transaction"
)

// Config is the subset of spec.md §6's Configuration document the facade
// consumes directly.
type Config struct {
	ChargePointID        string
	HeartbeatIntervalS   int
	AlignedDataIntervalS int
	SampledDataIntervalS int
	Profiles             []connectivity.Profile
	ConnectivityOptions  connectivity.Options
	QueueOptions         ocppj.Options
	NumConnectorsPerEVSE map[int]int // evseID -> connector count, for boot StatusNotifications
	ChargingProfileMaxStackLevel int
}

// HandlerFunc processes one inbound Call's payload and returns either a
// success payload or an error to be sent back as a CallError.
type HandlerFunc func(ctx context.Context, cp *ChargePoint, payload json.RawMessage) (json.RawMessage, *ocppj.CallError)

// ChargePoint is the top-level orchestrator of spec.md §4.H.
type ChargePoint struct {
	mu sync.Mutex

	cfg Config
	log *log.Entry

	Store    *store.Store
	Device   *devicemodel.Model
	Queue    *ocppj.Queue
	Conn     *connectivity.Manager
	TxMachine *transaction.Machine
	Smart    *smartcharging.Composer

	handlers map[string]HandlerFunc

	registered       bool
	heartbeatTicker  *time.Timer
	securityEventPending bool

	// OnResetRequested / OnUnlockConnector are callbacks into the
	// physical hardware driver, the external collaborator of spec.md §1.
	OnResetRequested  func(kind string) bool
	OnUnlockConnector func(evseID, connectorID int) bool
}

// New wires every component together but does not yet connect (spec.md §4.H
// "read config -> open store -> initialize device model -> construct queue
// -> hand queue to connectivity manager").
func New(cfg Config, st *store.Store) (*ChargePoint, error) {
	device := devicemodel.New(st)
	queue, err := ocppj.New(st, cfg.QueueOptions)
	if err != nil {
		return nil, fmt.Errorf("facade: construct queue: %w", err)
	}
	txMachine := transaction.New(st, transaction.Options{
		AlignedDataIntervalS: cfg.AlignedDataIntervalS,
		SampledDataIntervalS: cfg.SampledDataIntervalS,
	})
	smart := smartcharging.New(smartStoreAdapter{st})

	cp := &ChargePoint{
		cfg:       cfg,
		log:       log.WithField("component", "facade").WithField("cp", cfg.ChargePointID),
		Store:     st,
		Device:    device,
		Queue:     queue,
		TxMachine: txMachine,
		Smart:     smart,
		handlers:  make(map[string]HandlerFunc),
	}

	cp.Conn = connectivity.New(cfg.Profiles, cfg.ConnectivityOptions, connectivity.Callbacks{
		OnConnected: cp.onLinkConnected,
		OnClosed:    cp.onLinkClosed,
		OnFailed:    cp.onLinkFailed,
		OnMessage:   cp.onMessage,
	})
	cp.Queue.SetLink(nil)

	cp.registerDefaultHandlers()
	return cp, nil
}

// smartStoreAdapter narrows *store.Store to smartcharging.Store, per
// spec.md §9's preferred narrow-interface pattern.
type smartStoreAdapter struct{ st *store.Store }

func (a smartStoreAdapter) ListChargingProfiles(connectorID int) ([]ocpptype.ChargingProfile, error) {
	return a.st.ListChargingProfiles(connectorID)
}

// RegisterHandler installs a dispatch handler for action, overriding any
// default registered by registerDefaultHandlers.
func (cp *ChargePoint) RegisterHandler(action string, fn HandlerFunc) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	cp.handlers[action] = fn
}

// Start begins boot: connects the Connectivity Manager, replays interrupted
// transactions, runs the queue's send loop, and sends BootNotification
// (spec.md §4.H).
func (cp *ChargePoint) Start(ctx context.Context) error {
	if err := cp.TxMachine.ReplayInterrupted(); err != nil {
		return fmt.Errorf("facade: replay interrupted transactions: %w", err)
	}
	go cp.Queue.Run(ctx)
	go cp.drainTransactionEvents(ctx)
	cp.Conn.Start()
	return cp.sendBootNotification(ctx, "PowerUp")
}

// Stop drains the queue best-effort for gracePeriod then hard-closes the
// link (spec.md §5 "Shutdown").
func (cp *ChargePoint) Stop(gracePeriod time.Duration) {
	deadline := time.Now().Add(gracePeriod)
	for cp.Queue.Len() > 0 && time.Now().Before(deadline) {
		time.Sleep(100 * time.Millisecond)
	}
	cp.Conn.Disconnect(1000)
}

func (cp *ChargePoint) sendBootNotification(ctx context.Context, reason string) error {
	payload, _ := json.Marshal(map[string]any{
		"reason": reason,
		"chargingStation": map[string]any{"serialNumber": cp.cfg.ChargePointID},
	})
	uid := ocppj.NewUniqueID()
	res, err := cp.Queue.SendAndWait(ctx, "BootNotification", uid, payload, ocpptype.TierTransactional, nil)
	if err != nil {
		return fmt.Errorf("facade: boot notification: %w", err)
	}
	if res.Err != nil {
		return fmt.Errorf("facade: boot notification rejected: %s", res.Err.Error())
	}
	var resp struct {
		Status      ocpptype.RegistrationStatus `json:"status"`
		Interval    int                         `json:"interval"`
		CurrentTime ocpptype.DateTime           `json:"currentTime"`
	}
	if err := json.Unmarshal(res.Payload, &resp); err != nil {
		return fmt.Errorf("facade: boot notification: decode response: %w", err)
	}
	if resp.Status != ocpptype.RegistrationAccepted {
		cp.log.WithField("status", resp.Status).Warn("boot notification not accepted")
		return nil
	}
	cp.registered = true
	cp.Queue.SetRegistered(true)
	cp.armHeartbeat(time.Duration(resp.Interval) * time.Second)
	cp.sendAllStatusNotifications(ctx)
	return nil
}

func (cp *ChargePoint) armHeartbeat(interval time.Duration) {
	if interval <= 0 {
		interval = time.Duration(cp.cfg.HeartbeatIntervalS) * time.Second
	}
	if interval <= 0 {
		return
	}
	cp.mu.Lock()
	if cp.heartbeatTicker != nil {
		cp.heartbeatTicker.Stop()
	}
	var fire func()
	fire = func() {
		cp.sendHeartbeat()
		cp.mu.Lock()
		cp.heartbeatTicker = time.AfterFunc(interval, fire)
		cp.mu.Unlock()
	}
	cp.heartbeatTicker = time.AfterFunc(interval, fire)
	cp.mu.Unlock()
}

func (cp *ChargePoint) sendHeartbeat() {
	uid := ocppj.NewUniqueID()
	_ = cp.Queue.Enqueue(ocpptype.QueuedMessage{
		MessageType: ocppj.TypeCall, UniqueID: uid, Action: "Heartbeat",
		Payload: json.RawMessage("{}"), FirstEnqueuedAt: ocpptype.Now(), Tier: ocpptype.TierNormal,
	})
}

// sendAllStatusNotifications enqueues StatusNotification(Available) for
// every configured connector (spec.md §8 scenario 1).
func (cp *ChargePoint) sendAllStatusNotifications(ctx context.Context) {
	for evseID, n := range cp.cfg.NumConnectorsPerEVSE {
		for c := 1; c <= n; c++ {
			cp.enqueueStatusNotification(evseID, c, ocpptype.StatusAvailable)
		}
	}
}

func (cp *ChargePoint) enqueueStatusNotification(evseID, connectorID int, status ocpptype.ConnectorStatus) {
	payload, _ := json.Marshal(map[string]any{
		"evseId": evseID, "connectorId": connectorID, "connectorStatus": status,
		"timestamp": ocpptype.Now(),
	})
	uid := ocppj.NewUniqueID()
	_ = cp.Queue.Enqueue(ocpptype.QueuedMessage{
		MessageType: ocppj.TypeCall, UniqueID: uid, Action: "StatusNotification",
		Payload: payload, FirstEnqueuedAt: ocpptype.Now(), Tier: ocpptype.TierTransactional,
	})
}

// drainTransactionEvents forwards Transaction State Machine events to the
// queue as TransactionEvent/StatusNotification Calls (spec.md §4.G, §4.H).
func (cp *ChargePoint) drainTransactionEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-cp.TxMachine.Events():
			if !ok {
				return
			}
			cp.handleTxEvent(ev)
		}
	}
}

func (cp *ChargePoint) handleTxEvent(ev transaction.Event) {
	switch ev.Kind {
	case transaction.EventStatusNotification:
		cp.enqueueStatusNotification(ev.EVSEID, ev.ConnectorID, ev.ConnectorStatus)
	case transaction.EventTransaction:
		payload, _ := json.Marshal(map[string]any{
			"eventType":     ev.EventType,
			"timestamp":     ocpptype.NewDateTime(ev.Timestamp),
			"triggerReason": ev.TriggerReason,
			"seqNo":         ev.SeqNo,
			"transactionInfo": map[string]any{"transactionId": ev.TransactionID, "chargingState": ev.ChargingState},
			"evse": map[string]any{"id": ev.EVSEID, "connectorId": ev.ConnectorID},
		})
		uid := ocppj.NewUniqueID()
		txID := ev.TransactionID
		_ = cp.Queue.Enqueue(ocpptype.QueuedMessage{
			MessageType: ocppj.TypeCall, UniqueID: uid, Action: "TransactionEvent",
			Payload: payload, FirstEnqueuedAt: ocpptype.Now(), Tier: ocpptype.TierTransactional,
			TransactionID: &txID,
		})
		if ev.EventType == ocpptype.TransactionEventEnded {
			cp.awaitEndedAck(uid, ev.EVSEID)
		}
	}
}

// awaitEndedAck deletes the transaction once its terminal Ended event's
// CallResult is observed (spec.md §3 "deleted only after the CSMS has
// acknowledged the terminal Ended event").
func (cp *ChargePoint) awaitEndedAck(uniqueID string, evseID int) {
	go func() {
		ch := make(chan ocppj.Result, 1)
		cp.Queue.AwaitOnce(uniqueID, ch)
		res := <-ch
		if res.Err == nil {
			if err := cp.TxMachine.OnEndedAcknowledged(evseID); err != nil {
				cp.log.WithError(err).Warn("failed to delete acknowledged transaction")
			}
		}
	}()
}

// onLinkConnected installs the new link into the queue and, if this is the
// first connection since boot, nothing further is needed: BootNotification
// is driven explicitly from Start (spec.md §4.C "resets reconnect backoff;
// notifies upward").
func (cp *ChargePoint) onLinkConnected(sp ocpptype.SecurityProfile) {
	cp.log.WithField("securityProfile", sp).Info("link connected")
	cp.Queue.SetLink(cp.Conn)
}

func (cp *ChargePoint) onLinkClosed(reason ocpptype.CloseReason) {
	cp.log.WithField("reason", reason).Warn("link closed")
	cp.Queue.OnLinkLost()
}

func (cp *ChargePoint) onLinkFailed(reason ocpptype.ConnectFailReason) {
	cp.log.WithField("reason", reason).Error("link failed")
}

// onMessage parses an inbound frame and dispatches Calls to handlers,
// routes CallResult/CallError to the queue (spec.md §4.D "Inbound framing").
func (cp *ChargePoint) onMessage(raw []byte) {
	frame, err := ocppj.ParseFrame(raw)
	if err != nil {
		cp.replyMalformed(raw, err)
		return
	}
	switch {
	case frame.Call != nil:
		cp.dispatchCall(frame.Call)
	case frame.Result != nil:
		cp.Queue.Deliver(frame.Result.UniqueID, frame.Result.Payload, nil)
	case frame.Err != nil:
		cp.Queue.Deliver(frame.Err.UniqueID, nil, frame.Err)
	}
}

func (cp *ChargePoint) replyMalformed(raw []byte, parseErr error) {
	cp.log.WithError(parseErr).Warn("malformed inbound frame")
	var arr []json.RawMessage
	var uniqueID string
	if json.Unmarshal(raw, &arr) != nil || len(arr) < 2 || json.Unmarshal(arr[1], &uniqueID) != nil {
		return
	}
	code := ocpptype.ErrFormationViolation
	if errors.Is(parseErr, ocppj.ErrUnknownType) {
		code = ocpptype.ErrNotSupported
	}
	_ = cp.Queue.SendResponse(&ocppj.CallError{UniqueID: uniqueID, ErrorCode: code, ErrorDescription: parseErr.Error()})
}

// dispatchCall handles one inbound Call by action (spec.md §4.H). Inbound
// Calls are dispatched in arrival order since onMessage is invoked serially
// from the Link's single read pump (spec.md §5 "Ordering guarantees").
func (cp *ChargePoint) dispatchCall(call *ocppj.Call) {
	cp.mu.Lock()
	fn, ok := cp.handlers[call.Action]
	cp.mu.Unlock()

	ctx := context.Background()
	if !ok {
		_ = cp.Queue.SendResponse(&ocppj.CallError{
			UniqueID: call.UniqueID, ErrorCode: ocpptype.ErrNotImplemented,
			ErrorDescription: fmt.Sprintf("no handler for action %q", call.Action),
		})
		return
	}
	payload, callErr := fn(ctx, cp, call.Payload)
	if callErr != nil {
		callErr.UniqueID = call.UniqueID
		_ = cp.Queue.SendResponse(callErr)
		return
	}
	_ = cp.Queue.SendResponse(&ocppj.CallResult{UniqueID: call.UniqueID, Payload: payload})
}
