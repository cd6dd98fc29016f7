// Package transaction implements the Transaction State Machine of spec.md
// §4.G: per-EVSE session/transaction lifecycle, seq_no-ordered
// TransactionEvent emission, clock-aligned meter sampling, and crash-safe
// persistence with boot-time replay of interrupted transactions.
//
// Grounded on original_source/include/ocpp/v201/transaction.hpp and
// original_source/lib/ocpp/v201/transaction.cpp for the
// Available/Occupied/Transacting lifecycle shape and on spec.md
// §9's resolved Open Question: seq_no is persisted inside GetSeqNo itself,
// before the caller uses it, so a crash loses at most one seq_no's worth of
// duplicate risk rather than leaving the event un-persisted entirely.
package transaction

import (
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"chargepoint/internal/ocpptype"
	"chargepoint/internal/store"
)

// SessionState is the per-EVSE lifecycle state of spec.md §4.G.
type SessionState int

const (
	Available SessionState = iota
	Occupied
	Transacting
)

// Event is emitted upward to the Charge Point Facade for enqueueing as a
// TransactionEvent or StatusNotification Call (spec.md §4.G, §9's note on
// replacing owner callbacks with a typed event channel).
type Event struct {
	Kind            EventKind
	EVSEID          int
	ConnectorID     int
	TransactionID   string
	SeqNo           int
	EventType       ocpptype.TransactionEventType
	TriggerReason   ocpptype.TriggerReason
	ChargingState   ocpptype.ChargingState
	ConnectorStatus ocpptype.ConnectorStatus
	Timestamp       time.Time
	MeterValue      *ocpptype.MeterSample
}

type EventKind int

const (
	EventTransaction EventKind = iota
	EventStatusNotification
)

// session is the per-EVSE mutable state.
type session struct {
	state  SessionState
	evseID int
	connID int
	tx     *ocpptype.Transaction

	alignedStop chan struct{}
}

// Clock lets tests control "now"; production uses realClock.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) *time.Timer
}

type realClock struct{}

func (realClock) Now() time.Time                            { return time.Now().UTC() }
func (realClock) AfterFunc(d time.Duration, f func()) *time.Timer { return time.AfterFunc(d, f) }

// Options configures sampling intervals (spec.md §6 Configuration).
type Options struct {
	AlignedDataIntervalS int // clock-aligned meter sampling, spec.md GLOSSARY
	SampledDataIntervalS int
}

// Machine owns every EVSE's session/transaction state.
type Machine struct {
	mu sync.Mutex

	st    *store.Store
	opts  Options
	clock Clock
	log   *log.Entry

	sessions map[int]*session // evseID -> session
	events   chan Event

	idCounter int
}

func New(st *store.Store, opts Options) *Machine {
	return &Machine{
		st:       st,
		opts:     opts,
		clock:    realClock{},
		log:      log.WithField("component", "transaction"),
		sessions: make(map[int]*session),
		events:   make(chan Event, 64),
	}
}

// Events returns the channel the Facade drains for outbound notifications.
func (m *Machine) Events() <-chan Event { return m.events }

func (m *Machine) emit(e Event) {
	select {
	case m.events <- e:
	default:
		m.log.Warn("transaction event channel full, dropping event")
	}
}

// OnSessionStarted creates a session and emits StatusNotification(Occupied)
// (spec.md §4.G).
func (m *Machine) OnSessionStarted(evseID, connectorID int) {
	m.mu.Lock()
	s := &session{state: Occupied, evseID: evseID, connID: connectorID}
	m.sessions[evseID] = s
	m.mu.Unlock()

	m.emit(Event{
		Kind: EventStatusNotification, EVSEID: evseID, ConnectorID: connectorID,
		ConnectorStatus: ocpptype.StatusOccupied, Timestamp: m.clock.Now(),
	})
}

// OnTransactionStarted creates a Transaction with seq_no=0, persists it,
// starts clock-aligned meter timers, and emits the Started event (spec.md
// §4.G).
func (m *Machine) OnTransactionStarted(evseID, connectorID int, idToken *ocpptype.IdToken, groupIdToken *ocpptype.IdToken, reservationID *int) (string, error) {
	m.mu.Lock()
	s, ok := m.sessions[evseID]
	if !ok {
		m.mu.Unlock()
		return "", fmt.Errorf("transaction: no session on evse %d", evseID)
	}
	if s.state == Transacting {
		m.mu.Unlock()
		return "", fmt.Errorf("transaction: evse %d already has an active transaction", evseID)
	}
	m.idCounter++
	txID := fmt.Sprintf("txn-%d-%d", evseID, m.idCounter)
	now := m.clock.Now()
	tx := ocpptype.Transaction{
		TransactionID: txID, EVSEID: evseID, ConnectorID: connectorID,
		StartTime: ocpptype.NewDateTime(now), IdToken: idToken, GroupIdToken: groupIdToken,
		ReservationID: reservationID, ChargingState: ocpptype.ChargingStateCharging, SeqNo: 0,
	}
	s.tx = &tx
	s.state = Transacting
	s.alignedStop = make(chan struct{})
	m.mu.Unlock()

	if err := m.st.InsertTransaction(tx); err != nil {
		return "", fmt.Errorf("transaction: persist: %w", err)
	}

	seq, err := m.GetSeqNo(txID)
	if err != nil {
		return "", err
	}
	m.emit(Event{
		Kind: EventTransaction, EVSEID: evseID, ConnectorID: connectorID, TransactionID: txID,
		SeqNo: seq, EventType: ocpptype.TransactionEventStarted, TriggerReason: ocpptype.TriggerCablePluggedIn,
		ChargingState: tx.ChargingState, Timestamp: now,
	})

	m.startAlignedTimer(s)
	return txID, nil
}

// GetSeqNo atomically returns-and-increments a transaction's seq_no,
// persisting the new value before returning it (spec.md §4.G, §9's resolved
// Open Question, §8 invariants 1-2).
func (m *Machine) GetSeqNo(transactionID string) (int, error) {
	m.mu.Lock()
	var s *session
	for _, cand := range m.sessions {
		if cand.tx != nil && cand.tx.TransactionID == transactionID {
			s = cand
			break
		}
	}
	if s == nil {
		m.mu.Unlock()
		return 0, fmt.Errorf("transaction: unknown transaction %s", transactionID)
	}
	next := s.tx.SeqNo
	s.tx.SeqNo = next + 1
	m.mu.Unlock()

	if err := m.st.UpdateTransactionSeqNo(transactionID, next+1); err != nil {
		return 0, fmt.Errorf("transaction: persist seq_no: %w", err)
	}
	return next, nil
}

// startAlignedTimer arms a repeating timer whose fire instants are
// t0 + k*interval aligned to the absolute UTC second, so ticks coincide
// across EVSEs (spec.md §4.G, §5 "clock-aligned timers compute their next
// fire-time in UTC so that alignment survives process suspension").
func (m *Machine) startAlignedTimer(s *session) {
	interval := m.opts.AlignedDataIntervalS
	if interval <= 0 {
		return
	}
	var schedule func()
	schedule = func() {
		now := m.clock.Now()
		next := nextAlignedInstant(now, interval)
		m.clock.AfterFunc(next.Sub(now), func() {
			select {
			case <-s.alignedStop:
				return
			default:
			}
			m.onAlignedTick(s)
			schedule()
		})
	}
	schedule()
}

// nextAlignedInstant returns the next UTC instant that is a multiple of
// interval seconds since the epoch, strictly after now.
func nextAlignedInstant(now time.Time, interval int) time.Time {
	epochSeconds := now.Unix()
	k := epochSeconds/int64(interval) + 1
	return time.Unix(k*int64(interval), 0).UTC()
}

func (m *Machine) onAlignedTick(s *session) {
	m.mu.Lock()
	if s.tx == nil {
		m.mu.Unlock()
		return
	}
	txID := s.tx.TransactionID
	m.mu.Unlock()

	seq, err := m.GetSeqNo(txID)
	if err != nil {
		m.log.WithError(err).Warn("aligned tick: failed to get seq_no")
		return
	}
	m.emit(Event{
		Kind: EventTransaction, EVSEID: s.evseID, ConnectorID: s.connID, TransactionID: txID,
		SeqNo: seq, EventType: ocpptype.TransactionEventUpdated, TriggerReason: ocpptype.TriggerMeterValueClock,
		Timestamp: m.clock.Now(),
	})
}

// OnMeterValue attaches a sample to the active transaction on evseID and
// persists it, emitting an Updated event if policy decides to (spec.md
// §4.G "sample-accumulation logic decides whether to emit"). This
// implementation emits an Updated event for every meter value it receives,
// whatever the sample's context; clock-aligned emission is handled
// separately by the aligned timer.
func (m *Machine) OnMeterValue(evseID int, sample ocpptype.MeterSample) error {
	m.mu.Lock()
	s, ok := m.sessions[evseID]
	if !ok || s.tx == nil {
		m.mu.Unlock()
		return fmt.Errorf("transaction: no active transaction on evse %d", evseID)
	}
	txID := s.tx.TransactionID
	m.mu.Unlock()

	if err := m.st.AppendTransactionMeterSample(txID, sample); err != nil {
		return fmt.Errorf("transaction: persist meter sample: %w", err)
	}

	seq, err := m.GetSeqNo(txID)
	if err != nil {
		return err
	}
	m.emit(Event{
		Kind: EventTransaction, EVSEID: evseID, ConnectorID: s.connID, TransactionID: txID,
		SeqNo: seq, EventType: ocpptype.TransactionEventUpdated, TriggerReason: ocpptype.TriggerMeterValuePeriodic,
		Timestamp: m.clock.Now(), MeterValue: &sample,
	})
	return nil
}

// OnTransactionFinished emits the Ended event and marks the transaction
// terminal, but does not delete it (deletion happens only once the
// CSMS has acknowledged that event, spec.md §3, §4.G).
func (m *Machine) OnTransactionFinished(evseID int, reason string) error {
	m.mu.Lock()
	s, ok := m.sessions[evseID]
	if !ok || s.tx == nil {
		m.mu.Unlock()
		return fmt.Errorf("transaction: no active transaction on evse %d", evseID)
	}
	txID := s.tx.TransactionID
	if s.alignedStop != nil {
		close(s.alignedStop)
	}
	m.mu.Unlock()

	if err := m.st.UpdateTransactionChargingState(txID, ocpptype.ChargingStateIdle); err != nil {
		m.log.WithError(err).Warn("failed to persist terminal charging state")
	}
	if err := m.st.DeleteChargingProfilesForTransaction(txID); err != nil {
		m.log.WithError(err).Warn("failed to delete transaction's Tx profiles")
	}

	seq, err := m.GetSeqNo(txID)
	if err != nil {
		return err
	}
	m.emit(Event{
		Kind: EventTransaction, EVSEID: evseID, ConnectorID: s.connID, TransactionID: txID,
		SeqNo: seq, EventType: ocpptype.TransactionEventEnded, TriggerReason: ocpptype.TriggerEVDeparted,
		Timestamp: m.clock.Now(),
	})
	return nil
}

// OnEndedAcknowledged deletes the transaction once the CSMS has
// acknowledged its terminal Ended event (spec.md §3 "Lifecycle").
func (m *Machine) OnEndedAcknowledged(evseID int) error {
	m.mu.Lock()
	s, ok := m.sessions[evseID]
	if !ok || s.tx == nil {
		m.mu.Unlock()
		return nil
	}
	txID := s.tx.TransactionID
	s.tx = nil
	s.state = Occupied
	m.mu.Unlock()

	if err := m.st.DeleteTransaction(txID); err != nil {
		return fmt.Errorf("transaction: delete: %w", err)
	}
	return m.st.ClearTransactionMeterSamples(txID)
}

// OnSessionFinished tears down the session and emits
// StatusNotification(Available) (spec.md §4.G).
func (m *Machine) OnSessionFinished(evseID int) {
	m.mu.Lock()
	s, ok := m.sessions[evseID]
	if !ok {
		m.mu.Unlock()
		return
	}
	connID := s.connID
	delete(m.sessions, evseID)
	m.mu.Unlock()

	m.emit(Event{
		Kind: EventStatusNotification, EVSEID: evseID, ConnectorID: connID,
		ConnectorStatus: ocpptype.StatusAvailable, Timestamp: m.clock.Now(),
	})
}

// ActiveTransaction returns the live transaction on evseID, if any: the
// narrow view the Smart Charging Composer needs (spec.md §4.F).
func (m *Machine) ActiveTransaction(evseID int) (ocpptype.Transaction, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[evseID]
	if !ok || s.tx == nil {
		return ocpptype.Transaction{}, false
	}
	return *s.tx, true
}

// ReplayInterrupted re-emits Updated events for every transaction found on
// disk at boot, with triggerReason AbnormalCondition and the persisted
// seq_no (GetSeqNo stores the last emitted seq_no plus one, so the replayed
// event follows the last one emitted before the restart), and
// rehydrates in-memory session state so the machine can keep driving them
// (spec.md §4.G "Interrupted transactions discovered at boot").
func (m *Machine) ReplayInterrupted() error {
	txs, err := m.st.ListInterruptedTransactions()
	if err != nil {
		return fmt.Errorf("transaction: list interrupted: %w", err)
	}
	for _, tx := range txs {
		m.mu.Lock()
		s := &session{state: Transacting, evseID: tx.EVSEID, connID: tx.ConnectorID, tx: &tx, alignedStop: make(chan struct{})}
		m.sessions[tx.EVSEID] = s
		m.mu.Unlock()

		m.startAlignedTimer(s)

		seq, err := m.GetSeqNo(tx.TransactionID)
		if err != nil {
			return err
		}
		m.emit(Event{
			Kind: EventTransaction, EVSEID: tx.EVSEID, ConnectorID: tx.ConnectorID, TransactionID: tx.TransactionID,
			SeqNo: seq, EventType: ocpptype.TransactionEventUpdated, TriggerReason: ocpptype.TriggerAbnormalCondition,
			ChargingState: tx.ChargingState, Timestamp: m.clock.Now(),
		})
	}
	return nil
}
