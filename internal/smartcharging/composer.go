// Package smartcharging implements the Smart Charging Composer of spec.md
// §4.F: profile storage, validity filtering, period expansion across the
// Absolute/Relative/Recurring anchoring modes, stack-level merge with
// ChargePointMax capping, unit conversion, and canonicalized composite
// schedule output.
//
// Grounded on original_source/tests/lib/ocpp/v16/profile_tests*.cpp for the
// merge and recurrence-window semantics it exercises: the "most recent
// occurrence not later than t" anchoring for Daily/Weekly recurrence and
// the highest-stack-level-wins, most-recently-inserted-breaks-ties merge
// rule.
package smartcharging

import (
	"sort"
	"time"

	"chargepoint/internal/ocpptype"
)

// ActiveTransaction is the narrow view the composer needs of a live
// transaction, obtained from the Transaction State Machine (spec.md §4.F
// "for Tx, the transaction is active on that connector").
type ActiveTransaction struct {
	TransactionID string
	ConnectorID   int
	StartTime     time.Time
}

// Store is the narrow interface the composer needs from the Persistent
// Store to read profiles, per spec.md §9's note on replacing cyclic
// callbacks with a narrow interface obtained at construction.
type Store interface {
	ListChargingProfiles(connectorID int) ([]ocpptype.ChargingProfile, error)
}

// Composer holds no mutable state of its own beyond insertion order
// bookkeeping for tie-breaking; profiles live in Store.
type Composer struct {
	st Store
	// insertOrder tracks insertion sequence per profile_id, for the
	// "ties broken by most-recently-inserted" merge rule (spec.md §4.F).
	insertOrder map[int]int
	seq         int
}

func New(st Store) *Composer {
	return &Composer{st: st, insertOrder: make(map[int]int)}
}

// NoteInserted records that profileID was just inserted or replaced,
// advancing its tie-break priority. The Facade calls this from
// SetChargingProfile (spec.md §8 invariant 5 "replaces the prior profile").
func (c *Composer) NoteInserted(profileID int) {
	c.seq++
	c.insertOrder[profileID] = c.seq
}

// expandedPeriod is one absolute-time segment produced by period expansion,
// before merging (spec.md §4.F "Period expansion").
type expandedPeriod struct {
	start, end   time.Time
	limit        float64
	unit         ocpptype.ChargingRateUnit
	numberPhases *int
	stackLevel   int
	purpose      ocpptype.ChargingProfilePurpose
	insertOrder  int
}

// defaultNumberPhases is the assumption spec.md §4.F names for A<->W
// conversion when a period does not specify number_phases.
const defaultNumberPhases = 3

const voltage = 230.0

// anchorFor computes the instant a profile's schedule is anchored at,
// relative to which SchedulePeriod.StartOffsetS values are measured
// (spec.md §4.F Absolute/Relative/Recurring Daily/Weekly).
func anchorFor(p ocpptype.ChargingProfile, windowStart time.Time, activeTx *ActiveTransaction) time.Time {
	switch p.Kind {
	case ocpptype.KindAbsolute:
		if p.Schedule.StartSchedule != nil {
			return p.Schedule.StartSchedule.Time
		}
		return windowStart
	case ocpptype.KindRelative:
		if activeTx != nil {
			return activeTx.StartTime
		}
		return windowStart
	case ocpptype.KindRecurring:
		if p.Schedule.StartSchedule == nil {
			return windowStart
		}
		anchor := p.Schedule.StartSchedule.Time
		switch derefRecurrency(p.Recurrency) {
		case ocpptype.RecurrencyWeekly:
			return mostRecentWeeklyOccurrence(anchor, windowStart)
		default: // Daily
			return mostRecentDailyOccurrence(anchor, windowStart)
		}
	}
	return windowStart
}

func derefRecurrency(r *ocpptype.RecurrencyKind) ocpptype.RecurrencyKind {
	if r == nil {
		return ocpptype.RecurrencyDaily
	}
	return *r
}

// mostRecentDailyOccurrence returns the most recent instant not later than
// t whose time-of-day matches anchor's (spec.md §4.F "Recurring Daily").
func mostRecentDailyOccurrence(anchor, t time.Time) time.Time {
	tod := anchor.Sub(anchor.Truncate(24 * time.Hour))
	dayStart := t.Truncate(24 * time.Hour)
	candidate := dayStart.Add(tod)
	if candidate.After(t) {
		candidate = candidate.Add(-24 * time.Hour)
	}
	return candidate
}

// mostRecentWeeklyOccurrence is the weekday analog of the daily case.
func mostRecentWeeklyOccurrence(anchor, t time.Time) time.Time {
	tod := anchor.Sub(anchor.Truncate(24 * time.Hour))
	weekStart := t.Truncate(24 * time.Hour)
	for weekStart.Weekday() != anchor.Weekday() {
		weekStart = weekStart.AddDate(0, 0, -1)
	}
	candidate := weekStart.Add(tod)
	if candidate.After(t) {
		candidate = candidate.AddDate(0, 0, -7)
	}
	return candidate
}

// expand turns one valid profile's schedule into absolute-time periods
// intersected with [windowStart, windowEnd] (spec.md §4.F "Period expansion").
func expand(p ocpptype.ChargingProfile, windowStart, windowEnd time.Time, activeTx *ActiveTransaction, order int) []expandedPeriod {
	anchor := anchorFor(p, windowStart, activeTx)
	scheduleEnd := windowEnd
	if p.Schedule.DurationS != nil {
		scheduleEnd = anchor.Add(time.Duration(*p.Schedule.DurationS) * time.Second)
	} else if p.ValidTo != nil && p.ValidTo.Time.Before(windowEnd) {
		scheduleEnd = p.ValidTo.Time
	}

	periods := p.Schedule.Periods
	var out []expandedPeriod
	for i, sp := range periods {
		segStart := anchor.Add(time.Duration(sp.StartOffsetS) * time.Second)
		segEnd := scheduleEnd
		if i+1 < len(periods) {
			segEnd = anchor.Add(time.Duration(periods[i+1].StartOffsetS) * time.Second)
		}
		// Recurring schedules repeat every 24h/7d; also consider the
		// occurrence one cycle forward so a window spanning the boundary
		// (e.g. crossing midnight) still sees the next day's periods.
		for _, shift := range recurrenceShifts(p) {
			s := segStart.Add(shift)
			e := segEnd.Add(shift)
			is, ie := intersect(s, e, windowStart, windowEnd)
			if is.Before(ie) {
				out = append(out, expandedPeriod{
					start: is, end: ie, limit: sp.Limit, unit: p.Schedule.RateUnit,
					numberPhases: sp.NumberPhases, stackLevel: p.StackLevel,
					purpose: p.Purpose, insertOrder: order,
				})
			}
		}
	}
	return out
}

// recurrenceShifts returns the set of cycle offsets worth evaluating so
// that a query window crossing a recurrence boundary sees contiguous
// coverage (spec.md §8 "Recurring daily profile crossing midnight UTC must
// yield contiguous periods across the boundary without gaps").
func recurrenceShifts(p ocpptype.ChargingProfile) []time.Duration {
	if p.Kind != ocpptype.KindRecurring {
		return []time.Duration{0}
	}
	cycle := 24 * time.Hour
	if derefRecurrency(p.Recurrency) == ocpptype.RecurrencyWeekly {
		cycle = 7 * 24 * time.Hour
	}
	return []time.Duration{-cycle, 0, cycle}
}

func intersect(s1, e1, s2, e2 time.Time) (time.Time, time.Time) {
	start := s1
	if s2.After(start) {
		start = s2
	}
	end := e1
	if e2.Before(end) {
		end = e2
	}
	return start, end
}

// toUnit converts limit from p.unit to target, per spec.md §4.F "Unit
// conversion".
func toUnit(limit float64, from, target ocpptype.ChargingRateUnit, numberPhases *int) float64 {
	if from == target {
		return limit
	}
	phases := defaultNumberPhases
	if numberPhases != nil {
		phases = *numberPhases
	}
	switch {
	case from == ocpptype.UnitAmps && target == ocpptype.UnitWatts:
		return limit * float64(phases) * voltage
	case from == ocpptype.UnitWatts && target == ocpptype.UnitAmps:
		return limit / (float64(phases) * voltage)
	}
	return limit
}

// breakpoints collects every distinct instant at which the merge result may
// change: every expanded period's start and end, plus the window bounds.
func breakpoints(periods []expandedPeriod, windowStart, windowEnd time.Time) []time.Time {
	set := map[int64]time.Time{windowStart.UnixNano(): windowStart, windowEnd.UnixNano(): windowEnd}
	for _, p := range periods {
		if !p.start.Before(windowStart) && !p.start.After(windowEnd) {
			set[p.start.UnixNano()] = p.start
		}
		if !p.end.Before(windowStart) && !p.end.After(windowEnd) {
			set[p.end.UnixNano()] = p.end
		}
	}
	out := make([]time.Time, 0, len(set))
	for _, t := range set {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

// winner picks the effective limit among candidates covering instant t,
// per spec.md §4.F "highest stack_level ... ties broken by
// most-recently-inserted".
func winner(candidates []expandedPeriod) (expandedPeriod, bool) {
	var best expandedPeriod
	found := false
	for _, c := range candidates {
		if !found || c.stackLevel > best.stackLevel ||
			(c.stackLevel == best.stackLevel && c.insertOrder > best.insertOrder) {
			best = c
			found = true
		}
	}
	return best, found
}

// CompositeSchedule is the canonicalized output of spec.md §4.F.
type CompositeSchedule struct {
	RateUnit      ocpptype.ChargingRateUnit
	StartSchedule time.Time
	DurationS     int
	Periods       []ocpptype.SchedulePeriod
}

// Compute produces the composite schedule for [start, end) on connectorID,
// per spec.md §4.F in full: validity filtering, expansion, stack-level
// merge, ChargePointMax capping, unit conversion, and canonicalization.
func (c *Composer) Compute(start, end time.Time, connectorID int, preferredUnit ocpptype.ChargingRateUnit, activeTx *ActiveTransaction) (CompositeSchedule, error) {
	profiles, err := c.st.ListChargingProfiles(connectorID)
	if err != nil {
		return CompositeSchedule{}, err
	}
	unit := preferredUnit
	if unit == "" {
		unit = ocpptype.UnitWatts
	}

	var stackable []expandedPeriod // Tx + TxDefault
	var capPeriods []expandedPeriod // ChargePointMax
	for _, p := range profiles {
		if p.ValidTo != nil && p.ValidTo.Time.Before(start) {
			continue
		}
		if p.ValidFrom != nil && p.ValidFrom.Time.After(end) {
			continue
		}
		if p.Purpose == ocpptype.PurposeTx && (activeTx == nil || p.TransactionID == nil || *p.TransactionID != activeTx.TransactionID) {
			continue
		}
		order := c.insertOrder[p.ProfileID]
		exp := expand(p, start, end, activeTx, order)
		for i := range exp {
			exp[i].limit = toUnit(exp[i].limit, exp[i].unit, unit, exp[i].numberPhases)
			exp[i].unit = unit
		}
		if p.Purpose == ocpptype.PurposeChargePointMax {
			capPeriods = append(capPeriods, exp...)
		} else {
			stackable = append(stackable, exp...)
		}
	}

	bps := breakpoints(append(append([]expandedPeriod{}, stackable...), capPeriods...), start, end)
	if len(bps) < 2 {
		bps = []time.Time{start, end}
	}

	var out []ocpptype.SchedulePeriod
	var lastLimit float64
	var lastPhases *int
	first := true
	for i := 0; i+1 < len(bps); i++ {
		segStart, segEnd := bps[i], bps[i+1]
		if !segStart.Before(segEnd) {
			continue
		}
		mid := segStart.Add(segEnd.Sub(segStart) / 2)

		var covering []expandedPeriod
		for _, p := range stackable {
			if !p.start.After(mid) && p.end.After(mid) {
				covering = append(covering, p)
			}
		}
		limit := 0.0
		var phases *int
		if w, ok := winner(covering); ok {
			limit = w.limit
			phases = w.numberPhases
		}
		for _, cap := range capPeriods {
			if !cap.start.After(mid) && cap.end.After(mid) {
				if limit > cap.limit {
					limit = cap.limit
				}
			}
		}

		if !first && limit == lastLimit && phasesEqual(phases, lastPhases) {
			continue // canonicalize: merge adjacent equal segments
		}
		out = append(out, ocpptype.SchedulePeriod{
			StartOffsetS: int(segStart.Sub(start).Seconds()),
			Limit:        limit,
			NumberPhases: phases,
		})
		lastLimit, lastPhases, first = limit, phases, false
	}

	if len(out) == 0 {
		out = []ocpptype.SchedulePeriod{{StartOffsetS: 0, Limit: 0.0}}
	}

	return CompositeSchedule{
		RateUnit:      unit,
		StartSchedule: start,
		DurationS:     int(end.Sub(start).Seconds()),
		Periods:       out,
	}, nil
}

func phasesEqual(a, b *int) bool {
	if a == nil && b == nil {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	return *a == *b
}
