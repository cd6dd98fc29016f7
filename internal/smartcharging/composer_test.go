package smartcharging

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chargepoint/internal/ocpptype"
)

type fakeStore struct {
	profiles []ocpptype.ChargingProfile
}

func (f *fakeStore) ListChargingProfiles(connectorID int) ([]ocpptype.ChargingProfile, error) {
	return f.profiles, nil
}

func dt(t time.Time) *ocpptype.DateTime { d := ocpptype.NewDateTime(t); return &d }

func TestCompute_StackLevelMergeHighestWins(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	low := ocpptype.ChargingProfile{
		ProfileID: 1, StackLevel: 0, Purpose: ocpptype.PurposeTxDefault, Kind: ocpptype.KindAbsolute,
		Schedule: ocpptype.ChargingSchedule{RateUnit: ocpptype.UnitWatts, StartSchedule: dt(base), Periods: []ocpptype.SchedulePeriod{{StartOffsetS: 0, Limit: 11000}}},
	}
	high := ocpptype.ChargingProfile{
		ProfileID: 2, StackLevel: 5, Purpose: ocpptype.PurposeTxDefault, Kind: ocpptype.KindAbsolute,
		Schedule: ocpptype.ChargingSchedule{RateUnit: ocpptype.UnitWatts, StartSchedule: dt(base), Periods: []ocpptype.SchedulePeriod{{StartOffsetS: 0, Limit: 22000}}},
	}
	st := &fakeStore{profiles: []ocpptype.ChargingProfile{low, high}}
	c := New(st)

	out, err := c.Compute(base, base.Add(time.Hour), 1, ocpptype.UnitWatts, nil)
	require.NoError(t, err)
	require.Len(t, out.Periods, 1)
	require.Equal(t, 22000.0, out.Periods[0].Limit)
}

func TestCompute_TieBrokenByMostRecentlyInserted(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a := ocpptype.ChargingProfile{
		ProfileID: 1, StackLevel: 3, Purpose: ocpptype.PurposeTxDefault, Kind: ocpptype.KindAbsolute,
		Schedule: ocpptype.ChargingSchedule{RateUnit: ocpptype.UnitWatts, StartSchedule: dt(base), Periods: []ocpptype.SchedulePeriod{{StartOffsetS: 0, Limit: 11000}}},
	}
	b := ocpptype.ChargingProfile{
		ProfileID: 2, StackLevel: 3, Purpose: ocpptype.PurposeTxDefault, Kind: ocpptype.KindAbsolute,
		Schedule: ocpptype.ChargingSchedule{RateUnit: ocpptype.UnitWatts, StartSchedule: dt(base), Periods: []ocpptype.SchedulePeriod{{StartOffsetS: 0, Limit: 16000}}},
	}
	st := &fakeStore{profiles: []ocpptype.ChargingProfile{a, b}}
	c := New(st)
	c.NoteInserted(a.ProfileID)
	c.NoteInserted(b.ProfileID) // b inserted later, should win the tie

	out, err := c.Compute(base, base.Add(time.Hour), 1, ocpptype.UnitWatts, nil)
	require.NoError(t, err)
	require.Equal(t, 16000.0, out.Periods[0].Limit)
}

func TestCompute_ChargePointMaxCaps(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tx := ocpptype.ChargingProfile{
		ProfileID: 1, StackLevel: 0, Purpose: ocpptype.PurposeTxDefault, Kind: ocpptype.KindAbsolute,
		Schedule: ocpptype.ChargingSchedule{RateUnit: ocpptype.UnitWatts, StartSchedule: dt(base), Periods: []ocpptype.SchedulePeriod{{StartOffsetS: 0, Limit: 50000}}},
	}
	cap := ocpptype.ChargingProfile{
		ProfileID: 2, StackLevel: 0, Purpose: ocpptype.PurposeChargePointMax, Kind: ocpptype.KindAbsolute,
		Schedule: ocpptype.ChargingSchedule{RateUnit: ocpptype.UnitWatts, StartSchedule: dt(base), Periods: []ocpptype.SchedulePeriod{{StartOffsetS: 0, Limit: 20000}}},
	}
	st := &fakeStore{profiles: []ocpptype.ChargingProfile{tx, cap}}
	c := New(st)

	out, err := c.Compute(base, base.Add(time.Hour), 1, ocpptype.UnitWatts, nil)
	require.NoError(t, err)
	require.Equal(t, 20000.0, out.Periods[0].Limit)
}

func TestCompute_TxProfileFiltersOnActiveTransaction(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	txID := "tx-1"
	txProfile := ocpptype.ChargingProfile{
		ProfileID: 1, StackLevel: 0, Purpose: ocpptype.PurposeTx, Kind: ocpptype.KindAbsolute,
		TransactionID: &txID,
		Schedule:      ocpptype.ChargingSchedule{RateUnit: ocpptype.UnitWatts, StartSchedule: dt(base), Periods: []ocpptype.SchedulePeriod{{StartOffsetS: 0, Limit: 30000}}},
	}
	st := &fakeStore{profiles: []ocpptype.ChargingProfile{txProfile}}
	c := New(st)

	outNoTx, err := c.Compute(base, base.Add(time.Hour), 1, ocpptype.UnitWatts, nil)
	require.NoError(t, err)
	require.Equal(t, 0.0, outNoTx.Periods[0].Limit)

	outWithTx, err := c.Compute(base, base.Add(time.Hour), 1, ocpptype.UnitWatts, &ActiveTransaction{TransactionID: txID, ConnectorID: 1, StartTime: base})
	require.NoError(t, err)
	require.Equal(t, 30000.0, outWithTx.Periods[0].Limit)
}

func TestCompute_RecurringDailyCrossesMidnightContiguously(t *testing.T) {
	anchorDay := time.Date(2026, 1, 1, 22, 0, 0, 0, time.UTC)
	recurring := ocpptype.ChargingProfile{
		ProfileID: 1, StackLevel: 0, Purpose: ocpptype.PurposeTxDefault, Kind: ocpptype.KindRecurring,
		Schedule: ocpptype.ChargingSchedule{
			RateUnit: ocpptype.UnitWatts, StartSchedule: dt(anchorDay),
			Periods: []ocpptype.SchedulePeriod{
				{StartOffsetS: 0, Limit: 7000},
				{StartOffsetS: 4 * 3600, Limit: 11000}, // 02:00 the next day
			},
		},
	}
	st := &fakeStore{profiles: []ocpptype.ChargingProfile{recurring}}
	c := New(st)

	windowStart := time.Date(2026, 1, 2, 23, 0, 0, 0, time.UTC)
	windowEnd := windowStart.Add(3 * time.Hour) // crosses midnight of Jan 3
	out, err := c.Compute(windowStart, windowEnd, 1, ocpptype.UnitWatts, nil)
	require.NoError(t, err)
	require.NotEmpty(t, out.Periods)

	total := 0
	for i, p := range out.Periods {
		end := int(windowEnd.Sub(windowStart).Seconds())
		if i+1 < len(out.Periods) {
			end = out.Periods[i+1].StartOffsetS
		}
		total += end - p.StartOffsetS
	}
	require.Equal(t, int(windowEnd.Sub(windowStart).Seconds()), total)
}

func TestCompute_UnitConversionAmpsToWatts(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	phases := 3
	p := ocpptype.ChargingProfile{
		ProfileID: 1, StackLevel: 0, Purpose: ocpptype.PurposeTxDefault, Kind: ocpptype.KindAbsolute,
		Schedule: ocpptype.ChargingSchedule{
			RateUnit: ocpptype.UnitAmps, StartSchedule: dt(base),
			Periods: []ocpptype.SchedulePeriod{{StartOffsetS: 0, Limit: 16, NumberPhases: &phases}},
		},
	}
	st := &fakeStore{profiles: []ocpptype.ChargingProfile{p}}
	c := New(st)

	out, err := c.Compute(base, base.Add(time.Hour), 1, ocpptype.UnitWatts, nil)
	require.NoError(t, err)
	require.Equal(t, 16*3*230.0, out.Periods[0].Limit)
}
