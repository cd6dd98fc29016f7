// Package simulate is a fake-hardware driver for demo and integration use:
// it drives a transaction.Machine the way real connector hardware would,
// generating plausible session lifecycles and meter samples with
// github.com/go-faker/faker/v4 instead of reading a real meter, grounded
// on the teacher's charging_scenario.go remote-scenario loop.
package simulate

import (
	"context"
	"math/rand"
	"time"

	"github.com/go-faker/faker/v4"
	"github.com/sirupsen/logrus"

	"chargepoint/internal/ocpptype"
	"chargepoint/internal/transaction"
)

// Driver runs one fake EVSE's session lifecycle against a transaction
// state machine, standing in for the "hardware sensors/actuators" external
// collaborator of spec.md §1.
type Driver struct {
	EVSEID      int
	ConnectorID int
	Machine     *transaction.Machine
	Log         *logrus.Entry

	SampleInterval time.Duration

	energyWh float64
}

// New builds a Driver for one EVSE/connector pair.
func New(machine *transaction.Machine, evseID, connectorID int, log *logrus.Entry) *Driver {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Driver{
		EVSEID:         evseID,
		ConnectorID:    connectorID,
		Machine:        machine,
		Log:            log,
		SampleInterval: 60 * time.Second,
	}
}

// RunSession drives one full plug-in-to-unplug cycle: cable connect,
// authorization, charging with periodic meter samples, and a randomized
// stop. It blocks until ctx is cancelled or the session ends naturally.
func (d *Driver) RunSession(ctx context.Context, idTag string, durationCap time.Duration) error {
	d.Machine.OnSessionStarted(d.EVSEID, d.ConnectorID)

	idToken := &ocpptype.IdToken{IdToken: idTag, Type: "ISO14443"}
	txID, err := d.Machine.OnTransactionStarted(d.EVSEID, d.ConnectorID, idToken, nil, nil)
	if err != nil {
		return err
	}
	d.Log.WithFields(logrus.Fields{
		"evse_id":        d.EVSEID,
		"connector_id":   d.ConnectorID,
		"transaction_id": txID,
	}).Info("simulated vehicle plugged in, charging session started")

	deadline := time.Now().Add(durationCap)
	ticker := time.NewTicker(d.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return d.stop(txID, "Local")
		case <-ticker.C:
			if err := d.sample(txID); err != nil {
				d.Log.WithError(err).Warn("simulated meter sample failed")
			}
			if time.Now().After(deadline) || d.randomEarlyStop() {
				return d.stop(txID, "EVDisconnected")
			}
		}
	}
}

func (d *Driver) sample(txID string) error {
	powerW, voltageV, currentA := fakePAV()
	d.energyWh += powerW * d.SampleInterval.Hours()

	now := ocpptype.Now()
	samples := []ocpptype.MeterSample{
		{Timestamp: now, Measurand: "Energy.Active.Import.Register", Value: d.energyWh, Unit: "Wh", Context: "Sample.Periodic"},
		{Timestamp: now, Measurand: "Power.Active.Import", Value: powerW, Unit: "W", Context: "Sample.Periodic"},
		{Timestamp: now, Measurand: "Voltage", Value: voltageV, Unit: "V", Context: "Sample.Periodic"},
		{Timestamp: now, Measurand: "Current.Import", Value: currentA, Unit: "A", Context: "Sample.Periodic"},
	}
	for _, s := range samples {
		if err := d.Machine.OnMeterValue(d.EVSEID, s); err != nil {
			return err
		}
	}
	return nil
}

func (d *Driver) stop(txID, reason string) error {
	if err := d.Machine.OnTransactionFinished(d.EVSEID, reason); err != nil {
		return err
	}
	d.Log.WithFields(logrus.Fields{
		"evse_id":        d.EVSEID,
		"transaction_id": txID,
		"reason":         reason,
	}).Info("simulated vehicle unplugged, charging session ended")
	d.Machine.OnSessionFinished(d.EVSEID)
	return nil
}

func (d *Driver) randomEarlyStop() bool {
	return rand.Intn(200) == 0
}

// fakePAV generates a plausible (power watts, voltage volts, current amps)
// triple the way a Level 2 or DC fast charger would report it.
func fakePAV() (power, voltage, current float64) {
	tier := rand.Intn(3)
	switch tier {
	case 0:
		voltage = float64(fakeInt(110, 130))
		current = float64(fakeInt(1, 12))
	case 1:
		voltage = float64(fakeInt(208, 240))
		current = float64(fakeInt(16, 80))
	default:
		voltage = float64(fakeInt(380, 800))
		current = float64(fakeInt(80, 500))
	}
	power = voltage * current
	return
}

func fakeInt(min, max int) int {
	v, err := faker.RandomInt(min, max, 1)
	if err != nil || len(v) == 0 {
		return min
	}
	return v[0]
}
