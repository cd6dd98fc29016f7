package devicemodel

import (
	"testing"

	"github.com/stretchr/testify/require"

	"chargepoint/internal/ocpptype"
	"chargepoint/internal/store"
)

func openModel(t *testing.T) *Model {
	t.Helper()
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return New(st)
}

func TestSetVariableAttributeValue_RejectsUnknownVariable(t *testing.T) {
	m := openModel(t)
	err := m.SetVariableAttributeValue("OCPPCommCtrlr", "HeartbeatInterval", AttrActual, "30", ocpptype.SourceCSMS)
	require.ErrorIs(t, err, ErrUnknownVariable)
}

func TestSetVariableAttributeValue_ValidatesDataType(t *testing.T) {
	m := openModel(t)
	require.NoError(t, m.Register(Descriptor{
		Component: "OCPPCommCtrlr", Variable: "HeartbeatInterval", DataType: TypeInteger, Mutable: true,
	}))

	err := m.SetVariableAttributeValue("OCPPCommCtrlr", "HeartbeatInterval", AttrActual, "not-a-number", ocpptype.SourceCSMS)
	var verr *ErrValidation
	require.ErrorAs(t, err, &verr)

	require.NoError(t, m.SetVariableAttributeValue("OCPPCommCtrlr", "HeartbeatInterval", AttrActual, "60", ocpptype.SourceCSMS))
	v, ok, err := m.GetVariableAttribute("OCPPCommCtrlr", "HeartbeatInterval", AttrActual)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "60", v)
}

func TestSetVariableAttributeValue_RejectsReadOnlyFromCSMS(t *testing.T) {
	m := openModel(t)
	require.NoError(t, m.Register(Descriptor{
		Component: "ChargingStation", Variable: "SerialNumber", DataType: TypeString, Mutable: false,
	}))
	require.NoError(t, m.SetVariableAttributeValue("ChargingStation", "SerialNumber", AttrActual, "SN-1", ocpptype.SourceInternal))

	err := m.SetVariableAttributeValue("ChargingStation", "SerialNumber", AttrActual, "SN-2", ocpptype.SourceCSMS)
	var verr *ErrValidation
	require.ErrorAs(t, err, &verr)
}

func TestSetVariableAttributeValue_EnforcesValuesList(t *testing.T) {
	m := openModel(t)
	require.NoError(t, m.Register(Descriptor{
		Component: "TxCtrlr", Variable: "TxStartPoint", DataType: TypeMemberList,
		ValuesList: []string{"PowerPathClosed", "EVConnected"}, Mutable: true,
	}))

	err := m.SetVariableAttributeValue("TxCtrlr", "TxStartPoint", AttrActual, "Unknown", ocpptype.SourceCSMS)
	require.Error(t, err)

	require.NoError(t, m.SetVariableAttributeValue("TxCtrlr", "TxStartPoint", AttrActual, "EVConnected", ocpptype.SourceCSMS))
}

func TestSetVariableAttributeValue_NotifiesSubscribers(t *testing.T) {
	m := openModel(t)
	require.NoError(t, m.Register(Descriptor{
		Component: "OCPPCommCtrlr", Variable: "HeartbeatInterval", DataType: TypeInteger, Mutable: true,
	}))

	var seen []string
	m.Subscribe(func(component, variable string, attr Attribute, value string, source ocpptype.AttributeSource) {
		seen = append(seen, component+"/"+variable+"="+value)
	})
	require.NoError(t, m.SetVariableAttributeValue("OCPPCommCtrlr", "HeartbeatInterval", AttrActual, "45", ocpptype.SourceCSMS))
	require.Equal(t, []string{"OCPPCommCtrlr/HeartbeatInterval=45"}, seen)
}

func TestGetDeviceModel_ListsRegisteredVariablesWithValues(t *testing.T) {
	m := openModel(t)
	require.NoError(t, m.Register(Descriptor{Component: "A", Variable: "X", DataType: TypeString, Mutable: true}))
	require.NoError(t, m.Register(Descriptor{Component: "B", Variable: "Y", DataType: TypeString, Mutable: true}))
	require.NoError(t, m.SetVariableAttributeValue("A", "X", AttrActual, "hello", ocpptype.SourceCSMS))

	vars := m.GetDeviceModel()
	require.Len(t, vars, 2)
	for _, v := range vars {
		if v.Component == "A" && v.Variable == "X" {
			require.Equal(t, "hello", v.Values[AttrActual].Value)
		}
	}
}

func TestMonitoring_SetGetClear(t *testing.T) {
	m := openModel(t)
	id := m.SetMonitoringData(Monitor{Component: "EVSE", Variable: "Power", Kind: MonitorUpperThreshold, Value: 22000})
	require.NotZero(t, id)

	got := m.GetMonitoringData(Monitor{Component: "EVSE"})
	require.Len(t, got, 1)
	require.Equal(t, id, got[0].ID)

	require.True(t, m.ClearVariableMonitor(id))
	require.False(t, m.ClearVariableMonitor(id))
}
