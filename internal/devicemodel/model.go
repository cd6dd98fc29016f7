// Package devicemodel implements the Device Model of spec.md §4.E: a typed
// store of (Component, Variable, Attribute) -> value tuples with DataType /
// ValuesList validation and change notification to subscribers.
//
// Grounded on original_source/include/ocpp/v201/device_model_storage_sqlite.hpp
// for the (Component, Variable, Attribute) addressing scheme and on the
// teacher's configurations_handler.go for the "known-keys, reject unknown,
// persist on accept" shape it already implements by hand against a flat
// string-keyed table.
package devicemodel

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/go-playground/validator/v10"
	log "github.com/sirupsen/logrus"

	"chargepoint/internal/ocpptype"
	"chargepoint/internal/store"
)

// DataType is the OCPP 2.0.1 VariableCharacteristics.dataType (spec.md §4.E
// "Rejects sets that violate the variable's declared DataType").
type DataType string

const (
	TypeString      DataType = "string"
	TypeDecimal     DataType = "decimal"
	TypeInteger     DataType = "integer"
	TypeDateTime    DataType = "dateTime"
	TypeBoolean     DataType = "boolean"
	TypeOptionList  DataType = "OptionList"
	TypeSequenceList DataType = "SequenceList"
	TypeMemberList  DataType = "MemberList"
)

// Attribute is the attribute type (Actual, Target, MinSet, MaxSet) under
// which a variable's value is stored; who wrote the value is recorded
// separately as an ocpptype.AttributeSource (spec.md §4.E).
type Attribute string

const (
	AttrActual Attribute = "Actual"
	AttrTarget Attribute = "Target"
	AttrMinSet Attribute = "MinSet"
	AttrMaxSet Attribute = "MaxSet"
)

// Descriptor declares a variable's shape: its DataType and, for
// OptionList/MemberList variables, the closed ValuesList it must satisfy.
type Descriptor struct {
	Component  string
	Variable   string
	DataType   DataType   `validate:"required"`
	ValuesList []string   // non-empty only for OptionList/SequenceList/MemberList
	Mutable    bool       // false for read-only (Internal-source-only) variables
}

// key identifies one (component, variable, attribute) tuple.
type key struct {
	component string
	variable  string
	attr      Attribute
}

// Variable is one row of GetDeviceModel's full dump.
type Variable struct {
	Component string                    `json:"component"`
	Variable  string                    `json:"variable"`
	Values    map[Attribute]StoredValue `json:"values"`
}

// StoredValue pairs a raw string value with the source that last wrote it.
type StoredValue struct {
	Value  string                  `json:"value"`
	Source ocpptype.AttributeSource `json:"source"`
}

// MonitorKind distinguishes the OCPP 2.0.1 variable monitor types.
type MonitorKind string

const (
	MonitorUpperThreshold MonitorKind = "UpperThreshold"
	MonitorLowerThreshold MonitorKind = "LowerThreshold"
	MonitorDelta          MonitorKind = "Delta"
	MonitorPeriodic       MonitorKind = "Periodic"
)

// Monitor is one registered VariableMonitoring entry (spec.md §4.E
// set_monitoring_data / get_monitoring_data / clear_variable_monitor).
type Monitor struct {
	ID        int         `json:"id"`
	Component string      `json:"component"`
	Variable  string      `json:"variable"`
	Kind      MonitorKind `json:"kind"`
	Value     float64     `json:"value"`
	Severity  int         `json:"severity"`
}

// Subscriber receives a notification after every successful set of any
// attribute of a variable (spec.md §4.E "Emits change notifications to
// subscribers").
type Subscriber func(component, variable string, attr Attribute, value string, source ocpptype.AttributeSource)

// ErrUnknownVariable is returned by Get/Set for an (component,variable) pair
// with no registered Descriptor.
var ErrUnknownVariable = fmt.Errorf("devicemodel: unknown component/variable")

// ErrValidation is returned when a set value fails its Descriptor's
// DataType or ValuesList constraint.
type ErrValidation struct {
	Component, Variable, Value string
	Reason                     string
}

func (e *ErrValidation) Error() string {
	return fmt.Sprintf("devicemodel: %s/%s = %q rejected: %s", e.Component, e.Variable, e.Value, e.Reason)
}

// Model is the in-memory, store-backed device model.
type Model struct {
	mu sync.RWMutex

	st       *store.Store
	validate *validator.Validate
	log      *log.Entry

	descriptors map[string]Descriptor // "component/variable" -> Descriptor
	values      map[key]StoredValue
	monitors    map[int]Monitor
	nextMonitor int

	subscribers []Subscriber
}

func descKey(component, variable string) string { return component + "/" + variable }

// New constructs a Model. Descriptors must be registered with Register
// before the corresponding variable can be set or read.
func New(st *store.Store) *Model {
	return &Model{
		st:          st,
		validate:    validator.New(),
		log:         log.WithField("component", "devicemodel"),
		descriptors: make(map[string]Descriptor),
		values:      make(map[key]StoredValue),
		monitors:    make(map[int]Monitor),
	}
}

// Register declares a variable's shape. Call during boot wiring before any
// Get/Set against it.
func (m *Model) Register(d Descriptor) error {
	if err := m.validate.Struct(d); err != nil {
		return fmt.Errorf("devicemodel: invalid descriptor for %s/%s: %w", d.Component, d.Variable, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.descriptors[descKey(d.Component, d.Variable)] = d
	return nil
}

// Subscribe registers fn to be called on every successful SetVariableAttributeValue.
func (m *Model) Subscribe(fn Subscriber) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers = append(m.subscribers, fn)
}

// GetVariableAttribute returns the stored value for (component, variable,
// attr), or ("", false, nil) if never set.
func (m *Model) GetVariableAttribute(component, variable string, attr Attribute) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.descriptors[descKey(component, variable)]; !ok {
		return "", false, ErrUnknownVariable
	}
	v, ok := m.values[key{component, variable, attr}]
	return v.Value, ok, nil
}

// SetVariableAttributeValue validates value against the variable's
// Descriptor and, if valid, stores it and notifies subscribers (spec.md
// §4.E). source identifies who is writing (CSMS, Actual from hardware,
// Default, or Internal).
func (m *Model) SetVariableAttributeValue(component, variable string, attr Attribute, value string, source ocpptype.AttributeSource) error {
	m.mu.Lock()
	d, ok := m.descriptors[descKey(component, variable)]
	if !ok {
		m.mu.Unlock()
		return ErrUnknownVariable
	}
	if !d.Mutable && source == ocpptype.SourceCSMS {
		m.mu.Unlock()
		return &ErrValidation{Component: component, Variable: variable, Value: value, Reason: "read-only variable"}
	}
	if err := validateValue(d, value); err != nil {
		m.mu.Unlock()
		return err
	}
	m.values[key{component, variable, attr}] = StoredValue{Value: value, Source: source}
	subs := append([]Subscriber{}, m.subscribers...)
	m.mu.Unlock()

	if m.st != nil {
		if err := m.st.SetVariableAttribute(component, variable, string(attr), value, string(source)); err != nil {
			m.log.WithError(err).Warn("failed to persist variable attribute")
		}
	}
	for _, fn := range subs {
		fn(component, variable, attr, value, source)
	}
	return nil
}

func validateValue(d Descriptor, value string) error {
	switch d.DataType {
	case TypeInteger:
		if _, err := strconv.Atoi(value); err != nil {
			return &ErrValidation{Component: d.Component, Variable: d.Variable, Value: value, Reason: "not an integer"}
		}
	case TypeDecimal:
		if _, err := strconv.ParseFloat(value, 64); err != nil {
			return &ErrValidation{Component: d.Component, Variable: d.Variable, Value: value, Reason: "not a decimal"}
		}
	case TypeBoolean:
		if _, err := strconv.ParseBool(value); err != nil {
			return &ErrValidation{Component: d.Component, Variable: d.Variable, Value: value, Reason: "not a boolean"}
		}
	case TypeOptionList, TypeMemberList, TypeSequenceList:
		if len(d.ValuesList) == 0 {
			break
		}
		if !inList(d.ValuesList, value) {
			return &ErrValidation{Component: d.Component, Variable: d.Variable, Value: value, Reason: "not in ValuesList"}
		}
	}
	return nil
}

func inList(list []string, v string) bool {
	for _, c := range list {
		if c == v {
			return true
		}
	}
	return false
}

// GetDeviceModel returns a full dump of every registered variable and its
// known attributes (spec.md §4.E).
func (m *Model) GetDeviceModel() []Variable {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byVar := make(map[string]*Variable)
	var order []string
	for dk, d := range m.descriptors {
		byVar[dk] = &Variable{Component: d.Component, Variable: d.Variable, Values: make(map[Attribute]StoredValue)}
		order = append(order, dk)
	}
	for k, v := range m.values {
		dk := descKey(k.component, k.variable)
		if entry, ok := byVar[dk]; ok {
			entry.Values[k.attr] = v
		}
	}
	out := make([]Variable, 0, len(order))
	for _, dk := range order {
		out = append(out, *byVar[dk])
	}
	return out
}

// SetMonitoringData registers mon, assigning it an ID if mon.ID == 0, and
// returns the ID assigned (spec.md §4.E).
func (m *Model) SetMonitoringData(mon Monitor) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mon.ID == 0 {
		m.nextMonitor++
		mon.ID = m.nextMonitor
	}
	m.monitors[mon.ID] = mon
	return mon.ID
}

// GetMonitoringData returns every monitor whose (component, variable)
// matches the non-empty fields of criteria.
func (m *Model) GetMonitoringData(criteria Monitor) []Monitor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Monitor
	for _, mon := range m.monitors {
		if criteria.Component != "" && mon.Component != criteria.Component {
			continue
		}
		if criteria.Variable != "" && mon.Variable != criteria.Variable {
			continue
		}
		out = append(out, mon)
	}
	return out
}

// ClearVariableMonitor removes the monitor with the given id; it reports
// whether one was present.
func (m *Model) ClearVariableMonitor(id int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.monitors[id]; !ok {
		return false
	}
	delete(m.monitors, id)
	return true
}
