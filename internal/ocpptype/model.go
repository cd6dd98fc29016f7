package ocpptype

// Connector is a physical plug within an EVSE, addressed from 1 (spec §3).
type Connector struct {
	ConnectorID int               `json:"connectorId"`
	Status      OperationalStatus `json:"status"`
}

// EVSE is one charging point on the station; it may expose several
// connectors (spec §3, GLOSSARY).
type EVSE struct {
	EVSEID     int               `json:"evseId"`
	Status     OperationalStatus `json:"status"`
	Connectors []Connector       `json:"connectors"`
}

// IdToken identifies a driver credential presented at a connector.
type IdToken struct {
	IdToken string `json:"idToken" validate:"required,max=36"`
	Type    string `json:"type" validate:"required"`
}

// IdTokenInfo is the cached/authorization-list value for an IdToken (spec §3).
type IdTokenInfo struct {
	Status       AuthorizationStatus `json:"status"`
	Expiry       *DateTime           `json:"expiry,omitempty"`
	GroupIdToken *IdToken            `json:"groupIdToken,omitempty"`
	LastUsed     DateTime            `json:"lastUsed"`
}

// Transaction is a charging session billable event (spec §3).
type Transaction struct {
	TransactionID                string         `json:"transactionId"`
	EVSEID                       int            `json:"evseId"`
	ConnectorID                  int            `json:"connectorId"`
	StartTime                    DateTime       `json:"startTime"`
	IdToken                      *IdToken       `json:"idToken,omitempty"`
	GroupIdToken                 *IdToken       `json:"groupIdToken,omitempty"`
	ReservationID                *int           `json:"reservationId,omitempty"`
	ChargingState                ChargingState  `json:"chargingState"`
	SeqNo                        int            `json:"seqNo"`
	ActiveEnergyImportStartValue float64        `json:"activeEnergyImportStartValue"`
	StoppedReason                *string        `json:"stoppedReason,omitempty"`
	EndedAcked                   bool           `json:"endedAcked"`
}

// SchedulePeriod is one segment of a ChargingSchedule (spec §3).
type SchedulePeriod struct {
	StartOffsetS   int      `json:"startOffsetS"`
	Limit          float64  `json:"limit"`
	NumberPhases   *int     `json:"numberPhases,omitempty"`
}

// ChargingSchedule is the limit timeline carried by a ChargingProfile (spec §3).
type ChargingSchedule struct {
	RateUnit         ChargingRateUnit `json:"rateUnit" validate:"required,oneof=A W"`
	DurationS        *int             `json:"durationS,omitempty"`
	StartSchedule    *DateTime        `json:"startSchedule,omitempty"`
	MinChargingRate  *float64         `json:"minChargingRate,omitempty"`
	Periods          []SchedulePeriod `json:"chargingSchedulePeriod" validate:"required,min=1"`
}

// ChargingProfile is a stack entry consumed by the Smart Charging Composer
// (spec §3, §4.F).
type ChargingProfile struct {
	ProfileID     int                     `json:"profileId"`
	StackLevel    int                     `json:"stackLevel" validate:"min=0"`
	Purpose       ChargingProfilePurpose  `json:"purpose"`
	Kind          ChargingProfileKind     `json:"kind"`
	Recurrency    *RecurrencyKind         `json:"recurrencyKind,omitempty"`
	ValidFrom     *DateTime               `json:"validFrom,omitempty"`
	ValidTo       *DateTime               `json:"validTo,omitempty"`
	TransactionID *string                 `json:"transactionId,omitempty"`
	ConnectorID   int                     `json:"connectorId"`
	Schedule      ChargingSchedule        `json:"chargingSchedule"`
}

// MeterSample is one measurand reading, flattened from an OCPP MeterValue
// SampledValue for storage (spec §3, §4.A).
type MeterSample struct {
	Timestamp DateTime `json:"timestamp"`
	Measurand string   `json:"measurand"`
	Value     float64  `json:"value"`
	Unit      string   `json:"unit"`
	Phase     string   `json:"phase,omitempty"`
	Context   string   `json:"context,omitempty"`
}

// QueuedMessage is one entry in the persisted outbound FIFO (spec §3, §4.D).
type QueuedMessage struct {
	MessageType      int       `json:"messageType"` // 2 = Call
	UniqueID         string    `json:"uniqueId"`
	Action           string    `json:"action"`
	Payload          []byte    `json:"payload"`
	Attempts         int       `json:"attempts"`
	FirstEnqueuedAt  DateTime  `json:"firstEnqueuedAt"`
	TransactionID    *string   `json:"transactionId,omitempty"`
	Tier             Tier      `json:"tier"`
}

// Tier is the message-queue priority class of spec §4.D.
type Tier int

const (
	TierTransactional Tier = iota
	TierNormal
	TierVolatile
)
