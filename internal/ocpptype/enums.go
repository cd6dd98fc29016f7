package ocpptype

// OperationalStatus is persisted for the station, each EVSE, and each
// connector (spec §3).
type OperationalStatus string

const (
	Operative   OperationalStatus = "Operative"
	Inoperative OperationalStatus = "Inoperative"
)

// ChargingState is the current state of an active transaction (spec §3).
type ChargingState string

const (
	ChargingStateCharging      ChargingState = "Charging"
	ChargingStateEVConnected   ChargingState = "EVConnected"
	ChargingStateSuspendedEV   ChargingState = "SuspendedEV"
	ChargingStateSuspendedEVSE ChargingState = "SuspendedEVSE"
	ChargingStateIdle          ChargingState = "Idle"
)

// ChargingProfilePurpose distinguishes the three profile scopes (spec §3).
type ChargingProfilePurpose string

const (
	PurposeChargePointMax ChargingProfilePurpose = "ChargePointMax"
	PurposeTxDefault      ChargingProfilePurpose = "TxDefault"
	PurposeTx             ChargingProfilePurpose = "Tx"
)

// ChargingProfileKind is the profile's time anchoring mode (spec §3).
type ChargingProfileKind string

const (
	KindAbsolute  ChargingProfileKind = "Absolute"
	KindRelative  ChargingProfileKind = "Relative"
	KindRecurring ChargingProfileKind = "Recurring"
)

// RecurrencyKind applies only to Recurring profiles (spec §3).
type RecurrencyKind string

const (
	RecurrencyDaily  RecurrencyKind = "Daily"
	RecurrencyWeekly RecurrencyKind = "Weekly"
)

// ChargingRateUnit is the unit a ChargingSchedule's limits are expressed in
// (spec §3, §4.F).
type ChargingRateUnit string

const (
	UnitAmps  ChargingRateUnit = "A"
	UnitWatts ChargingRateUnit = "W"
)

// TransactionEventType is the eventType field of an outbound
// TransactionEvent Call (spec §4.G).
type TransactionEventType string

const (
	TransactionEventStarted TransactionEventType = "Started"
	TransactionEventUpdated TransactionEventType = "Updated"
	TransactionEventEnded   TransactionEventType = "Ended"
)

// TriggerReason labels why a TransactionEvent was emitted.
type TriggerReason string

const (
	TriggerAuthorized         TriggerReason = "Authorized"
	TriggerCablePluggedIn     TriggerReason = "CablePluggedIn"
	TriggerChargingStateChg   TriggerReason = "ChargingStateChanged"
	TriggerMeterValuePeriodic TriggerReason = "MeterValuePeriodic"
	TriggerMeterValueClock    TriggerReason = "MeterValueClock"
	TriggerAbnormalCondition  TriggerReason = "AbnormalCondition"
	TriggerStopAuthorized     TriggerReason = "StopAuthorized"
	TriggerEVDeparted         TriggerReason = "EVDeparted"
	TriggerRemoteStop         TriggerReason = "RemoteStop"
	TriggerTimeLimitReached   TriggerReason = "TimeLimitReached"
)

// RegistrationStatus is the outcome of BootNotification (spec §4.H, §8).
type RegistrationStatus string

const (
	RegistrationAccepted RegistrationStatus = "Accepted"
	RegistrationPending  RegistrationStatus = "Pending"
	RegistrationRejected RegistrationStatus = "Rejected"
)

// ConnectorStatus is reported via StatusNotification (spec §4.G).
type ConnectorStatus string

const (
	StatusAvailable     ConnectorStatus = "Available"
	StatusOccupied      ConnectorStatus = "Occupied"
	StatusReserved      ConnectorStatus = "Reserved"
	StatusUnavailable   ConnectorStatus = "Unavailable"
	StatusFaulted       ConnectorStatus = "Faulted"
)

// AuthorizationStatus is returned inside IdTokenInfo for Authorize /
// StartTransaction-equivalent flows (spec §3).
type AuthorizationStatus string

const (
	AuthAccepted           AuthorizationStatus = "Accepted"
	AuthBlocked            AuthorizationStatus = "Blocked"
	AuthExpired            AuthorizationStatus = "Expired"
	AuthInvalid            AuthorizationStatus = "Invalid"
	AuthConcurrentTx       AuthorizationStatus = "ConcurrentTx"
)

// SecurityProfile is the {1,2,3} authentication mode of §GLOSSARY.
type SecurityProfile int

const (
	SecurityProfileNone SecurityProfile = iota // pre-OCPP2.0.1 unauthenticated, kept for local dev only
	SecurityProfileBasic
	SecurityProfileBasicTLS
	SecurityProfileCertTLS
)

// CloseReason enumerates WebSocket Link closure causes (spec §4.B).
type CloseReason string

const (
	CloseNormal      CloseReason = "Normal"
	ClosePongTimeout CloseReason = "PongTimeout"
	CloseAbnormal    CloseReason = "Abnormal"
	CloseServerGone  CloseReason = "ServerGone"
)

// ConnectFailReason enumerates WebSocket Link connection-failure causes
// (spec §4.B).
type ConnectFailReason string

const (
	FailInvalidTrustAnchor  ConnectFailReason = "InvalidTrustAnchor"
	FailUnauthorizedBasic   ConnectFailReason = "UnauthorizedBasic"
	FailTlsHandshake        ConnectFailReason = "TlsHandshake"
	FailUnreachableNetwork  ConnectFailReason = "UnreachableNetwork"
)

// ErrorCode is the fixed OCPP-J CallError code set (spec §6).
type ErrorCode string

const (
	ErrNotImplemented                 ErrorCode = "NotImplemented"
	ErrNotSupported                   ErrorCode = "NotSupported"
	ErrInternalError                  ErrorCode = "InternalError"
	ErrProtocolError                  ErrorCode = "ProtocolError"
	ErrSecurityError                  ErrorCode = "SecurityError"
	ErrFormationViolation             ErrorCode = "FormationViolation"
	ErrPropertyConstraintViolation    ErrorCode = "PropertyConstraintViolation"
	ErrOccurrenceConstraintViolation  ErrorCode = "OccurrenceConstraintViolation"
	ErrTypeConstraintViolation        ErrorCode = "TypeConstraintViolation"
	ErrGenericError                   ErrorCode = "GenericError"
	// ErrTimeout is not part of the wire error-code set; it labels a
	// CallError synthesized locally by the queue after max_attempts (spec §4.D, §7).
	ErrTimeout ErrorCode = "Timeout"
)

// AttributeSource identifies who last wrote a device model variable
// attribute (spec §4.E).
type AttributeSource string

const (
	SourceCSMS     AttributeSource = "CSMS"
	SourceActual   AttributeSource = "Actual"
	SourceDefault  AttributeSource = "Default"
	SourceInternal AttributeSource = "Internal"
)
