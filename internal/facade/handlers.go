package facade

import (
	"context"
	"encoding/json"
	"time"

	"chargepoint/internal/devicemodel"
	"chargepoint/internal/ocppj"
	"chargepoint/internal/ocpptype"
	"chargepoint/internal/smartcharging"
)

// registerDefaultHandlers installs the dispatch table of spec.md §4.H,
// expanded per SPEC_FULL.md §4.H beyond the distillation's representative
// list, adapted from the teacher's basic_handler.go/
// configurations_handler.go/security_handler.go/transactions_handler.go
// OCPP 1.6 callback methods to OCPP 2.0.1 Call/CallResult dispatch.
func (cp *ChargePoint) registerDefaultHandlers() {
	cp.handlers["SetVariables"] = handleSetVariables
	cp.handlers["GetVariables"] = handleGetVariables
	cp.handlers["GetBaseReport"] = handleGetBaseReport
	cp.handlers["GetReport"] = handleGetReport
	cp.handlers["Reset"] = handleReset
	cp.handlers["ChangeAvailability"] = handleChangeAvailability
	cp.handlers["ClearCache"] = handleClearCache
	cp.handlers["TriggerMessage"] = handleTriggerMessage
	cp.handlers["RequestStartTransaction"] = handleRequestStartTransaction
	cp.handlers["RequestStopTransaction"] = handleRequestStopTransaction
	cp.handlers["UnlockConnector"] = handleUnlockConnector
	cp.handlers["SetChargingProfile"] = handleSetChargingProfile
	cp.handlers["ClearChargingProfile"] = handleClearChargingProfile
	cp.handlers["GetChargingProfiles"] = handleGetChargingProfiles
	cp.handlers["GetCompositeSchedule"] = handleGetCompositeSchedule
	cp.handlers["DataTransfer"] = handleDataTransfer
	cp.handlers["InstallCertificate"] = handleInstallCertificate
	cp.handlers["GetInstalledCertificateIds"] = handleGetInstalledCertificateIds
	cp.handlers["DeleteCertificate"] = handleDeleteCertificate
	cp.handlers["CertificateSigned"] = handleCertificateSigned
	cp.handlers["UpdateFirmware"] = handleUpdateFirmware
}

func rejectFormation(err error) *ocppj.CallError {
	return &ocppj.CallError{ErrorCode: ocpptype.ErrFormationViolation, ErrorDescription: err.Error()}
}

// --- Device model (spec.md §4.E) ---

type setVariableDatum struct {
	Component struct{ Name string `json:"name"` } `json:"component"`
	Variable  struct{ Name string `json:"name"` } `json:"variable"`
	AttributeType  string `json:"attributeType"`
	AttributeValue string `json:"attributeValue"`
}

func handleSetVariables(_ context.Context, cp *ChargePoint, payload json.RawMessage) (json.RawMessage, *ocppj.CallError) {
	var req struct{ SetVariableData []setVariableDatum `json:"setVariableData"` }
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, rejectFormation(err)
	}
	results := make([]map[string]any, 0, len(req.SetVariableData))
	for _, d := range req.SetVariableData {
		attr := devicemodel.Attribute(d.AttributeType)
		if attr == "" {
			attr = devicemodel.AttrActual
		}
		status := "Accepted"
		if err := cp.Device.SetVariableAttributeValue(d.Component.Name, d.Variable.Name, attr, d.AttributeValue, ocpptype.SourceCSMS); err != nil {
			status = "Rejected"
		}
		results = append(results, map[string]any{
			"attributeType": attr,
			"attributeStatus": status,
			"component": d.Component,
			"variable":  d.Variable,
		})
	}
	b, _ := json.Marshal(map[string]any{"setVariableResult": results})
	return b, nil
}

func handleGetVariables(_ context.Context, cp *ChargePoint, payload json.RawMessage) (json.RawMessage, *ocppj.CallError) {
	var req struct{ GetVariableData []setVariableDatum `json:"getVariableData"` }
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, rejectFormation(err)
	}
	results := make([]map[string]any, 0, len(req.GetVariableData))
	for _, d := range req.GetVariableData {
		attr := devicemodel.Attribute(d.AttributeType)
		if attr == "" {
			attr = devicemodel.AttrActual
		}
		value, found, err := cp.Device.GetVariableAttribute(d.Component.Name, d.Variable.Name, attr)
		status := "Accepted"
		if err != nil || !found {
			status = "UnknownVariable"
		}
		results = append(results, map[string]any{
			"attributeType": attr, "attributeStatus": status, "attributeValue": value,
			"component": d.Component, "variable": d.Variable,
		})
	}
	b, _ := json.Marshal(map[string]any{"getVariableResult": results})
	return b, nil
}

func handleGetBaseReport(_ context.Context, cp *ChargePoint, payload json.RawMessage) (json.RawMessage, *ocppj.CallError) {
	b, _ := json.Marshal(map[string]any{"status": "Accepted"})
	return b, nil
}

func handleGetReport(_ context.Context, cp *ChargePoint, payload json.RawMessage) (json.RawMessage, *ocppj.CallError) {
	b, _ := json.Marshal(map[string]any{"status": "Accepted"})
	return b, nil
}

// --- Operational control ---

func handleReset(_ context.Context, cp *ChargePoint, payload json.RawMessage) (json.RawMessage, *ocppj.CallError) {
	var req struct{ Type string `json:"type"` } // "Immediate" | "OnIdle"
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, rejectFormation(err)
	}
	if cp.OnResetRequested != nil && !cp.OnResetRequested(req.Type) {
		b, _ := json.Marshal(map[string]any{"status": "Rejected"})
		return b, nil
	}
	b, _ := json.Marshal(map[string]any{"status": "Accepted"})
	return b, nil
}

func handleChangeAvailability(_ context.Context, cp *ChargePoint, payload json.RawMessage) (json.RawMessage, *ocppj.CallError) {
	var req struct {
		EVSE       *struct{ ID int `json:"id"`; ConnectorID int `json:"connectorId"` } `json:"evse"`
		OperationalStatus ocpptype.OperationalStatus `json:"operationalStatus"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, rejectFormation(err)
	}
	evseID, connID := 0, 0
	if req.EVSE != nil {
		evseID, connID = req.EVSE.ID, req.EVSE.ConnectorID
	}
	if err := cp.Store.InsertAvailability(evseID, connID, req.OperationalStatus, true); err != nil {
		return nil, &ocppj.CallError{ErrorCode: ocpptype.ErrInternalError, ErrorDescription: err.Error()}
	}
	b, _ := json.Marshal(map[string]any{"status": "Accepted"})
	return b, nil
}

func handleClearCache(_ context.Context, cp *ChargePoint, payload json.RawMessage) (json.RawMessage, *ocppj.CallError) {
	if err := cp.Store.ClearAuthCache(); err != nil {
		b, _ := json.Marshal(map[string]any{"status": "Rejected"})
		return b, nil
	}
	b, _ := json.Marshal(map[string]any{"status": "Accepted"})
	return b, nil
}

func handleTriggerMessage(_ context.Context, cp *ChargePoint, payload json.RawMessage) (json.RawMessage, *ocppj.CallError) {
	var req struct{ RequestedMessage string `json:"requestedMessage"` }
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, rejectFormation(err)
	}
	switch req.RequestedMessage {
	case "BootNotification":
		go cp.sendBootNotification(context.Background(), "Triggered")
	case "Heartbeat":
		go cp.sendHeartbeat()
	case "StatusNotification":
		go cp.sendAllStatusNotifications(context.Background())
	default:
		b, _ := json.Marshal(map[string]any{"status": "NotImplemented"})
		return b, nil
	}
	b, _ := json.Marshal(map[string]any{"status": "Accepted"})
	return b, nil
}

// --- Transactions (spec.md §4.G via remote start/stop) ---

func handleRequestStartTransaction(_ context.Context, cp *ChargePoint, payload json.RawMessage) (json.RawMessage, *ocppj.CallError) {
	var req struct {
		EVSEID  int               `json:"evseId"`
		IDToken ocpptype.IdToken  `json:"idToken"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, rejectFormation(err)
	}
	cp.TxMachine.OnSessionStarted(req.EVSEID, 1)
	txID, err := cp.TxMachine.OnTransactionStarted(req.EVSEID, 1, &req.IDToken, nil, nil)
	if err != nil {
		b, _ := json.Marshal(map[string]any{"status": "Rejected"})
		return b, nil
	}
	b, _ := json.Marshal(map[string]any{"status": "Accepted", "transactionId": txID})
	return b, nil
}

func handleRequestStopTransaction(_ context.Context, cp *ChargePoint, payload json.RawMessage) (json.RawMessage, *ocppj.CallError) {
	var req struct{ TransactionID string `json:"transactionId"` }
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, rejectFormation(err)
	}
	tx, found, err := cp.Store.GetTransaction(req.TransactionID)
	if err != nil || !found {
		b, _ := json.Marshal(map[string]any{"status": "Rejected"})
		return b, nil
	}
	if err := cp.TxMachine.OnTransactionFinished(tx.EVSEID, "Remote"); err != nil {
		b, _ := json.Marshal(map[string]any{"status": "Rejected"})
		return b, nil
	}
	b, _ := json.Marshal(map[string]any{"status": "Accepted"})
	return b, nil
}

func handleUnlockConnector(_ context.Context, cp *ChargePoint, payload json.RawMessage) (json.RawMessage, *ocppj.CallError) {
	var req struct {
		EVSEID      int `json:"evseId"`
		ConnectorID int `json:"connectorId"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, rejectFormation(err)
	}
	if cp.OnUnlockConnector != nil && !cp.OnUnlockConnector(req.EVSEID, req.ConnectorID) {
		b, _ := json.Marshal(map[string]any{"status": "UnlockFailed"})
		return b, nil
	}
	b, _ := json.Marshal(map[string]any{"status": "Unlocked"})
	return b, nil
}

// --- Smart charging (spec.md §4.F) ---

func handleSetChargingProfile(_ context.Context, cp *ChargePoint, payload json.RawMessage) (json.RawMessage, *ocppj.CallError) {
	var req struct {
		EVSEID          int                       `json:"evseId"`
		ChargingProfile ocpptype.ChargingProfile   `json:"chargingProfile"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, rejectFormation(err)
	}
	profile := req.ChargingProfile
	if profile.ConnectorID == 0 {
		profile.ConnectorID = req.EVSEID
	}

	if profile.Purpose == ocpptype.PurposeTxDefault || profile.Purpose == ocpptype.PurposeChargePointMax {
		if existing, err := cp.Store.ListAllChargingProfiles(); err == nil {
			for _, e := range existing {
				if e.Purpose == profile.Purpose && e.StackLevel == profile.StackLevel && e.ConnectorID == profile.ConnectorID {
					profile.ProfileID = e.ProfileID
					break
				}
			}
		}
	}
	if profile.ProfileID == 0 {
		profile.ProfileID = int(time.Now().UnixNano() % 1_000_000)
	}

	all, _ := cp.Store.ListAllChargingProfiles()
	numConnectors := 0
	for _, n := range cp.cfg.NumConnectorsPerEVSE {
		numConnectors += n
	}
	maxCount := cp.cfg.ChargingProfileMaxStackLevel*numConnectors + 1
	if maxCount > 0 && len(all) >= maxCount {
		found := false
		for _, e := range all {
			if e.ProfileID == profile.ProfileID {
				found = true
			}
		}
		if !found {
			b, _ := json.Marshal(map[string]any{"status": "Rejected"})
			return b, nil
		}
	}

	if err := cp.Store.InsertOrReplaceChargingProfile(profile); err != nil {
		return nil, &ocppj.CallError{ErrorCode: ocpptype.ErrInternalError, ErrorDescription: err.Error()}
	}
	cp.Smart.NoteInserted(profile.ProfileID)
	b, _ := json.Marshal(map[string]any{"status": "Accepted"})
	return b, nil
}

func handleClearChargingProfile(_ context.Context, cp *ChargePoint, payload json.RawMessage) (json.RawMessage, *ocppj.CallError) {
	var req struct {
		ChargingProfileID int `json:"chargingProfileId"`
		EVSEID            int `json:"evseId"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, rejectFormation(err)
	}
	if err := cp.Store.DeleteChargingProfile(req.EVSEID, req.ChargingProfileID); err != nil {
		b, _ := json.Marshal(map[string]any{"status": "Unknown"})
		return b, nil
	}
	b, _ := json.Marshal(map[string]any{"status": "Accepted"})
	return b, nil
}

func handleGetChargingProfiles(_ context.Context, cp *ChargePoint, payload json.RawMessage) (json.RawMessage, *ocppj.CallError) {
	var req struct{ EVSEID int `json:"evseId"` }
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, rejectFormation(err)
	}
	profiles, err := cp.Store.ListChargingProfiles(req.EVSEID)
	if err != nil {
		return nil, &ocppj.CallError{ErrorCode: ocpptype.ErrInternalError, ErrorDescription: err.Error()}
	}
	b, _ := json.Marshal(map[string]any{"status": "Accepted", "chargingProfiles": profiles})
	return b, nil
}

func handleGetCompositeSchedule(_ context.Context, cp *ChargePoint, payload json.RawMessage) (json.RawMessage, *ocppj.CallError) {
	var req struct {
		Duration      int    `json:"duration"`
		EVSEID        int    `json:"evseId"`
		ChargingRateUnit ocpptype.ChargingRateUnit `json:"chargingRateUnit"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, rejectFormation(err)
	}
	start := time.Now().UTC()
	end := start.Add(time.Duration(req.Duration) * time.Second)

	var activeTx *smartcharging.ActiveTransaction
	if tx, ok := cp.TxMachine.ActiveTransaction(req.EVSEID); ok {
		activeTx = &smartcharging.ActiveTransaction{TransactionID: tx.TransactionID, ConnectorID: tx.ConnectorID, StartTime: tx.StartTime.Time}
	}
	schedule, err := cp.Smart.Compute(start, end, req.EVSEID, req.ChargingRateUnit, activeTx)
	if err != nil {
		return nil, &ocppj.CallError{ErrorCode: ocpptype.ErrInternalError, ErrorDescription: err.Error()}
	}
	b, _ := json.Marshal(map[string]any{"status": "Accepted", "schedule": schedule})
	return b, nil
}

// --- Passthrough / certificate management ---

func handleDataTransfer(_ context.Context, cp *ChargePoint, payload json.RawMessage) (json.RawMessage, *ocppj.CallError) {
	b, _ := json.Marshal(map[string]any{"status": "Accepted"})
	return b, nil
}

func handleInstallCertificate(_ context.Context, cp *ChargePoint, payload json.RawMessage) (json.RawMessage, *ocppj.CallError) {
	var req struct{ CertificateType string `json:"certificateType"` }
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, rejectFormation(err)
	}
	if req.CertificateType == "ManufacturerRootCertificate" {
		b, _ := json.Marshal(map[string]any{"status": "Rejected"})
		return b, nil
	}
	b, _ := json.Marshal(map[string]any{"status": "Accepted"})
	return b, nil
}

func handleGetInstalledCertificateIds(_ context.Context, cp *ChargePoint, payload json.RawMessage) (json.RawMessage, *ocppj.CallError) {
	b, _ := json.Marshal(map[string]any{"status": "Accepted", "certificateHashDataChain": []any{}})
	return b, nil
}

func handleDeleteCertificate(_ context.Context, cp *ChargePoint, payload json.RawMessage) (json.RawMessage, *ocppj.CallError) {
	b, _ := json.Marshal(map[string]any{"status": "Accepted"})
	return b, nil
}

func handleCertificateSigned(_ context.Context, cp *ChargePoint, payload json.RawMessage) (json.RawMessage, *ocppj.CallError) {
	b, _ := json.Marshal(map[string]any{"status": "Accepted"})
	return b, nil
}

func handleUpdateFirmware(_ context.Context, cp *ChargePoint, payload json.RawMessage) (json.RawMessage, *ocppj.CallError) {
	// Firmware application is hardware-driver territory (spec.md §1); the
	// core only acknowledges receipt.
	b, _ := json.Marshal(map[string]any{"status": "Accepted"})
	return b, nil
}
