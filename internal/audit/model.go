package audit

import (
	"errors"
	"fmt"

	"github.com/jmerrifield20/medaudit/internal/auditledger"
)

// ErrInvalidFact is wrapped by every AuditFact validation error.
var ErrInvalidFact = errors.New("invalid audit fact")

// Action is what the user did to the patient record.
type Action string

const (
	ActionCreate Action = "CREATE"
	ActionUpdate Action = "UPDATE"
	ActionView   Action = "VIEW"
	ActionDelete Action = "DELETE"
)

// Role is the role the acting user held.
type Role string

const (
	RoleDoctor  Role = "DOCTOR"
	RolePatient Role = "PATIENT"
)

// Metadata describes an UPDATE in more detail.
type Metadata struct {
	ChangedFields  []string          `json:"changedFields,omitempty"`
	PreviousValues map[string]string `json:"previousValues,omitempty"`
}

// AuditFact is one access or change event reported by the patient records
// layer. It becomes the payload of exactly one block.
type AuditFact struct {
	Action    Action    `json:"action"`
	UserID    string    `json:"userId"`
	UserRole  Role      `json:"userRole"`
	PatientID string    `json:"patientId"`
	RecordID  *int64    `json:"recordId,omitempty"`
	Timestamp int64     `json:"timestamp"` // unix milliseconds
	Metadata  *Metadata `json:"metadata,omitempty"`
}

// Validate checks required fields and enumerations.
func (f AuditFact) Validate() error {
	switch f.Action {
	case ActionCreate, ActionUpdate, ActionView, ActionDelete:
	default:
		return fmt.Errorf("%w: unknown action %q", ErrInvalidFact, f.Action)
	}
	switch f.UserRole {
	case RoleDoctor, RolePatient:
	default:
		return fmt.Errorf("%w: unknown userRole %q", ErrInvalidFact, f.UserRole)
	}
	if f.UserID == "" {
		return fmt.Errorf("%w: userId is required", ErrInvalidFact)
	}
	if f.PatientID == "" {
		return fmt.Errorf("%w: patientId is required", ErrInvalidFact)
	}
	if f.Timestamp <= 0 {
		return fmt.Errorf("%w: timestamp must be positive", ErrInvalidFact)
	}
	return nil
}

// Payload converts the fact to the map sealed into a block. Optional fields
// are omitted when unset.
func (f AuditFact) Payload() auditledger.Payload {
	p := auditledger.Payload{
		"action":    string(f.Action),
		"userId":    f.UserID,
		"userRole":  string(f.UserRole),
		"patientId": f.PatientID,
		"timestamp": f.Timestamp,
	}
	if f.RecordID != nil {
		p["recordId"] = *f.RecordID
	}
	if m := f.Metadata; m != nil {
		meta := map[string]any{}
		if len(m.ChangedFields) > 0 {
			meta["changedFields"] = m.ChangedFields
		}
		if len(m.PreviousValues) > 0 {
			meta["previousValues"] = m.PreviousValues
		}
		p["metadata"] = meta
	}
	return p
}
