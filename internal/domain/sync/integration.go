package sync

// ---------------------------------------------------------------------------
// IntegrationCode represents a remote service integration
// ---------------------------------------------------------------------------

// IntegrationCode identifies a remote service integration
type IntegrationCode string

const (
	// IntegrationCodeIssuing represents the card issuing platform
	IntegrationCodeIssuing IntegrationCode = "ISSUING"
	// IntegrationCodeEInvoice represents the tax-agency e-invoice registry
	IntegrationCodeEInvoice IntegrationCode = "EINVOICE"
)

// IsValid returns true if the integration code is valid
func (c IntegrationCode) IsValid() bool {
	switch c {
	case IntegrationCodeIssuing, IntegrationCodeEInvoice:
		return true
	default:
		return false
	}
}

// String returns the string representation of IntegrationCode
func (c IntegrationCode) String() string {
	return string(c)
}

// ---------------------------------------------------------------------------
// Mode represents the environment an integration runs against
// ---------------------------------------------------------------------------

// Mode represents the environment an integration runs against
type Mode string

const (
	// ModeLive targets the production remote endpoints
	ModeLive Mode = "LIVE"
	// ModeTest targets the remote sandbox endpoints
	ModeTest Mode = "TEST"
	// ModeDemo short-circuits the transport with canned responses
	ModeDemo Mode = "DEMO"
)

// IsValid returns true if the mode is valid
func (m Mode) IsValid() bool {
	switch m {
	case ModeLive, ModeTest, ModeDemo:
		return true
	default:
		return false
	}
}

// String returns the string representation of Mode
func (m Mode) String() string {
	return string(m)
}

// ---------------------------------------------------------------------------
// Operation represents an outbound submission kind
// ---------------------------------------------------------------------------

// Operation represents the kind of an outbound submission
type Operation string

const (
	// OperationRegister creates or re-submits the entity on the remote
	OperationRegister Operation = "REGISTER"
	// OperationUpdate pushes local changes for an already-bound entity
	OperationUpdate Operation = "UPDATE"
	// OperationCancel revokes a previously accepted registration
	OperationCancel Operation = "CANCEL"
	// OperationQuery asks the remote for the current status
	OperationQuery Operation = "QUERY"
)

// OperationSearch resolves the remote search endpoint used by the
// identity binder. It never appears on documents and is deliberately
// excluded from IsValid.
const OperationSearch Operation = "SEARCH"

// IsValid returns true if the operation is valid
func (o Operation) IsValid() bool {
	switch o {
	case OperationRegister, OperationUpdate, OperationCancel, OperationQuery:
		return true
	default:
		return false
	}
}

// String returns the string representation of Operation
func (o Operation) String() string {
	return string(o)
}

// IsMutating returns true if the operation changes remote state
func (o Operation) IsMutating() bool {
	return o != OperationQuery
}

// ---------------------------------------------------------------------------
// RemoteState is the remote-reported status, normalized
// ---------------------------------------------------------------------------

// RemoteState is the status the remote service reports, normalized
type RemoteState string

const (
	// RemoteStateAccepted indicates the remote fully accepted the submission
	RemoteStateAccepted RemoteState = "ACCEPTED"
	// RemoteStateRegisteredWithErrors indicates the remote registered the
	// submission but flagged line-level errors
	RemoteStateRegisteredWithErrors RemoteState = "REGISTERED_WITH_ERRORS"
	// RemoteStateRejected indicates the remote rejected the submission
	RemoteStateRejected RemoteState = "REJECTED"
	// RemoteStateCancelled indicates the registration was revoked
	RemoteStateCancelled RemoteState = "CANCELLED"
)

// IsValid returns true if the remote state is valid
func (s RemoteState) IsValid() bool {
	switch s {
	case RemoteStateAccepted, RemoteStateRegisteredWithErrors, RemoteStateRejected, RemoteStateCancelled:
		return true
	default:
		return false
	}
}

// String returns the string representation of RemoteState
func (s RemoteState) String() string {
	return string(s)
}

// IsRegistered returns true if the remote holds a registration for the
// entity (a cancel is only meaningful from one of these states)
func (s RemoteState) IsRegistered() bool {
	return s == RemoteStateAccepted || s == RemoteStateRegisteredWithErrors
}
