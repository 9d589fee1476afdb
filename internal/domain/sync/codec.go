package sync

import (
	"time"

	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Snapshot and payload value objects
// ---------------------------------------------------------------------------

// EntitySnapshot is an immutable snapshot of a local business object as
// handed in by the collaborator. The core never navigates back into the
// collaborator's data model; everything the codec needs is in Fields.
type EntitySnapshot struct {
	TenantID    uuid.UUID
	Integration IntegrationCode
	// LocalRef is the opaque handle of the local business object
	LocalRef string
	// ChainKind selects the hash chain for chained integrations; empty
	// otherwise
	ChainKind string
	// Fields carries the local field values keyed by local field name
	Fields map[string]any
}

// Validate checks the snapshot handle fields
func (s *EntitySnapshot) Validate() error {
	if s.TenantID == uuid.Nil || s.LocalRef == "" {
		return ErrBindingNotFound
	}
	if !s.Integration.IsValid() {
		return ErrUnknownIntegration
	}
	return nil
}

// Payload is the encoded remote representation of a snapshot. Fields is
// the canonical field set used for validation and fingerprinting; Body
// is the bit-exact wire form.
type Payload struct {
	Fields      map[string]any
	Body        []byte
	ContentType string
}

// FieldMapping is one declarative (local, remote, transform) triple of a
// codec's field table. Transform is a pure function; a nil Transform
// passes the value through. Missing optional fields are elided, never
// sent as null or empty string.
type FieldMapping struct {
	Local     string
	Remote    string
	Required  bool
	Transform func(v any) (any, error)
}

// MapFields applies a declarative field table to a snapshot's fields
func MapFields(table []FieldMapping, fields map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(table))
	for _, fm := range table {
		v, ok := fields[fm.Local]
		if !ok || v == nil || v == "" {
			continue
		}
		if fm.Transform != nil {
			tv, err := fm.Transform(v)
			if err != nil {
				return nil, err
			}
			v = tv
		}
		out[fm.Remote] = v
	}
	return out, nil
}

// MissingFields returns the required remote fields absent from a mapped
// payload, in table order
func MissingFields(table []FieldMapping, mapped map[string]any) []string {
	var missing []string
	for _, fm := range table {
		if !fm.Required {
			continue
		}
		if v, ok := mapped[fm.Remote]; !ok || v == nil || v == "" {
			missing = append(missing, fm.Remote)
		}
	}
	return missing
}

// ---------------------------------------------------------------------------
// Encode/decode context and results
// ---------------------------------------------------------------------------

// ChainContext carries the chain position of a new registration and the
// predecessor's render values, embedded in the payload exactly as the
// remote service expects them.
type ChainContext struct {
	Index                  int64
	PredecessorFingerprint string
	// PredecessorRef holds the predecessor's identifier triple (or
	// whatever reference shape the integration prescribes)
	PredecessorRef map[string]string
}

// EncodeContext carries operation-specific references into Encode
type EncodeContext struct {
	// RemoteID is the bound remote identifier, when the entity is bound
	RemoteID string
	// Chain is set for chained registrations
	Chain *ChainContext
	// CancelOf holds render values of the accepted registration being
	// revoked; set for cancel operations only
	CancelOf map[string]string
}

// DecodeResult is the structured outcome of parsing a remote response.
// Decoding is total over known response shapes; business errors are
// returned in Errors, not raised.
type DecodeResult struct {
	RemoteID  string
	State     RemoteState
	Extracted map[string]string
	Errors    []RemoteError
	// RotatedToken is a new CMC token carried by the response, if any.
	// The caller must persist it.
	RotatedToken string
}

// RemoteCandidate is one result of a metadata-filtered remote search
type RemoteCandidate struct {
	RemoteID string
	Active   bool
	// LocalRefMarker is the locally-embedded local-id marker found in the
	// candidate's remote metadata, when present
	LocalRefMarker string
}

// WebhookEvent is a transient parsed webhook notification. It is not
// persisted beyond processing.
type WebhookEvent struct {
	Integration IntegrationCode
	// Reference is the value of the integration's discriminator field
	Reference string
	// UpstreamEventID deduplicates redeliveries
	UpstreamEventID string
	Payload         []byte
	ReceivedAt      time.Time
}

// ---------------------------------------------------------------------------
// Codec port
// ---------------------------------------------------------------------------

// Codec converts local entity snapshots into an integration's wire form
// and parses responses back. Implementations are driven by declarative
// field tables and must encode deterministically: equal snapshots produce
// equal payloads.
type Codec interface {
	// Integration returns the integration this codec handles
	Integration() IntegrationCode

	// ContentType returns the wire MIME type of encoded payloads
	ContentType() string

	// Encode builds the wire payload for the operation
	Encode(snapshot *EntitySnapshot, op Operation, ectx *EncodeContext) (*Payload, error)

	// RequiredFields returns the remote fields the remote will reject as
	// missing for the operation
	RequiredFields(op Operation) []string

	// Validate returns the required fields absent from the payload
	Validate(p *Payload, op Operation) []string

	// Decode parses a response body into a structured result
	Decode(body []byte, mime MIMEHint, op Operation) (*DecodeResult, error)

	// Classify maps a response onto the document status lattice
	Classify(body []byte, mime MIMEHint) Classification

	// SearchFilters builds the metadata filter set used by the identity
	// binder when the local side has no stored remote id
	SearchFilters(snapshot *EntitySnapshot) map[string]string

	// DecodeSearch parses a search response into candidates
	DecodeSearch(body []byte) ([]RemoteCandidate, error)

	// SyncFields is the synchronized-field subset sent on updates
	SyncFields() []string

	// PredecessorRef extracts from a persisted document the render values
	// the next chained payload (or a cancel) must embed
	PredecessorRef(doc *SyncDocument) map[string]string

	// Discriminator names the webhook field that carries the local
	// entity's reference
	Discriminator() string

	// ParseWebhook extracts the reference and upstream event id from a
	// webhook body
	ParseWebhook(body []byte) (*WebhookEvent, error)
}

// WebhookAuthenticator authenticates an inbound webhook delivery.
// Implementations are per integration: shared-secret HMAC signatures,
// signed tokens, or mTLS at the edge.
type WebhookAuthenticator interface {
	Authenticate(headers map[string][]string, body []byte) error
}

// Capability is the per-integration record the orchestrator dispatches
// through. It replaces inheritance-style composition with an explicit
// method table keyed by integration code.
type Capability struct {
	Code  IntegrationCode
	Mode  Mode
	Codec Codec
	// Chained is true for integrations whose registrations form a hash
	// chain
	Chained bool
	// AllowImperfectPredecessor permits REGISTERED_WITH_ERRORS documents
	// to anchor the chain
	AllowImperfectPredecessor bool
	// AuthExpiredCodes is the integration's error code table for
	// authentication-expired responses; the transport retries once after
	// re-authentication
	AuthExpiredCodes []string
	// PollInterval overrides the default poll cadence when non-zero
	PollInterval time.Duration
	// BackoffBase / BackoffCap bound the poller's exponential retry curve
	BackoffBase time.Duration
	BackoffCap  time.Duration
	Webhook     WebhookAuthenticator
}
