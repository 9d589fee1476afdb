// Package issuing implements the card issuing platform connector. The
// remote speaks JSON over a REST API; cards are created under a
// cardholder, carry a locally-embedded reference marker in metadata and
// report their state synchronously.
package issuing

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/erp/synccore/internal/domain/sync"
	"github.com/shopspring/decimal"
)

// Codec converts card snapshots into the issuing platform's JSON wire form
type Codec struct{}

// NewCodec creates the issuing codec
func NewCodec() *Codec {
	return &Codec{}
}

// Integration implements sync.Codec
func (c *Codec) Integration() sync.IntegrationCode {
	return sync.IntegrationCodeIssuing
}

// ContentType implements sync.Codec
func (c *Codec) ContentType() string {
	return "application/json"
}

// registerTable maps local card fields onto the remote create shape
var registerTable = []sync.FieldMapping{
	{Local: "cardholder_ref", Remote: "cardholder", Required: true},
	{Local: "type", Remote: "type", Required: true},
	{Local: "currency", Remote: "currency", Required: true, Transform: lowercase},
	{Local: "spending_limit", Remote: "spending_limit", Transform: minorUnits},
	{Local: "status", Remote: "status"},
}

// syncFields is the synchronized subset sent on updates; identity fields
// never travel again once the card exists
var syncFields = []string{"spending_limit", "status"}

func lowercase(v any) (any, error) {
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("issuing: expected string, got %T", v)
	}
	return strings.ToLower(s), nil
}

// minorUnits renders a decimal amount as integer minor units, the only
// amount shape the issuing API accepts
func minorUnits(v any) (any, error) {
	var d decimal.Decimal
	switch amount := v.(type) {
	case decimal.Decimal:
		d = amount
	case string:
		parsed, err := decimal.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("issuing: bad amount %q: %w", amount, err)
		}
		d = parsed
	default:
		return nil, fmt.Errorf("issuing: expected amount, got %T", v)
	}
	return d.Mul(decimal.NewFromInt(100)).IntPart(), nil
}

// Encode implements sync.Codec
func (c *Codec) Encode(snapshot *sync.EntitySnapshot, op sync.Operation, ectx *sync.EncodeContext) (*sync.Payload, error) {
	if err := snapshot.Validate(); err != nil {
		return nil, err
	}

	var fields map[string]any
	switch op {
	case sync.OperationRegister:
		mapped, err := sync.MapFields(registerTable, snapshot.Fields)
		if err != nil {
			return nil, err
		}
		mapped["metadata"] = map[string]any{"local_ref": snapshot.LocalRef}
		fields = mapped

	case sync.OperationUpdate:
		mapped, err := sync.MapFields(registerTable, snapshot.Fields)
		if err != nil {
			return nil, err
		}
		fields = subset(mapped, syncFields)
		fields["card"] = ectx.RemoteID

	case sync.OperationCancel:
		fields = map[string]any{"card": ectx.RemoteID, "status": "canceled"}

	case sync.OperationQuery:
		fields = map[string]any{"card": ectx.RemoteID}

	default:
		return nil, sync.ErrUnknownOperation
	}

	body, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	return &sync.Payload{Fields: fields, Body: body, ContentType: "application/json"}, nil
}

func subset(fields map[string]any, keep []string) map[string]any {
	out := make(map[string]any, len(keep))
	for _, k := range keep {
		if v, ok := fields[k]; ok {
			out[k] = v
		}
	}
	return out
}

// RequiredFields implements sync.Codec
func (c *Codec) RequiredFields(op sync.Operation) []string {
	if op != sync.OperationRegister {
		return nil
	}
	var required []string
	for _, fm := range registerTable {
		if fm.Required {
			required = append(required, fm.Remote)
		}
	}
	return required
}

// Validate implements sync.Codec
func (c *Codec) Validate(p *sync.Payload, op sync.Operation) []string {
	if op != sync.OperationRegister {
		return nil
	}
	return sync.MissingFields(registerTable, p.Fields)
}

// cardResponse is the issuing API's card shape
type cardResponse struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	Last4    string `json:"last4"`
	ExpMonth int    `json:"exp_month"`
	ExpYear  int    `json:"exp_year"`
	Error    *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Decode implements sync.Codec
func (c *Codec) Decode(body []byte, mime sync.MIMEHint, op sync.Operation) (*sync.DecodeResult, error) {
	if mime != sync.MIMEHintJSON {
		return nil, sync.ErrUnparseableResponse
	}
	var card cardResponse
	if err := json.Unmarshal(body, &card); err != nil {
		return nil, sync.ErrUnparseableResponse
	}

	if card.Error != nil {
		return &sync.DecodeResult{
			State:  sync.RemoteStateRejected,
			Errors: []sync.RemoteError{{Code: card.Error.Code, Message: card.Error.Message}},
		}, nil
	}

	result := &sync.DecodeResult{
		RemoteID:  card.ID,
		State:     sync.RemoteStateAccepted,
		Extracted: map[string]string{},
	}
	if card.Status == "canceled" {
		result.State = sync.RemoteStateCancelled
	}
	if card.Last4 != "" {
		result.Extracted["last4"] = card.Last4
	}
	if card.ExpMonth > 0 && card.ExpYear > 0 {
		result.Extracted["expiration"] = fmt.Sprintf("%02d/%02d", card.ExpMonth, card.ExpYear%100)
	}
	return result, nil
}

// Classify implements sync.Codec
func (c *Codec) Classify(body []byte, mime sync.MIMEHint) sync.Classification {
	switch mime {
	case sync.MIMEHintHTML:
		return sync.ClassifyHTML(body)
	case sync.MIMEHintJSON:
		result, err := c.Decode(body, mime, sync.OperationRegister)
		if err != nil {
			return sync.ClassifyUnknown()
		}
		if len(result.Errors) > 0 {
			return sync.Classification{Status: sync.DocumentStatusRejected, Errors: result.Errors}
		}
		if result.State == sync.RemoteStateCancelled {
			return sync.Classification{Status: sync.DocumentStatusCancelled}
		}
		return sync.Classification{Status: sync.DocumentStatusAccepted}
	default:
		return sync.ClassifyUnknown()
	}
}

// SearchFilters implements sync.Codec. The binder searches by cardholder
// and relies on the metadata marker for disambiguation.
func (c *Codec) SearchFilters(snapshot *sync.EntitySnapshot) map[string]string {
	filters := map[string]string{}
	if ref, ok := snapshot.Fields["cardholder_ref"].(string); ok && ref != "" {
		filters["cardholder"] = ref
	}
	if len(filters) == 0 {
		return nil
	}
	return filters
}

// searchResponse is the issuing API's list shape
type searchResponse struct {
	Data []struct {
		ID       string            `json:"id"`
		Status   string            `json:"status"`
		Metadata map[string]string `json:"metadata"`
	} `json:"data"`
}

// DecodeSearch implements sync.Codec
func (c *Codec) DecodeSearch(body []byte) ([]sync.RemoteCandidate, error) {
	var list searchResponse
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, sync.ErrUnparseableResponse
	}
	candidates := make([]sync.RemoteCandidate, 0, len(list.Data))
	for _, item := range list.Data {
		candidates = append(candidates, sync.RemoteCandidate{
			RemoteID:       item.ID,
			Active:         item.Status == "active",
			LocalRefMarker: item.Metadata["local_ref"],
		})
	}
	return candidates, nil
}

// SyncFields implements sync.Codec
func (c *Codec) SyncFields() []string {
	return syncFields
}

// PredecessorRef implements sync.Codec. Cards do not chain.
func (c *Codec) PredecessorRef(doc *sync.SyncDocument) map[string]string {
	return nil
}

// Discriminator implements sync.Codec
func (c *Codec) Discriminator() string {
	return "data.object.id"
}

// webhookBody is the issuing platform's event envelope
type webhookBody struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object struct {
			ID string `json:"id"`
		} `json:"object"`
	} `json:"data"`
}

// ParseWebhook implements sync.Codec
func (c *Codec) ParseWebhook(body []byte) (*sync.WebhookEvent, error) {
	var event webhookBody
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, sync.ErrUnparseableResponse
	}
	if event.ID == "" || event.Data.Object.ID == "" {
		return nil, sync.ErrUnparseableResponse
	}
	return &sync.WebhookEvent{
		Integration:     sync.IntegrationCodeIssuing,
		Reference:       event.Data.Object.ID,
		UpstreamEventID: event.ID,
		Payload:         body,
	}, nil
}

var _ sync.Codec = (*Codec)(nil)
