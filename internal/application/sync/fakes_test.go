package sync

import (
	"context"
	gosync "sync"
	"time"

	"github.com/google/uuid"

	domain "github.com/erp/synccore/internal/domain/sync"
	"github.com/erp/synccore/internal/infrastructure/transport"
)

// ---------------------------------------------------------------------------
// In-memory repositories
// ---------------------------------------------------------------------------

type memBindings struct {
	mu    gosync.Mutex
	items map[uuid.UUID]*domain.Binding
}

func newMemBindings() *memBindings {
	return &memBindings{items: map[uuid.UUID]*domain.Binding{}}
}

func copyBinding(b *domain.Binding) *domain.Binding {
	c := *b
	if b.RemoteID != nil {
		r := *b.RemoteID
		c.RemoteID = &r
	}
	if b.LastRemoteState != nil {
		s := *b.LastRemoteState
		c.LastRemoteState = &s
	}
	return &c
}

func (m *memBindings) Save(ctx context.Context, binding *domain.Binding) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[binding.ID] = copyBinding(binding)
	return nil
}

func (m *memBindings) FindByID(ctx context.Context, id uuid.UUID) (*domain.Binding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.items[id]; ok {
		return copyBinding(b), nil
	}
	return nil, domain.ErrBindingNotFound
}

func (m *memBindings) FindByLocalRef(ctx context.Context, tenantID uuid.UUID, integration domain.IntegrationCode, localRef string) (*domain.Binding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.items {
		if b.TenantID == tenantID && b.Integration == integration && b.LocalRef == localRef {
			return copyBinding(b), nil
		}
	}
	return nil, domain.ErrBindingNotFound
}

func (m *memBindings) FindByReference(ctx context.Context, integration domain.IntegrationCode, reference string) (*domain.Binding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.items {
		if b.Integration == integration && b.RemoteID != nil && *b.RemoteID == reference {
			return copyBinding(b), nil
		}
	}
	var matches []*domain.Binding
	for _, b := range m.items {
		if b.Integration == integration && b.LocalRef == reference {
			matches = append(matches, b)
		}
	}
	switch len(matches) {
	case 0:
		return nil, domain.ErrBindingNotFound
	case 1:
		return copyBinding(matches[0]), nil
	default:
		return nil, domain.ErrAmbiguousBinding
	}
}

func (m *memBindings) Delete(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[id]; !ok {
		return domain.ErrBindingNotFound
	}
	delete(m.items, id)
	return nil
}

var _ domain.BindingRepository = (*memBindings)(nil)

type memDocuments struct {
	mu    gosync.Mutex
	seq   int64
	items []*domain.SyncDocument
	// bindings backs FindStale's binding join
	bindings *memBindings
}

func newMemDocuments(bindings *memBindings) *memDocuments {
	return &memDocuments{bindings: bindings}
}

func copyDocument(d *domain.SyncDocument) *domain.SyncDocument {
	c := *d
	if d.RespondedAt != nil {
		t := *d.RespondedAt
		c.RespondedAt = &t
	}
	c.Errors = append([]domain.RemoteError(nil), d.Errors...)
	return &c
}

func (m *memDocuments) Create(ctx context.Context, doc *domain.SyncDocument) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if doc.HoldsChainSlot() {
		for _, d := range m.items {
			if d.Scope() == doc.Scope() && d.HoldsChainSlot() && d.ChainIndex == doc.ChainIndex {
				return domain.ErrOperationInFlight
			}
		}
	}
	m.seq++
	doc.Seq = m.seq
	m.items = append(m.items, copyDocument(doc))
	return nil
}

func (m *memDocuments) RecordResponse(ctx context.Context, doc *domain.SyncDocument) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, d := range m.items {
		if d.ID == doc.ID {
			if d.RespondedAt != nil {
				return domain.ErrDocumentFinalized
			}
			m.items[i] = copyDocument(doc)
			return nil
		}
	}
	return domain.ErrDocumentNotFound
}

func (m *memDocuments) MarkCancelled(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.items {
		if d.ID == id {
			if d.Status != domain.DocumentStatusAccepted {
				return domain.ErrNotCancellable
			}
			d.Status = domain.DocumentStatusCancelled
			return nil
		}
	}
	return domain.ErrDocumentNotFound
}

func (m *memDocuments) FindByID(ctx context.Context, id uuid.UUID) (*domain.SyncDocument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.items {
		if d.ID == id {
			return copyDocument(d), nil
		}
	}
	return nil, domain.ErrDocumentNotFound
}

func (m *memDocuments) History(ctx context.Context, bindingID uuid.UUID, filter domain.DocumentFilter) ([]domain.SyncDocument, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.SyncDocument
	for _, d := range m.items {
		if d.BindingID != bindingID {
			continue
		}
		if filter.Operation != nil && d.Operation != *filter.Operation {
			continue
		}
		if filter.Status != nil && d.Status != *filter.Status {
			continue
		}
		out = append(out, *copyDocument(d))
	}
	return out, int64(len(out)), nil
}

func (m *memDocuments) LatestOf(ctx context.Context, bindingID uuid.UUID) (*domain.SyncDocument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *domain.SyncDocument
	for _, d := range m.items {
		if d.BindingID == bindingID && (latest == nil || d.Seq > latest.Seq) {
			latest = d
		}
	}
	if latest == nil {
		return nil, nil
	}
	return copyDocument(latest), nil
}

func (m *memDocuments) LatestAccepted(ctx context.Context, bindingID uuid.UUID) (*domain.SyncDocument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *domain.SyncDocument
	for _, d := range m.items {
		if d.BindingID == bindingID && d.Status == domain.DocumentStatusAccepted &&
			(d.Operation == domain.OperationRegister || d.Operation == domain.OperationUpdate) &&
			(latest == nil || d.Seq > latest.Seq) {
			latest = d
		}
	}
	if latest == nil {
		return nil, nil
	}
	return copyDocument(latest), nil
}

func (m *memDocuments) ChainHead(ctx context.Context, scope domain.ChainScope, allowImperfect bool) (*domain.SyncDocument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var head *domain.SyncDocument
	for _, d := range m.items {
		if d.Scope() != scope || !d.HoldsChainSlot() || !d.IsValidPredecessor(allowImperfect) {
			continue
		}
		if head == nil || d.ChainIndex > head.ChainIndex {
			head = d
		}
	}
	if head == nil {
		return nil, nil
	}
	return copyDocument(head), nil
}

func (m *memDocuments) FindStale(ctx context.Context, integration domain.IntegrationCode, statuses []domain.DocumentStatus, olderThan time.Time, limit int) ([]domain.StaleDocument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.StaleDocument
	for _, d := range m.items {
		if d.Integration != integration {
			continue
		}
		at := d.CreatedAt
		if d.RespondedAt != nil {
			at = *d.RespondedAt
		}
		if !at.Before(olderThan) {
			continue
		}
		for _, s := range statuses {
			if d.Status == s {
				binding, err := m.bindings.FindByID(ctx, d.BindingID)
				if err != nil {
					return nil, err
				}
				out = append(out, domain.StaleDocument{Document: copyDocument(d), Binding: binding})
				break
			}
		}
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

var _ domain.DocumentRepository = (*memDocuments)(nil)

type memCredentials struct {
	mu    gosync.Mutex
	items map[string]*domain.Credential
}

func newMemCredentials() *memCredentials {
	return &memCredentials{items: map[string]*domain.Credential{}}
}

func credKey(integration domain.IntegrationCode, mode domain.Mode) string {
	return integration.String() + "/" + mode.String()
}

func (m *memCredentials) Get(ctx context.Context, integration domain.IntegrationCode, mode domain.Mode) (*domain.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.items[credKey(integration, mode)]; ok {
		cc := *c
		return &cc, nil
	}
	return nil, domain.ErrConfigMissing
}

func (m *memCredentials) Set(ctx context.Context, cred *domain.Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *cred
	m.items[credKey(cred.Integration, cred.Mode)] = &c
	return nil
}

func (m *memCredentials) RotateToken(ctx context.Context, integration domain.IntegrationCode, mode domain.Mode, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.items[credKey(integration, mode)]
	if !ok {
		return domain.ErrConfigMissing
	}
	c.CMCToken = token
	c.UpdatedAt = time.Now()
	return nil
}

var _ domain.CredentialStore = (*memCredentials)(nil)

// ---------------------------------------------------------------------------
// Scripted transport
// ---------------------------------------------------------------------------

type scriptedCall struct {
	resp *transport.Response
	err  error
}

// scriptSender replays a scripted response queue and records every
// request it saw
type scriptSender struct {
	mu       gosync.Mutex
	queue    []scriptedCall
	requests []*transport.Request
}

func (s *scriptSender) enqueue(resp *transport.Response, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, scriptedCall{resp: resp, err: err})
}

func (s *scriptSender) enqueueJSON(status int, body string) {
	s.enqueue(&transport.Response{
		StatusCode:  status,
		Body:        []byte(body),
		ContentType: "application/json",
		MIME:        domain.MIMEHintJSON,
	}, nil)
}

func (s *scriptSender) enqueueXML(status int, body string) {
	s.enqueue(&transport.Response{
		StatusCode:  status,
		Body:        []byte(body),
		ContentType: "application/xml",
		MIME:        domain.MIMEHintXML,
	}, nil)
}

func (s *scriptSender) Send(ctx context.Context, req *transport.Request) (*transport.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if len(s.queue) == 0 {
		return nil, domain.NewTransportError(domain.TransportKindConnection, 0, context.Canceled)
	}
	call := s.queue[0]
	s.queue = s.queue[1:]
	return call.resp, call.err
}

func (s *scriptSender) sent() []*transport.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*transport.Request(nil), s.requests...)
}

var _ transport.Sender = (*scriptSender)(nil)
