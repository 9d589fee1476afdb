package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/erp/synccore/internal/domain/sync"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// stubCredentialStore serves a fixed credential
type stubCredentialStore struct {
	cred *sync.Credential
}

func (s *stubCredentialStore) Get(ctx context.Context, integration sync.IntegrationCode, mode sync.Mode) (*sync.Credential, error) {
	if s.cred == nil {
		return nil, sync.ErrConfigMissing
	}
	return s.cred, nil
}

func (s *stubCredentialStore) Set(ctx context.Context, cred *sync.Credential) error {
	s.cred = cred
	return nil
}

func (s *stubCredentialStore) RotateToken(ctx context.Context, integration sync.IntegrationCode, mode sync.Mode, token string) error {
	s.cred.CMCToken = token
	return nil
}

func resolverFor(url string, timeout time.Duration) sync.EndpointResolver {
	return sync.NewStaticEndpointResolver(map[sync.IntegrationCode]map[sync.Mode]map[sync.Operation]sync.Endpoint{
		sync.IntegrationCodeIssuing: {
			sync.ModeTest: {
				sync.OperationRegister: {URL: url, Method: http.MethodPost, Timeout: timeout},
			},
		},
	})
}

func newTestClient(url string, timeout time.Duration, opts ...ClientOption) *Client {
	creds := &stubCredentialStore{cred: &sync.Credential{
		Integration: sync.IntegrationCodeIssuing,
		Mode:        sync.ModeTest,
		APIKey:      "api-key-1",
		CMCToken:    "cmc-1",
	}}
	return NewClient(resolverFor(url, timeout), creds, zap.NewNop(), opts...)
}

func registerReq() *Request {
	return &Request{
		Integration:    sync.IntegrationCodeIssuing,
		Mode:           sync.ModeTest,
		Operation:      sync.OperationRegister,
		Body:           []byte(`{"cardholder":"Jane Doe"}`),
		ContentType:    "application/json",
		IdempotencyKey: "idem-1",
	}
}

func TestClient_Send(t *testing.T) {
	var gotHeaders http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"ic_001","status":"active"}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL, 0)
	resp, err := client.Send(context.Background(), registerReq())
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, sync.MIMEHintJSON, resp.MIME)
	assert.Contains(t, string(resp.Body), "ic_001")

	assert.Equal(t, "Bearer api-key-1", gotHeaders.Get("Authorization"))
	assert.Equal(t, "cmc-1", gotHeaders.Get("X-CMC-Token"))
	assert.Equal(t, "idem-1", gotHeaders.Get("Idempotency-Key"))
	assert.Equal(t, "application/json", gotHeaders.Get("Content-Type"))
}

func TestClient_Send_ClientErrorIsClassifiable(t *testing.T) {
	// 4xx bodies carry fault envelopes or HTML pages the classifier owns,
	// so the exchange is not a transport failure
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte("<html><h1>Access denied</h1></html>"))
	}))
	defer server.Close()

	client := newTestClient(server.URL, 0)
	resp, err := client.Send(context.Background(), registerReq())
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, sync.MIMEHintHTML, resp.MIME)
}

func TestClient_Send_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer server.Close()

	client := newTestClient(server.URL, 0)
	resp, err := client.Send(context.Background(), registerReq())
	require.Error(t, err)
	require.True(t, sync.IsTransportError(err))

	var te *sync.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, sync.TransportKindHTTPError, te.Kind)
	assert.Equal(t, http.StatusBadGateway, te.StatusCode)

	// The body still travels with the error for diagnostics
	require.NotNil(t, resp)
	assert.Contains(t, string(resp.Body), "boom")
}

func TestClient_Send_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	defer server.Close()

	client := newTestClient(server.URL, 50*time.Millisecond)
	_, err := client.Send(context.Background(), registerReq())
	require.Error(t, err)

	var te *sync.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, sync.TransportKindTimeout, te.Kind)
}

func TestClient_Send_ConnectionRefused(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	client := newTestClient(url, 0)
	_, err := client.Send(context.Background(), registerReq())
	require.Error(t, err)

	var te *sync.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, sync.TransportKindConnection, te.Kind)
}

// recordingReauthorizer counts refresh calls
type recordingReauthorizer struct {
	calls int
}

func (r *recordingReauthorizer) Reauthorize(ctx context.Context, integration sync.IntegrationCode, mode sync.Mode) error {
	r.calls++
	return nil
}

func TestClient_Send_AuthExpiredRetry(t *testing.T) {
	var hits int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Header().Set("Content-Type", "application/xml")
		if hits == 1 {
			w.Write([]byte(`<Fault><Codigo>1005</Codigo><Descripcion>token caducado</Descripcion></Fault>`))
			return
		}
		w.Write([]byte(`<Respuesta><Estado>Correcto</Estado></Respuesta>`))
	}))
	defer server.Close()

	reauth := &recordingReauthorizer{}
	client := newTestClient(server.URL, 0, WithReauthorizer(reauth))

	req := registerReq()
	req.AuthExpiredCodes = []string{"1005"}
	resp, err := client.Send(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, 2, hits)
	assert.Equal(t, 1, reauth.calls)
	assert.Contains(t, string(resp.Body), "Correcto")
}

func TestClient_Send_AuthExpiredTwice(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<Fault><Codigo>1005</Codigo></Fault>`))
	}))
	defer server.Close()

	client := newTestClient(server.URL, 0)
	req := registerReq()
	req.AuthExpiredCodes = []string{"1005"}

	_, err := client.Send(context.Background(), req)
	assert.ErrorIs(t, err, sync.ErrAuthExpired)
}

func TestMatchesAuthCode(t *testing.T) {
	codes := []string{"1005"}

	assert.True(t, matchesAuthCode([]byte(`<Codigo>1005</Codigo>`), codes))
	assert.True(t, matchesAuthCode([]byte(`{"code":"1005"}`), codes))
	assert.False(t, matchesAuthCode([]byte(`{"code":"21005"}`), codes))
	assert.False(t, matchesAuthCode([]byte(`{"code":"10051"}`), codes))
	assert.False(t, matchesAuthCode([]byte(`all good`), codes))
	assert.False(t, matchesAuthCode([]byte(`1005`), nil))
}

func TestClient_Send_MissingEndpoint(t *testing.T) {
	client := newTestClient("http://unused", 0)
	req := registerReq()
	req.Operation = sync.OperationCancel

	_, err := client.Send(context.Background(), req)
	assert.ErrorIs(t, err, sync.ErrConfigMissing)
}

func TestDemoResponder(t *testing.T) {
	demo := NewDemoResponder()
	demo.Register(sync.IntegrationCodeIssuing, sync.OperationRegister, func(req *Request) *Response {
		return &Response{
			StatusCode:  http.StatusOK,
			Body:        []byte(`{"id":"demo_1"}`),
			ContentType: "application/json",
		}
	})

	client := newTestClient("http://unused", 0, WithDemoResponder(demo))

	t.Run("Registered operation", func(t *testing.T) {
		req := registerReq()
		req.Mode = sync.ModeDemo
		resp, err := client.Send(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, sync.MIMEHintJSON, resp.MIME)
		assert.Contains(t, string(resp.Body), "demo_1")
	})

	t.Run("Unregistered operation", func(t *testing.T) {
		req := registerReq()
		req.Mode = sync.ModeDemo
		req.Operation = sync.OperationCancel
		_, err := client.Send(context.Background(), req)
		assert.ErrorIs(t, err, sync.ErrConfigMissing)
	})

	t.Run("No responder configured", func(t *testing.T) {
		bare := newTestClient("http://unused", 0)
		req := registerReq()
		req.Mode = sync.ModeDemo
		_, err := bare.Send(context.Background(), req)
		assert.ErrorIs(t, err, sync.ErrConfigMissing)
	})
}
