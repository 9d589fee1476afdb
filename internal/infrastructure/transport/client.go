package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/erp/synccore/internal/domain/sync"
	"github.com/erp/synccore/internal/infrastructure/logger"
	"go.uber.org/zap"
)

// defaultTimeout bounds one round-trip when neither the endpoint nor the
// request specifies one
const defaultTimeout = 30 * time.Second

// maxResponseBytes caps response reads; remote faults are small, HTML error
// pages occasionally are not
const maxResponseBytes = 4 << 20

// Request is one outbound submission handed to the transport
type Request struct {
	Integration sync.IntegrationCode
	Mode        sync.Mode
	Operation   sync.Operation
	Body        []byte
	ContentType string
	// IdempotencyKey is sent as the Idempotency-Key header when set
	IdempotencyKey string
	// AuthExpiredCodes is the integration's error code table; a response
	// carrying one triggers a single re-authenticated retry
	AuthExpiredCodes []string
}

// Response is the raw outcome of a completed round-trip
type Response struct {
	StatusCode  int
	Body        []byte
	ContentType string
	MIME        sync.MIMEHint
	Header      http.Header
}

// Sender is the outbound port the orchestrator sends through
type Sender interface {
	Send(ctx context.Context, req *Request) (*Response, error)
}

// Reauthorizer refreshes an integration's credentials after an
// authentication-expired response. Optional; when absent the retry simply
// re-reads the credential store.
type Reauthorizer interface {
	Reauthorize(ctx context.Context, integration sync.IntegrationCode, mode sync.Mode) error
}

// Client is the production HTTP transport. It resolves endpoints, applies
// credentials, normalizes failures into the TransportError taxonomy and
// detects rotated CMC tokens via response headers.
type Client struct {
	resolver    sync.EndpointResolver
	credentials sync.CredentialStore
	reauth      Reauthorizer
	demo        *DemoResponder
	logger      *zap.Logger

	base *http.Client
}

// ClientOption configures a Client
type ClientOption func(*Client)

// WithReauthorizer installs a credential refresh hook
func WithReauthorizer(r Reauthorizer) ClientOption {
	return func(c *Client) { c.reauth = r }
}

// WithDemoResponder installs the canned responder used for DEMO mode
func WithDemoResponder(d *DemoResponder) ClientOption {
	return func(c *Client) { c.demo = d }
}

// WithHTTPClient overrides the base HTTP client (tests)
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) { c.base = h }
}

// NewClient creates a transport client
func NewClient(resolver sync.EndpointResolver, credentials sync.CredentialStore, zapLogger *zap.Logger, opts ...ClientOption) *Client {
	c := &Client{
		resolver:    resolver,
		credentials: credentials,
		logger:      zapLogger.Named("transport"),
		base:        &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Send performs one submission round-trip. Completed exchanges return a
// Response regardless of status code so the caller can classify the body;
// 5xx responses additionally return a TransportError because they are
// retryable. Network-level failures return only the TransportError.
func (c *Client) Send(ctx context.Context, req *Request) (*Response, error) {
	if req.Mode == sync.ModeDemo {
		if c.demo == nil {
			return nil, sync.ErrConfigMissing
		}
		return c.demo.Respond(req)
	}

	resp, err := c.roundTrip(ctx, req)
	if err != nil {
		return resp, err
	}

	if len(req.AuthExpiredCodes) > 0 && matchesAuthCode(resp.Body, req.AuthExpiredCodes) {
		logger.WithLogger(ctx, c.logger).Warn("auth expired, retrying once",
			zap.String("integration", string(req.Integration)),
			zap.String("operation", string(req.Operation)))
		if c.reauth != nil {
			if rerr := c.reauth.Reauthorize(ctx, req.Integration, req.Mode); rerr != nil {
				return resp, fmt.Errorf("reauthorization failed: %w", rerr)
			}
		}
		retried, err := c.roundTrip(ctx, req)
		if err != nil {
			return retried, err
		}
		if matchesAuthCode(retried.Body, req.AuthExpiredCodes) {
			return retried, sync.ErrAuthExpired
		}
		return retried, nil
	}

	return resp, nil
}

func (c *Client) roundTrip(ctx context.Context, req *Request) (*Response, error) {
	endpoint, err := c.resolver.Resolve(req.Integration, req.Mode, req.Operation)
	if err != nil {
		return nil, err
	}
	cred, err := c.credentials.Get(ctx, req.Integration, req.Mode)
	if err != nil {
		return nil, err
	}

	httpClient, err := c.clientFor(endpoint, cred)
	if err != nil {
		return nil, sync.NewTransportError(sync.TransportKindTLS, 0, err)
	}

	timeout := endpoint.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, endpoint.Method, endpoint.URL, bytes.NewReader(req.Body))
	if err != nil {
		return nil, err
	}
	if req.ContentType != "" {
		httpReq.Header.Set("Content-Type", req.ContentType)
	}
	for k, v := range endpoint.Headers {
		httpReq.Header.Set(k, v)
	}
	if cred.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+cred.APIKey)
	}
	if cred.CMCToken != "" {
		httpReq.Header.Set("X-CMC-Token", cred.CMCToken)
	}
	if req.IdempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	}

	started := time.Now()
	httpResp, err := httpClient.Do(httpReq)
	if err != nil {
		return nil, normalizeError(err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return nil, normalizeError(err)
	}

	contentType := httpResp.Header.Get("Content-Type")
	resp := &Response{
		StatusCode:  httpResp.StatusCode,
		Body:        body,
		ContentType: contentType,
		MIME:        sync.DetectMIME(contentType, body),
		Header:      httpResp.Header,
	}

	logger.WithLogger(ctx, c.logger).Debug("round-trip completed",
		zap.String("integration", string(req.Integration)),
		zap.String("operation", string(req.Operation)),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(started)))

	if httpResp.StatusCode >= 500 {
		return resp, sync.NewTransportError(sync.TransportKindHTTPError, httpResp.StatusCode,
			fmt.Errorf("remote returned %s", httpResp.Status))
	}
	return resp, nil
}

// clientFor returns the base client, or an mTLS variant for endpoints that
// require a client certificate. Legacy registry endpoints reject DH key
// exchange, so the cipher list is pinned to RSA suites on TLS 1.2.
func (c *Client) clientFor(endpoint *sync.Endpoint, cred *sync.Credential) (*http.Client, error) {
	if !endpoint.RequireClientCert {
		return c.base, nil
	}
	if !cred.HasClientCert() {
		return nil, errors.New("endpoint requires a client certificate but none is configured")
	}
	pair, err := tls.X509KeyPair(cred.ClientCert, cred.ClientKey)
	if err != nil {
		return nil, err
	}
	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{pair},
		MinVersion:   tls.VersionTLS12,
		MaxVersion:   tls.VersionTLS12,
		CipherSuites: []uint16{
			tls.TLS_RSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_RSA_WITH_AES_128_CBC_SHA,
			tls.TLS_RSA_WITH_AES_256_CBC_SHA,
		},
	}
	return &http.Client{
		Timeout:   c.base.Timeout,
		Transport: &http.Transport{TLSClientConfig: tlsCfg},
	}, nil
}

// normalizeError maps network failures onto the TransportError taxonomy
func normalizeError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return sync.NewTransportError(sync.TransportKindTimeout, 0, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return sync.NewTransportError(sync.TransportKindTimeout, 0, err)
	}

	var recordErr tls.RecordHeaderError
	var certErr *tls.CertificateVerificationError
	var unknownAuthErr x509.UnknownAuthorityError
	var hostnameErr x509.HostnameError
	if errors.As(err, &recordErr) || errors.As(err, &certErr) ||
		errors.As(err, &unknownAuthErr) || errors.As(err, &hostnameErr) ||
		strings.Contains(err.Error(), "tls:") {
		return sync.NewTransportError(sync.TransportKindTLS, 0, err)
	}

	return sync.NewTransportError(sync.TransportKindConnection, 0, err)
}

// matchesAuthCode scans a response body for an integration's
// authentication-expired codes. The scan is shape-agnostic so JSON and XML
// envelopes need no dedicated parse here; codes match as whole tokens only.
func matchesAuthCode(body []byte, codes []string) bool {
	for _, code := range codes {
		if code == "" {
			continue
		}
		re, err := regexp.Compile(`(^|[^0-9A-Za-z])` + regexp.QuoteMeta(code) + `([^0-9A-Za-z]|$)`)
		if err != nil {
			continue
		}
		if re.Match(body) {
			return true
		}
	}
	return false
}

var _ Sender = (*Client)(nil)
