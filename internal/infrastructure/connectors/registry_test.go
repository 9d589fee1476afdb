package connectors

import (
	"testing"
	"time"

	"github.com/erp/synccore/internal/domain/sync"
	"github.com/erp/synccore/internal/infrastructure/config"
	"github.com/erp/synccore/internal/infrastructure/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.Config {
	return &config.Config{
		Integrations: []config.IntegrationConfig{
			{
				Code: "ISSUING",
				Mode: "TEST",
				Endpoints: map[string]string{
					"register": "https://api.issuing.test/v1/cards",
					"update":   "https://api.issuing.test/v1/cards/update",
					"cancel":   "https://api.issuing.test/v1/cards/cancel",
					"query":    "https://api.issuing.test/v1/cards/query",
					"search":   "https://api.issuing.test/v1/cards/search",
				},
				Timeout:       10 * time.Second,
				WebhookSecret: "whsec_a",
			},
			{
				Code: "einvoice",
				Mode: "live",
				Endpoints: map[string]string{
					"register": "https://registry.tax.example/alta",
					"cancel":   "https://registry.tax.example/anulacion",
					"query":    "https://registry.tax.example/consulta",
				},
				WebhookSecret:     "whsec_b",
				RequireClientCert: true,
				BackoffBase:       time.Minute,
				BackoffCap:        30 * time.Minute,
			},
		},
	}
}

func TestBuild(t *testing.T) {
	built, err := Build(testConfig())
	require.NoError(t, err)

	t.Run("Issuing capability", func(t *testing.T) {
		c, err := built.Registry.Get(sync.IntegrationCodeIssuing)
		require.NoError(t, err)
		assert.Equal(t, sync.ModeTest, c.Mode)
		assert.False(t, c.Chained)
		assert.NotNil(t, c.Codec)
		assert.NotNil(t, c.Webhook)
	})

	t.Run("EInvoice capability is chained with auth code table", func(t *testing.T) {
		c, err := built.Registry.Get(sync.IntegrationCodeEInvoice)
		require.NoError(t, err)
		assert.Equal(t, sync.ModeLive, c.Mode)
		assert.True(t, c.Chained)
		assert.Equal(t, []string{"1005"}, c.AuthExpiredCodes)
		assert.Equal(t, time.Minute, c.BackoffBase)
	})

	t.Run("Endpoint resolution", func(t *testing.T) {
		ep, err := built.Resolver.Resolve(sync.IntegrationCodeIssuing, sync.ModeTest, sync.OperationSearch)
		require.NoError(t, err)
		assert.Equal(t, "https://api.issuing.test/v1/cards/search", ep.URL)
		assert.Equal(t, 10*time.Second, ep.Timeout)

		ep, err = built.Resolver.Resolve(sync.IntegrationCodeEInvoice, sync.ModeLive, sync.OperationRegister)
		require.NoError(t, err)
		assert.True(t, ep.RequireClientCert)

		_, err = built.Resolver.Resolve(sync.IntegrationCodeEInvoice, sync.ModeLive, sync.OperationSearch)
		assert.ErrorIs(t, err, sync.ErrConfigMissing)

		_, err = built.Resolver.Resolve(sync.IntegrationCodeIssuing, sync.ModeLive, sync.OperationRegister)
		assert.ErrorIs(t, err, sync.ErrConfigMissing)
	})
}

func TestBuild_DemoMode(t *testing.T) {
	cfg := &config.Config{
		Integrations: []config.IntegrationConfig{
			{Code: "ISSUING", Mode: "DEMO"},
		},
	}
	built, err := Build(cfg)
	require.NoError(t, err)

	c, err := built.Registry.Get(sync.IntegrationCodeIssuing)
	require.NoError(t, err)
	assert.Equal(t, sync.ModeDemo, c.Mode)

	resp, err := built.Demo.Respond(&transport.Request{
		Integration: sync.IntegrationCodeIssuing,
		Mode:        sync.ModeDemo,
		Operation:   sync.OperationRegister,
		Body:        []byte(`{"metadata":{"local_ref":"CARD_1"}}`),
	})
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
}

func TestBuild_Rejections(t *testing.T) {
	t.Run("Unknown integration", func(t *testing.T) {
		cfg := &config.Config{Integrations: []config.IntegrationConfig{{Code: "CRM", Mode: "TEST"}}}
		_, err := Build(cfg)
		assert.ErrorContains(t, err, "unknown integration")
	})

	t.Run("Unknown mode", func(t *testing.T) {
		cfg := &config.Config{Integrations: []config.IntegrationConfig{{Code: "ISSUING", Mode: "STAGING"}}}
		_, err := Build(cfg)
		assert.ErrorContains(t, err, "unknown mode")
	})

	t.Run("Missing register endpoint", func(t *testing.T) {
		cfg := &config.Config{Integrations: []config.IntegrationConfig{{
			Code:      "ISSUING",
			Mode:      "TEST",
			Endpoints: map[string]string{"query": "https://api.issuing.test/v1/cards/query"},
		}}}
		_, err := Build(cfg)
		assert.ErrorContains(t, err, "no register endpoint")
	})

	t.Run("Unknown endpoint key", func(t *testing.T) {
		cfg := &config.Config{Integrations: []config.IntegrationConfig{{
			Code:      "ISSUING",
			Mode:      "TEST",
			Endpoints: map[string]string{"register": "https://x", "refund": "https://y"},
		}}}
		_, err := Build(cfg)
		assert.ErrorContains(t, err, "unknown endpoint key")
	})
}
