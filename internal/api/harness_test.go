package api

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	stdjson "encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/hatemosphere/agentic-gateway/internal/agents"
	"github.com/hatemosphere/agentic-gateway/internal/audit"
	"github.com/hatemosphere/agentic-gateway/internal/auth"
	"github.com/hatemosphere/agentic-gateway/internal/gziputil"
	"github.com/hatemosphere/agentic-gateway/internal/secrets"
	"github.com/hatemosphere/agentic-gateway/internal/settlement"
	"github.com/hatemosphere/agentic-gateway/internal/storage"
)

const (
	testAgentID    = "agent_42"
	testSecret     = "test_secret"
	testAdminToken = "admin-token-for-tests"
)

func init() {
	audit.Enabled = false
}

// harness boots the full router over httptest with a SQLite store and the
// in-memory nonce store and rate limiter.
type harness struct {
	t      *testing.T
	ts     *httptest.Server
	srv    *Server
	db     *storage.SQLiteStore
	agents *agents.Service
}

func newHarness(t *testing.T, opts ...ServerOption) *harness {
	t.Helper()
	db, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "gateway.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	provider, err := secrets.NewLocalProvider(bytes.Repeat([]byte{7}, 32))
	require.NoError(t, err)
	svc := agents.NewService(db, secrets.NewVault(provider))
	registry := auth.NewCachedRegistry(svc, 64, 0)
	svc.OnChange(registry.Invalidate)

	_, _, err = svc.Create(context.Background(), agents.CreateInput{
		ID:        testAgentID,
		Secret:    testSecret,
		Scopes:    []string{"orders:*", "catalog:read"},
		CanRefund: true,
		Active:    true,
	})
	require.NoError(t, err)

	pipeline := auth.NewPipeline(auth.PipelineConfig{
		Registry:            registry,
		Nonces:              auth.NewMemoryNonceStore(),
		Limiter:             auth.NewMemoryRateLimiter(),
		WebhookRequireNonce: true,
	})
	ledger := settlement.NewLedger(db, settlement.Config{Events: db})

	opts = append([]ServerOption{WithAgentService(svc), WithAdminToken(testAdminToken)}, opts...)
	srv := NewServer(db, pipeline, ledger, opts...)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	return &harness{t: t, ts: ts, srv: srv, db: db, agents: svc}
}

// signedCall describes one agent request. Zero values are filled in by send.
type signedCall struct {
	method    string
	path      string
	body      string
	scheme    auth.Scheme
	agentID   string
	secret    string
	timestamp string
	nonce     string
	signature string
	gzip      bool
	headers   map[string]string
}

func (h *harness) send(c signedCall) *http.Response {
	h.t.Helper()
	if c.method == "" {
		c.method = http.MethodPost
	}
	if c.scheme == "" {
		c.scheme = auth.SchemeHeader
	}
	if c.agentID == "" {
		c.agentID = testAgentID
	}
	if c.secret == "" {
		c.secret = testSecret
	}
	if c.timestamp == "" {
		c.timestamp = strconv.FormatInt(time.Now().Unix(), 10)
	}
	if c.nonce == "" {
		c.nonce = uuid.NewString()
	}
	if c.signature == "" {
		mac := hmac.New(sha256.New, []byte(c.secret))
		route, _, _ := strings.Cut(c.path, "?")
		mac.Write(auth.Encode(c.scheme, c.method, route, []byte(c.body), c.timestamp, c.nonce))
		c.signature = hex.EncodeToString(mac.Sum(nil))
	}

	var body io.Reader
	if c.body != "" {
		raw := []byte(c.body)
		if c.gzip {
			var err error
			raw, err = gziputil.Compress(raw)
			require.NoError(h.t, err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(c.method, h.ts.URL+c.path, body)
	require.NoError(h.t, err)
	req.Header.Set("Content-Type", "application/json")
	if c.gzip {
		req.Header.Set("Content-Encoding", "gzip")
	}
	if c.agentID != "-" {
		req.Header.Set(headerAgentID, c.agentID)
	}
	if c.scheme == auth.SchemeWebhook {
		req.Header.Set(webhookSignature, c.signature)
		req.Header.Set(webhookTimestamp, c.timestamp)
		req.Header.Set(webhookNonce, c.nonce)
	} else {
		req.Header.Set(headerSignature, c.signature)
		req.Header.Set(headerTimestamp, c.timestamp)
		req.Header.Set(headerNonce, c.nonce)
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := h.ts.Client().Do(req)
	require.NoError(h.t, err)
	h.t.Cleanup(func() { resp.Body.Close() })
	return resp
}

// admin calls the admin API with the test token.
func (h *harness) admin(method, path string, body any) *http.Response {
	h.t.Helper()
	var r io.Reader
	if body != nil {
		data, err := stdjson.Marshal(body)
		require.NoError(h.t, err)
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, h.ts.URL+path, r)
	require.NoError(h.t, err)
	req.Header.Set("Authorization", "Bearer "+testAdminToken)
	req.Header.Set("Content-Type", "application/json")
	resp, err := h.ts.Client().Do(req)
	require.NoError(h.t, err)
	h.t.Cleanup(func() { resp.Body.Close() })
	return resp
}

// seedOrder creates an order through the admin API and returns its ID.
func (h *harness) seedOrder(status string, total float64) int64 {
	h.t.Helper()
	resp := h.admin(http.MethodPost, "/api/admin/orders", map[string]any{"status": status, "total": total})
	require.Equal(h.t, http.StatusCreated, resp.StatusCode)
	var o OrderView
	decode(h.t, resp, &o)
	return o.ID
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	require.NoError(t, decodeInto(resp, v))
}

// decodeInto is decode for goroutines, where require cannot stop the test.
func decodeInto(resp *http.Response, v any) error {
	return stdjson.NewDecoder(resp.Body).Decode(v)
}

// errorCode decodes an error envelope and returns its code.
func errorCode(t *testing.T, resp *http.Response) (string, map[string]any) {
	t.Helper()
	var env struct {
		Error ErrorBody `json:"error"`
	}
	decode(t, resp, &env)
	return env.Error.Code, env.Error.Details
}
