package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hatemosphere/agentic-gateway/internal/agents"
	"github.com/hatemosphere/agentic-gateway/internal/auth"
)

func paymentBody(orderID int64, tx string) string {
	return fmt.Sprintf(`{"order_id":%d,"transaction_id":%q}`, orderID, tx)
}

func refundBody(orderID int64, refundID string, amount float64) string {
	return fmt.Sprintf(`{"order_id":%d,"refund_id":%q,"amount":%g,"reason":"damaged"}`, orderID, refundID, amount)
}

func TestE2E_PaymentCompletionIsIdempotent(t *testing.T) {
	h := newHarness(t)
	orderID := h.seedOrder("processing", 25)

	resp := h.send(signedCall{path: "/agent-commerce/v1/payments/complete", body: paymentBody(orderID, "tx_1")})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "60", resp.Header.Get("X-RateLimit-Limit"))
	assert.Equal(t, "59", resp.Header.Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, resp.Header.Get("X-RateLimit-Reset"))
	var first SettlementResponse
	decode(t, resp, &first)
	assert.Equal(t, "success", first.Status)
	assert.False(t, first.AlreadyProcessed)
	assert.Equal(t, "completed", first.OrderStatus)

	// Redelivery with a fresh nonce is authenticated, then recognized.
	resp = h.send(signedCall{path: "/agent-commerce/v1/payments/complete", body: paymentBody(orderID, "tx_1")})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var second SettlementResponse
	decode(t, resp, &second)
	assert.True(t, second.AlreadyProcessed)
	assert.Equal(t, "ok", second.Status)

	resp = h.admin(http.MethodGet, "/api/admin/orders/"+strconv.FormatInt(orderID, 10), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var order struct {
		OrderView
		Notes []NoteView `json:"notes"`
	}
	decode(t, resp, &order)
	assert.True(t, order.IsPaid)
	assert.Equal(t, "tx_1", order.TransactionID)
	assert.Equal(t, testAgentID, order.CompletedBy)
	assert.Len(t, order.Notes, 1, "exactly one audit note for the completion")
}

func TestE2E_ReplayedRequestRejected(t *testing.T) {
	h := newHarness(t)
	orderID := h.seedOrder("pending", 10)

	call := signedCall{
		path:      "/agent-commerce/v1/payments/complete",
		body:      paymentBody(orderID, "tx_r"),
		timestamp: strconv.FormatInt(time.Now().Unix(), 10),
		nonce:     "nonce-fixed-1",
	}
	resp := h.send(call)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = h.send(call)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	code, _ := errorCode(t, resp)
	assert.Equal(t, string(auth.ReasonReplayDetected), code)
}

func TestE2E_WebhookScheme(t *testing.T) {
	h := newHarness(t)
	orderID := h.seedOrder("on-hold", 40)

	resp := h.send(signedCall{scheme: auth.SchemeWebhook, path: "/agentic/v1/payment-complete", body: paymentBody(orderID, "tx_w")})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = h.send(signedCall{scheme: auth.SchemeWebhook, path: "/agentic/v1/refund", body: refundBody(orderID, "rf_w", 15)})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out SettlementResponse
	decode(t, resp, &out)
	assert.Equal(t, "rf_w", out.RefundID)
	assert.Equal(t, "25.00", out.Remaining)

	// A header-scheme signature does not verify on the webhook route.
	resp = h.send(signedCall{
		scheme:    auth.SchemeWebhook,
		path:      "/agentic/v1/payment-complete",
		body:      paymentBody(orderID, "tx_w"),
		signature: "00",
	})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestE2E_RefundFlow(t *testing.T) {
	h := newHarness(t)
	orderID := h.seedOrder("processing", 25)
	resp := h.send(signedCall{path: "/agent-commerce/v1/payments/complete", body: paymentBody(orderID, "tx_1")})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = h.send(signedCall{path: "/agent-commerce/v1/refunds", body: refundBody(orderID, "rf_1", 10)})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out SettlementResponse
	decode(t, resp, &out)
	assert.False(t, out.AlreadyProcessed)
	assert.Equal(t, "15.00", out.Remaining)

	resp = h.send(signedCall{path: "/agent-commerce/v1/refunds", body: refundBody(orderID, "rf_1", 10)})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decode(t, resp, &out)
	assert.True(t, out.AlreadyProcessed)

	resp = h.send(signedCall{path: "/agent-commerce/v1/refunds", body: refundBody(orderID, "rf_2", 20)})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	code, details := errorCode(t, resp)
	assert.Equal(t, "amount_exceeds_remaining", code)
	assert.Equal(t, "15.00", details["remaining_refundable"])

	resp = h.send(signedCall{path: "/agent-commerce/v1/refunds", body: refundBody(orderID, "rf_3", 0)})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	code, _ = errorCode(t, resp)
	assert.Equal(t, "invalid_amount", code)

	resp = h.send(signedCall{path: "/agent-commerce/v1/refunds", body: refundBody(999999, "rf_4", 1)})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	code, _ = errorCode(t, resp)
	assert.Equal(t, "order_not_found", code)
}

func TestE2E_RefundRequiresCapability(t *testing.T) {
	h := newHarness(t)
	_, _, err := h.agents.Create(context.Background(), agents.CreateInput{
		ID: "no_refunds", Secret: "other_secret", Scopes: []string{"orders"}, Active: true,
	})
	require.NoError(t, err)
	orderID := h.seedOrder("processing", 25)
	resp := h.send(signedCall{agentID: "no_refunds", secret: "other_secret",
		path: "/agent-commerce/v1/payments/complete", body: paymentBody(orderID, "tx_1")})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = h.send(signedCall{agentID: "no_refunds", secret: "other_secret",
		path: "/agent-commerce/v1/refunds", body: refundBody(orderID, "rf_1", 5)})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	code, _ := errorCode(t, resp)
	assert.Equal(t, "refund_not_permitted", code)

	// agent_42 can refund, but it did not complete this order.
	resp = h.send(signedCall{path: "/agent-commerce/v1/refunds", body: refundBody(orderID, "rf_2", 5)})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestE2E_MethodMismatch(t *testing.T) {
	h := newHarness(t)
	resp := h.admin(http.MethodPost, "/api/admin/orders", map[string]any{"total": 5, "payment_method": "cod"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var o OrderView
	decode(t, resp, &o)

	resp = h.send(signedCall{path: "/agent-commerce/v1/payments/complete", body: paymentBody(o.ID, "tx_1")})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	code, _ := errorCode(t, resp)
	assert.Equal(t, "payment_method_mismatch", code)
}

func TestE2E_AuthRejections(t *testing.T) {
	h := newHarness(t)
	orderID := h.seedOrder("pending", 10)
	path := "/agent-commerce/v1/payments/complete"
	body := paymentBody(orderID, "tx_1")
	stale := strconv.FormatInt(time.Now().Add(-10*time.Minute).Unix(), 10)

	cases := []struct {
		name   string
		call   signedCall
		status int
		code   auth.Reason
	}{
		{"bad signature", signedCall{path: path, body: body, secret: "wrong"}, 401, auth.ReasonInvalidSignature},
		{"stale timestamp", signedCall{path: path, body: body, timestamp: stale}, 401, auth.ReasonStaleTimestamp},
		{"unknown agent", signedCall{path: path, body: body, agentID: "ghost"}, 401, auth.ReasonUnknownAgent},
		{"no agent", signedCall{path: path, body: body, agentID: "-"}, 401, auth.ReasonMissingCredentials},
		{"agent mismatch", signedCall{path: path, body: `{"agent_id":"other","order_id":1,"transaction_id":"t"}`}, 401, auth.ReasonMissingCredentials},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := h.send(tc.call)
			require.Equal(t, tc.status, resp.StatusCode)
			code, _ := errorCode(t, resp)
			assert.Equal(t, string(tc.code), code)
		})
	}

	order, err := h.db.GetOrder(context.Background(), orderID)
	require.NoError(t, err)
	assert.Nil(t, order.CompletedAt, "rejected requests never reach the ledger")

	events, err := h.db.ListEvents(context.Background(), 50)
	require.NoError(t, err)
	var failures int
	for _, e := range events {
		if e.Event == "auth_failed" {
			failures++
		}
	}
	assert.Equal(t, len(cases), failures)
}

func TestE2E_AgentIDFromBody(t *testing.T) {
	h := newHarness(t)
	orderID := h.seedOrder("pending", 10)
	body := fmt.Sprintf(`{"agent_id":%q,"order_id":%d,"transaction_id":"tx_b"}`, testAgentID, orderID)

	resp := h.send(signedCall{agentID: "-", path: "/agent-commerce/v1/payments/complete", body: body})
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestE2E_InsufficientScope(t *testing.T) {
	h := newHarness(t)
	_, _, err := h.agents.Create(context.Background(), agents.CreateInput{
		ID: "browser", Secret: "browser_secret", Scopes: []string{"catalog:read"}, Active: true,
	})
	require.NoError(t, err)

	resp := h.send(signedCall{agentID: "browser", secret: "browser_secret",
		path: "/agent-commerce/v1/payments/complete", body: paymentBody(1, "tx")})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	code, details := errorCode(t, resp)
	assert.Equal(t, string(auth.ReasonInsufficientScope), code)
	assert.Equal(t, []any{"orders:complete"}, details["missing_scopes"])
}

func TestE2E_RateLimited(t *testing.T) {
	policy := &auth.RoutePolicy{Routes: []auth.RouteRule{
		{Route: "/agent-commerce/v1/catalog/products", RateRule: auth.RateRule{Limit: 2, Window: time.Minute}},
	}}
	h := newHarness(t, WithRoutePolicy(policy))

	for i := range 2 {
		resp := h.send(signedCall{method: http.MethodGet, path: "/agent-commerce/v1/catalog/products"})
		require.Equal(t, http.StatusOK, resp.StatusCode, "request %d", i)
	}
	resp := h.send(signedCall{method: http.MethodGet, path: "/agent-commerce/v1/catalog/products"})
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "2", resp.Header.Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", resp.Header.Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	code, _ := errorCode(t, resp)
	assert.Equal(t, string(auth.ReasonRateLimited), code)

	// Other routes have their own bucket.
	resp = h.send(signedCall{method: http.MethodGet, path: "/agent-commerce/v1/catalog/products/wc_1"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestE2E_GzipBody(t *testing.T) {
	h := newHarness(t)
	orderID := h.seedOrder("pending", 10)

	resp := h.send(signedCall{path: "/agent-commerce/v1/payments/complete", body: paymentBody(orderID, "tx_gz"), gzip: true})
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestE2E_BodyTooLarge(t *testing.T) {
	h := newHarness(t, WithMaxBodyBytes(64))
	big := fmt.Sprintf(`{"order_id":1,"transaction_id":"tx","pad":%q}`, strings.Repeat("x", 100))

	resp := h.send(signedCall{path: "/agent-commerce/v1/payments/complete", body: big})
	require.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestE2E_InvalidPayloadAfterAuth(t *testing.T) {
	h := newHarness(t)

	resp := h.send(signedCall{path: "/agent-commerce/v1/payments/complete", body: `{"order_id":5}`})
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	code, _ := errorCode(t, resp)
	assert.Equal(t, "invalid_payload", code)

	// Unauthenticated callers learn nothing about the payload.
	resp = h.send(signedCall{path: "/agent-commerce/v1/payments/complete", body: `{"order_id":5}`, secret: "wrong"})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestE2E_ConcurrentDeliveries(t *testing.T) {
	h := newHarness(t)
	orderID := h.seedOrder("processing", 30)

	var wg sync.WaitGroup
	results := make([]SettlementResponse, 8)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp := h.send(signedCall{path: "/agent-commerce/v1/payments/complete", body: paymentBody(orderID, "tx_c")})
			if resp.StatusCode == http.StatusOK {
				_ = decodeInto(resp, &results[i])
			}
		}()
	}
	wg.Wait()

	applied := 0
	for _, r := range results {
		if r.Status == "success" {
			applied++
		}
	}
	assert.Equal(t, 1, applied, "exactly one delivery applies the completion")

	notes, err := h.db.ListOrderNotes(context.Background(), orderID)
	require.NoError(t, err)
	assert.Len(t, notes, 1)
}

func TestE2E_OrderEndpoints(t *testing.T) {
	h := newHarness(t)
	orderID := h.seedOrder("pending", 12.5)
	id := strconv.FormatInt(orderID, 10)

	resp := h.send(signedCall{method: http.MethodGet, path: "/agentic/v1/order-status/" + id})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status OrderStatusOutput
	decode(t, resp, &status.Body)
	assert.Equal(t, "pending", status.Body.Status)
	assert.False(t, status.Body.IsPaid)

	resp = h.send(signedCall{method: http.MethodGet, path: "/agent-commerce/v1/orders/" + id})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var view OrderView
	decode(t, resp, &view)
	assert.Equal(t, "12.50", view.Total)
	assert.Equal(t, "agentic", view.PaymentMethod)

	resp = h.send(signedCall{method: http.MethodGet, path: "/agentic/v1/order-status/424242"})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestE2E_Catalog(t *testing.T) {
	h := newHarness(t)
	resp := h.admin(http.MethodPost, "/api/admin/products", map[string]any{"name": "Mug", "sku": "MUG-1", "price": 9.99})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var p ProductSummary
	decode(t, resp, &p)
	assert.Equal(t, "wc_1", p.ID)

	resp = h.send(signedCall{method: http.MethodGet, path: "/agent-commerce/v1/catalog/products?page=1&per_page=10"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list ListProductsOutput
	decode(t, resp, &list.Body)
	require.Len(t, list.Body.Data, 1)
	assert.Equal(t, 9.99, list.Body.Data[0].Price.Amount)
	assert.True(t, list.Body.Data[0].InStock)
	assert.NotEmpty(t, list.Body.Meta.RequestID)

	resp = h.send(signedCall{method: http.MethodGet, path: "/agent-commerce/v1/catalog/products/wc_1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = h.send(signedCall{method: http.MethodGet, path: "/agent-commerce/v1/catalog/products/42"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	code, details := errorCode(t, resp)
	assert.Equal(t, "invalid_product_id", code)
	assert.Equal(t, "42", details["received"])
}

func TestE2E_AdminAgents(t *testing.T) {
	h := newHarness(t)

	req, _ := http.NewRequest(http.MethodGet, h.ts.URL+"/api/admin/agents", nil)
	resp, err := h.ts.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = h.admin(http.MethodPost, "/api/admin/agents", map[string]any{"id": "new_bot", "scopes": []string{"orders:read"}})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created struct {
		AgentView
		Secret string `json:"secret"`
	}
	decode(t, resp, &created)
	assert.True(t, created.Active)
	require.NotEmpty(t, created.Secret)

	// The generated secret signs requests immediately.
	orderID := h.seedOrder("pending", 1)
	resp = h.send(signedCall{agentID: "new_bot", secret: created.Secret, method: http.MethodGet,
		path: "/agentic/v1/order-status/" + strconv.FormatInt(orderID, 10)})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = h.admin(http.MethodPost, "/api/admin/agents", map[string]any{"id": "new_bot"})
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = h.admin(http.MethodGet, "/api/admin/agents", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list ListAgentsOutput
	decode(t, resp, &list.Body)
	assert.Len(t, list.Body.Agents, 2)
	for _, a := range list.Body.Agents {
		assert.NotContains(t, a.CredentialPrefix, testSecret)
	}

	// Deactivation takes effect on the next request.
	resp = h.admin(http.MethodPatch, "/api/admin/agents/new_bot", map[string]any{"active": false})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = h.send(signedCall{agentID: "new_bot", secret: created.Secret, method: http.MethodGet,
		path: "/agentic/v1/order-status/" + strconv.FormatInt(orderID, 10)})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = h.admin(http.MethodPost, "/api/admin/agents/new_bot/rotate", map[string]any{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var rotated struct {
		Secret string `json:"secret"`
	}
	decode(t, resp, &rotated)
	assert.NotEqual(t, created.Secret, rotated.Secret)

	resp = h.admin(http.MethodDelete, "/api/admin/agents/new_bot", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = h.admin(http.MethodGet, "/api/admin/agents/new_bot", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestE2E_AdminEvents(t *testing.T) {
	h := newHarness(t)
	orderID := h.seedOrder("pending", 10)
	resp := h.send(signedCall{path: "/agent-commerce/v1/payments/complete", body: paymentBody(orderID, "tx_e")})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = h.admin(http.MethodGet, "/api/admin/events?limit=10", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out ListEventsOutput
	decode(t, resp, &out.Body)
	require.NotEmpty(t, out.Body.Events)
	assert.Equal(t, "payment_completed", out.Body.Events[0].Event)
	assert.Equal(t, orderID, out.Body.Events[0].OrderID)
}

func TestE2E_HealthAndRequestID(t *testing.T) {
	h := newHarness(t)
	for _, path := range []string{"/agent-commerce/v1/health", "/healthz", "/readyz"} {
		resp, err := h.ts.Client().Get(h.ts.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
		assert.NotEmpty(t, resp.Header.Get("X-Request-Id"))
	}

	req, _ := http.NewRequest(http.MethodGet, h.ts.URL+"/healthz", nil)
	req.Header.Set("X-Request-Id", "req-123")
	resp, err := h.ts.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "req-123", resp.Header.Get("X-Request-Id"))

	resp, err = h.ts.Client().Get(h.ts.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestE2E_AdminDisabledWithoutCredentials(t *testing.T) {
	h := newHarness(t, func(s *Server) { s.adminToken = "" })

	resp, err := h.ts.Client().Get(h.ts.URL + "/api/admin/agents")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
