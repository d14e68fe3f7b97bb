package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/hatemosphere/agentic-gateway/internal/auth"
	"github.com/hatemosphere/agentic-gateway/internal/settlement"
)

// Scopes required by the agent operations. A route policy file may replace them.
const (
	scopeOrdersComplete = "orders:complete"
	scopeOrdersRefund   = "orders:refund"
	scopeOrdersRead     = "orders:read"
	scopeCatalogRead    = "catalog:read"
)

func (s *Server) registerSettlement(api huma.API) {
	// The same handlers serve both signing schemes: header-signed requests
	// under /agent-commerce/v1 and webhook deliveries under /agentic/v1.
	for _, route := range []struct {
		scheme  auth.Scheme
		suffix  string
		payment string
		refund  string
	}{
		{auth.SchemeHeader, "", "/agent-commerce/v1/payments/complete", "/agent-commerce/v1/refunds"},
		{auth.SchemeWebhook, "Webhook", "/agentic/v1/payment-complete", "/agentic/v1/refund"},
	} {
		huma.Register(api, signed(huma.Operation{
			OperationID: "completePayment" + route.suffix,
			Method:      http.MethodPost,
			Path:        route.payment,
			Tags:        []string{"Settlement"},
			Errors:      []int{400, 404, 422},
		}, route.scheme, scopeOrdersComplete), s.handleCompletePayment)

		huma.Register(api, signed(huma.Operation{
			OperationID: "refund" + route.suffix,
			Method:      http.MethodPost,
			Path:        route.refund,
			Tags:        []string{"Settlement"},
			Errors:      []int{400, 404, 422},
		}, route.scheme, scopeOrdersRefund), s.handleRefund)
	}
}

func (s *Server) handleCompletePayment(ctx context.Context, input *PaymentCompleteInput) (*SettlementOutput, error) {
	agent := auth.AgentFromContext(ctx)
	if agent == nil {
		return nil, huma.Error401Unauthorized("agent authentication required")
	}

	res, err := s.ledger.CompletePayment(ctx, settlement.PaymentCompletion{
		OrderID:       input.Body.OrderID,
		TransactionID: input.Body.TransactionID,
		AgentID:       agent.AgentID,
	})
	if err != nil {
		return nil, internalError(err)
	}
	settlementOutcomesTotal.WithLabelValues("payment_complete", string(res.Outcome)).Inc()
	if !res.Outcome.Succeeded() {
		return nil, settlementError(res)
	}

	out := &SettlementOutput{}
	out.Body = SettlementResponse{
		Status:           "success",
		OrderID:          res.OrderID,
		TransactionID:    res.TransactionID,
		AlreadyProcessed: res.Outcome == settlement.AlreadyApplied,
		Message:          "Payment completed",
		OrderStatus:      res.Status,
	}
	if out.Body.AlreadyProcessed {
		out.Body.Status = "ok"
		out.Body.Message = "Order already processed"
	}
	return out, nil
}

func (s *Server) handleRefund(ctx context.Context, input *RefundInput) (*SettlementOutput, error) {
	agent := auth.AgentFromContext(ctx)
	if agent == nil {
		return nil, huma.Error401Unauthorized("agent authentication required")
	}

	res, err := s.ledger.Refund(ctx, settlement.RefundRequest{
		OrderID:   input.Body.OrderID,
		RefundID:  input.Body.RefundID,
		Amount:    settlement.MinorUnits(input.Body.Amount),
		Reason:    input.Body.Reason,
		AgentID:   agent.AgentID,
		CanRefund: agent.CanRefund,
	})
	if errors.Is(err, settlement.ErrInvalidAmount) {
		return nil, newAgentError(http.StatusBadRequest, "invalid_amount", err.Error(), nil)
	}
	if err != nil {
		return nil, internalError(err)
	}
	settlementOutcomesTotal.WithLabelValues("refund", string(res.Outcome)).Inc()
	if !res.Outcome.Succeeded() {
		return nil, settlementError(res)
	}

	out := &SettlementOutput{}
	out.Body = SettlementResponse{
		Status:           "success",
		OrderID:          res.OrderID,
		RefundID:         res.RefundID,
		AlreadyProcessed: res.Outcome == settlement.AlreadyApplied,
		Message:          "Refund processed",
		OrderStatus:      res.Status,
		Remaining:        settlement.FormatAmount(res.Remaining, ""),
	}
	if out.Body.AlreadyProcessed {
		out.Body.Status = "ok"
		out.Body.Message = "Refund already processed"
	}
	return out, nil
}

// settlementError maps a business-rule outcome to the error envelope.
func settlementError(res *settlement.Result) error {
	details := map[string]any{"order_id": res.OrderID}
	if res.Detail != "" {
		details["reason"] = res.Detail
	}
	switch res.Outcome {
	case settlement.NotFound:
		return newAgentError(http.StatusNotFound, "order_not_found", "Order not found", details)
	case settlement.MethodMismatch:
		return newAgentError(http.StatusBadRequest, "payment_method_mismatch", "Order was not placed with this payment method", details)
	case settlement.Forbidden:
		return newAgentError(http.StatusForbidden, "refund_not_permitted", "Agent may not refund this order", details)
	case settlement.AmountExceedsRemaining:
		details["remaining_refundable"] = settlement.FormatAmount(res.Remaining, "")
		return newAgentError(http.StatusBadRequest, "amount_exceeds_remaining", "Refund amount exceeds the remaining refundable amount", details)
	default:
		return newAgentError(http.StatusInternalServerError, "internal_error", "unexpected settlement outcome", nil)
	}
}
