package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/hatemosphere/agentic-gateway/internal/auth"
	"github.com/hatemosphere/agentic-gateway/internal/settlement"
	"github.com/hatemosphere/agentic-gateway/internal/storage"
)

func (s *Server) registerOrders(api huma.API) {
	huma.Register(api, signed(huma.Operation{
		OperationID: "getOrderStatus",
		Method:      http.MethodGet,
		Path:        "/agentic/v1/order-status/{orderID}",
		Tags:        []string{"Orders"},
		Errors:      []int{404},
	}, auth.SchemeHeader, scopeOrdersRead), func(ctx context.Context, input *OrderIDParam) (*OrderStatusOutput, error) {
		order, err := s.lookupOrder(ctx, input.OrderID)
		if err != nil {
			return nil, err
		}
		out := &OrderStatusOutput{}
		out.Body.Status = order.Status
		out.Body.IsPaid = order.Paid
		out.Body.Completed = order.CompletedAt != nil
		return out, nil
	})

	huma.Register(api, signed(huma.Operation{
		OperationID: "getOrder",
		Method:      http.MethodGet,
		Path:        "/agent-commerce/v1/orders/{orderID}",
		Tags:        []string{"Orders"},
		Errors:      []int{404},
	}, auth.SchemeHeader, scopeOrdersRead), func(ctx context.Context, input *OrderIDParam) (*OrderOutput, error) {
		order, err := s.lookupOrder(ctx, input.OrderID)
		if err != nil {
			return nil, err
		}
		return &OrderOutput{Body: orderView(order)}, nil
	})
}

func (s *Server) registerAdminOrders(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "createOrder",
		Method:        http.MethodPost,
		Path:          "/api/admin/orders",
		Tags:          []string{"Admin"},
		DefaultStatus: http.StatusCreated,
		Errors:        []int{409, 422},
	}, func(ctx context.Context, input *CreateOrderInput) (*OrderOutput, error) {
		o := &storage.Order{
			ID:            input.Body.ID,
			Status:        input.Body.Status,
			PaymentMethod: input.Body.PaymentMethod,
			Currency:      input.Body.Currency,
			Total:         settlement.MinorUnits(input.Body.Total),
		}
		if o.Status == "" {
			o.Status = "pending"
		}
		if o.PaymentMethod == "" {
			o.PaymentMethod = s.ledger.PaymentMethod()
		}
		if o.Currency == "" {
			o.Currency = "USD"
		}
		if err := s.store.CreateOrder(ctx, o); err != nil {
			if errors.Is(err, storage.ErrDuplicate) {
				return nil, newAgentError(http.StatusConflict, "order_exists", "Order already exists", map[string]any{"order_id": o.ID})
			}
			return nil, internalError(err)
		}
		return &OrderOutput{Body: orderView(o)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "getAdminOrder",
		Method:      http.MethodGet,
		Path:        "/api/admin/orders/{orderID}",
		Tags:        []string{"Admin"},
		Errors:      []int{404},
	}, func(ctx context.Context, input *OrderIDParam) (*AdminOrderOutput, error) {
		order, err := s.lookupOrder(ctx, input.OrderID)
		if err != nil {
			return nil, err
		}
		refunds, err := s.store.ListRefunds(ctx, order.ID)
		if err != nil {
			return nil, internalError(err)
		}
		notes, err := s.store.ListOrderNotes(ctx, order.ID)
		if err != nil {
			return nil, internalError(err)
		}

		out := &AdminOrderOutput{}
		out.Body.OrderView = orderView(order)
		out.Body.Refunds = make([]RefundView, 0, len(refunds))
		for _, r := range refunds {
			out.Body.Refunds = append(out.Body.Refunds, RefundView{
				ID:        r.ID,
				RefundID:  r.RefundKey,
				Amount:    settlement.FormatAmount(r.Amount, order.Currency),
				Reason:    r.Reason,
				AgentID:   r.AgentID,
				CreatedAt: r.CreatedAt,
			})
		}
		out.Body.Notes = make([]NoteView, 0, len(notes))
		for _, n := range notes {
			out.Body.Notes = append(out.Body.Notes, NoteView{Note: n.Note, CreatedAt: n.CreatedAt})
		}
		return out, nil
	})
}

func (s *Server) lookupOrder(ctx context.Context, id int64) (*storage.Order, error) {
	order, err := s.store.GetOrder(ctx, id)
	if err != nil {
		return nil, internalError(err)
	}
	if order == nil {
		return nil, newAgentError(http.StatusNotFound, "order_not_found", "Order not found", map[string]any{"order_id": id})
	}
	return order, nil
}

func orderView(o *storage.Order) OrderView {
	return OrderView{
		ID:            o.ID,
		Status:        o.Status,
		PaymentMethod: o.PaymentMethod,
		Currency:      o.Currency,
		Total:         settlement.FormatAmount(o.Total, ""),
		Refunded:      settlement.FormatAmount(o.Refunded, ""),
		Remaining:     settlement.FormatAmount(o.RemainingRefundable(), ""),
		IsPaid:        o.Paid,
		TransactionID: o.TransactionID,
		CompletedBy:   o.CompletedBy,
		CompletedAt:   o.CompletedAt,
		CreatedAt:     o.CreatedAt,
	}
}
