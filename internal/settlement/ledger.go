package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/hatemosphere/agentic-gateway/internal/audit"
	"github.com/hatemosphere/agentic-gateway/internal/storage"
)

// Outcome is the result of a settlement operation. AlreadyApplied is a
// success: the operation had been applied by an earlier delivery.
type Outcome string

const (
	Applied                Outcome = "applied"
	AlreadyApplied         Outcome = "already_applied"
	NotFound               Outcome = "not_found"
	MethodMismatch         Outcome = "method_mismatch"
	Forbidden              Outcome = "forbidden"
	AmountExceedsRemaining Outcome = "amount_exceeds_remaining"
)

// Succeeded reports whether the outcome leaves the operation applied.
func (o Outcome) Succeeded() bool {
	return o == Applied || o == AlreadyApplied
}

// ErrInvalidAmount is returned for refunds of zero or negative amounts.
var ErrInvalidAmount = errors.New("refund amount must be positive")

const (
	defaultPaymentMethod = "agentic"
	defaultRefundReason  = "Agentic refund"
)

// completableStatuses are moved to "completed" when payment lands.
var completableStatuses = map[string]bool{
	"pending":    true,
	"processing": true,
	"on-hold":    true,
}

// OrderStore is the persistence the ledger needs. CompletePayment and
// CreateRefund must write the order mutation, idempotency marker, and audit
// note atomically.
type OrderStore interface {
	GetOrder(ctx context.Context, id int64) (*storage.Order, error)
	ListRefunds(ctx context.Context, orderID int64) ([]storage.Refund, error)
	CompletePayment(ctx context.Context, pc *storage.PaymentCompletion) error
	CreateRefund(ctx context.Context, r *storage.Refund) error
}

// EventRecorder persists settlement events for operators.
type EventRecorder interface {
	RecordEvent(ctx context.Context, e *storage.Event) error
}

// PaymentCompletion asks the ledger to mark an order paid.
type PaymentCompletion struct {
	OrderID       int64
	TransactionID string
	AgentID       string
}

// RefundRequest asks the ledger to refund part or all of an order.
type RefundRequest struct {
	OrderID   int64
	RefundID  string // caller-supplied idempotency key
	Amount    int64  // minor units
	Reason    string
	AgentID   string
	CanRefund bool
}

// Result describes what the ledger did.
type Result struct {
	Outcome       Outcome
	OrderID       int64
	TransactionID string
	RefundID      string // caller-supplied refund ID
	RefundRecord  string // ledger ID of the stored refund
	Status        string // order status after the operation
	Remaining     int64  // refundable amount left, minor units
	Detail        string // why a non-success outcome was returned
}

// Config tunes the ledger.
type Config struct {
	// PaymentMethod is the gateway ID orders must carry to be settled here.
	PaymentMethod string
	Events        EventRecorder
	Now           func() time.Time
}

// Ledger applies payment completions and refunds at most once per
// idempotency key. Operations on one order are serialized; different
// orders proceed in parallel.
type Ledger struct {
	store         OrderStore
	events        EventRecorder
	paymentMethod string
	now           func() time.Time

	orderLocks sync.Map // key: order ID -> *sync.Mutex
	inFlight   atomic.Int64
}

// NewLedger creates a ledger over store.
func NewLedger(store OrderStore, cfgs ...Config) *Ledger {
	l := &Ledger{
		store:         store,
		paymentMethod: defaultPaymentMethod,
		now:           time.Now,
	}
	if len(cfgs) > 0 {
		c := cfgs[0]
		if c.PaymentMethod != "" {
			l.paymentMethod = c.PaymentMethod
		}
		if c.Now != nil {
			l.now = c.Now
		}
		l.events = c.Events
	}
	return l
}

// InFlight returns the number of settlement operations currently running.
func (l *Ledger) InFlight() int64 {
	return l.inFlight.Load()
}

// PaymentMethod returns the gateway ID orders must carry.
func (l *Ledger) PaymentMethod() string {
	return l.paymentMethod
}

func (l *Ledger) lockOrder(orderID int64) func() {
	actual, _ := l.orderLocks.LoadOrStore(orderID, &sync.Mutex{})
	mu := actual.(*sync.Mutex)
	mu.Lock()
	l.inFlight.Add(1)
	return func() {
		l.inFlight.Add(-1)
		mu.Unlock()
	}
}

// CompletePayment marks the order paid with pc.TransactionID. A second
// delivery for an already completed order returns AlreadyApplied and
// changes nothing.
func (l *Ledger) CompletePayment(ctx context.Context, pc PaymentCompletion) (*Result, error) {
	unlock := l.lockOrder(pc.OrderID)
	defer unlock()

	res := &Result{OrderID: pc.OrderID, TransactionID: pc.TransactionID}

	order, err := l.store.GetOrder(ctx, pc.OrderID)
	if err != nil {
		return nil, fmt.Errorf("get order %d: %w", pc.OrderID, err)
	}
	if order == nil {
		res.Outcome = NotFound
		return res, nil
	}
	res.Status = order.Status
	res.Remaining = order.RemainingRefundable()

	if order.CompletedAt != nil {
		res.Outcome = AlreadyApplied
		l.auditOutcome("payment_complete", pc.AgentID, res)
		return res, nil
	}
	if order.PaymentMethod != l.paymentMethod {
		res.Outcome = MethodMismatch
		res.Detail = fmt.Sprintf("order payment method is %q", order.PaymentMethod)
		l.auditOutcome("payment_complete", pc.AgentID, res)
		return res, nil
	}

	status := order.Status
	if completableStatuses[status] {
		status = "completed"
	}
	err = l.store.CompletePayment(ctx, &storage.PaymentCompletion{
		OrderID:       pc.OrderID,
		TransactionID: pc.TransactionID,
		AgentID:       pc.AgentID,
		Status:        status,
		Note:          fmt.Sprintf("Agentic payment confirmed. Agent: %s, TX: %s", agentLabel(pc.AgentID), pc.TransactionID),
		At:            l.now(),
	})
	switch {
	case errors.Is(err, storage.ErrAlreadyCompleted), errors.Is(err, storage.ErrDuplicate):
		res.Outcome = AlreadyApplied
	case errors.Is(err, storage.ErrNotFound):
		res.Outcome = NotFound
		return res, nil
	case err != nil:
		return nil, fmt.Errorf("complete payment for order %d: %w", pc.OrderID, err)
	default:
		res.Outcome = Applied
		res.Status = status
		l.recordEvent(ctx, "payment_completed", pc.AgentID, pc.OrderID, map[string]any{
			"transaction_id": pc.TransactionID,
		})
	}
	l.auditOutcome("payment_complete", pc.AgentID, res)
	return res, nil
}

// Refund records a refund against the order. Only the agent that completed
// the order's payment, holding refund capability, may refund it.
func (l *Ledger) Refund(ctx context.Context, req RefundRequest) (*Result, error) {
	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}

	unlock := l.lockOrder(req.OrderID)
	defer unlock()

	res := &Result{OrderID: req.OrderID, RefundID: req.RefundID}

	order, err := l.store.GetOrder(ctx, req.OrderID)
	if err != nil {
		return nil, fmt.Errorf("get order %d: %w", req.OrderID, err)
	}
	if order == nil {
		res.Outcome = NotFound
		return res, nil
	}
	res.Status = order.Status
	res.Remaining = order.RemainingRefundable()

	switch {
	case !req.CanRefund:
		res.Outcome = Forbidden
		res.Detail = "agent is not allowed to issue refunds"
	case order.CompletedBy != req.AgentID:
		res.Outcome = Forbidden
		res.Detail = "agent cannot refund orders completed by another agent"
	case order.PaymentMethod != l.paymentMethod:
		res.Outcome = MethodMismatch
		res.Detail = fmt.Sprintf("order payment method is %q", order.PaymentMethod)
	}
	if res.Outcome != "" {
		l.auditOutcome("refund", req.AgentID, res)
		return res, nil
	}

	existing, err := l.store.ListRefunds(ctx, req.OrderID)
	if err != nil {
		return nil, fmt.Errorf("list refunds for order %d: %w", req.OrderID, err)
	}
	for _, r := range existing {
		if r.RefundKey == req.RefundID {
			res.Outcome = AlreadyApplied
			res.RefundRecord = r.ID
			l.auditOutcome("refund", req.AgentID, res)
			return res, nil
		}
	}

	if req.Amount > order.RemainingRefundable() {
		res.Outcome = AmountExceedsRemaining
		res.Detail = fmt.Sprintf("requested %s, remaining %s",
			FormatAmount(req.Amount, order.Currency), FormatAmount(order.RemainingRefundable(), order.Currency))
		l.auditOutcome("refund", req.AgentID, res)
		return res, nil
	}

	reason := req.Reason
	if reason == "" {
		reason = defaultRefundReason
	}
	refund := &storage.Refund{
		ID:        uuid.New().String(),
		OrderID:   req.OrderID,
		RefundKey: req.RefundID,
		Amount:    req.Amount,
		Reason:    reason,
		AgentID:   req.AgentID,
		CreatedAt: l.now(),
	}
	refund.Note = fmt.Sprintf("Agentic refund processed. Amount: %s. Agent: %s. Refund ID: %s",
		FormatAmount(req.Amount, order.Currency), agentLabel(req.AgentID), req.RefundID)

	err = l.store.CreateRefund(ctx, refund)
	switch {
	case errors.Is(err, storage.ErrDuplicate):
		res.Outcome = AlreadyApplied
	case errors.Is(err, storage.ErrExceedsRemaining):
		res.Outcome = AmountExceedsRemaining
	case errors.Is(err, storage.ErrNotFound):
		res.Outcome = NotFound
		return res, nil
	case err != nil:
		return nil, fmt.Errorf("create refund for order %d: %w", req.OrderID, err)
	default:
		res.Outcome = Applied
		res.RefundRecord = refund.ID
		res.Remaining = order.RemainingRefundable() - req.Amount
		if res.Remaining == 0 {
			res.Status = "refunded"
		}
		l.recordEvent(ctx, "refund_created", req.AgentID, req.OrderID, map[string]any{
			"refund_id": req.RefundID,
			"amount":    req.Amount,
			"reason":    reason,
		})
	}
	l.auditOutcome("refund", req.AgentID, res)
	return res, nil
}

func (l *Ledger) auditOutcome(action, agentID string, res *Result) {
	ev := audit.Event{
		Actor:    agentLabel(agentID),
		Action:   action,
		Status:   string(res.Outcome),
		Resource: strconv.FormatInt(res.OrderID, 10),
		Reason:   res.Detail,
	}
	if res.Outcome.Succeeded() {
		ev.Info("settlement")
	} else {
		ev.Warn("settlement rejected")
	}
}

func (l *Ledger) recordEvent(ctx context.Context, name, agentID string, orderID int64, data map[string]any) {
	if l.events == nil {
		return
	}
	raw, _ := json.Marshal(data)
	if err := l.events.RecordEvent(ctx, &storage.Event{
		Event:     name,
		AgentID:   agentID,
		OrderID:   orderID,
		Data:      raw,
		CreatedAt: l.now(),
	}); err != nil {
		slog.Warn("failed to record settlement event", "event", name, "order_id", orderID, "error", err)
	}
}

func agentLabel(agentID string) string {
	if agentID == "" {
		return "unknown"
	}
	return agentID
}
