package settlement

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hatemosphere/agentic-gateway/internal/audit"
	"github.com/hatemosphere/agentic-gateway/internal/storage"
)

func init() {
	audit.Enabled = false
}

// countingStore counts mutations that actually reached the database.
type countingStore struct {
	*storage.SQLiteStore
	payments atomic.Int32
	refunds  atomic.Int32
}

func (s *countingStore) CompletePayment(ctx context.Context, pc *storage.PaymentCompletion) error {
	err := s.SQLiteStore.CompletePayment(ctx, pc)
	if err == nil {
		s.payments.Add(1)
	}
	return err
}

func (s *countingStore) CreateRefund(ctx context.Context, r *storage.Refund) error {
	err := s.SQLiteStore.CreateRefund(ctx, r)
	if err == nil {
		s.refunds.Add(1)
	}
	return err
}

func newTestLedger(t *testing.T) (*Ledger, *countingStore) {
	t.Helper()
	db, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	store := &countingStore{SQLiteStore: db}
	return NewLedger(store, Config{Events: db}), store
}

func seedOrder(t *testing.T, store *countingStore, status, method string, total int64) int64 {
	t.Helper()
	o := &storage.Order{Status: status, PaymentMethod: method, Total: total}
	require.NoError(t, store.CreateOrder(context.Background(), o))
	return o.ID
}

func TestCompletePayment_AppliedOnce(t *testing.T) {
	ledger, store := newTestLedger(t)
	ctx := context.Background()
	id := seedOrder(t, store, "processing", "agentic", 2500)

	pc := PaymentCompletion{OrderID: id, TransactionID: "tx_dupe", AgentID: "agent_A"}
	res, err := ledger.CompletePayment(ctx, pc)
	require.NoError(t, err)
	assert.Equal(t, Applied, res.Outcome)
	assert.Equal(t, "completed", res.Status)

	res, err = ledger.CompletePayment(ctx, pc)
	require.NoError(t, err)
	assert.Equal(t, AlreadyApplied, res.Outcome)
	assert.Equal(t, "tx_dupe", res.TransactionID)
	assert.Equal(t, int32(1), store.payments.Load())

	order, err := store.GetOrder(ctx, id)
	require.NoError(t, err)
	assert.True(t, order.Paid)
	assert.Equal(t, "agent_A", order.CompletedBy)

	notes, err := store.ListOrderNotes(ctx, id)
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, "Agentic payment confirmed. Agent: agent_A, TX: tx_dupe", notes[0].Note)

	events, err := store.ListEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "payment_completed", events[0].Event)
}

func TestCompletePayment_DifferentTransactionStillAlreadyApplied(t *testing.T) {
	ledger, store := newTestLedger(t)
	ctx := context.Background()
	id := seedOrder(t, store, "pending", "agentic", 100)

	_, err := ledger.CompletePayment(ctx, PaymentCompletion{OrderID: id, TransactionID: "tx1", AgentID: "a"})
	require.NoError(t, err)
	res, err := ledger.CompletePayment(ctx, PaymentCompletion{OrderID: id, TransactionID: "tx2", AgentID: "a"})
	require.NoError(t, err)
	assert.Equal(t, AlreadyApplied, res.Outcome)

	order, _ := store.GetOrder(ctx, id)
	assert.Equal(t, "tx1", order.TransactionID)
}

func TestCompletePayment_StatusHandling(t *testing.T) {
	ledger, store := newTestLedger(t)
	ctx := context.Background()

	for status, want := range map[string]string{
		"pending":    "completed",
		"processing": "completed",
		"on-hold":    "completed",
		"completed":  "completed",
		"cancelled":  "cancelled",
	} {
		id := seedOrder(t, store, status, "agentic", 100)
		res, err := ledger.CompletePayment(ctx, PaymentCompletion{OrderID: id, TransactionID: "tx", AgentID: "a"})
		require.NoError(t, err)
		require.Equal(t, Applied, res.Outcome, status)
		order, _ := store.GetOrder(ctx, id)
		assert.Equal(t, want, order.Status, "from %s", status)
	}
}

func TestCompletePayment_Rejections(t *testing.T) {
	ledger, store := newTestLedger(t)
	ctx := context.Background()

	res, err := ledger.CompletePayment(ctx, PaymentCompletion{OrderID: 4040, TransactionID: "tx", AgentID: "a"})
	require.NoError(t, err)
	assert.Equal(t, NotFound, res.Outcome)

	id := seedOrder(t, store, "processing", "bacs", 100)
	res, err = ledger.CompletePayment(ctx, PaymentCompletion{OrderID: id, TransactionID: "tx", AgentID: "a"})
	require.NoError(t, err)
	assert.Equal(t, MethodMismatch, res.Outcome)
	assert.Equal(t, int32(0), store.payments.Load())
}

func TestCompletePayment_ConfiguredMethod(t *testing.T) {
	db, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	defer db.Close()
	ledger := NewLedger(db, Config{PaymentMethod: "agentic_v2"})
	assert.Equal(t, "agentic_v2", ledger.PaymentMethod())

	o := &storage.Order{Status: "processing", PaymentMethod: "agentic_v2", Total: 100}
	require.NoError(t, db.CreateOrder(context.Background(), o))
	res, err := ledger.CompletePayment(context.Background(), PaymentCompletion{OrderID: o.ID, TransactionID: "tx", AgentID: "a"})
	require.NoError(t, err)
	assert.Equal(t, Applied, res.Outcome)
}

func TestCompletePayment_ConcurrentDeliveries(t *testing.T) {
	ledger, store := newTestLedger(t)
	ctx := context.Background()
	id := seedOrder(t, store, "processing", "agentic", 100)

	var applied atomic.Int32
	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := ledger.CompletePayment(ctx, PaymentCompletion{OrderID: id, TransactionID: "tx_race", AgentID: "a"})
			if err != nil {
				t.Errorf("CompletePayment: %v", err)
				return
			}
			if res.Outcome == Applied {
				applied.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), applied.Load())
	assert.Equal(t, int32(1), store.payments.Load())
	assert.Equal(t, int64(0), ledger.InFlight())
}

func paidOrder(t *testing.T, ledger *Ledger, store *countingStore, agentID string, total int64) int64 {
	t.Helper()
	id := seedOrder(t, store, "processing", "agentic", total)
	res, err := ledger.CompletePayment(context.Background(), PaymentCompletion{OrderID: id, TransactionID: "tx_" + agentID, AgentID: agentID})
	require.NoError(t, err)
	require.Equal(t, Applied, res.Outcome)
	return id
}

func TestRefund_AppliedOnce(t *testing.T) {
	ledger, store := newTestLedger(t)
	ctx := context.Background()
	id := paidOrder(t, ledger, store, "agent_A", 5000)

	req := RefundRequest{OrderID: id, RefundID: "rf_1", Amount: 1250, AgentID: "agent_A", CanRefund: true}
	res, err := ledger.Refund(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, Applied, res.Outcome)
	assert.Equal(t, int64(3750), res.Remaining)
	assert.NotEmpty(t, res.RefundRecord)
	first := res.RefundRecord

	res, err = ledger.Refund(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, AlreadyApplied, res.Outcome)
	assert.Equal(t, first, res.RefundRecord)
	assert.Equal(t, int32(1), store.refunds.Load())

	refunds, _ := store.ListRefunds(ctx, id)
	require.Len(t, refunds, 1)
	assert.Equal(t, "Agentic refund", refunds[0].Reason)

	notes, _ := store.ListOrderNotes(ctx, id)
	require.Len(t, notes, 2)
	assert.Equal(t, "Agentic refund processed. Amount: 12.50 USD. Agent: agent_A. Refund ID: rf_1", notes[1].Note)
}

func TestRefund_CrossAgentForbidden(t *testing.T) {
	ledger, store := newTestLedger(t)
	ctx := context.Background()
	id := paidOrder(t, ledger, store, "agent_A", 5000)

	res, err := ledger.Refund(ctx, RefundRequest{OrderID: id, RefundID: "rf_1", Amount: 100, AgentID: "agent_B", CanRefund: true})
	require.NoError(t, err)
	assert.Equal(t, Forbidden, res.Outcome)
	assert.Equal(t, int32(0), store.refunds.Load())
}

func TestRefund_Rejections(t *testing.T) {
	ledger, store := newTestLedger(t)
	ctx := context.Background()
	id := paidOrder(t, ledger, store, "agent_A", 1000)

	res, err := ledger.Refund(ctx, RefundRequest{OrderID: id, RefundID: "rf", Amount: 100, AgentID: "agent_A", CanRefund: false})
	require.NoError(t, err)
	assert.Equal(t, Forbidden, res.Outcome)

	res, err = ledger.Refund(ctx, RefundRequest{OrderID: 4040, RefundID: "rf", Amount: 100, AgentID: "agent_A", CanRefund: true})
	require.NoError(t, err)
	assert.Equal(t, NotFound, res.Outcome)

	res, err = ledger.Refund(ctx, RefundRequest{OrderID: id, RefundID: "rf", Amount: 1001, AgentID: "agent_A", CanRefund: true})
	require.NoError(t, err)
	assert.Equal(t, AmountExceedsRemaining, res.Outcome)

	_, err = ledger.Refund(ctx, RefundRequest{OrderID: id, RefundID: "rf", Amount: 0, AgentID: "agent_A", CanRefund: true})
	assert.True(t, errors.Is(err, ErrInvalidAmount))

	unpaid := seedOrder(t, store, "processing", "agentic", 1000)
	res, err = ledger.Refund(ctx, RefundRequest{OrderID: unpaid, RefundID: "rf", Amount: 100, AgentID: "agent_A", CanRefund: true})
	require.NoError(t, err)
	assert.Equal(t, Forbidden, res.Outcome, "orders never completed by the agent cannot be refunded by it")

	other := seedOrder(t, store, "processing", "bacs", 1000)
	require.NoError(t, store.CompletePayment(ctx, &storage.PaymentCompletion{OrderID: other, TransactionID: "t", AgentID: "agent_A", Status: "completed"}))
	res, err = ledger.Refund(ctx, RefundRequest{OrderID: other, RefundID: "rf", Amount: 100, AgentID: "agent_A", CanRefund: true})
	require.NoError(t, err)
	assert.Equal(t, MethodMismatch, res.Outcome)

	assert.Equal(t, int32(0), store.refunds.Load())
}

func TestRefund_FullRefundMarksOrder(t *testing.T) {
	ledger, store := newTestLedger(t)
	ctx := context.Background()
	id := paidOrder(t, ledger, store, "agent_A", 1000)

	res, err := ledger.Refund(ctx, RefundRequest{OrderID: id, RefundID: "rf_1", Amount: 400, AgentID: "agent_A", CanRefund: true, Reason: "damaged"})
	require.NoError(t, err)
	assert.Equal(t, "completed", res.Status)

	res, err = ledger.Refund(ctx, RefundRequest{OrderID: id, RefundID: "rf_2", Amount: 600, AgentID: "agent_A", CanRefund: true})
	require.NoError(t, err)
	assert.Equal(t, Applied, res.Outcome)
	assert.Equal(t, "refunded", res.Status)
	assert.Equal(t, int64(0), res.Remaining)

	res, err = ledger.Refund(ctx, RefundRequest{OrderID: id, RefundID: "rf_3", Amount: 1, AgentID: "agent_A", CanRefund: true})
	require.NoError(t, err)
	assert.Equal(t, AmountExceedsRemaining, res.Outcome)
}

func TestRefund_ConcurrentSameKey(t *testing.T) {
	ledger, store := newTestLedger(t)
	ctx := context.Background()
	id := paidOrder(t, ledger, store, "agent_A", 1000)

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ledger.Refund(ctx, RefundRequest{OrderID: id, RefundID: "rf_race", Amount: 300, AgentID: "agent_A", CanRefund: true})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), store.refunds.Load())
	order, _ := store.GetOrder(ctx, id)
	assert.Equal(t, int64(300), order.Refunded)
}

func TestAmounts(t *testing.T) {
	assert.Equal(t, int64(1250), MinorUnits(12.5))
	assert.Equal(t, int64(1999), MinorUnits(19.99))
	assert.Equal(t, int64(30), MinorUnits(0.3))
	assert.InDelta(t, 12.5, MajorUnits(1250), 1e-9)
	assert.Equal(t, "12.50 USD", FormatAmount(1250, "USD"))
	assert.Equal(t, "0.05", FormatAmount(5, ""))
	assert.Equal(t, "-1.00 EUR", FormatAmount(-100, "EUR"))
}
