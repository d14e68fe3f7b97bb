package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrDuplicate is returned when a write collides with a unique constraint
	// (agent ID, idempotency marker, refund ID).
	ErrDuplicate = errors.New("duplicate record")
	// ErrAlreadyCompleted is returned by CompletePayment when the order
	// already carries a completion marker.
	ErrAlreadyCompleted = errors.New("order already completed")
	// ErrExceedsRemaining is returned by CreateRefund when the refund amount
	// is larger than what is left to refund on the order.
	ErrExceedsRemaining = errors.New("refund exceeds remaining amount")
	// ErrNotFound is returned by mutations that target a missing row.
	ErrNotFound = errors.New("not found")
)

// Agent is a stored agent record. Credential is sealed; the storage layer
// never sees it in plaintext.
type Agent struct {
	ID               string
	KeyType          string // hmac, rsa, ecdsa, ed25519
	WrappedKey       []byte // data key wrapped by the secrets provider
	Credential       []byte // credential sealed under the data key
	CredentialPrefix string // short non-secret prefix shown in listings
	Scopes           []string
	CanRefund        bool
	Active           bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Order is a merchant order that agents settle against.
type Order struct {
	ID            int64
	Status        string // pending, processing, on-hold, completed, refunded, cancelled
	PaymentMethod string
	Currency      string
	Total         int64 // minor units
	Refunded      int64 // minor units, sum of refunds
	Paid          bool
	TransactionID string
	CompletedBy   string // agent that completed payment
	CompletedAt   *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// RemainingRefundable returns how much of the order total can still be refunded.
func (o *Order) RemainingRefundable() int64 {
	if r := o.Total - o.Refunded; r > 0 {
		return r
	}
	return 0
}

// PaymentCompletion marks an order paid. Written atomically with its
// idempotency marker and audit note.
type PaymentCompletion struct {
	OrderID       int64
	TransactionID string
	AgentID       string
	// Status is the order status after completion ("completed" when the
	// order was in an intermediate status, otherwise unchanged).
	Status string
	Note   string
	At     time.Time
}

// Refund is a refund record. RefundKey is the agent-supplied refund ID used
// for idempotency.
type Refund struct {
	ID        string
	OrderID   int64
	RefundKey string
	Amount    int64
	Reason    string
	AgentID   string
	Note      string // audit note appended to the order in the same transaction
	CreatedAt time.Time
}

// OrderNote is an append-only audit note on an order.
type OrderNote struct {
	OrderID   int64
	Note      string
	CreatedAt time.Time
}

// IdempotencyRecord records the first successful application of a
// settlement operation.
type IdempotencyRecord struct {
	Kind      string // payment_complete or refund
	OrderID   int64
	Key       string
	AgentID   string
	CreatedAt time.Time
}

// Product is a catalog item exposed to agents.
type Product struct {
	ID          int64
	Name        string
	SKU         string
	Description string
	Price       int64 // minor units
	Currency    string
	StockStatus string // instock, outofstock, onbackorder
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Event is a security or settlement event kept for operators.
type Event struct {
	ID        int64
	Event     string
	AgentID   string
	OrderID   int64
	IP        string
	UserAgent string
	Data      []byte // JSON
	CreatedAt time.Time
}

// Store is the storage interface for the gateway.
type Store interface {
	// Lifecycle
	Close() error
	Ping(ctx context.Context) error

	// Agents
	CreateAgent(ctx context.Context, a *Agent) error
	GetAgent(ctx context.Context, id string) (*Agent, error)
	UpdateAgent(ctx context.Context, a *Agent) error
	DeleteAgent(ctx context.Context, id string) error
	ListAgents(ctx context.Context) ([]Agent, error)

	// Orders
	CreateOrder(ctx context.Context, o *Order) error
	GetOrder(ctx context.Context, id int64) (*Order, error)
	CompletePayment(ctx context.Context, pc *PaymentCompletion) error
	CreateRefund(ctx context.Context, r *Refund) error
	ListRefunds(ctx context.Context, orderID int64) ([]Refund, error)
	ListOrderNotes(ctx context.Context, orderID int64) ([]OrderNote, error)
	GetIdempotencyRecord(ctx context.Context, kind string, orderID int64, key string) (*IdempotencyRecord, error)

	// Nonces
	ReserveNonce(ctx context.Context, key string, expiresAt time.Time) (bool, error)
	SetNonceExpiry(ctx context.Context, key string, expiresAt time.Time) error
	DeleteNonce(ctx context.Context, key string) error
	PruneNonces(ctx context.Context, now time.Time) (int64, error)

	// Catalog
	CreateProduct(ctx context.Context, p *Product) error
	GetProduct(ctx context.Context, id int64) (*Product, error)
	ListProducts(ctx context.Context, limit, offset int) ([]Product, error)

	// Events
	RecordEvent(ctx context.Context, e *Event) error
	ListEvents(ctx context.Context, limit int) ([]Event, error)

	// Config
	GetConfig(ctx context.Context, key string) (string, error)
	SetConfig(ctx context.Context, key, value string) error

	// Backup writes a consistent copy of the database to destPath.
	Backup(ctx context.Context, destPath string) error
}
