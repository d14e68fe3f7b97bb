package api

import (
	"time"
)

// --- Agent settlement payloads ---

// PaymentCompletionPayload is the body of a payment-completion event.
type PaymentCompletionPayload struct {
	AgentID       string `json:"agent_id,omitempty" doc:"Agent ID; may instead be sent in X-Agent-Id"`
	OrderID       int64  `json:"order_id" required:"true" minimum:"1"`
	TransactionID string `json:"transaction_id" required:"true" minLength:"1" maxLength:"128"`
}

// RefundPayload is the body of a refund event.
type RefundPayload struct {
	AgentID  string  `json:"agent_id,omitempty" doc:"Agent ID; may instead be sent in X-Agent-Id"`
	OrderID  int64   `json:"order_id" required:"true" minimum:"1"`
	RefundID string  `json:"refund_id" required:"true" minLength:"1" maxLength:"128" doc:"Caller-chosen idempotency key"`
	Amount   float64 `json:"amount" required:"true" doc:"Refund amount in major currency units"`
	Reason   string  `json:"reason,omitempty" maxLength:"500"`
}

type PaymentCompleteInput struct {
	Body PaymentCompletionPayload
}

type RefundInput struct {
	Body RefundPayload
}

// SettlementResponse is returned for applied and already-applied events.
type SettlementResponse struct {
	Status           string `json:"status" enum:"success,ok"`
	OrderID          int64  `json:"order_id"`
	TransactionID    string `json:"transaction_id,omitempty"`
	RefundID         string `json:"refund_id,omitempty"`
	AlreadyProcessed bool   `json:"already_processed"`
	Message          string `json:"message"`
	OrderStatus      string `json:"order_status,omitempty"`
	Remaining        string `json:"remaining_refundable,omitempty"`
}

type SettlementOutput struct {
	Body SettlementResponse
}

// --- Orders ---

type OrderIDParam struct {
	OrderID int64 `path:"orderID" minimum:"1" doc:"Order ID"`
}

type OrderStatusOutput struct {
	Body struct {
		Status    string `json:"status"`
		IsPaid    bool   `json:"is_paid"`
		Completed bool   `json:"completed"`
	}
}

// OrderView is an order as agents and operators see it.
type OrderView struct {
	ID            int64      `json:"id"`
	Status        string     `json:"status"`
	PaymentMethod string     `json:"payment_method"`
	Currency      string     `json:"currency"`
	Total         string     `json:"total"`
	Refunded      string     `json:"refunded"`
	Remaining     string     `json:"remaining_refundable"`
	IsPaid        bool       `json:"is_paid"`
	TransactionID string     `json:"transaction_id,omitempty"`
	CompletedBy   string     `json:"completed_by,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

type OrderOutput struct {
	Body OrderView
}

type RefundView struct {
	ID        string    `json:"id"`
	RefundID  string    `json:"refund_id"`
	Amount    string    `json:"amount"`
	Reason    string    `json:"reason"`
	AgentID   string    `json:"agent_id"`
	CreatedAt time.Time `json:"created_at"`
}

type NoteView struct {
	Note      string    `json:"note"`
	CreatedAt time.Time `json:"created_at"`
}

type AdminOrderOutput struct {
	Body struct {
		OrderView
		Refunds []RefundView `json:"refunds"`
		Notes   []NoteView   `json:"notes"`
	}
}

type CreateOrderInput struct {
	Body struct {
		ID            int64   `json:"id,omitempty" minimum:"0" doc:"Order ID; assigned when omitted"`
		Status        string  `json:"status,omitempty" enum:"pending,processing,on-hold,completed,cancelled" doc:"Defaults to pending"`
		PaymentMethod string  `json:"payment_method,omitempty" doc:"Defaults to the gateway payment method"`
		Currency      string  `json:"currency,omitempty" minLength:"3" maxLength:"3" doc:"Defaults to USD"`
		Total         float64 `json:"total" required:"true" minimum:"0"`
	}
}

// --- Catalog ---

type Money struct {
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
}

// ProductSummary is the agent-facing product shape. IDs are "wc_<n>".
type ProductSummary struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	SKU     string `json:"sku,omitempty"`
	Price   Money  `json:"price"`
	InStock bool   `json:"in_stock"`
}

type ResponseMeta struct {
	RequestID string `json:"request_id,omitempty"`
	Timestamp int64  `json:"timestamp"`
	Page      int    `json:"page,omitempty"`
	PerPage   int    `json:"per_page,omitempty"`
}

type ListProductsInput struct {
	Page    int `query:"page" minimum:"1" default:"1"`
	PerPage int `query:"per_page" minimum:"1" maximum:"100" default:"20"`
}

type ListProductsOutput struct {
	Body struct {
		Data []ProductSummary `json:"data"`
		Meta ResponseMeta     `json:"meta"`
	}
}

type GetProductInput struct {
	ID string `path:"productID" doc:"Product ID (wc_<n>)"`
}

type GetProductOutput struct {
	Body struct {
		Data ProductSummary `json:"data"`
		Meta ResponseMeta   `json:"meta"`
	}
}

type CreateProductInput struct {
	Body struct {
		Name        string  `json:"name" required:"true" minLength:"1"`
		SKU         string  `json:"sku,omitempty"`
		Description string  `json:"description,omitempty"`
		Price       float64 `json:"price" required:"true" minimum:"0"`
		Currency    string  `json:"currency,omitempty" minLength:"3" maxLength:"3"`
		StockStatus string  `json:"stock_status,omitempty" enum:"instock,outofstock,onbackorder"`
	}
}

type CreateProductOutput struct {
	Body ProductSummary
}

// --- Agent administration ---

// AgentView is an agent with its credential masked.
type AgentView struct {
	ID               string    `json:"id"`
	KeyType          string    `json:"key_type"`
	CredentialPrefix string    `json:"credential_prefix"`
	Scopes           []string  `json:"scopes"`
	CanRefund        bool      `json:"can_refund"`
	Active           bool      `json:"active"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

type AgentIDParam struct {
	AgentID string `path:"agentID" doc:"Agent ID"`
}

type CreateAgentInput struct {
	Body struct {
		ID        string   `json:"id" required:"true" minLength:"1" maxLength:"64"`
		KeyType   string   `json:"key_type,omitempty" enum:"hmac,rsa,ecdsa,ed25519" doc:"Defaults to hmac"`
		Secret    string   `json:"secret,omitempty" doc:"HMAC secret; generated when omitted"`
		PublicKey string   `json:"public_key,omitempty" doc:"PEM public key for rsa, ecdsa, and ed25519 agents"`
		Scopes    []string `json:"scopes,omitempty"`
		CanRefund bool     `json:"can_refund,omitempty"`
		Active    *bool    `json:"active,omitempty" doc:"Defaults to true"`
	}
}

// AgentSecretOutput carries a generated secret, shown exactly once.
type AgentSecretOutput struct {
	Body struct {
		AgentView
		Secret string `json:"secret,omitempty" doc:"Generated secret; not retrievable later"`
	}
}

type UpdateAgentInput struct {
	AgentIDParam
	Body struct {
		Scopes    *[]string `json:"scopes,omitempty"`
		CanRefund *bool     `json:"can_refund,omitempty"`
		Active    *bool     `json:"active,omitempty"`
	}
}

type RotateAgentInput struct {
	AgentIDParam
	Body struct {
		Secret    string `json:"secret,omitempty"`
		PublicKey string `json:"public_key,omitempty"`
	}
}

type AgentOutput struct {
	Body AgentView
}

type ListAgentsOutput struct {
	Body struct {
		Agents []AgentView `json:"agents"`
	}
}

// --- Events, backup, health ---

type EventView struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	AgentID   string         `json:"agent_id,omitempty"`
	OrderID   int64          `json:"order_id,omitempty"`
	IP        string         `json:"ip,omitempty"`
	UserAgent string         `json:"user_agent,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

type ListEventsInput struct {
	Limit int `query:"limit" minimum:"1" maximum:"1000" default:"100"`
}

type ListEventsOutput struct {
	Body struct {
		Events []EventView `json:"events"`
	}
}

type BackupOutput struct {
	Body struct {
		Key string `json:"key"`
	}
}

type HealthOutput struct {
	Body struct {
		Status    string `json:"status"`
		Service   string `json:"service,omitempty"`
		Version   string `json:"version,omitempty"`
		Timestamp string `json:"timestamp,omitempty"`
	}
}
