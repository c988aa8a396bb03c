// Package types defines the wire types shared between the POS services:
// the event envelope published on the bus, the tranlog/cashlog/opencloselog
// payloads, and the WebSocket alert messages.
//
// Field naming follows the external contract: event payloads use camelCase
// (matching the REST bodies), WebSocket alert messages use snake_case.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Topic names. Each topic routes to the matching ingress path on consumers.
const (
	TopicTranlog      = "topic-tranlog"
	TopicCashlog      = "topic-cashlog"
	TopicOpenCloseLog = "topic-opencloselog"
)

// Event is the envelope for every message on the bus. EventID is stable
// across retries of the same publication; consumers deduplicate on it.
type Event struct {
	EventID    string    `json:"eventId"`
	TenantID   string    `json:"tenantId"`
	Topic      string    `json:"topic"`
	OccurredAt time.Time `json:"occurredAt"`
	Payload    []byte    `json:"payload"`
}

// CashDirection distinguishes cash-in from cash-out movements.
type CashDirection string

const (
	CashIn  CashDirection = "in"
	CashOut CashDirection = "out"
)

// Cashlog is the immutable record of a cash drawer movement.
type Cashlog struct {
	TenantID     string          `json:"tenantId"`
	StoreCode    string          `json:"storeCode"`
	TerminalID   string          `json:"terminalId"`
	BusinessDate string          `json:"businessDate"`
	Amount       decimal.Decimal `json:"amount"`
	Direction    CashDirection   `json:"direction"`
	Reason       string          `json:"reason"`
	Note         string          `json:"note"`
	ReceiptText  string          `json:"receiptText"`
	JournalText  string          `json:"journalText"`
	OperatorID   string          `json:"operatorId"`
	Timestamp    time.Time       `json:"timestamp"`
}

// OpenCloseKind is the kind of a terminal open/close record.
type OpenCloseKind string

const (
	KindOpen  OpenCloseKind = "OPEN"
	KindClose OpenCloseKind = "CLOSE"
)

// OpenCloseLog is the immutable record of a terminal open or close.
type OpenCloseLog struct {
	TenantID       string          `json:"tenantId"`
	StoreCode      string          `json:"storeCode"`
	TerminalID     string          `json:"terminalId"`
	Kind           OpenCloseKind   `json:"kind"`
	BusinessDate   string          `json:"businessDate"`
	OpenCounter    int64           `json:"openCounter"`
	InitialAmount  decimal.Decimal `json:"initialAmount"`
	PhysicalAmount decimal.Decimal `json:"physicalAmount"`
	ExpectedAmount decimal.Decimal `json:"expectedAmount"`
	Difference     decimal.Decimal `json:"difference"`
	StaffID        string          `json:"staffId"`
	ReceiptText    string          `json:"receiptText"`
	JournalText    string          `json:"journalText"`
	Timestamp      time.Time       `json:"timestamp"`
}

// TranlogLine is one line item inside a tranlog.
type TranlogLine struct {
	LineNo       int             `json:"lineNo"`
	ItemCode     string          `json:"itemCode"`
	Description  string          `json:"description"`
	Quantity     decimal.Decimal `json:"quantity"`
	UnitPrice    decimal.Decimal `json:"unitPrice"`
	TaxCode      string          `json:"taxCode"`
	CategoryCode string          `json:"categoryCode"`
	Discount     decimal.Decimal `json:"discount"`
	Amount       decimal.Decimal `json:"amount"`
	Cancelled    bool            `json:"cancelled"`
}

// TranlogPayment is one payment inside a tranlog.
type TranlogPayment struct {
	PaymentCode string          `json:"paymentCode"`
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`
	Deposit     decimal.Decimal `json:"deposit"`
	Change      decimal.Decimal `json:"change"`
}

// Tranlog is the immutable snapshot of a completed cart. TransactionNo is
// gapless and monotonic per terminal.
type Tranlog struct {
	TenantID        string           `json:"tenantId"`
	StoreCode       string           `json:"storeCode"`
	TerminalID      string           `json:"terminalId"`
	CartID          string           `json:"cartId"`
	TransactionNo   int64            `json:"transactionNo"`
	TransactionType string           `json:"transactionType"`
	ReceiptNo       int64            `json:"receiptNo"`
	BusinessDate    string           `json:"businessDate"`
	BusinessCounter int64            `json:"businessCounter"`
	StaffID         string           `json:"staffId"`
	Lines           []TranlogLine    `json:"lines"`
	Payments        []TranlogPayment `json:"payments"`
	SubTotal        decimal.Decimal  `json:"subTotal"`
	TaxAmount       decimal.Decimal  `json:"taxAmount"`
	Total           decimal.Decimal  `json:"total"`
	DepositTotal    decimal.Decimal  `json:"depositTotal"`
	ChangeTotal     decimal.Decimal  `json:"changeTotal"`
	ReceiptText     string           `json:"receiptText"`
	JournalText     string           `json:"journalText"`
	CompletedAt     time.Time        `json:"completedAt"`
}

// AlertType identifies the stock threshold an alert reports.
type AlertType string

const (
	AlertMinimumStock AlertType = "minimum_stock"
	AlertReorderPoint AlertType = "reorder_point"
)

// ConnectionAck is sent once on every accepted WebSocket connection.
type ConnectionAck struct {
	Type      string `json:"type"` // always "connection"
	Status    string `json:"status"`
	TenantID  string `json:"tenant_id"`
	StoreCode string `json:"store_code"`
	Timestamp string `json:"timestamp"`
}

// StockAlert is broadcast to every socket in the (tenant, store) group when a
// stock row crosses a configured threshold.
type StockAlert struct {
	Type            string          `json:"type"` // always "stock_alert"
	AlertType       AlertType       `json:"alert_type"`
	TenantID        string          `json:"tenant_id"`
	StoreCode       string          `json:"store_code"`
	ItemCode        string          `json:"item_code"`
	CurrentQuantity decimal.Decimal `json:"current_quantity"`
	Threshold       decimal.Decimal `json:"threshold"`
	Timestamp       string          `json:"timestamp"`
}
