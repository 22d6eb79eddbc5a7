package risk

import (
	"time"

	"fusion-trader/internal/model"
)

// GateState is the interlock state.
type GateState string

const (
	StateActive GateState = "ACTIVE"
	StateHalted GateState = "HALTED"
)

// RiskState is the mutable safety context owned by one Gate. Only the gate writes it.
type RiskState struct {
	State             GateState
	Day               time.Time // start of the trading day the loss accumulator covers
	DailyLoss         float64   // gross realized loss for Day, positive
	ConsecutiveLosses int
	RecentTrades      []time.Time // execution times inside the trailing window
	HaltReason        string
	HaltCause         model.RejectReason
	HaltedAt          time.Time
}

func (s RiskState) clone() RiskState {
	s.RecentTrades = append([]time.Time(nil), s.RecentTrades...)
	return s
}

// Status is the published view of a gate.
type Status struct {
	Instance          string             `json:"instance"`
	State             GateState          `json:"state"`
	HaltReason        string             `json:"halt_reason,omitempty"`
	HaltCause         model.RejectReason `json:"halt_cause,omitempty"`
	HaltedAt          *time.Time         `json:"halted_at,omitempty"`
	Day               string             `json:"day"`
	DailyLoss         float64            `json:"daily_loss"`
	ConsecutiveLosses int                `json:"consecutive_losses"`
	TradesInWindow    int                `json:"trades_in_window"`
	LastTradeAt       *time.Time         `json:"last_trade_at,omitempty"`
	UpdatedAt         time.Time          `json:"updated_at"`
}

// StatusObserver is notified after every gate state change.
type StatusObserver interface {
	PublishStatus(st Status)
}

// StatusObserverFunc adapts a function to StatusObserver.
type StatusObserverFunc func(st Status)

func (f StatusObserverFunc) PublishStatus(st Status) { f(st) }

// Candidate is a sized trade plus the account facts the gate checks it against.
type Candidate struct {
	Risk            model.TradeRisk
	BuyingPower     float64
	Balance         float64
	HasPosition     bool
	HasPendingOrder bool
	OpenPositions   int // trades currently open across the instance
	At              time.Time
}
