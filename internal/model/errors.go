package model

import (
	"errors"
	"fmt"
)

var (
	// ErrDataUnavailable means a collaborator had no usable data this cycle.
	ErrDataUnavailable = errors.New("data unavailable")

	// ErrInsufficientData means a series is shorter than the largest lookback.
	ErrInsufficientData = fmt.Errorf("insufficient data: %w", ErrDataUnavailable)
)

// RejectReason is the enumerable cause of a vetoed trade.
type RejectReason string

const (
	ReasonHalted                  RejectReason = "halted"
	ReasonDailyLossLimit          RejectReason = "daily_loss_limit"
	ReasonConsecutiveLossLimit    RejectReason = "consecutive_loss_limit"
	ReasonFrequencyLimit          RejectReason = "frequency_limit"
	ReasonCooldown                RejectReason = "cooldown"
	ReasonRiskRewardTooLow        RejectReason = "risk_reward_too_low"
	ReasonMaxLossExceeded         RejectReason = "max_loss_exceeded"
	ReasonPositionExists          RejectReason = "position_exists"
	ReasonPendingOrderExists      RejectReason = "pending_order_exists"
	ReasonMaxPositions            RejectReason = "max_positions"
	ReasonInsufficientCapital     RejectReason = "insufficient_capital"
	ReasonBelowMinNotional        RejectReason = "below_min_notional"
	ReasonPositionTrackingFailure RejectReason = "position_tracking_failure"
)

// RiskRejectedError is returned when a safety check vetoes a candidate.
type RiskRejectedError struct {
	Reason RejectReason
	Detail string
}

func (e *RiskRejectedError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("risk rejected: %s", e.Reason)
	}
	return fmt.Sprintf("risk rejected: %s: %s", e.Reason, e.Detail)
}

// Rejected builds a RiskRejectedError.
func Rejected(reason RejectReason, format string, args ...any) error {
	return &RiskRejectedError{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// RejectReasonOf extracts the reason from err, or "" when err is not a rejection.
func RejectReasonOf(err error) RejectReason {
	var rr *RiskRejectedError
	if errors.As(err, &rr) {
		return rr.Reason
	}
	return ""
}

// GatewayFailureError wraps a failed brokerage call.
type GatewayFailureError struct {
	Op  string
	Err error
}

func (e *GatewayFailureError) Error() string {
	return fmt.Sprintf("gateway failure during %s: %v", e.Op, e.Err)
}

func (e *GatewayFailureError) Unwrap() error { return e.Err }

// InvariantViolationError marks a candidate that broke a domain invariant.
type InvariantViolationError struct {
	What string
}

func (e *InvariantViolationError) Error() string {
	return "invariant violation: " + e.What
}

// Violation builds an InvariantViolationError.
func Violation(format string, args ...any) error {
	return &InvariantViolationError{What: fmt.Sprintf(format, args...)}
}
