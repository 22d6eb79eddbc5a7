package orchestrator

import (
	"errors"
	"fmt"
	"time"

	"fusion-trader/internal/model"
)

// Outcome is what a scan did with one symbol.
type Outcome string

const (
	OutcomeExecuted           Outcome = "executed"
	OutcomeHold               Outcome = "hold"
	OutcomeRejected           Outcome = "rejected"
	OutcomeDataUnavailable    Outcome = "data_unavailable"
	OutcomeGatewayFailure     Outcome = "gateway_failure"
	OutcomeInvariantViolation Outcome = "invariant_violation"
)

// Decision is the result of evaluating one watchlist symbol in one cycle.
type Decision struct {
	Symbol       string
	At           time.Time
	Outcome      Outcome
	Reason       string
	RejectReason model.RejectReason // set for OutcomeRejected
	Score        *model.TradeScore
	Risk         *model.TradeRisk
	Trade        *model.ActiveTrade // set for OutcomeExecuted
	Err          error
}

func (d Decision) String() string {
	return fmt.Sprintf("DECISION [%s] %s: %s", d.Symbol, d.Outcome, d.Reason)
}

// Cycle is everything one RunCycle call did.
type Cycle struct {
	Started   time.Time
	Closed    []model.ClosedTradeRecord
	Decisions []Decision
	Halted    bool
}

// fromError classifies a collaborator error into a decision outcome.
func fromError(d Decision, err error) Decision {
	d.Err = err
	d.Reason = err.Error()

	var rr *model.RiskRejectedError
	var gf *model.GatewayFailureError
	var iv *model.InvariantViolationError
	switch {
	case errors.As(err, &rr):
		d.Outcome = OutcomeRejected
		d.RejectReason = rr.Reason
	case errors.As(err, &iv):
		d.Outcome = OutcomeInvariantViolation
	case errors.As(err, &gf):
		d.Outcome = OutcomeGatewayFailure
	default:
		// anything else came from a data collaborator: no data this cycle
		d.Outcome = OutcomeDataUnavailable
	}
	return d
}
