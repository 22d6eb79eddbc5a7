package model

import (
	"fmt"
	"time"
)

// Direction is the side of a position or trade.
type Direction string

const (
	DirLong  Direction = "long"
	DirShort Direction = "short"
	DirFlat  Direction = "flat"
)

func (d Direction) String() string {
	return string(d)
}

// Sign is +1 for long, -1 for short, 0 for flat.
func (d Direction) Sign() float64 {
	switch d {
	case DirLong:
		return 1
	case DirShort:
		return -1
	}
	return 0
}

// SignalDirection is the decision a TradeScore carries.
type SignalDirection string

const (
	SignalBuy  SignalDirection = "buy"
	SignalSell SignalDirection = "sell"
	SignalHold SignalDirection = "hold"
)

// Side maps a buy/sell decision to the position it opens.
func (s SignalDirection) Side() Direction {
	switch s {
	case SignalBuy:
		return DirLong
	case SignalSell:
		return DirShort
	}
	return DirFlat
}

// Bias is a three-way directional reading.
type Bias string

const (
	Bullish Bias = "bullish"
	Bearish Bias = "bearish"
	Neutral Bias = "neutral"
)

// BandState is the Bollinger band regime.
type BandState string

const (
	BandSqueeze   BandState = "squeeze"
	BandExpansion BandState = "expansion"
)

// VolumeContext describes the last bar's volume against its recent history.
type VolumeContext struct {
	Relative float64 // last volume / mean of the prior window
	Spike    float64 // 0..1
	Trend    float64 // -1..1, slope of volume over the window
}

// TechnicalFeatures is the indicator snapshot for one symbol.
type TechnicalFeatures struct {
	Symbol    string
	Timestamp time.Time // close time of the last bar
	Price     float64
	Bars      int

	RSI       float64
	FastEMA   float64
	SlowEMA   float64
	Trend     Bias
	Crossover bool // fast/slow ordering flipped on the last bar

	ATR          float64
	StopDistance float64 // ATR * multiplier

	VWAP     float64
	VWAPBias Bias

	Choppiness float64
	Choppy     bool

	BandUpper  float64
	BandMiddle float64
	BandLower  float64
	BandWidth  float64
	BandState  BandState

	HigherTimeframe Bias // empty when no higher-interval series was supplied

	Composite         Bias
	CompositeStrength float64

	Volume VolumeContext
}

// Recommendation is the coarse sentiment label.
type Recommendation string

const (
	RecStrongBuy    Recommendation = "strong_buy"
	RecBuy          Recommendation = "buy"
	RecHold         Recommendation = "hold"
	RecSell         Recommendation = "sell"
	RecStrongSell   Recommendation = "strong_sell"
	RecSkipHighRisk Recommendation = "skip_high_risk"
)

// RiskLevel grades news-driven risk.
type RiskLevel string

const (
	RiskLow    RiskLevel = "LOW"
	RiskMedium RiskLevel = "MEDIUM"
	RiskHigh   RiskLevel = "HIGH"
)

// SentimentScore is the aggregated news reading for one symbol.
type SentimentScore struct {
	Symbol         string
	Value          float64 // [-1, 1]
	Confidence     float64 // [0, 1]
	ArticleCount   int
	Recommendation Recommendation
	RiskLevel      RiskLevel
	RiskScore      float64
	Momentum       Bias
	Themes         []string
}

// NeutralSentiment is the reading for an empty batch.
func NeutralSentiment(symbol string) SentimentScore {
	return SentimentScore{
		Symbol:         symbol,
		Recommendation: RecHold,
		RiskLevel:      RiskLow,
		Momentum:       Neutral,
	}
}

// Strength labels a fused confidence.
type Strength string

const (
	StrengthWeak       Strength = "weak"
	StrengthModerate   Strength = "moderate"
	StrengthStrong     Strength = "strong"
	StrengthVeryStrong Strength = "very_strong"
)

// Component keys of TradeScore.Components.
const (
	ComponentRSI       = "rsi"
	ComponentTrend     = "trend"
	ComponentBands     = "bands"
	ComponentSentiment = "sentiment"
	ComponentVolume    = "volume"
	ComponentConsensus = "consensus"
)

// TradeScore is the fused decision for one symbol.
type TradeScore struct {
	Symbol             string
	Timestamp          time.Time
	Confidence         float64
	Direction          SignalDirection
	Strength           Strength
	Components         map[string]float64
	TechnicalDirection SignalDirection
	SentimentDirection SignalDirection
	Consensus          float64
	Disagreement       bool
	Reason             string
}

func (s TradeScore) String() string {
	return fmt.Sprintf("SCORE [%s | %s] conf %.3f (%s) | tech %s | sent %s",
		s.Symbol, s.Direction, s.Confidence, s.Strength, s.TechnicalDirection, s.SentimentDirection)
}

// TradeRisk is the sized candidate trade.
type TradeRisk struct {
	Symbol          string
	Side            Direction
	EntryPrice      float64
	StopLossPrice   float64
	TakeProfitPrice float64
	PositionSize    float64
	RiskAmount      float64
	RewardAmount    float64
	RiskRewardRatio float64
	MaxLossPct      float64 // RiskAmount / balance * 100
	Confidence      float64
}

// Notional is the capital the trade ties up.
func (r TradeRisk) Notional() float64 {
	return r.PositionSize * r.EntryPrice
}

func (r TradeRisk) String() string {
	return fmt.Sprintf("RISK [%s | %s] @ %.4f | Size: %.4f | SL: %.4f | TP: %.4f | Risk: %.2f | RR: %.2f",
		r.Symbol, r.Side, r.EntryPrice, r.PositionSize, r.StopLossPrice, r.TakeProfitPrice, r.RiskAmount, r.RiskRewardRatio)
}

// OrderSide is the broker-facing side of an order.
type OrderSide string

const (
	OrderBuy  OrderSide = "buy"
	OrderSell OrderSide = "sell"
)

// OrderType is the order kind; the core only submits market orders.
type OrderType string

const (
	OrderMarket OrderType = "market"
)

// OrderStatus is the broker acknowledgement state.
type OrderStatus string

const (
	OrderFilled   OrderStatus = "filled"
	OrderPartial  OrderStatus = "partially_filled"
	OrderPending  OrderStatus = "pending"
	OrderRejected OrderStatus = "rejected"
)

// EntrySide is the order side that opens a position in direction d.
func EntrySide(d Direction) OrderSide {
	if d == DirShort {
		return OrderSell
	}
	return OrderBuy
}

// ExitSide is the order side that closes a position in direction d.
func ExitSide(d Direction) OrderSide {
	if d == DirShort {
		return OrderBuy
	}
	return OrderSell
}

// OrderRequest is submitted to the execution gateway.
type OrderRequest struct {
	Symbol   string
	Side     OrderSide
	Quantity float64
	Type     OrderType
}

// OrderConfirmation is the gateway's acknowledgement of an order.
type OrderConfirmation struct {
	OrderRef  string
	Symbol    string
	Side      OrderSide
	Status    OrderStatus
	Quantity  float64 // requested
	FilledQty float64
	FillPrice float64
	FilledAt  time.Time
}

// Confirmed reports whether the order filled completely.
func (c *OrderConfirmation) Confirmed() bool {
	return c != nil && c.Status == OrderFilled && c.FilledQty > 0 && c.FilledQty >= c.Quantity
}

// HasFill reports whether any quantity changed hands, including a partial fill.
func (c *OrderConfirmation) HasFill() bool {
	return c != nil && c.Status != OrderRejected && c.FilledQty > 0
}

// Partial reports a fill short of the requested quantity.
func (c *OrderConfirmation) Partial() bool {
	return c.HasFill() && c.FilledQty < c.Quantity
}

// Position is the broker's view of a holding.
type Position struct {
	Symbol    string
	Direction Direction
	Size      float64
	AvgPrice  float64
	UPL       float64
	EntryTime time.Time
}

// ActiveTrade is an open trade owned by the lifecycle tracker.
type ActiveTrade struct {
	ID         string
	Symbol     string
	Side       Direction
	Quantity   float64
	EntryPrice float64
	EntryTime  time.Time
	StopLoss   float64
	TakeProfit float64
	OrderRef   string

	InitialStop float64
	BestPrice   float64 // high-water mark for longs, low-water for shorts
	Score       TradeScore
	Risk        TradeRisk

	// A partially filled exit leaves the remainder open; these accumulate until the trade is flat.
	ExitPending ExitReason
	ExitedQty   float64
	ExitValue   float64 // sum of fill price * filled quantity
	PartialPnL  float64
}

// UnrealizedPnL at price.
func (t *ActiveTrade) UnrealizedPnL(price float64) float64 {
	return (price - t.EntryPrice) * t.Quantity * t.Side.Sign()
}

// ExitReason names why a trade was closed.
type ExitReason string

const (
	ExitStopLoss     ExitReason = "stop_loss"
	ExitTrailingStop ExitReason = "trailing_stop"
	ExitTakeProfit   ExitReason = "take_profit"
	ExitMaxHolding   ExitReason = "max_holding_time"
	ExitManual       ExitReason = "manual"
)

// ClosedTradeRecord is the immutable ledger row for a finished trade.
type ClosedTradeRecord struct {
	ID              string
	Symbol          string
	Side            Direction
	Quantity        float64
	EntryPrice      float64
	ExitPrice       float64
	EntryTime       time.Time
	ExitTime        time.Time
	RealizedPnL     float64
	RealizedPnLPct  float64
	ExitReason      ExitReason
	HoldingDuration time.Duration
	EntryOrderRef   string
	ExitOrderRef    string
	Score           TradeScore
	Risk            TradeRisk
}
