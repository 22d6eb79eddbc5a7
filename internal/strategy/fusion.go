package strategy

import (
	"fmt"
	"math"
	"strings"

	"go.uber.org/zap"

	"fusion-trader/internal/model"
	"fusion-trader/internal/service"
)

// componentOrder fixes the summation order so equal inputs give bit-identical confidences.
var componentOrder = []string{
	model.ComponentRSI,
	model.ComponentTrend,
	model.ComponentBands,
	model.ComponentSentiment,
	model.ComponentVolume,
	model.ComponentConsensus,
}

// Scorer fuses technical features and news sentiment into one TradeScore.
type Scorer struct {
	cfg    service.FusionConfig
	logger *zap.SugaredLogger
}

func NewScorer(cfg service.FusionConfig, logger *zap.SugaredLogger) *Scorer {
	if logger == nil {
		logger = service.Logger.Sugar()
	}
	return &Scorer{cfg: cfg, logger: logger}
}

// Score is deterministic: its timestamp is the features' bar time, never the wall clock.
// volume may be nil, in which case relative volume counts as 1.
func (s *Scorer) Score(f model.TechnicalFeatures, sent model.SentimentScore, volume *model.VolumeContext) model.TradeScore {
	vol := model.VolumeContext{Relative: 1}
	if volume != nil {
		vol = *volume
	}

	technical := 1.0
	if f.Choppy {
		technical = s.cfg.ChoppyFactor
	}

	components := map[string]float64{
		model.ComponentRSI:       s.rsiScore(f.RSI) * s.cfg.RSIWeight * technical,
		model.ComponentTrend:     s.trendScore(f) * s.cfg.TrendWeight * technical,
		model.ComponentBands:     s.bandsScore(f) * s.cfg.BandsWeight * technical,
		model.ComponentSentiment: s.sentimentScore(sent) * s.cfg.SentimentWeight,
		model.ComponentVolume:    s.volumeScore(vol) * s.cfg.VolumeWeight,
	}

	bull, bear := s.alignment(f, sent)
	consensus := math.Max(bull, bear)
	components[model.ComponentConsensus] = s.cfg.ConsensusBonus * consensus

	var confidence float64
	for _, k := range componentOrder {
		confidence += components[k]
	}
	confidence = service.Clamp(confidence, 0, 1)

	score := model.TradeScore{
		Symbol:             f.Symbol,
		Timestamp:          f.Timestamp,
		Components:         components,
		TechnicalDirection: s.technicalDirection(f),
		SentimentDirection: s.sentimentDirection(sent),
		Consensus:          consensus,
	}

	var reasons []string
	direction := score.TechnicalDirection
	if direction == model.SignalHold {
		direction = score.SentimentDirection
	}
	if score.TechnicalDirection != model.SignalHold && score.SentimentDirection != model.SignalHold &&
		score.TechnicalDirection != score.SentimentDirection {
		score.Disagreement = true
		confidence = math.Min(confidence, s.cfg.DisagreementCap)
		reasons = append(reasons, fmt.Sprintf("technical %s vs sentiment %s", score.TechnicalDirection, score.SentimentDirection))
	}
	if sent.Recommendation == model.RecSkipHighRisk {
		direction = model.SignalHold
		reasons = append(reasons, "high-risk news")
	}
	if confidence < s.cfg.MinConfidence && direction != model.SignalHold {
		direction = model.SignalHold
		reasons = append(reasons, fmt.Sprintf("confidence %.3f below %.2f", confidence, s.cfg.MinConfidence))
	}
	if f.Choppy {
		reasons = append(reasons, "choppy market")
	}

	score.Confidence = confidence
	score.Direction = direction
	score.Strength = strength(confidence)
	score.Reason = strings.Join(reasons, "; ")

	s.logger.Debugw("trade scored",
		"symbol", score.Symbol,
		"confidence", score.Confidence,
		"direction", score.Direction,
		"technical", score.TechnicalDirection,
		"sentiment", score.SentimentDirection,
		"reason", score.Reason,
	)
	return score
}

func (s *Scorer) rsiScore(rsi float64) float64 {
	switch {
	case rsi < s.cfg.RSIExtremeLow || rsi > s.cfg.RSIExtremeHigh:
		return 0.9
	case rsi < s.cfg.RSIModerateLow || rsi > s.cfg.RSIModerateHigh:
		return 0.7
	}
	return 0.3
}

func (s *Scorer) trendScore(f model.TechnicalFeatures) float64 {
	switch {
	case f.Crossover:
		return 0.8
	case f.Trend == model.Bullish || f.Trend == model.Bearish:
		return 0.6
	}
	return 0.4
}

func (s *Scorer) bandsScore(f model.TechnicalFeatures) float64 {
	outside := f.BandUpper > 0 && (f.Price > f.BandUpper || f.Price < f.BandLower)
	switch {
	case outside:
		return 0.8
	case f.BandState == model.BandSqueeze:
		return 0.7
	}
	return 0.6
}

func (s *Scorer) sentimentScore(sent model.SentimentScore) float64 {
	v := math.Abs(sent.Value)
	switch {
	case v > 0.3 && sent.Confidence > 0.7:
		return 0.8
	case v > 0.1:
		return 0.6
	}
	return 0.5
}

func (s *Scorer) volumeScore(v model.VolumeContext) float64 {
	switch {
	case v.Relative > 2.0 || v.Spike > 0.7:
		return 0.8
	case v.Relative > 1.5:
		return 0.6
	}
	return 0.4
}

// alignment is the fraction of RSI, trend and sentiment pointing each way.
func (s *Scorer) alignment(f model.TechnicalFeatures, sent model.SentimentScore) (bull, bear float64) {
	if f.RSI < s.cfg.Oversold {
		bull++
	}
	if f.RSI > s.cfg.Overbought {
		bear++
	}
	switch f.Trend {
	case model.Bullish:
		bull++
	case model.Bearish:
		bear++
	}
	if sent.Value > s.cfg.SentimentBias {
		bull++
	}
	if sent.Value < -s.cfg.SentimentBias {
		bear++
	}
	return bull / 3, bear / 3
}

// technicalDirection votes RSI extremity, EMA trend and the composite signal.
func (s *Scorer) technicalDirection(f model.TechnicalFeatures) model.SignalDirection {
	votes := 0
	switch {
	case f.RSI < s.cfg.Oversold:
		votes++
	case f.RSI > s.cfg.Overbought:
		votes--
	}
	votes += biasVote(f.Trend)
	votes += biasVote(f.Composite)

	switch {
	case votes > 0:
		return model.SignalBuy
	case votes < 0:
		return model.SignalSell
	}
	return model.SignalHold
}

func (s *Scorer) sentimentDirection(sent model.SentimentScore) model.SignalDirection {
	switch {
	case sent.Value > s.cfg.SentimentBias:
		return model.SignalBuy
	case sent.Value < -s.cfg.SentimentBias:
		return model.SignalSell
	}
	return model.SignalHold
}

func biasVote(b model.Bias) int {
	switch b {
	case model.Bullish:
		return 1
	case model.Bearish:
		return -1
	}
	return 0
}

func strength(confidence float64) model.Strength {
	switch {
	case confidence >= 0.8:
		return model.StrengthVeryStrong
	case confidence >= 0.7:
		return model.StrengthStrong
	case confidence >= 0.6:
		return model.StrengthModerate
	}
	return model.StrengthWeak
}
