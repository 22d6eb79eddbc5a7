package sentiment

import (
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"fusion-trader/internal/model"
	"fusion-trader/internal/service"
)

// itemScore is the reading of a single article.
type itemScore struct {
	sentiment float64
	risk      float64
	momentum  float64
	age       time.Duration
}

// Aggregator reduces a batch of news items to one SentimentScore. It is pure: the same
// items and reference time always produce the same score.
type Aggregator struct {
	cfg    service.SentimentConfig
	Logger *zap.SugaredLogger
}

func NewAggregator(cfg service.SentimentConfig, logger *zap.SugaredLogger) *Aggregator {
	if logger == nil {
		logger = service.Logger.Sugar()
	}
	return &Aggregator{cfg: cfg, Logger: logger}
}

// Aggregate scores the items published within the window before now. An empty batch is
// neutral with zero confidence and a hold recommendation.
func (a *Aggregator) Aggregate(symbol string, items []model.NewsItem, now time.Time) model.SentimentScore {
	recent := a.inWindow(items, now)
	if len(recent) == 0 {
		return model.NeutralSentiment(symbol)
	}

	var (
		weighted, totalWeight float64
		riskSum, momentumSum  float64
		allTokens             []string
	)
	for _, it := range recent {
		tokens := tokenize(it.Headline + " " + plainText(it.Body))
		allTokens = append(allTokens, tokens...)
		s := a.scoreItem(tokens, now.Sub(it.PublishedAt))

		w := a.recencyWeight(s.age)
		weighted += s.sentiment * w
		totalWeight += w
		riskSum += s.risk
		momentumSum += s.momentum
	}

	n := float64(len(recent))
	value := 0.0
	if totalWeight > 0 {
		value = clamp(weighted/totalWeight, -1, 1)
	}
	risk := riskSum / n
	level := a.riskLevel(risk, value)
	momentum := a.momentumDirection(momentumSum/n, value)

	score := model.SentimentScore{
		Symbol:         symbol,
		Value:          value,
		Confidence:     math.Min(n/float64(max(a.cfg.SaturationCount, 1)), 1),
		ArticleCount:   len(recent),
		Recommendation: a.recommend(value, level, momentum),
		RiskLevel:      level,
		RiskScore:      risk,
		Momentum:       momentum,
		Themes:         themes(allTokens),
	}

	a.Logger.Debugw("sentiment aggregated",
		"symbol", symbol,
		"items", score.ArticleCount,
		"value", score.Value,
		"risk", score.RiskLevel,
		"recommendation", score.Recommendation,
	)
	return score
}

// inWindow keeps items inside the window, newest first, capped at MaxItems.
func (a *Aggregator) inWindow(items []model.NewsItem, now time.Time) []model.NewsItem {
	recent := make([]model.NewsItem, 0, len(items))
	for _, it := range items {
		if a.cfg.Window > 0 && now.Sub(it.PublishedAt) > a.cfg.Window {
			continue
		}
		recent = append(recent, it)
	}
	sort.SliceStable(recent, func(i, j int) bool {
		return recent[i].PublishedAt.After(recent[j].PublishedAt)
	})
	if a.cfg.MaxItems > 0 && len(recent) > a.cfg.MaxItems {
		recent = recent[:a.cfg.MaxItems]
	}
	return recent
}

func (a *Aggregator) scoreItem(tokens []string, age time.Duration) itemScore {
	return itemScore{
		sentiment: a.cfg.FinancialWeight*a.financial(tokens) + a.cfg.PolarityWeight*lexiconPolarity(tokens),
		risk:      a.riskScore(tokens),
		momentum:  momentumScore(tokens),
		age:       age,
	}
}

// financial nets bullish against bearish keyword hits, normalised by the number of hits.
func (a *Aggregator) financial(tokens []string) float64 {
	bull := hits(tokens, bullishWords)
	bear := hits(tokens, bearishWords)
	total := bull + bear
	if total == 0 {
		return 0
	}
	raw := float64(bull-bear) * a.cfg.KeywordIncrement
	return clamp(raw/float64(total), -1, 1)
}

func (a *Aggregator) riskScore(tokens []string) float64 {
	if a.cfg.RiskNormalizer <= 0 {
		return 0
	}
	raw := float64(distinct(tokens, highRiskWords)) + 0.5*float64(distinct(tokens, volatilityWords))
	return math.Min(raw/a.cfg.RiskNormalizer, 1)
}

func momentumScore(tokens []string) float64 {
	m := 0.2*float64(distinct(tokens, momentumWords)) +
		0.3*float64(distinct(tokens, risingWords)) -
		0.3*float64(distinct(tokens, fallingWords))
	return clamp(m, -1, 1)
}

func (a *Aggregator) recencyWeight(age time.Duration) float64 {
	if age < 0 || a.cfg.Window <= 0 {
		return 1
	}
	return math.Max(a.cfg.RecencyFloor, 1-float64(age)/float64(a.cfg.Window))
}

func (a *Aggregator) riskLevel(risk, value float64) model.RiskLevel {
	switch {
	case risk > a.cfg.HighRiskScore || math.Abs(value) > a.cfg.HighRiskSentiment:
		return model.RiskHigh
	case risk > a.cfg.MediumRiskScore || math.Abs(value) > a.cfg.MediumRiskSentiment:
		return model.RiskMedium
	}
	return model.RiskLow
}

func (a *Aggregator) momentumDirection(momentum, value float64) model.Bias {
	combined := (momentum + value) / 2
	switch {
	case combined > a.cfg.MomentumThreshold:
		return model.Bullish
	case combined < -a.cfg.MomentumThreshold:
		return model.Bearish
	}
	return model.Neutral
}

func (a *Aggregator) recommend(value float64, level model.RiskLevel, momentum model.Bias) model.Recommendation {
	if level == model.RiskHigh && math.Abs(value) > a.cfg.SkipThreshold {
		return model.RecSkipHighRisk
	}
	switch {
	case value > a.cfg.StrongThreshold && momentum == model.Bullish && level != model.RiskHigh:
		return model.RecStrongBuy
	case value < -a.cfg.StrongThreshold && momentum == model.Bearish && level != model.RiskHigh:
		return model.RecStrongSell
	case value > a.cfg.ModerateThreshold && momentum != model.Bearish:
		return model.RecBuy
	case value < -a.cfg.ModerateThreshold && momentum != model.Bullish:
		return model.RecSell
	}
	return model.RecHold
}

// themes lists up to three recurring topics across the batch.
func themes(tokens []string) []string {
	var out []string
	for _, t := range themeWords {
		if hits(tokens, t.words) > 0 {
			out = append(out, t.theme)
		}
		if len(out) == 3 {
			break
		}
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
