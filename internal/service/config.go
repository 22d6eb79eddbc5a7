package service

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the root of config/config.yaml.
type Config struct {
	LogLevel  string                    `mapstructure:"LogLevel"`
	Exchange  ExchangeConfig            `mapstructure:"Exchange"`
	News      NewsConfig                `mapstructure:"News"`
	Ledger    LedgerConfig              `mapstructure:"Ledger"`
	Redis     RedisConfig               `mapstructure:"Redis"`
	Status    StatusConfig              `mapstructure:"Status"`
	Instances map[string]InstanceConfig `mapstructure:"-"`
}

// ExchangeConfig holds the market-data stream endpoint.
type ExchangeConfig struct {
	Name    string
	WSURL   string
	RESTURL string
}

// NewsConfig configures the HTTP news adapter.
type NewsConfig struct {
	Enabled        bool
	BaseURL        string
	APIKey         string
	RequestsPerSec int
	Timeout        time.Duration
}

// LedgerConfig selects the trade ledger backend: "memory" or "postgres".
type LedgerConfig struct {
	Driver       string
	DSN          string
	QueryTimeout time.Duration
}

// RedisConfig configures the gate status publisher.
type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
	Key      string
	Channel  string
}

// StatusConfig configures the HTTP status/control server.
type StatusConfig struct {
	Enabled bool
	Addr    string
}

// InstanceConfig parameterises one orchestrator: watchlist, lookbacks and every threshold.
type InstanceConfig struct {
	Symbols        []string
	Interval       string
	HigherInterval string // empty disables the higher-timeframe bias
	Lookback       int
	ScanInterval   time.Duration
	Fractional     bool // fractional quantities allowed (crypto)
	AllowShort     bool
	InitialCapital float64 // simulator gateway starting balance

	Indicators IndicatorConfig
	Sentiment  SentimentConfig
	Fusion     FusionConfig
	Risk       RiskConfig
	Gate       GateConfig
	Exit       ExitConfig
}

// IndicatorConfig holds lookbacks and thresholds for the indicator calculator.
type IndicatorConfig struct {
	RSIPeriod           int
	FastEMA             int
	SlowEMA             int
	ATRPeriod           int
	ATRMultiplier       float64
	ChopPeriod          int
	ChopThreshold       float64
	BollingerPeriod     int
	BollingerStdDev     float64
	SqueezeWindow       int
	SqueezeRatio        float64
	VWAPWindow          int // 0 uses the whole series
	VWAPDeadband        float64
	VolumeWindow        int
	CompositeThreshold  float64
	ChoppyAttenuation   float64
	TrendWeight         float64
	VWAPWeight          float64
	HigherTFWeight      float64
	ChopWeight          float64
	VWAPSignalStrength  float64
	HigherTFSignalValue float64
}

// SentimentConfig holds the aggregator window and thresholds.
type SentimentConfig struct {
	Window              time.Duration
	MaxItems            int
	RecencyFloor        float64
	SaturationCount     int
	FinancialWeight     float64
	PolarityWeight      float64
	KeywordIncrement    float64
	RiskNormalizer      float64
	HighRiskScore       float64
	MediumRiskScore     float64
	HighRiskSentiment   float64
	MediumRiskSentiment float64
	SkipThreshold       float64
	StrongThreshold     float64
	ModerateThreshold   float64
	MomentumThreshold   float64
}

// FusionConfig holds component weights and scoring thresholds.
type FusionConfig struct {
	RSIWeight       float64
	TrendWeight     float64
	BandsWeight     float64
	SentimentWeight float64
	VolumeWeight    float64
	ConsensusBonus  float64
	MinConfidence   float64
	DisagreementCap float64
	ChoppyFactor    float64
	Oversold        float64
	Overbought      float64
	RSIExtremeLow   float64
	RSIExtremeHigh  float64
	RSIModerateLow  float64
	RSIModerateHigh float64
	SentimentBias   float64
}

// RiskConfig holds position sizing parameters.
type RiskConfig struct {
	RiskPerTrade        float64 // fraction of buying power risked at confidence 1/1.5
	MaxConfidenceScale  float64
	ConfidenceScale     float64
	LossScaleStep       float64
	MinLossScale        float64
	MaxPositionFraction float64
	RewardRiskRatio     float64
	MinNotional         float64
	QuantityStep        float64 // fractional lot size
}

// GateConfig holds the safety interlock limits.
type GateConfig struct {
	MaxDailyLoss         float64
	MaxConsecutiveLosses int
	MaxTradesPerWindow   int
	MaxOpenPositions     int
	TradeWindow          time.Duration
	Cooldown             time.Duration
	MinRiskReward        float64
	SmallAccountBalance  float64
	MaxLossPctSmall      float64
	MaxLossPctLarge      float64
	CapitalBuffer        float64
	DayLocation          string
}

// ExitConfig holds exit rules for open trades.
type ExitConfig struct {
	MaxHoldingTime   time.Duration
	TrailActivatePct float64
	TrailPct         float64
}

// DefaultInstanceConfig returns the balanced profile.
func DefaultInstanceConfig() InstanceConfig {
	return InstanceConfig{
		Interval:       "5m",
		HigherInterval: "1h",
		Lookback:       100,
		ScanInterval:   time.Minute,
		InitialCapital: 1000,
		Indicators: IndicatorConfig{
			RSIPeriod:           14,
			FastEMA:             9,
			SlowEMA:             21,
			ATRPeriod:           14,
			ATRMultiplier:       2.0,
			ChopPeriod:          14,
			ChopThreshold:       61.8,
			BollingerPeriod:     20,
			BollingerStdDev:     2.0,
			SqueezeWindow:       20,
			SqueezeRatio:        0.8,
			VWAPDeadband:        0.002,
			VolumeWindow:        20,
			CompositeThreshold:  0.3,
			ChoppyAttenuation:   0.5,
			TrendWeight:         0.30,
			VWAPWeight:          0.25,
			HigherTFWeight:      0.25,
			ChopWeight:          0.20,
			VWAPSignalStrength:  0.8,
			HigherTFSignalValue: 0.7,
		},
		Sentiment: SentimentConfig{
			Window:              24 * time.Hour,
			MaxItems:            10,
			RecencyFloor:        0.1,
			SaturationCount:     5,
			FinancialWeight:     0.7,
			PolarityWeight:      0.3,
			KeywordIncrement:    0.5,
			RiskNormalizer:      3,
			HighRiskScore:       0.7,
			MediumRiskScore:     0.4,
			HighRiskSentiment:   0.8,
			MediumRiskSentiment: 0.5,
			SkipThreshold:       0.6,
			StrongThreshold:     0.5,
			ModerateThreshold:   0.3,
			MomentumThreshold:   0.3,
		},
		Fusion: FusionConfig{
			RSIWeight:       0.25,
			TrendWeight:     0.20,
			BandsWeight:     0.15,
			SentimentWeight: 0.25,
			VolumeWeight:    0.15,
			ConsensusBonus:  0.1,
			MinConfidence:   0.5,
			DisagreementCap: 0.5,
			ChoppyFactor:    0.5,
			Oversold:        30,
			Overbought:      70,
			RSIExtremeLow:   25,
			RSIExtremeHigh:  75,
			RSIModerateLow:  35,
			RSIModerateHigh: 65,
			SentimentBias:   0.1,
		},
		Risk: RiskConfig{
			RiskPerTrade:        0.02,
			MaxConfidenceScale:  2.0,
			ConfidenceScale:     1.5,
			LossScaleStep:       0.2,
			MinLossScale:        0.5,
			MaxPositionFraction: 0.5,
			RewardRiskRatio:     2.0,
			MinNotional:         1.0,
			QuantityStep:        0.0001,
		},
		Gate: GateConfig{
			MaxDailyLoss:         50,
			MaxConsecutiveLosses: 3,
			MaxTradesPerWindow:   2,
			MaxOpenPositions:     3,
			TradeWindow:          time.Hour,
			Cooldown:             15 * time.Minute,
			MinRiskReward:        1.5,
			SmallAccountBalance:  100,
			MaxLossPctSmall:      25,
			MaxLossPctLarge:      10,
			CapitalBuffer:        0.05,
			DayLocation:          "UTC",
		},
		Exit: ExitConfig{
			MaxHoldingTime:   24 * time.Hour,
			TrailActivatePct: 2.0,
			TrailPct:         1.0,
		},
	}
}

// DefaultConfig returns a single-instance configuration backed by in-memory collaborators.
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		News: NewsConfig{
			RequestsPerSec: 5,
			Timeout:        30 * time.Second,
		},
		Ledger: LedgerConfig{
			Driver:       "memory",
			QueryTimeout: 5 * time.Second,
		},
		Redis: RedisConfig{
			Addr:    "localhost:6379",
			Key:     "fusion-trader:gate",
			Channel: "fusion-trader:gate-events",
		},
		Status: StatusConfig{
			Addr: "127.0.0.1:8080",
		},
		Instances: map[string]InstanceConfig{},
	}
}

// LoadConfig reads <configPath>/config.yaml. An optional .env next to it (or in the working
// directory) is loaded first; FUSION_* environment variables override file values.
func LoadConfig(configPath string) (*Config, error) {
	for _, envFile := range []string{filepath.Join(configPath, ".env"), ".env"} {
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err != nil {
				return nil, fmt.Errorf("load %s: %w", envFile, err)
			}
		}
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)
	v.SetEnvPrefix("FUSION")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("config file not found in %s: %w", configPath, err)
		}
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	// each instance starts from the defaults so a profile only lists what it changes
	for name := range v.GetStringMap("Instances") {
		inst := DefaultInstanceConfig()
		sub := v.Sub("Instances." + name)
		if sub != nil {
			if err := sub.Unmarshal(&inst); err != nil {
				return nil, fmt.Errorf("unable to decode instance %s: %w", name, err)
			}
		}
		if err := inst.Validate(); err != nil {
			return nil, fmt.Errorf("instance %s: %w", name, err)
		}
		cfg.Instances[name] = inst
	}

	if len(cfg.Instances) == 0 {
		return nil, errors.New("no instances configured")
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c InstanceConfig) Validate() error {
	if len(c.Symbols) == 0 {
		return errors.New("watchlist is empty")
	}
	if _, err := ParseIntervalDuration(c.Interval); err != nil {
		return err
	}
	if c.HigherInterval != "" {
		if _, err := ParseIntervalDuration(c.HigherInterval); err != nil {
			return err
		}
	}
	periods := []struct {
		name string
		n    int
	}{
		{"RSI", c.Indicators.RSIPeriod},
		{"fast EMA", c.Indicators.FastEMA},
		{"slow EMA", c.Indicators.SlowEMA},
		{"ATR", c.Indicators.ATRPeriod},
		{"Bollinger", c.Indicators.BollingerPeriod},
		{"chop", c.Indicators.ChopPeriod},
	}
	for _, p := range periods {
		if p.n <= 0 {
			return fmt.Errorf("%s period must be positive, got %d", p.name, p.n)
		}
	}
	if c.Indicators.ATRMultiplier <= 0 {
		return errors.New("ATR stop multiplier must be positive")
	}
	if c.Indicators.FastEMA >= c.Indicators.SlowEMA {
		return fmt.Errorf("fast EMA (%d) must be shorter than slow EMA (%d)", c.Indicators.FastEMA, c.Indicators.SlowEMA)
	}
	if c.Risk.RiskPerTrade <= 0 || c.Risk.RiskPerTrade > 1 {
		return fmt.Errorf("risk per trade %.4f out of (0,1]", c.Risk.RiskPerTrade)
	}
	if c.Risk.MaxPositionFraction <= 0 || c.Risk.MaxPositionFraction > 1 {
		return fmt.Errorf("max position fraction %.4f out of (0,1]", c.Risk.MaxPositionFraction)
	}
	if c.Risk.RewardRiskRatio <= 0 {
		return errors.New("reward:risk ratio must be positive")
	}
	if c.Gate.MaxConsecutiveLosses <= 0 || c.Gate.MaxTradesPerWindow <= 0 || c.Gate.MaxOpenPositions <= 0 {
		return errors.New("gate limits must be positive")
	}
	if c.ScanInterval <= 0 {
		return errors.New("scan interval must be positive")
	}
	return nil
}
