package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"fusion-trader/internal/risk"
	"fusion-trader/internal/service"
)

// ErrNoStatus is returned by Latest when nothing was published for the instance.
var ErrNoStatus = errors.New("no status published")

// RedisPublisher mirrors gate status into Redis: the latest snapshot under <key>:<instance>
// and every change on the events channel. It implements risk.StatusObserver.
type RedisPublisher struct {
	client  redis.UniversalClient
	key     string
	channel string
	timeout time.Duration
	logger  *zap.SugaredLogger
}

func NewRedisClient(cfg service.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
}

func NewRedisPublisher(client redis.UniversalClient, cfg service.RedisConfig, logger *zap.SugaredLogger) *RedisPublisher {
	if logger == nil {
		logger = service.Logger.Sugar()
	}
	return &RedisPublisher{
		client:  client,
		key:     cfg.Key,
		channel: cfg.Channel,
		timeout: 2 * time.Second,
		logger:  logger,
	}
}

func (p *RedisPublisher) statusKey(instance string) string {
	return p.key + ":" + instance
}

// PublishStatus never blocks the gate for long and never fails it; errors are logged.
func (p *RedisPublisher) PublishStatus(st risk.Status) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	if err := p.publish(ctx, st); err != nil {
		p.logger.Warnw("status publish failed", "instance", st.Instance, "error", err)
	}
}

func (p *RedisPublisher) publish(ctx context.Context, st risk.Status) error {
	payload, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}
	if err := p.client.Set(ctx, p.statusKey(st.Instance), string(payload), 0).Err(); err != nil {
		return fmt.Errorf("set %s: %w", p.statusKey(st.Instance), err)
	}
	if p.channel != "" {
		if err := p.client.Publish(ctx, p.channel, string(payload)).Err(); err != nil {
			return fmt.Errorf("publish %s: %w", p.channel, err)
		}
	}
	return nil
}

// Latest reads the last snapshot published for instance.
func (p *RedisPublisher) Latest(ctx context.Context, instance string) (risk.Status, error) {
	var st risk.Status
	raw, err := p.client.Get(ctx, p.statusKey(instance)).Result()
	if errors.Is(err, redis.Nil) {
		return st, fmt.Errorf("%s: %w", instance, ErrNoStatus)
	}
	if err != nil {
		return st, fmt.Errorf("get %s: %w", p.statusKey(instance), err)
	}
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return st, fmt.Errorf("decode status: %w", err)
	}
	return st, nil
}
