package notification

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"binance-signal-engine/internal/signal"
)

// RedisMirror publishes every emitted card payload to a Redis channel for
// downstream consumers. It degrades instead of failing: an unreachable
// Redis never blocks card emission.
type RedisMirror struct {
	client  *redis.Client
	channel string
	enabled bool
	log     zerolog.Logger

	mu      sync.Mutex
	healthy bool
}

// NewRedisMirror builds the mirror. An empty address or channel disables
// it entirely.
func NewRedisMirror(addr, password string, db int, channel string, log zerolog.Logger) *RedisMirror {
	m := &RedisMirror{channel: channel, enabled: addr != "" && channel != "", log: log}
	if !m.enabled {
		return m
	}
	m.client = redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	return m
}

func (m *RedisMirror) Enabled() bool { return m.enabled }

// Healthy reports whether the last Redis operation succeeded.
func (m *RedisMirror) Healthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.healthy
}

// Start pings Redis. A failed ping leaves the mirror in degraded mode;
// publishes keep trying and recovery is picked up on the next success.
func (m *RedisMirror) Start(ctx context.Context) {
	if !m.enabled {
		return
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := m.client.Ping(pingCtx).Err(); err != nil {
		m.log.Warn().Err(err).Msg("redis mirror starting degraded")
		m.setHealthy(false)
		return
	}
	m.log.Info().Str("channel", m.channel).Msg("redis mirror connected")
	m.setHealthy(true)
}

// Publish mirrors the payload to the channel. Failures are logged and
// swallowed.
func (m *RedisMirror) Publish(ctx context.Context, payload signal.CardPayload) {
	if !m.enabled {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		m.log.Warn().Err(err).Msg("redis mirror payload encoding failed")
		return
	}
	if err := m.client.Publish(ctx, m.channel, data).Err(); err != nil {
		m.log.Warn().Err(err).Str("channel", m.channel).Msg("redis mirror publish failed")
		m.setHealthy(false)
		return
	}
	m.setHealthy(true)
}

func (m *RedisMirror) Close() {
	if m.client != nil {
		m.client.Close()
	}
}

func (m *RedisMirror) setHealthy(healthy bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.healthy = healthy
}
