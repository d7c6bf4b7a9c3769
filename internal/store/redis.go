package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// KeyPrefixState prefixes every application state key.
const KeyPrefixState = "sysm:state:"

// StateKey returns the redis key holding an application's state.
func StateKey(appID string) string {
	return KeyPrefixState + appID
}

// RedisOptions configures the redis backend.
type RedisOptions struct {
	Addr        string
	Username    string
	Password    string
	DB          int
	DialTimeout time.Duration
	PingTimeout time.Duration
}

// RedisStore keeps one JSON document per application under StateKey.
type RedisStore struct {
	client *redis.Client
	log    zerolog.Logger
}

// OpenRedis connects to redis and verifies the connection with a ping.
func OpenRedis(ctx context.Context, opts RedisOptions, log zerolog.Logger) (*RedisStore, error) {
	if opts.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = 5 * time.Second
	}

	client := redis.NewClient(&redis.Options{
		Addr:        opts.Addr,
		Username:    opts.Username,
		Password:    opts.Password,
		DB:          opts.DB,
		DialTimeout: opts.DialTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, opts.PingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", opts.Addr, err)
	}

	l := log.With().Str("component", "store").Str("driver", DriverRedis).Logger()
	l.Info().Str("addr", opts.Addr).Int("db", opts.DB).Msg("connected to redis")

	return &RedisStore{client: client, log: l}, nil
}

// Load reads the state of an application.
func (s *RedisStore) Load(ctx context.Context, appID string) (State, error) {
	data, err := s.client.Get(ctx, StateKey(appID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return State{}, nil
		}
		return State{}, fmt.Errorf("failed to get state: %w", err)
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return State{}, fmt.Errorf("failed to decode state of %s: %w", appID, err)
	}
	return st, nil
}

// Save overwrites the state of an application.
func (s *RedisStore) Save(ctx context.Context, appID string, state State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}
	if err := s.client.Set(ctx, StateKey(appID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to set state: %w", err)
	}
	return nil
}

// Close closes the redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
