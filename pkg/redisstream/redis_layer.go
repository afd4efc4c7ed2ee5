package redisstream

import (
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// Settings holds Redis Streams transport configuration for the event bus.
type Settings struct {
	Addr     string `yaml:"addr" env:"ADDR"`
	Password string `yaml:"password" env:"PASSWORD"`
	DB       int    `yaml:"db" env:"DB"`
	// Group is created on every user stream at its tail.
	Group string `yaml:"group" env:"GROUP"`
	// Consumer names this process inside the group.
	Consumer    string `yaml:"consumer" env:"CONSUMER"`
	TopicPrefix string `yaml:"topic_prefix" env:"TOPIC_PREFIX"`
	// MaxLen caps each stream, approximately, when a client opens it; zero
	// keeps everything.
	MaxLen int64 `yaml:"max_len" env:"MAX_LEN"`
}

func DefaultSettings() Settings {
	return Settings{
		Addr:        "localhost:6379",
		Group:       "chatsync",
		TopicPrefix: "chatsync.events.",
		MaxLen:      10000,
	}
}

func (s Settings) Validate() error {
	if s.Addr == "" {
		return errors.New("redisstream: addr is required")
	}
	if s.Group == "" {
		return errors.New("redisstream: group is required")
	}
	if s.MaxLen < 0 {
		return errors.Errorf("redisstream: max_len must not be negative, got %d", s.MaxLen)
	}
	return nil
}

func (s Settings) NewClient() *redis.Client {
	return redis.NewClient(&redis.Options{Addr: s.Addr, Password: s.Password, DB: s.DB})
}
