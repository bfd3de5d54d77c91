package siem

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Sink delivers one record to the SIEM. Send makes exactly one attempt.
type Sink interface {
	Name() string
	Send(ctx context.Context, rec Record) error
	Close() error
}

// Sink modes.
const (
	ModeSimulate = "simulate"
	ModeWazuh    = "wazuh"
	ModeKafka    = "kafka"
	ModeRedis    = "redis"
)

// Config selects and configures a Sink.
type Config struct {
	Mode               string
	URL                string
	User               string
	Password           string
	InsecureSkipVerify bool
	Timeout            time.Duration
	Kafka              KafkaConfig
	Redis              RedisConfig
}

// KafkaConfig configures the Kafka sink.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// RedisConfig configures the Redis list sink.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Key      string
}

// NewSink builds the sink named by cfg.Mode. An empty mode selects simulate.
func NewSink(cfg Config, logger *slog.Logger) (Sink, error) {
	switch cfg.Mode {
	case ModeSimulate, "":
		return NewSimulateSink(logger), nil
	case ModeWazuh:
		return NewWazuhSink(cfg.URL, cfg.User, cfg.Password, cfg.InsecureSkipVerify, cfg.Timeout)
	case ModeKafka:
		return NewKafkaSink(cfg.Kafka, cfg.Timeout)
	case ModeRedis:
		return NewRedisSink(cfg.Redis)
	default:
		return nil, fmt.Errorf("unsupported siem mode: %q", cfg.Mode)
	}
}

// SimulateSink accepts every record without network I/O.
type SimulateSink struct {
	logger *slog.Logger
}

// NewSimulateSink returns a sink that only logs.
func NewSimulateSink(logger *slog.Logger) *SimulateSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &SimulateSink{logger: logger}
}

func (s *SimulateSink) Name() string { return ModeSimulate }

func (s *SimulateSink) Send(_ context.Context, rec Record) error {
	s.logger.Info("SIMULATION MODE: record accepted", "source_ip", rec.Data.SourceIdentity)
	return nil
}

func (s *SimulateSink) Close() error { return nil }

// Simulated marks deliveries through this sink as simulated.
func (s *SimulateSink) Simulated() bool { return true }
