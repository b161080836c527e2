package config

import (
	"github.com/flowdeploy-go/pkg/database"
	"github.com/flowdeploy-go/pkg/events"
	"github.com/flowdeploy-go/pkg/logger"
	"github.com/flowdeploy-go/pkg/telemetry"
)

// ToLoggerConfig converts LoggerConfig to logger.Config
func (c LoggerConfig) ToLoggerConfig() logger.Config {
	return logger.Config{
		Level:      c.Level,
		Format:     c.Format,
		Output:     c.Output,
		AddCaller:  c.AddCaller,
		Stacktrace: c.Stacktrace,
	}
}

// ToDatabaseConfig converts DatabaseConfig to database.Config
func (c DatabaseConfig) ToDatabaseConfig() database.Config {
	return database.Config{
		Driver:       c.Driver,
		DSN:          c.DSN(),
		Path:         c.Path,
		MaxOpenConns: c.MaxOpenConns,
		MaxIdleConns: c.MaxIdleConns,
		LogLevel:     c.LogLevel,
	}
}

// ToKafkaConfig converts KafkaConfig to events.KafkaConfig
func (c KafkaConfig) ToKafkaConfig() events.KafkaConfig {
	return events.KafkaConfig{
		Brokers:       c.Brokers,
		Topic:         c.Topic,
		ConsumerGroup: c.ConsumerGroup,
	}
}

// ToTelemetryConfig converts TelemetryConfig to telemetry.Config
func (c TelemetryConfig) ToTelemetryConfig() telemetry.Config {
	return telemetry.Config{
		Enabled:      c.Enabled,
		JaegerURL:    c.JaegerURL,
		ServiceName:  c.ServiceName,
		SamplingRate: c.SamplingRate,
	}
}
