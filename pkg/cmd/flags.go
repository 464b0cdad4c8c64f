package cmd

import (
	"time"

	"github.com/dukex/flowrun/pkg/workflow"
	"github.com/urfave/cli/v3"
)

// StackFlags are the flags every engine process accepts.
func StackFlags() []cli.Flag {
	defaults := workflow.DefaultConfig()

	return []cli.Flag{
		&cli.StringFlag{
			Name:    "database-url",
			Usage:   "Persistence URL (postgres://, redis:// or file://)",
			Value:   "file://./data",
			Sources: cli.EnvVars("DATABASE_URL"),
		},
		&cli.StringFlag{
			Name:    "event-bus",
			Usage:   "Event bus type for lifecycle events (gochannel, kafka, none)",
			Value:   "none",
			Sources: cli.EnvVars("EVENT_BUS_TYPE"),
		},
		&cli.StringFlag{
			Name:    "kafka-brokers",
			Usage:   "Comma separated Kafka brokers",
			Sources: cli.EnvVars("KAFKA_BROKERS"),
		},
		&cli.StringFlag{
			Name:    "coordinator",
			Usage:   "Task coordinator (local, redis)",
			Value:   "local",
			Sources: cli.EnvVars("COORDINATOR"),
		},
		&cli.StringFlag{
			Name:    "redis-url",
			Usage:   "Redis URL used by the redis coordinator",
			Value:   "redis://localhost:6379/0",
			Sources: cli.EnvVars("REDIS_URL"),
		},
		&cli.StringFlag{
			Name:    "plugins-path",
			Usage:   "Path to the directory containing task plugins",
			Sources: cli.EnvVars("PLUGINS_PATH"),
		},
		&cli.BoolFlag{
			Name:    "tracing",
			Usage:   "Export OpenTelemetry traces over OTLP/HTTP",
			Sources: cli.EnvVars("TRACING_ENABLED"),
		},
		&cli.DurationFlag{
			Name:    "poll-interval",
			Usage:   "Wait between task status polls",
			Value:   defaults.PollInterval,
			Sources: cli.EnvVars("POLL_INTERVAL"),
		},
		&cli.DurationFlag{
			Name:    "step-timeout",
			Usage:   "Timeout of steps that set none (0 disables)",
			Sources: cli.EnvVars("DEFAULT_STEP_TIMEOUT"),
		},
		&cli.DurationFlag{
			Name:    "workflow-timeout",
			Usage:   "Timeout of workflows that set none (0 disables)",
			Sources: cli.EnvVars("DEFAULT_WORKFLOW_TIMEOUT"),
		},
		&cli.DurationFlag{
			Name:    "compensation-timeout",
			Usage:   "Timeout of each compensating task",
			Value:   defaults.CompensationTimeout,
			Sources: cli.EnvVars("COMPENSATION_TIMEOUT"),
		},
		LogLevelFlag(),
	}
}

func LogLevelFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "log-level",
		Usage:   "Log level (debug, info, warn, error)",
		Value:   "info",
		Sources: cli.EnvVars("LOG_LEVEL"),
	}
}

// StackConfigFromCommand reads the StackFlags of command.
func StackConfigFromCommand(command *cli.Command, serviceName string) StackConfig {
	return StackConfig{
		ServiceName:  serviceName,
		DatabaseURL:  command.String("database-url"),
		EventBus:     command.String("event-bus"),
		KafkaBrokers: command.String("kafka-brokers"),
		Coordinator:  command.String("coordinator"),
		RedisURL:     command.String("redis-url"),
		PluginsPath:  command.String("plugins-path"),
		Tracing:      command.Bool("tracing"),
		Engine: workflow.Config{
			PollInterval:           positive(command.Duration("poll-interval")),
			DefaultStepTimeout:     positive(command.Duration("step-timeout")),
			DefaultWorkflowTimeout: positive(command.Duration("workflow-timeout")),
			CompensationTimeout:    positive(command.Duration("compensation-timeout")),
		},
	}
}

func positive(d time.Duration) time.Duration {
	return max(d, 0)
}
