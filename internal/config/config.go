package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// EnvPrefix: префикс переменных окружения, например ORDERFLOW_POSTGRES_DSN.
const EnvPrefix = "ORDERFLOW"

// Config описывает все настройки процессов orderflow.
type Config struct {
	HTTP struct {
		Addr            string        `mapstructure:"addr"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	} `mapstructure:"http"`
	GRPC struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"grpc"`
	Metrics struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"metrics"`
	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`
	Postgres struct {
		DSN          string        `mapstructure:"dsn"`
		AutoMigrate  bool          `mapstructure:"auto_migrate"`
		MaxOpenConns int           `mapstructure:"max_open_conns"`
		OpTimeout    time.Duration `mapstructure:"op_timeout"`
	} `mapstructure:"postgres"`
	Kafka struct {
		Brokers []string `mapstructure:"brokers"`
		GroupID string   `mapstructure:"group_id"`
		Topics  struct {
			Submissions   string `mapstructure:"submissions"`
			Notifications string `mapstructure:"notifications"`
			DeadLetter    string `mapstructure:"dead_letter"`
		} `mapstructure:"topics"`
	} `mapstructure:"kafka"`
	Queue struct {
		BatchSize         int           `mapstructure:"batch_size"`
		MaxReceiveCount   int           `mapstructure:"max_receive_count"`
		VisibilityTimeout time.Duration `mapstructure:"visibility_timeout"`
		PollInterval      time.Duration `mapstructure:"poll_interval"`
	} `mapstructure:"queue"`
	Workflow struct {
		ExecutionTimeout time.Duration `mapstructure:"execution_timeout"`
		Retry            struct {
			MaxAttempts   int           `mapstructure:"max_attempts"`
			InitialDelay  time.Duration `mapstructure:"initial_delay"`
			MaxDelay      time.Duration `mapstructure:"max_delay"`
			BackoffFactor float64       `mapstructure:"backoff_factor"`
		} `mapstructure:"retry"`
	} `mapstructure:"workflow"`
	Payment struct {
		DeclineAbove string `mapstructure:"decline_above"`
	} `mapstructure:"payment"`
}

// KafkaEnabled сообщает, настроен ли Kafka транспорт.
func (c Config) KafkaEnabled() bool {
	return len(c.Kafka.Brokers) > 0
}

// PostgresEnabled сообщает, настроено ли Postgres хранилище.
func (c Config) PostgresEnabled() bool {
	return strings.TrimSpace(c.Postgres.DSN) != ""
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.shutdown_timeout", 5*time.Second)
	v.SetDefault("grpc.addr", ":50051")
	v.SetDefault("metrics.addr", ":9090")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("postgres.dsn", "")
	v.SetDefault("postgres.max_open_conns", 25)
	v.SetDefault("postgres.op_timeout", 5*time.Second)
	v.SetDefault("postgres.auto_migrate", false)
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.group_id", "orderflow-worker")
	v.SetDefault("kafka.topics.submissions", "orderflow.submissions")
	v.SetDefault("kafka.topics.notifications", "orderflow.notifications")
	v.SetDefault("kafka.topics.dead_letter", "orderflow.submissions.dlq")
	v.SetDefault("queue.batch_size", 10)
	v.SetDefault("queue.max_receive_count", 3)
	v.SetDefault("queue.visibility_timeout", 30*time.Second)
	v.SetDefault("queue.poll_interval", 500*time.Millisecond)
	v.SetDefault("workflow.execution_timeout", 5*time.Minute)
	v.SetDefault("workflow.retry.max_attempts", 3)
	v.SetDefault("workflow.retry.initial_delay", 100*time.Millisecond)
	v.SetDefault("workflow.retry.max_delay", 2*time.Second)
	v.SetDefault("workflow.retry.backoff_factor", 2.0)
	v.SetDefault("payment.decline_above", "")
	v.SetDefault("params."+paramKey(ParamMaxItemsPerOrder), 25)
	v.SetDefault("secrets."+paramKey(SecretNotificationAPIKey), "")
}

// Load читает настройки: значения по умолчанию, YAML файл и окружение.
// Пустой path означает поиск orderflow.yaml в . и ./config; отсутствие файла не ошибка.
func Load(path string) (Config, *Source, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("orderflow")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, nil, fmt.Errorf("decode config: %w", err)
	}
	// AutomaticEnv отдаёт списки строкой, поэтому брокеры разбираем вручную.
	cfg.Kafka.Brokers = splitList(v.GetStringSlice("kafka.brokers"))

	if err := cfg.Validate(); err != nil {
		return Config{}, nil, err
	}

	return cfg, NewSource(v), nil
}

// Validate проверяет значения, без которых процессы не стартуют.
func (c Config) Validate() error {
	var errs []error
	if c.Queue.BatchSize <= 0 {
		errs = append(errs, errors.New("queue.batch_size must be positive"))
	}
	if c.Queue.MaxReceiveCount <= 0 {
		errs = append(errs, errors.New("queue.max_receive_count must be positive"))
	}
	if c.Workflow.ExecutionTimeout <= 0 {
		errs = append(errs, errors.New("workflow.execution_timeout must be positive"))
	}
	if c.Workflow.Retry.MaxAttempts <= 0 {
		errs = append(errs, errors.New("workflow.retry.max_attempts must be positive"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// ConfigureLogger применяет уровень и формат логов из конфигурации.
func ConfigureLogger(logger *log.Logger, c Config) error {
	level, err := log.ParseLevel(c.Log.Level)
	if err != nil {
		return fmt.Errorf("parse log level: %w", err)
	}
	logger.SetLevel(level)

	switch strings.ToLower(c.Log.Format) {
	case "json":
		logger.SetFormatter(&log.JSONFormatter{})
	default:
		logger.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	return nil
}

func splitList(values []string) []string {
	var out []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				out = append(out, trimmed)
			}
		}
	}
	return out
}
