package config

import (
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Database struct {
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	SSLMode  string `mapstructure:"ssl-mode"`
}

type KafkaWriter struct {
	BatchSize      int `mapstructure:"batch-size"`
	BatchTimeoutMs int `mapstructure:"batch-timeout-ms"`
}

type KafkaBroker struct {
	URL string `mapstructure:"url"`
}

type KafkaTopic struct {
	Notifications string `mapstructure:"notifications"`
}

type KafkaReader struct {
	GroupID string `mapstructure:"group-id"`
}

type Kafka struct {
	Writer KafkaWriter `mapstructure:"writer"`
	Broker KafkaBroker `mapstructure:"broker"`
	Topic  KafkaTopic  `mapstructure:"topic"`
	Reader KafkaReader `mapstructure:"reader"`
}

// Processor holds the external payment processor credentials and endpoints.
type Processor struct {
	URL                   string `mapstructure:"url"`
	SecretKey             string `mapstructure:"secret-key"`
	WebhookSecret         string `mapstructure:"webhook-secret"`
	TimeoutMs             int    `mapstructure:"timeout-ms"`
	SignatureToleranceSec int    `mapstructure:"signature-tolerance-sec"`
	OnboardingRefreshURL  string `mapstructure:"onboarding-refresh-url"`
	OnboardingReturnURL   string `mapstructure:"onboarding-return-url"`
}

type Charges struct {
	MinimumAmount    int64 `mapstructure:"minimum-amount"`
	PlatformFeeBps   int64 `mapstructure:"platform-fee-bps"`
	MaxMessageLength int   `mapstructure:"max-message-length"`
}

type Reconciler struct {
	PollingIntervalMs int `mapstructure:"polling-interval-ms"`
	FetchSize         int `mapstructure:"fetch-size"`
	RescheduleDelayMs int `mapstructure:"reschedule-delay-ms"`
	MaxAttempts       int `mapstructure:"max-attempts"`
	RetentionHours    int `mapstructure:"processed-event-retention-hours"`
}

type NotificationProcessor struct {
	Parallelism         int `mapstructure:"parallelism"`
	RescheduleDelayMs   int `mapstructure:"reschedule-delay-ms"`
	MaxDeliveryAttempts int `mapstructure:"max-delivery-attempts"`
}

type NotificationProducer struct {
	PollingIntervalMs  int `mapstructure:"polling-interval-ms"`
	FetchSize          int `mapstructure:"fetch-size"`
	RescheduleDelayMs  int `mapstructure:"reschedule-delay-ms"`
	MaxPublishAttempts int `mapstructure:"max-publish-attempts"`
}

type NotificationSender struct {
	TimeoutMs int `mapstructure:"timeout-ms"`
}

type Notification struct {
	URL       string                `mapstructure:"url"`
	Processor NotificationProcessor `mapstructure:"processor"`
	Producer  NotificationProducer  `mapstructure:"producer"`
	Sender    NotificationSender    `mapstructure:"sender"`
}

type Access struct {
	StaffIDs []string `mapstructure:"staff-ids"`
}

type Server struct {
	Port string `mapstructure:"port"`
}

type Metrics struct {
	URL          string `mapstructure:"url"`
	IntervalMs   int    `mapstructure:"interval-ms"`
	CommonLabels string `mapstructure:"common-labels"`
}

type Logs struct {
	URL string `mapstructure:"url"`
}

type Config struct {
	Database     Database     `mapstructure:"database"`
	Kafka        Kafka        `mapstructure:"kafka"`
	Processor    Processor    `mapstructure:"processor"`
	Charges      Charges      `mapstructure:"charges"`
	Reconciler   Reconciler   `mapstructure:"reconciler"`
	Notification Notification `mapstructure:"notification"`
	Access       Access       `mapstructure:"access"`
	Server       Server       `mapstructure:"server"`
	Metrics      Metrics      `mapstructure:"metrics"`
	Logs         Logs         `mapstructure:"logs"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", "5432")
	v.SetDefault("database.ssl-mode", "disable")

	v.SetDefault("kafka.broker.url", "localhost:9092")
	v.SetDefault("kafka.topic.notifications", "donation-notifications")
	v.SetDefault("kafka.reader.group-id", "pledge-service")
	v.SetDefault("kafka.writer.batch-size", 100)
	v.SetDefault("kafka.writer.batch-timeout-ms", 100)

	// keys without a default are invisible to AutomaticEnv during Unmarshal
	v.SetDefault("database.user", "")
	v.SetDefault("database.password", "")
	v.SetDefault("database.name", "")
	v.SetDefault("processor.url", "http://localhost:8085")
	v.SetDefault("processor.secret-key", "")
	v.SetDefault("processor.webhook-secret", "")
	v.SetDefault("processor.onboarding-refresh-url", "")
	v.SetDefault("processor.onboarding-return-url", "")
	v.SetDefault("notification.url", "")
	v.SetDefault("access.staff-ids", []string{})
	v.SetDefault("metrics.url", "")
	v.SetDefault("metrics.common-labels", "")
	v.SetDefault("logs.url", "")

	v.SetDefault("processor.timeout-ms", 15_000)
	v.SetDefault("processor.signature-tolerance-sec", 300)

	v.SetDefault("charges.minimum-amount", 100)
	v.SetDefault("charges.platform-fee-bps", 500)
	v.SetDefault("charges.max-message-length", 500)

	v.SetDefault("reconciler.polling-interval-ms", 5_000)
	v.SetDefault("reconciler.fetch-size", 100)
	v.SetDefault("reconciler.reschedule-delay-ms", 30_000)
	v.SetDefault("reconciler.max-attempts", 20)
	v.SetDefault("reconciler.processed-event-retention-hours", 24*30)

	v.SetDefault("notification.processor.parallelism", 100)
	v.SetDefault("notification.processor.reschedule-delay-ms", 10_000)
	v.SetDefault("notification.processor.max-delivery-attempts", 3)
	v.SetDefault("notification.producer.polling-interval-ms", 500)
	v.SetDefault("notification.producer.fetch-size", 200)
	v.SetDefault("notification.producer.reschedule-delay-ms", 10_000)
	v.SetDefault("notification.producer.max-publish-attempts", 3)
	v.SetDefault("notification.sender.timeout-ms", 10_000)

	v.SetDefault("server.port", "8080")
	v.SetDefault("metrics.interval-ms", 10_000)
}

// LoadConfig reads config.yaml from path. Values can be overridden by
// PLEDGE_-prefixed environment variables, e.g. PLEDGE_DATABASE_PASSWORD.
// A .env file in the working directory is loaded first when present.
func LoadConfig(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.SetEnvPrefix("PLEDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}
