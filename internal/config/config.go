package config

import (
	"errors"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	eventsamqp "broadcast/internal/events/amqp"
	"broadcast/internal/store/pg"
)

type Service struct {
	Port        string `envconfig:"PORT" default:"8080"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
}

type Database struct {
	DBDSN             string        `envconfig:"DB_DSN" required:"true"`
	DBPoolMaxConns    int32         `envconfig:"DB_POOL_MAX_CONNS" default:"10"`
	DBPoolMinConns    int32         `envconfig:"DB_POOL_MIN_CONNS" default:"0"`
	DBPoolMaxLifetime time.Duration `envconfig:"DB_POOL_MAX_CONN_LIFETIME" default:"30m"`
	DBPoolMaxIdleTime time.Duration `envconfig:"DB_POOL_MAX_CONN_IDLE_TIME" default:"5m"`
	DBPoolHealthCheck time.Duration `envconfig:"DB_POOL_HEALTH_CHECK_PERIOD" default:"30s"`
}

func (d Database) Pool() pg.PoolOptions {
	return pg.PoolOptions{
		MaxConns:          d.DBPoolMaxConns,
		MinConns:          d.DBPoolMinConns,
		MaxConnLifetime:   d.DBPoolMaxLifetime,
		MaxConnIdleTime:   d.DBPoolMaxIdleTime,
		HealthCheckPeriod: d.DBPoolHealthCheck,
	}
}

type AMQP struct {
	AMQPURL          string        `envconfig:"AMQP_URL" required:"true"`
	AMQPExchange     string        `envconfig:"AMQP_EXCHANGE" default:"broadcast.events"`
	AMQPPrefetch     int           `envconfig:"AMQP_PREFETCH" default:"20"`
	AMQPRequeueDelay time.Duration `envconfig:"AMQP_REQUEUE_DELAY" default:"2s"`
	EventBuffer      int           `envconfig:"EVENT_BUFFER" default:"1024"`
}

func (a AMQP) Client() eventsamqp.Config {
	return eventsamqp.Config{
		URL:          a.AMQPURL,
		Exchange:     a.AMQPExchange,
		Prefetch:     a.AMQPPrefetch,
		RequeueDelay: a.AMQPRequeueDelay,
		BackoffBase:  time.Second,
		BackoffCap:   30 * time.Second,
		DialTimeout:  5 * time.Second,
	}
}

type SQS struct {
	AWSRegion          string `envconfig:"AWS_REGION" required:"true"`
	SQSQueueURL        string `envconfig:"SQS_QUEUE_URL" required:"true"`
	LocalstackEndpoint string `envconfig:"LOCALSTACK_ENDPOINT"`
}

type WhatsApp struct {
	WhatsAppToken         string `envconfig:"WHATSAPP_TOKEN" required:"true"`
	WhatsAppPhoneNumberID string `envconfig:"WHATSAPP_PHONE_NUMBER_ID" required:"true"`
	WhatsAppBaseURL       string `envconfig:"WHATSAPP_BASE_URL" default:"https://graph.facebook.com"`
	WhatsAppAPIVersion    string `envconfig:"WHATSAPP_API_VERSION" default:"v19.0"`
}

type APIConfig struct {
	Service
	Database
	AMQP
	WhatsApp

	EnqueueBatchSize int           `envconfig:"ENQUEUE_BATCH_SIZE" default:"100"`
	EnqueueTimeout   time.Duration `envconfig:"ENQUEUE_TIMEOUT" default:"30m"`
	JobMaxAttempts   int           `envconfig:"JOB_MAX_ATTEMPTS" default:"3"`
	JobBackoffBase   time.Duration `envconfig:"JOB_BACKOFF_BASE" default:"5s"`
}

type WorkerConfig struct {
	Service
	Database
	AMQP
	WhatsApp

	WorkerConcurrency int           `envconfig:"WORKER_CONCURRENCY" default:"5"`
	GateMax           int           `envconfig:"DISPATCH_GATE_MAX" default:"50"`
	GateWindow        time.Duration `envconfig:"DISPATCH_GATE_WINDOW" default:"1m"`
	PollInterval      time.Duration `envconfig:"DISPATCH_POLL_INTERVAL" default:"500ms"`
	StaleAfter        time.Duration `envconfig:"DISPATCH_STALE_AFTER" default:"5m"`
	JobTimeout        time.Duration `envconfig:"DISPATCH_JOB_TIMEOUT" default:"30s"`
	DeferFor          time.Duration `envconfig:"DISPATCH_DEFER_FOR" default:"30s"`

	// per-pod provider protection
	ProviderRPS        float64       `envconfig:"WHATSAPP_RPS_PER_POD" default:"20"`
	ProviderBurst      int           `envconfig:"WHATSAPP_BURST" default:"20"`
	ProviderTimeout    time.Duration `envconfig:"WHATSAPP_TIMEOUT" default:"10s"`
	BreakerMaxFailures uint32        `envconfig:"BREAKER_MAX_FAILURES" default:"10"`
	BreakerCooldown    time.Duration `envconfig:"BREAKER_COOLDOWN" default:"20s"`

	QueueKeepCompleted time.Duration `envconfig:"QUEUE_KEEP_COMPLETED" default:"1h"`
	QueueKeepFailed    time.Duration `envconfig:"QUEUE_KEEP_FAILED" default:"168h"`
	JanitorSchedule    string        `envconfig:"QUEUE_JANITOR_SCHEDULE" default:"@every 1m"`
}

type WebhookConfig struct {
	Service
	SQS

	WhatsAppVerifyToken string `envconfig:"WHATSAPP_VERIFY_TOKEN" required:"true"`
	WhatsAppAppSecret   string `envconfig:"WHATSAPP_APP_SECRET"`
}

type WebhookProcessorConfig struct {
	Service
	Database
	SQS
	AMQP

	SQSWaitTime      int32 `envconfig:"SQS_WAIT_TIME" default:"20"`
	SQSMaxMsgs       int32 `envconfig:"SQS_MAX_MSGS" default:"10"`
	SQSVizTimeout    int32 `envconfig:"SQS_VISIBILITY_TIMEOUT" default:"60"`
	ProcessorWorkers int   `envconfig:"PROCESSOR_CONCURRENCY" default:"10"`
}

type SideFXConfig struct {
	Service
	Database
	AMQP

	NotifyRoles []string      `envconfig:"NOTIFY_ROLES" default:"admin,agent"`
	CRMURL      string        `envconfig:"CRM_URL"`
	CRMToken    string        `envconfig:"CRM_TOKEN"`
	CRMTimeout  time.Duration `envconfig:"CRM_TIMEOUT" default:"10s"`
}

// loadDotEnv reads an optional .env file; real environment variables win.
func loadDotEnv() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("could not read .env", "err", err)
	}
}

func load(cfg any) {
	loadDotEnv()
	if err := envconfig.Process("", cfg); err != nil {
		panic(err)
	}
}

func LoadAPI() APIConfig {
	var cfg APIConfig
	load(&cfg)
	return cfg
}

func LoadWorker() WorkerConfig {
	var cfg WorkerConfig
	load(&cfg)
	return cfg
}

func LoadWebhook() WebhookConfig {
	var cfg WebhookConfig
	load(&cfg)
	return cfg
}

func LoadWebhookProcessor() WebhookProcessorConfig {
	var cfg WebhookProcessorConfig
	load(&cfg)
	return cfg
}

func LoadSideFX() SideFXConfig {
	var cfg SideFXConfig
	load(&cfg)
	cfg.NotifyRoles = trimAll(cfg.NotifyRoles)
	return cfg
}

func trimAll(in []string) []string {
	out := in[:0]
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
