package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"twistbridge/internal/templatefmt"

	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml/v2"
)

const (
	// EnvPrefix namespaces environment overrides (TWIST_BRIDGE_VERIFY_TOKEN, ...).
	EnvPrefix = "TWIST_BRIDGE"

	defaultServiceName       = "twist-gcp-thread-bridge"
	defaultServerName        = "localhost"
	defaultShutdownSec       = 10
	defaultHTTPListen        = "127.0.0.1:9999"
	defaultHealthPath        = "/healthz"
	defaultReadyPath         = "/ready"
	defaultMetricsPath       = "/metrics"
	defaultMaxBodyBytes      = 1 << 20
	defaultTokenParam        = "auth_token"
	defaultTwistAPIBase      = "https://api.twist.com/api/v3"
	defaultTwistTimeoutSec   = 10
	defaultTwistRatePerSec   = 5
	defaultTwistBurst        = 5
	defaultDBPath            = "db.sqlite"
	defaultHelloMessage      = "Hello from the other side."
	defaultWorkers           = 4
	defaultQueueCapacity     = 10000
	defaultMaxAttempts       = 5
	defaultInitialMS         = 1000
	defaultMaxMS             = 60000
	defaultMaxRequeues       = 3
	defaultCreateAttempts    = 3
	defaultDedupRetentionSec = 24 * 60 * 60
	defaultSweepIntervalSec  = 60
	defaultClosedGraceSec    = 60 * 60
	defaultNATSURL           = "nats://127.0.0.1:4222"
	defaultDedupBucket       = "twist_bridge_dedup"
	defaultBindingBucket     = "twist_bridge_threads"
	defaultDLQStream         = "TWIST_BRIDGE_DLQ"
	defaultDLQSubject        = "twist_bridge.dlq"
	defaultDeadLetterBuffer  = 256
	defaultIngestStream      = "TWIST_BRIDGE_GCP"
	defaultIngestSubject     = "twist_bridge.gcp.>"
	defaultIngestConsumer    = "twist-bridge-ingest"
	defaultIngestGroup       = "twist-bridge"
	defaultIngestAckWaitSec  = 30
	defaultIngestNackMS      = 1000
	defaultIngestMaxDeliver  = 10
	defaultIngestAckPending  = 1024

	// DefaultOpenedTemplate renders a newly opened incident; policy documentation wins over the summary.
	DefaultOpenedTemplate = "🚨 {{ .PolicyName }} on {{ .ResourceName }} [incident]({{ .URL }})\n\n{{ or .Documentation .Summary }}"
	// DefaultEscalatedTemplate renders an escalated incident.
	DefaultEscalatedTemplate = "⚠️ {{ .PolicyName }} on {{ .ResourceName }} escalated [incident]({{ .URL }})\n\n{{ .Summary }}"
	// DefaultResolvedTemplate renders a resolved incident.
	DefaultResolvedTemplate = "✅ {{ .PolicyName }} on {{ .ResourceName }} [incident]({{ .URL }})\n\n{{ or .Documentation .Summary }}"
	// DefaultTitleTemplate renders the thread title.
	DefaultTitleTemplate = "{{ .PolicyName }} on {{ .ResourceName }}"
	// DefaultMissingContextTemplate renders the note seeded into threads created for a non-opening event.
	DefaultMissingContextTemplate = "ℹ️ No opening notification was recorded for this incident, earlier context may be missing (state: {{ .State }})."
)

const (
	// ServiceModeSingle keeps dedup and thread bindings in process memory.
	ServiceModeSingle = "single"
	// ServiceModeNATS keeps dedup and thread bindings in JetStream KV.
	ServiceModeNATS = "nats"

	// VerifyModeToken checks a shared token.
	VerifyModeToken = "token"
	// VerifyModeBasic checks HTTP basic credentials.
	VerifyModeBasic = "basic"
	// VerifyModeJWT checks an HS256 bearer token.
	VerifyModeJWT = "jwt"
	// VerifyModeNone disables inbound authentication.
	VerifyModeNone = "none"
)

// Config is full runtime configuration.
// Params: all top-level sections from TOML, environment, and CLI flags.
// Returns: snapshot consumed by service.
type Config struct {
	Service  ServiceConfig  `toml:"service"`
	Log      LogConfig      `toml:"log"`
	HTTP     HTTPConfig     `toml:"http"`
	Verify   VerifyConfig   `toml:"verify"`
	Twist    TwistConfig    `toml:"twist"`
	Delivery DeliveryConfig `toml:"delivery"`
	Dedup    DedupConfig    `toml:"dedup"`
	Threads  ThreadsConfig  `toml:"threads"`
	NATS     NATSConfig     `toml:"nats"`
	Admin    AdminConfig    `toml:"admin"`
}

// ServiceConfig contains process-level settings.
// Params: name, state mode, public host name, and shutdown budget.
// Returns: service behavior defaults.
type ServiceConfig struct {
	Name               string `toml:"name"`
	Mode               string `toml:"mode"`
	ServerName         string `toml:"server_name"`
	ShutdownTimeoutSec int    `toml:"shutdown_timeout_sec"`
}

// HTTPConfig configures the listener and operational endpoints.
type HTTPConfig struct {
	Listen               string `toml:"listen"`
	HealthPath           string `toml:"health_path"`
	ReadyPath            string `toml:"ready_path"`
	MetricsPath          string `toml:"metrics_path"`
	MaxBodyBytes         int64  `toml:"max_body_bytes"`
	ReadHeaderTimeoutSec int    `toml:"read_header_timeout_sec"`
}

// VerifyConfig selects how inbound webhook calls are authenticated.
// Params: mode plus the secrets that mode needs.
// Returns: verifier settings.
type VerifyConfig struct {
	Mode         string `toml:"mode"`
	Token        string `toml:"token"`
	TokenParam   string `toml:"token_param"`
	Username     string `toml:"username"`
	Password     string `toml:"password"`
	JWTSecret    string `toml:"jwt_secret"`
	JWTIssuer    string `toml:"jwt_issuer"`
	JWTAudience  string `toml:"jwt_audience"`
	JWTLeewaySec int    `toml:"jwt_leeway_sec"`
}

// TwistConfig configures the outbound chat client and the integration registry.
type TwistConfig struct {
	APIBase      string  `toml:"api_base"`
	APIToken     string  `toml:"api_token"`
	TimeoutSec   int     `toml:"timeout_sec"`
	RatePerSec   float64 `toml:"rate_per_sec"`
	Burst        int     `toml:"burst"`
	DBPath       string  `toml:"db_path"`
	HelloMessage string  `toml:"hello_message"`
}

// DeliveryConfig configures the delivery pipeline.
// Params: pool size, queue capacity, retry policy, and message templates.
// Returns: pipeline behavior.
type DeliveryConfig struct {
	Workers              int             `toml:"workers"`
	QueueCapacity        int             `toml:"queue_capacity"`
	MaxAttempts          int             `toml:"max_attempts"`
	InitialMS            int             `toml:"initial_ms"`
	MaxMS                int             `toml:"max_ms"`
	DisableJitter        bool            `toml:"disable_jitter"`
	LogEachAttempt       bool            `toml:"log_each_attempt"`
	MaxRequeues          int             `toml:"max_requeues"`
	ThreadCreateAttempts int             `toml:"thread_create_attempts"`
	Templates            TemplatesConfig `toml:"templates"`
}

// TemplatesConfig holds text/template bodies rendered for each message kind.
type TemplatesConfig struct {
	Opened         string `toml:"opened"`
	Escalated      string `toml:"escalated"`
	Resolved       string `toml:"resolved"`
	Title          string `toml:"title"`
	MissingContext string `toml:"missing_context"`
}

// DedupConfig configures the idempotency horizon.
type DedupConfig struct {
	RetentionSec     int `toml:"retention_sec"`
	SweepIntervalSec int `toml:"sweep_interval_sec"`
}

// ThreadsConfig configures binding retention after an incident resolves.
type ThreadsConfig struct {
	ClosedGraceSec   int `toml:"closed_grace_sec"`
	SweepIntervalSec int `toml:"sweep_interval_sec"`
}

// NATSConfig configures JetStream state buckets and the dead-letter stream for nats mode.
// Params: server URLs, bucket names, and DLQ settings.
// Returns: NATS backend options.
type NATSConfig struct {
	URL                []string   `toml:"url"`
	DedupBucket        string     `toml:"dedup_bucket"`
	BindingBucket      string     `toml:"binding_bucket"`
	AllowCreateBuckets bool       `toml:"allow_create_buckets"`
	DLQ                bool       `toml:"dlq"`
	DLQStream          string     `toml:"dlq_stream"`
	DLQSubject         string     `toml:"dlq_subject"`
	Ingest             NATSIngest `toml:"ingest"`
}

// NATSIngest configures the optional JetStream intake for relayed GCP notifications.
// Subjects end with the install id, e.g. twist_bridge.gcp.<install_id>.
type NATSIngest struct {
	Enabled       bool   `toml:"enabled"`
	Stream        string `toml:"stream"`
	Subject       string `toml:"subject"`
	ConsumerName  string `toml:"consumer_name"`
	DeliverGroup  string `toml:"deliver_group"`
	AckWaitSec    int    `toml:"ack_wait_sec"`
	NackDelayMS   int    `toml:"nack_delay_ms"`
	MaxDeliver    int    `toml:"max_deliver"`
	MaxAckPending int    `toml:"max_ack_pending"`
}

// AdminConfig protects operator endpoints.
type AdminConfig struct {
	Token            string `toml:"token"`
	DeadLetterBuffer int    `toml:"dead_letter_buffer"`
}

// LogConfig defines console and file logging sinks.
// Params: sink settings for each output target.
// Returns: logger setup options.
type LogConfig struct {
	Console LogSinkConfig `toml:"console"`
	File    LogSinkConfig `toml:"file"`
}

// LogSinkConfig defines one logging sink.
// Params: sink enable flag, level, format, and path.
// Returns: sink-specific behavior.
type LogSinkConfig struct {
	Enabled bool   `toml:"enabled"`
	Level   string `toml:"level"`
	Format  string `toml:"format"`
	Path    string `toml:"path"`
}

// Overrides carries CLI flag values applied over file and environment settings.
type Overrides struct {
	ServerName string
	BindAddr   string
	DBPath     string
}

// ConfigSource describes where configuration is loaded from.
// Params: at most one of file path or directory path, plus CLI overrides.
// Returns: normalized source descriptor.
type ConfigSource struct {
	File      string
	Dir       string
	Overrides Overrides
}

// envOverrides lists settings accepted from the environment, mostly secrets.
type envOverrides struct {
	ServiceMode    string   `envconfig:"SERVICE_MODE"`
	ServerName     string   `envconfig:"SERVER_NAME"`
	BindAddr       string   `envconfig:"BIND_ADDR"`
	DBPath         string   `envconfig:"DB"`
	VerifyMode     string   `envconfig:"VERIFY_MODE"`
	VerifyToken    string   `envconfig:"VERIFY_TOKEN"`
	VerifyUsername string   `envconfig:"VERIFY_USERNAME"`
	VerifyPassword string   `envconfig:"VERIFY_PASSWORD"`
	JWTSecret      string   `envconfig:"VERIFY_JWT_SECRET"`
	TwistAPIToken  string   `envconfig:"TWIST_API_TOKEN"`
	AdminToken     string   `envconfig:"ADMIN_TOKEN"`
	NATSURL        []string `envconfig:"NATS_URL"`
}

// FromCLI builds normalized source configuration from input paths.
// Params: optional file and directory arguments plus flag overrides.
// Returns: source descriptor or validation error.
func FromCLI(filePath, dirPath string, overrides Overrides) (ConfigSource, error) {
	filePath = strings.TrimSpace(filePath)
	dirPath = strings.TrimSpace(dirPath)
	if filePath != "" && dirPath != "" {
		return ConfigSource{}, errors.New("config source must be either file or dir")
	}
	return ConfigSource{File: filePath, Dir: dirPath, Overrides: overrides}, nil
}

// LoadSnapshot loads and validates configuration from one source.
// Params: source selects file, directory, or defaults-only mode.
// Returns: validated config or load/validation error.
func LoadSnapshot(src ConfigSource) (Config, error) {
	var cfg Config
	switch {
	case src.File != "":
		if err := loadFile(src.File, &cfg); err != nil {
			return Config{}, err
		}
	case src.Dir != "":
		if err := loadDir(src.Dir, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	applyOverrides(&cfg, src.Overrides)
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// loadFile decodes one TOML file over cfg; keys absent from the file keep their current value.
// Params: file path and destination snapshot.
// Returns: read/decode error.
func loadFile(path string, cfg *Config) error {
	body, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %q: %w", path, err)
	}
	decoder := toml.NewDecoder(bytes.NewReader(body))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(cfg); err != nil {
		return fmt.Errorf("decode config file %q: %w", path, err)
	}
	return nil
}

// loadDir overlays every .toml file from one directory in lexical order.
// Params: directory containing config fragments and destination snapshot.
// Returns: read/decode error.
func loadDir(dir string, cfg *Config) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read config dir %q: %w", dir, err)
	}

	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.ToLower(filepath.Ext(entry.Name())) != ".toml" {
			continue
		}
		files = append(files, filepath.Join(dir, entry.Name()))
	}
	if len(files) == 0 {
		return fmt.Errorf("no .toml files found in %q", dir)
	}
	sort.Strings(files)

	for _, file := range files {
		if err := loadFile(file, cfg); err != nil {
			return err
		}
	}
	return nil
}

// applyEnv copies non-empty TWIST_BRIDGE_* variables over file values.
// Params: destination snapshot.
// Returns: envconfig processing error.
func applyEnv(cfg *Config) error {
	var env envOverrides
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return fmt.Errorf("read environment: %w", err)
	}
	setIfNotEmpty(&cfg.Service.Mode, env.ServiceMode)
	setIfNotEmpty(&cfg.Service.ServerName, env.ServerName)
	setIfNotEmpty(&cfg.HTTP.Listen, env.BindAddr)
	setIfNotEmpty(&cfg.Twist.DBPath, env.DBPath)
	setIfNotEmpty(&cfg.Verify.Mode, env.VerifyMode)
	setIfNotEmpty(&cfg.Verify.Token, env.VerifyToken)
	setIfNotEmpty(&cfg.Verify.Username, env.VerifyUsername)
	setIfNotEmpty(&cfg.Verify.Password, env.VerifyPassword)
	setIfNotEmpty(&cfg.Verify.JWTSecret, env.JWTSecret)
	setIfNotEmpty(&cfg.Twist.APIToken, env.TwistAPIToken)
	setIfNotEmpty(&cfg.Admin.Token, env.AdminToken)
	if urls := normalizeNATSURLs(env.NATSURL); len(urls) > 0 {
		cfg.NATS.URL = urls
	}
	return nil
}

// applyOverrides copies CLI flag values over file and environment values.
// Params: destination snapshot and flag values.
// Returns: cfg updated in place.
func applyOverrides(cfg *Config, overrides Overrides) {
	setIfNotEmpty(&cfg.Service.ServerName, overrides.ServerName)
	setIfNotEmpty(&cfg.HTTP.Listen, overrides.BindAddr)
	setIfNotEmpty(&cfg.Twist.DBPath, overrides.DBPath)
}

func setIfNotEmpty(dst *string, value string) {
	if trimmed := strings.TrimSpace(value); trimmed != "" {
		*dst = trimmed
	}
}

// applyDefaults fills unset values.
// Params: destination snapshot.
// Returns: cfg updated in place.
func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.Service.Name) == "" {
		cfg.Service.Name = defaultServiceName
	}
	cfg.Service.Mode = NormalizeServiceMode(cfg.Service.Mode)
	if strings.TrimSpace(cfg.Service.ServerName) == "" {
		cfg.Service.ServerName = defaultServerName
	}
	if cfg.Service.ShutdownTimeoutSec <= 0 {
		cfg.Service.ShutdownTimeoutSec = defaultShutdownSec
	}

	if cfg.Log.Console.Level == "" {
		cfg.Log.Console.Level = "info"
	}
	if cfg.Log.Console.Format == "" {
		cfg.Log.Console.Format = "line"
	}
	if cfg.Log.File.Level == "" {
		cfg.Log.File.Level = "info"
	}
	if cfg.Log.File.Format == "" {
		cfg.Log.File.Format = "json"
	}
	if !cfg.Log.Console.Enabled && !cfg.Log.File.Enabled {
		cfg.Log.Console.Enabled = true
	}

	if strings.TrimSpace(cfg.HTTP.Listen) == "" {
		cfg.HTTP.Listen = defaultHTTPListen
	}
	if strings.TrimSpace(cfg.HTTP.HealthPath) == "" {
		cfg.HTTP.HealthPath = defaultHealthPath
	}
	if strings.TrimSpace(cfg.HTTP.ReadyPath) == "" {
		cfg.HTTP.ReadyPath = defaultReadyPath
	}
	if strings.TrimSpace(cfg.HTTP.MetricsPath) == "" {
		cfg.HTTP.MetricsPath = defaultMetricsPath
	}
	if cfg.HTTP.MaxBodyBytes <= 0 {
		cfg.HTTP.MaxBodyBytes = defaultMaxBodyBytes
	}
	if cfg.HTTP.ReadHeaderTimeoutSec <= 0 {
		cfg.HTTP.ReadHeaderTimeoutSec = 5
	}

	cfg.Verify.Mode = strings.ToLower(strings.TrimSpace(cfg.Verify.Mode))
	if cfg.Verify.Mode == "" {
		cfg.Verify.Mode = VerifyModeToken
	}
	if strings.TrimSpace(cfg.Verify.TokenParam) == "" {
		cfg.Verify.TokenParam = defaultTokenParam
	}

	if strings.TrimSpace(cfg.Twist.APIBase) == "" {
		cfg.Twist.APIBase = defaultTwistAPIBase
	}
	cfg.Twist.APIBase = strings.TrimRight(strings.TrimSpace(cfg.Twist.APIBase), "/")
	if cfg.Twist.TimeoutSec <= 0 {
		cfg.Twist.TimeoutSec = defaultTwistTimeoutSec
	}
	if cfg.Twist.RatePerSec <= 0 {
		cfg.Twist.RatePerSec = defaultTwistRatePerSec
	}
	if cfg.Twist.Burst <= 0 {
		cfg.Twist.Burst = defaultTwistBurst
	}
	if strings.TrimSpace(cfg.Twist.DBPath) == "" {
		cfg.Twist.DBPath = defaultDBPath
	}
	if strings.TrimSpace(cfg.Twist.HelloMessage) == "" {
		cfg.Twist.HelloMessage = defaultHelloMessage
	}

	if cfg.Delivery.Workers <= 0 {
		cfg.Delivery.Workers = defaultWorkers
	}
	if cfg.Delivery.QueueCapacity <= 0 {
		cfg.Delivery.QueueCapacity = defaultQueueCapacity
	}
	if cfg.Delivery.MaxAttempts <= 0 {
		cfg.Delivery.MaxAttempts = defaultMaxAttempts
	}
	if cfg.Delivery.InitialMS <= 0 {
		cfg.Delivery.InitialMS = defaultInitialMS
	}
	if cfg.Delivery.MaxMS <= 0 {
		cfg.Delivery.MaxMS = defaultMaxMS
	}
	if cfg.Delivery.MaxRequeues <= 0 {
		cfg.Delivery.MaxRequeues = defaultMaxRequeues
	}
	if cfg.Delivery.ThreadCreateAttempts <= 0 {
		cfg.Delivery.ThreadCreateAttempts = defaultCreateAttempts
	}
	fillTemplateDefaults(&cfg.Delivery.Templates)

	if cfg.Dedup.RetentionSec <= 0 {
		cfg.Dedup.RetentionSec = defaultDedupRetentionSec
	}
	if cfg.Dedup.SweepIntervalSec <= 0 {
		cfg.Dedup.SweepIntervalSec = defaultSweepIntervalSec
	}
	if cfg.Threads.ClosedGraceSec <= 0 {
		cfg.Threads.ClosedGraceSec = defaultClosedGraceSec
	}
	if cfg.Threads.SweepIntervalSec <= 0 {
		cfg.Threads.SweepIntervalSec = defaultSweepIntervalSec
	}

	cfg.NATS.URL = normalizeNATSURLs(cfg.NATS.URL)
	if len(cfg.NATS.URL) == 0 {
		cfg.NATS.URL = []string{defaultNATSURL}
	}
	if strings.TrimSpace(cfg.NATS.DedupBucket) == "" {
		cfg.NATS.DedupBucket = defaultDedupBucket
	}
	if strings.TrimSpace(cfg.NATS.BindingBucket) == "" {
		cfg.NATS.BindingBucket = defaultBindingBucket
	}
	if strings.TrimSpace(cfg.NATS.DLQStream) == "" {
		cfg.NATS.DLQStream = defaultDLQStream
	}
	if strings.TrimSpace(cfg.NATS.DLQSubject) == "" {
		cfg.NATS.DLQSubject = defaultDLQSubject
	}

	fillIngestDefaults(&cfg.NATS.Ingest)

	if cfg.Admin.DeadLetterBuffer <= 0 {
		cfg.Admin.DeadLetterBuffer = defaultDeadLetterBuffer
	}
}

// fillIngestDefaults sets JetStream intake defaults.
// Params: ingest section.
// Returns: section updated in place.
func fillIngestDefaults(ingest *NATSIngest) {
	if strings.TrimSpace(ingest.Stream) == "" {
		ingest.Stream = defaultIngestStream
	}
	if strings.TrimSpace(ingest.Subject) == "" {
		ingest.Subject = defaultIngestSubject
	}
	if strings.TrimSpace(ingest.ConsumerName) == "" {
		ingest.ConsumerName = defaultIngestConsumer
	}
	if strings.TrimSpace(ingest.DeliverGroup) == "" {
		ingest.DeliverGroup = defaultIngestGroup
	}
	if ingest.AckWaitSec <= 0 {
		ingest.AckWaitSec = defaultIngestAckWaitSec
	}
	if ingest.NackDelayMS <= 0 {
		ingest.NackDelayMS = defaultIngestNackMS
	}
	if ingest.MaxDeliver <= 0 {
		ingest.MaxDeliver = defaultIngestMaxDeliver
	}
	if ingest.MaxAckPending <= 0 {
		ingest.MaxAckPending = defaultIngestAckPending
	}
}

// fillTemplateDefaults sets built-in message templates for empty entries.
// Params: templates section.
// Returns: section updated in place.
func fillTemplateDefaults(templates *TemplatesConfig) {
	if strings.TrimSpace(templates.Opened) == "" {
		templates.Opened = DefaultOpenedTemplate
	}
	if strings.TrimSpace(templates.Escalated) == "" {
		templates.Escalated = DefaultEscalatedTemplate
	}
	if strings.TrimSpace(templates.Resolved) == "" {
		templates.Resolved = DefaultResolvedTemplate
	}
	if strings.TrimSpace(templates.Title) == "" {
		templates.Title = DefaultTitleTemplate
	}
	if strings.TrimSpace(templates.MissingContext) == "" {
		templates.MissingContext = DefaultMissingContextTemplate
	}
}

// validateConfig rejects inconsistent snapshots.
// Params: defaulted snapshot.
// Returns: first validation error.
func validateConfig(cfg Config) error {
	if !IsSupportedServiceMode(cfg.Service.Mode) {
		return fmt.Errorf("service.mode has unsupported value %q", cfg.Service.Mode)
	}
	if strings.Contains(cfg.Service.ServerName, "/") {
		return fmt.Errorf("service.server_name must be a host name, got %q", cfg.Service.ServerName)
	}
	for name, path := range map[string]string{
		"http.health_path":  cfg.HTTP.HealthPath,
		"http.ready_path":   cfg.HTTP.ReadyPath,
		"http.metrics_path": cfg.HTTP.MetricsPath,
	} {
		if !strings.HasPrefix(path, "/") {
			return fmt.Errorf("%s must start with /", name)
		}
	}

	if err := validateVerify(cfg.Verify); err != nil {
		return err
	}

	if cfg.Delivery.InitialMS > cfg.Delivery.MaxMS {
		return errors.New("delivery.initial_ms must be <= delivery.max_ms")
	}
	for path, body := range map[string]string{
		"delivery.templates.opened":          cfg.Delivery.Templates.Opened,
		"delivery.templates.escalated":       cfg.Delivery.Templates.Escalated,
		"delivery.templates.resolved":        cfg.Delivery.Templates.Resolved,
		"delivery.templates.title":           cfg.Delivery.Templates.Title,
		"delivery.templates.missing_context": cfg.Delivery.Templates.MissingContext,
	} {
		if err := validateMessageTemplate(path, body); err != nil {
			return err
		}
	}

	if cfg.Dedup.RetentionSec < cfg.Dedup.SweepIntervalSec {
		return errors.New("dedup.retention_sec must be >= dedup.sweep_interval_sec")
	}

	if cfg.Service.Mode == ServiceModeNATS {
		for _, raw := range cfg.NATS.URL {
			if !strings.HasPrefix(raw, "nats://") && !strings.HasPrefix(raw, "tls://") {
				return fmt.Errorf("nats.url has unsupported value %q", raw)
			}
		}
		if cfg.NATS.DedupBucket == cfg.NATS.BindingBucket {
			return errors.New("nats.dedup_bucket and nats.binding_bucket must differ")
		}
	}
	if cfg.NATS.Ingest.Enabled && !strings.HasSuffix(cfg.NATS.Ingest.Subject, ".>") && !strings.HasSuffix(cfg.NATS.Ingest.Subject, ".*") {
		return fmt.Errorf("nats.ingest.subject must end with a wildcard token, got %q", cfg.NATS.Ingest.Subject)
	}

	if err := validateLogSink("log.console", cfg.Log.Console, false); err != nil {
		return err
	}
	if err := validateLogSink("log.file", cfg.Log.File, true); err != nil {
		return err
	}
	return nil
}

// validateVerify checks that the selected inbound auth mode has its secrets.
// Params: verify section.
// Returns: validation error.
func validateVerify(cfg VerifyConfig) error {
	switch cfg.Mode {
	case VerifyModeToken:
		if strings.TrimSpace(cfg.Token) == "" {
			return errors.New("verify.token is required for verify.mode=token")
		}
	case VerifyModeBasic:
		if strings.TrimSpace(cfg.Username) == "" || cfg.Password == "" {
			return errors.New("verify.username and verify.password are required for verify.mode=basic")
		}
	case VerifyModeJWT:
		if len(cfg.JWTSecret) < 16 {
			return errors.New("verify.jwt_secret must be at least 16 bytes for verify.mode=jwt")
		}
		if cfg.JWTLeewaySec < 0 {
			return errors.New("verify.jwt_leeway_sec must be >=0")
		}
	case VerifyModeNone:
	default:
		return fmt.Errorf("verify.mode has unsupported value %q", cfg.Mode)
	}
	return nil
}

// NormalizeServiceMode lower-cases mode and maps empty value to single.
// Params: raw mode.
// Returns: normalized mode.
func NormalizeServiceMode(value string) string {
	mode := strings.ToLower(strings.TrimSpace(value))
	if mode == "" {
		return ServiceModeSingle
	}
	return mode
}

// IsSupportedServiceMode reports whether mode has a state backend.
// Params: normalized mode.
// Returns: true for single and nats.
func IsSupportedServiceMode(mode string) bool {
	return mode == ServiceModeSingle || mode == ServiceModeNATS
}

// normalizeNATSURLs trims entries, splits comma lists, and drops empties.
// Params: raw URL list.
// Returns: normalized list.
func normalizeNATSURLs(urls []string) []string {
	out := make([]string, 0, len(urls))
	for _, raw := range urls {
		for _, part := range strings.Split(raw, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				out = append(out, trimmed)
			}
		}
	}
	return out
}

// RetryBackoff returns initial and max delay of the delivery retry policy.
// Params: delivery section.
// Returns: initial and capped backoff durations.
func (d DeliveryConfig) RetryBackoff() (time.Duration, time.Duration) {
	return time.Duration(d.InitialMS) * time.Millisecond, time.Duration(d.MaxMS) * time.Millisecond
}

// validateMessageTemplate parses template body with shared helper set.
// Params: config path for error text and template body.
// Returns: parse error.
func validateMessageTemplate(path, body string) error {
	trimmed := strings.TrimSpace(body)
	if trimmed == "" {
		return fmt.Errorf("%s is required", path)
	}
	if _, err := templatefmt.ParseMessageTemplate(path, trimmed); err != nil {
		return fmt.Errorf("%s is invalid: %w", path, err)
	}
	return nil
}

// validateLogSink validates one log sink configuration.
// Params: sink name, sink values, and whether path is required.
// Returns: sink validation error.
func validateLogSink(name string, sink LogSinkConfig, requirePath bool) error {
	if !sink.Enabled {
		return nil
	}

	switch strings.ToLower(strings.TrimSpace(sink.Level)) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%s.level has unsupported value %q", name, sink.Level)
	}

	switch strings.ToLower(strings.TrimSpace(sink.Format)) {
	case "line", "json":
	default:
		return fmt.Errorf("%s.format has unsupported value %q", name, sink.Format)
	}

	if requirePath && strings.TrimSpace(sink.Path) == "" {
		return fmt.Errorf("%s.path is required", name)
	}
	return nil
}
