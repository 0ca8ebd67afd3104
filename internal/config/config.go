package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for wabridge.
type Config struct {
	Server   ServerConfig   `json:"server" yaml:"server"`
	WhatsApp WhatsAppConfig `json:"whatsapp" yaml:"whatsapp"`
	Intent   IntentConfig   `json:"intent" yaml:"intent"`
	Media    MediaConfig    `json:"media" yaml:"media"`
	Queue    QueueConfig    `json:"queue" yaml:"queue"`
	Worker   WorkerConfig   `json:"worker" yaml:"worker"`
	Logging  LoggingConfig  `json:"logging" yaml:"logging"`
	Metrics  MetricsConfig  `json:"metrics" yaml:"metrics"`
}

type ServerConfig struct {
	Host                   string `json:"host" yaml:"host" env:"HOST"`
	Port                   int    `json:"port" yaml:"port" env:"PORT"`
	ShutdownTimeoutSeconds int    `json:"shutdownTimeoutSeconds" yaml:"shutdownTimeoutSeconds"`
}

type WhatsAppConfig struct {
	AppSecret     string `json:"appSecret,omitempty" yaml:"appSecret,omitempty" env:"APP_SECRET"`
	AccessToken   string `json:"accessToken,omitempty" yaml:"accessToken,omitempty" env:"ACCESS_TOKEN"`
	PhoneNumberID string `json:"phoneNumberId,omitempty" yaml:"phoneNumberId,omitempty" env:"PHONE_ID"`
	VerifyToken   string `json:"verifyToken,omitempty" yaml:"verifyToken,omitempty" env:"WEBHOOK_VERIFICATION_TOKEN"`
	APIBase       string `json:"apiBase" yaml:"apiBase"`
	MarkAsRead    bool   `json:"markAsRead" yaml:"markAsRead"`
}

// IntentConfig points at a Dialogflow CX agent.
type IntentConfig struct {
	ProjectID     string `json:"projectId,omitempty" yaml:"projectId,omitempty" env:"CA_PROJECT_ID"`
	AgentID       string `json:"agentId,omitempty" yaml:"agentId,omitempty" env:"CA_AGENT_ID"`
	Location      string `json:"location" yaml:"location" env:"CA_LOCATION"`
	Credentials   string `json:"credentials,omitempty" yaml:"credentials,omitempty" env:"GCP_SERVICE_ACCOUNT_JSON"` // key JSON or path to it
	SessionPrefix string `json:"sessionPrefix" yaml:"sessionPrefix"`
	LanguageCode  string `json:"languageCode" yaml:"languageCode"`
	Endpoint      string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
}

type MediaConfig struct {
	APIKey     string        `json:"apiKey,omitempty" yaml:"apiKey,omitempty" env:"GEMINI_API_KEY"`
	BaseURL    string        `json:"baseUrl" yaml:"baseUrl"`
	Model      string        `json:"model" yaml:"model" env:"GEMINI_MODEL"`
	MaxRetries int           `json:"maxRetries" yaml:"maxRetries"`
	Whisper    WhisperConfig `json:"whisper" yaml:"whisper"`
}

// WhisperConfig enables a dedicated speech-to-text step for voice notes.
type WhisperConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	APIBase  string `json:"apiBase" yaml:"apiBase"`
	APIKey   string `json:"apiKey,omitempty" yaml:"apiKey,omitempty" env:"WHISPER_API_KEY"`
	Model    string `json:"model" yaml:"model"`
	Language string `json:"language,omitempty" yaml:"language,omitempty"`
}

type QueueConfig struct {
	URL                  string     `json:"url" yaml:"url" env:"QUEUE_URL"`
	MaxTries             int        `json:"maxTries" yaml:"maxTries"`
	JobTimeoutSeconds    int        `json:"jobTimeoutSeconds" yaml:"jobTimeoutSeconds"`
	RetryBaseDelayMs     int        `json:"retryBaseDelayMs" yaml:"retryBaseDelayMs"`
	RetryMaxDelaySeconds int        `json:"retryMaxDelaySeconds" yaml:"retryMaxDelaySeconds"`
	PollIntervalMs       int        `json:"pollIntervalMs" yaml:"pollIntervalMs"`
	PurgeAfterHours      int        `json:"purgeAfterHours" yaml:"purgeAfterHours"` // 0 keeps completed jobs
	NATS                 NATSConfig `json:"nats" yaml:"nats"`
}

// NATSConfig names the JetStream resources used by a nats:// queue.
type NATSConfig struct {
	Stream             string `json:"stream" yaml:"stream"`
	Subject            string `json:"subject" yaml:"subject"`
	DeadStream         string `json:"deadStream" yaml:"deadStream"`
	DeadSubject        string `json:"deadSubject" yaml:"deadSubject"`
	Durable            string `json:"durable" yaml:"durable"`
	DeadMaxAgeHours    int    `json:"deadMaxAgeHours" yaml:"deadMaxAgeHours"`
	DedupWindowMinutes int    `json:"dedupWindowMinutes" yaml:"dedupWindowMinutes"`
}

type WorkerConfig struct {
	Concurrency int `json:"concurrency" yaml:"concurrency" env:"WORKER_CONCURRENCY"`
}

type LoggingConfig struct {
	Level  string `json:"level" yaml:"level" env:"LOG_LEVEL"`
	Format string `json:"format" yaml:"format" env:"LOG_FORMAT"` // "text" | "json"
	File   string `json:"file,omitempty" yaml:"file,omitempty"`
}

// MetricsConfig toggles the Prometheus endpoint on the receiver.
type MetricsConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled" env:"METRICS_ENABLED"`
}

// DefaultConfigDir returns the default config directory (~/.wabridge).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".wabridge"
	}
	return filepath.Join(home, ".wabridge")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// Load reads a JSON or YAML config file over the defaults, applies
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg, err := decode(path, data)
	if err != nil {
		return nil, err
	}
	return finish(cfg)
}

// LoadRaw reads a config file over the defaults exactly as written: no
// ${VAR} substitution, no environment overrides and no validation. Use it
// when the result is saved back to the same file.
func LoadRaw(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}
	return decode(path, data)
}

// Resolve returns the effective config for a raw one, as Load would have
// produced it. raw is not modified.
func Resolve(raw *Config) (*Config, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("cannot marshal config: %w", err)
	}
	cfg := Defaults()
	if err := json.Unmarshal([]byte(ExpandEnvVars(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return finish(cfg)
}

func decode(path string, data []byte) (*Config, error) {
	cfg := Defaults()
	var err error
	if isYAML(path) {
		err = yaml.Unmarshal(data, cfg)
	} else {
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// LoadFromEnv builds a config from defaults and environment variables only.
func LoadFromEnv() (*Config, error) {
	return finish(Defaults())
}

func finish(cfg *Config) (*Config, error) {
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	cfg.Logging.File = ExpandPath(cfg.Logging.File)
	cfg.Queue.URL = expandQueuePath(cfg.Queue.URL)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		name := groups[1]
		hasDefault := len(groups) >= 3 && groups[2] != ""

		val, exists := os.LookupEnv(name)
		if !exists || val == "" {
			if hasDefault {
				return groups[2]
			}
			return match // Keep original if no env var and no default
		}
		return val
	})
}

// Save writes cfg as YAML or JSON depending on the file extension.
func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	// Secrets live in this file.
	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if cfg.Server.ShutdownTimeoutSeconds < 1 {
		errs = append(errs, "server.shutdownTimeoutSeconds must be >= 1")
	}

	if strings.TrimSpace(cfg.Queue.URL) == "" {
		errs = append(errs, "queue.url is required")
	}
	if cfg.Queue.MaxTries < 1 || cfg.Queue.MaxTries > 100 {
		errs = append(errs, "queue.maxTries must be between 1 and 100")
	}
	if cfg.Queue.JobTimeoutSeconds < 1 {
		errs = append(errs, "queue.jobTimeoutSeconds must be >= 1")
	}
	if cfg.Queue.RetryBaseDelayMs < 0 || cfg.Queue.RetryMaxDelaySeconds < 0 {
		errs = append(errs, "queue retry delays must not be negative")
	}
	if cfg.Queue.PurgeAfterHours < 0 {
		errs = append(errs, "queue.purgeAfterHours must not be negative")
	}
	if cfg.Worker.Concurrency < 1 || cfg.Worker.Concurrency > 1000 {
		errs = append(errs, "worker.concurrency must be between 1 and 1000")
	}

	if cfg.Intent.LanguageCode == "" {
		errs = append(errs, "intent.languageCode is required")
	}
	if cfg.Media.MaxRetries < 0 {
		errs = append(errs, "media.maxRetries must not be negative")
	}

	switch strings.ToLower(cfg.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
		// valid
	default:
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	switch cfg.Logging.Format {
	case "text", "json":
		// valid
	default:
		errs = append(errs, "logging.format must be one of: text, json")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// RequireReceiver reports the settings the webhook receiver cannot run without.
func (c *Config) RequireReceiver() error {
	var missing []string
	if c.WhatsApp.AppSecret == "" {
		missing = append(missing, "whatsapp.appSecret (APP_SECRET)")
	}
	if c.WhatsApp.VerifyToken == "" {
		missing = append(missing, "whatsapp.verifyToken (WEBHOOK_VERIFICATION_TOKEN)")
	}
	if c.WhatsApp.MarkAsRead {
		missing = append(missing, c.missingGraph()...)
	}
	return missingErr("receiver", missing)
}

// RequireWorker reports the settings the worker cannot run without.
func (c *Config) RequireWorker() error {
	missing := c.missingGraph()
	if c.Intent.ProjectID == "" {
		missing = append(missing, "intent.projectId (CA_PROJECT_ID)")
	}
	if c.Intent.AgentID == "" {
		missing = append(missing, "intent.agentId (CA_AGENT_ID)")
	}
	if c.Intent.Location == "" {
		missing = append(missing, "intent.location (CA_LOCATION)")
	}
	if c.Intent.Credentials == "" {
		missing = append(missing, "intent.credentials (GCP_SERVICE_ACCOUNT_JSON)")
	}
	if c.Media.APIKey == "" {
		missing = append(missing, "media.apiKey (GEMINI_API_KEY)")
	}
	if c.Media.Whisper.Enabled && c.Media.Whisper.APIKey == "" {
		missing = append(missing, "media.whisper.apiKey (WHISPER_API_KEY)")
	}
	return missingErr("worker", missing)
}

func (c *Config) missingGraph() []string {
	var missing []string
	if c.WhatsApp.AccessToken == "" {
		missing = append(missing, "whatsapp.accessToken (ACCESS_TOKEN)")
	}
	if c.WhatsApp.PhoneNumberID == "" {
		missing = append(missing, "whatsapp.phoneNumberId (PHONE_ID)")
	}
	return missing
}

func missingErr(role string, missing []string) error {
	if len(missing) == 0 {
		return nil
	}
	return fmt.Errorf("%s is missing required settings:\n  - %s", role, strings.Join(missing, "\n  - "))
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

// expandQueuePath resolves ~/ inside sqlite queue URLs and bare paths.
func expandQueuePath(url string) string {
	for _, scheme := range []string{"sqlite://", "sqlite3://", "file://"} {
		if rest, ok := strings.CutPrefix(url, scheme); ok {
			return scheme + ExpandPath(rest)
		}
	}
	if strings.Contains(url, "://") {
		return url
	}
	return ExpandPath(url)
}
