package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Redis         RedisConfig         `yaml:"redis"`
	Auth          AuthConfig          `yaml:"auth"`
	Workflow      WorkflowConfig      `yaml:"workflow"`
	Scoring       ScoringConfig       `yaml:"scoring"`
	Audit         AuditConfig         `yaml:"audit"`
	Notifications NotificationsConfig `yaml:"notifications"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	CORSAllowOrigin string        `yaml:"cors_allow_origin"`
}

type DatabaseConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	User         string `yaml:"user"`
	Password     string `yaml:"password"`
	Database     string `yaml:"database"`
	SSLMode      string `yaml:"ssl_mode"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type AuthConfig struct {
	JWTSecret          string        `yaml:"jwt_secret"`
	AccessTokenExpiry  time.Duration `yaml:"access_token_expiry"`
	RefreshTokenExpiry time.Duration `yaml:"refresh_token_expiry"`
}

// WorkflowConfig tunes the approval workflows. BusinessDays uses
// time.Weekday values (0=Sunday).
type WorkflowConfig struct {
	ApprovalTimeout    time.Duration `yaml:"approval_timeout"`
	RequiredApprovals  int           `yaml:"required_approvals"`
	EscalatedApprovals int           `yaml:"escalated_approvals"`
	BusinessStartHour  int           `yaml:"business_start_hour"`
	BusinessEndHour    int           `yaml:"business_end_hour"`
	BusinessDays       []int         `yaml:"business_days"`
	Timezone           string        `yaml:"timezone"`
	MaxRetries         int           `yaml:"max_retries"`
	RetryBackoff       time.Duration `yaml:"retry_backoff"`
}

type ScoringConfig struct {
	AutoApproveThreshold     float64 `yaml:"auto_approve_threshold"`
	RequireApprovalThreshold float64 `yaml:"require_approval_threshold"`
	ContextualRiskThreshold  float64 `yaml:"contextual_risk_threshold"`
}

type AuditConfig struct {
	HMACSecret    string `yaml:"hmac_secret"`
	RedactionCap  int    `yaml:"redaction_cap"`
	RetentionDays int    `yaml:"retention_days"`
}

type NotificationsConfig struct {
	MinSeverity string            `yaml:"min_severity"`
	Slack       SlackNotifyConfig `yaml:"slack"`
	Email       EmailNotifyConfig `yaml:"email"`
}

type SlackNotifyConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"`
	Channel    string `yaml:"channel"`
}

type EmailNotifyConfig struct {
	Enabled  bool     `yaml:"enabled"`
	SMTPHost string   `yaml:"smtp_host"`
	SMTPPort int      `yaml:"smtp_port"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	From     string   `yaml:"from"`
	To       []string `yaml:"to"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return defaultConfig(), nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

func defaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {

	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 30 * time.Second
	}

	if c.Database.Host == "" {
		c.Database.Host = "localhost"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 5432
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 25
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}

	if c.Redis.Host == "" {
		c.Redis.Host = "localhost"
	}
	if c.Redis.Port == 0 {
		c.Redis.Port = 6379
	}

	if c.Auth.JWTSecret == "" {
		c.Auth.JWTSecret = "change-me-in-production"

		fmt.Println("WARNING: Using default JWT secret. Set auth.jwt_secret in production!")
	}
	if c.Auth.AccessTokenExpiry == 0 {
		c.Auth.AccessTokenExpiry = 15 * time.Minute
	}
	if c.Auth.RefreshTokenExpiry == 0 {
		c.Auth.RefreshTokenExpiry = 7 * 24 * time.Hour
	}

	if c.Workflow.ApprovalTimeout == 0 {
		c.Workflow.ApprovalTimeout = 30 * time.Minute
	}
	if c.Workflow.RequiredApprovals == 0 {
		c.Workflow.RequiredApprovals = 2
	}
	if c.Workflow.EscalatedApprovals == 0 {
		c.Workflow.EscalatedApprovals = 3
	}
	if c.Workflow.BusinessStartHour == 0 {
		c.Workflow.BusinessStartHour = 8
	}
	if c.Workflow.BusinessEndHour == 0 {
		c.Workflow.BusinessEndHour = 18
	}
	if len(c.Workflow.BusinessDays) == 0 {
		c.Workflow.BusinessDays = []int{1, 2, 3, 4, 5} // Mon-Fri
	}
	if c.Workflow.Timezone == "" {
		c.Workflow.Timezone = "UTC"
	}
	if c.Workflow.MaxRetries == 0 {
		c.Workflow.MaxRetries = 3
	}
	if c.Workflow.RetryBackoff == 0 {
		c.Workflow.RetryBackoff = 100 * time.Millisecond
	}

	if c.Scoring.AutoApproveThreshold == 0 {
		c.Scoring.AutoApproveThreshold = 85
	}
	if c.Scoring.RequireApprovalThreshold == 0 {
		c.Scoring.RequireApprovalThreshold = 60
	}
	if c.Scoring.ContextualRiskThreshold == 0 {
		c.Scoring.ContextualRiskThreshold = 50
	}

	if c.Audit.HMACSecret == "" {
		c.Audit.HMACSecret = "change-me-in-production"

		fmt.Println("WARNING: Using default audit HMAC secret. Set audit.hmac_secret in production!")
	}
	if c.Audit.RedactionCap == 0 {
		c.Audit.RedactionCap = 256
	}
	if c.Audit.RetentionDays == 0 {
		c.Audit.RetentionDays = 365
	}

	if c.Notifications.MinSeverity == "" {
		c.Notifications.MinSeverity = "HIGH"
	}
	if c.Notifications.Email.SMTPPort == 0 {
		c.Notifications.Email.SMTPPort = 587
	}
}
