package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// Config represents the entire application configuration
type Config struct {
	Env      string         `json:"env"`
	Port     int            `json:"port"`
	AppName  string         `json:"app_name"`
	Postgres PostgresConfig `json:"postgres"`
	Matching MatchingConfig `json:"matching"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
	AWS      AWSConfig      `json:"aws"`
	Logging  LoggingConfig  `json:"logging"`
	CORS     CORSConfig     `json:"cors"`
}

// PostgresConfig contains the connection details for the matching store
type PostgresConfig struct {
	URI             string `json:"uri"`
	MaxConns        int32  `json:"max_conns"`
	MinConns        int32  `json:"min_conns"`
	ApplicationName string `json:"application_name"`
}

// MatchingConfig contains linkage thresholds and scheduler tuning
type MatchingConfig struct {
	PotentialMatchThreshold float64        `json:"potential_match_threshold"`
	AutoMatchThreshold      float64        `json:"auto_match_threshold"`
	LinkerSettings          map[string]any `json:"linker_settings,omitempty"`
	PollIntervalSeconds     int            `json:"poll_interval_seconds"`
	StagingBatchSize        int            `json:"staging_batch_size"`
}

type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Prefix   string `json:"prefix"`
}

// RabbitMQConfig contains the broker connection details for job
// lifecycle notifications
type RabbitMQConfig struct {
	Host          string `json:"host"`
	Port          int    `json:"port"`
	Username      string `json:"username"`
	Password      string `json:"password"`
	VHost         string `json:"vhost"`
	ExchangeName  string `json:"exchange_name"`
	PrefetchCount int    `json:"prefetch_count"`
}

// AWSConfig contains the S3 export sink details
type AWSConfig struct {
	AccessKey    string `json:"access_key"`
	SecretKey    string `json:"secret_key"`
	ExportBucket string `json:"export_bucket"`
	Region       string `json:"region"`
}

// LoggingConfig contains logging-related configurations
type LoggingConfig struct {
	Level     string `json:"level"`
	Format    string `json:"format"`
	Directory string `json:"directory"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings
type CORSConfig struct {
	AllowedOrigins   []string `json:"allowed_origins"`
	AllowedMethods   []string `json:"allowed_methods"`
	AllowedHeaders   []string `json:"allowed_headers"`
	AllowCredentials bool     `json:"allow_credentials"`
	MaxAge           int      `json:"max_age,omitempty"`
}

// LoadConfig reads configuration from the specified file path
func LoadConfig(filePath string) (*Config, error) {
	configData, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(configData, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if err := config.Matching.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate checks the threshold ordering the matcher depends on.
func (m MatchingConfig) Validate() error {
	if m.PotentialMatchThreshold < 0 || m.PotentialMatchThreshold > 1 {
		return fmt.Errorf("potential_match_threshold %v outside [0,1]", m.PotentialMatchThreshold)
	}
	if m.AutoMatchThreshold < 0 || m.AutoMatchThreshold > 1 {
		return fmt.Errorf("auto_match_threshold %v outside [0,1]", m.AutoMatchThreshold)
	}
	if m.AutoMatchThreshold <= m.PotentialMatchThreshold {
		return fmt.Errorf("auto_match_threshold %v must be greater than potential_match_threshold %v",
			m.AutoMatchThreshold, m.PotentialMatchThreshold)
	}
	return nil
}
