package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/phuslu/log"
	"github.com/spf13/viper"
)

const EnvPrefix = "FIELDTRACK"

type Subject struct {
	Id   string `mapstructure:"id" validate:"required,max=64"`
	Name string `mapstructure:"name"`
}

type HttpConfig struct {
	Addr        string   `mapstructure:"addr" validate:"required"`
	WsAddr      string   `mapstructure:"ws_addr" validate:"required"`
	WsSalt      string   `mapstructure:"ws_salt"`
	ApiKeyHash  string   `mapstructure:"api_key_hash"`
	CorsOrigins []string `mapstructure:"cors_origins"`
}

type MonitoringConfig struct {
	Addr string `mapstructure:"addr"`
}

type TrackerConfig struct {
	HighAccuracy   bool          `mapstructure:"high_accuracy"`
	UpdateInterval time.Duration `mapstructure:"update_interval"`
	SampleTimeout  time.Duration `mapstructure:"sample_timeout" validate:"gte=0"`
	PlaceTimeout   time.Duration `mapstructure:"place_timeout" validate:"gte=0"`
}

type DeviceConfig struct {
	Addr         string        `mapstructure:"addr"`
	LoginTimeout time.Duration `mapstructure:"login_timeout"`
	TunnelAddr   string        `mapstructure:"tunnel_addr"`
	TunnelToken  string        `mapstructure:"tunnel_token" validate:"required_with=TunnelAddr"`
}

type NatsConfig struct {
	Url     string `mapstructure:"url"`
	Name    string `mapstructure:"name"`
	Prefix  string `mapstructure:"prefix" validate:"required"`
	Publish bool   `mapstructure:"publish"`
}

type SimConfig struct {
	Interval     time.Duration `mapstructure:"interval"`
	Seed         int64         `mapstructure:"seed"`
	OriginLat    float64       `mapstructure:"origin_lat" validate:"gte=-90,lte=90"`
	OriginLon    float64       `mapstructure:"origin_lon" validate:"gte=-180,lte=180"`
	SpreadMeters float64       `mapstructure:"spread_meters" validate:"gte=0"`
	ErrorRate    float64       `mapstructure:"error_rate" validate:"gte=0,lte=1"`
}

type PlacesConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	BaseURL   string `mapstructure:"base_url"`
	UserAgent string `mapstructure:"user_agent"`
	CacheSize int    `mapstructure:"cache_size" validate:"gte=0"`
}

type PostgresConfig struct {
	Url      string        `mapstructure:"url"`
	Table    string        `mapstructure:"table"`
	BufSize  int           `mapstructure:"buf_size"`
	FlushAge time.Duration `mapstructure:"flush_age"`
}

type DynamoConfig struct {
	Table     string `mapstructure:"table"`
	Region    string `mapstructure:"region"`
	Endpoint  string `mapstructure:"endpoint"`
	QueueSize int    `mapstructure:"queue_size"`
}

type Config struct {
	LogLevel   string           `mapstructure:"log_level" validate:"oneof=trace debug info warn error fatal panic"`
	Feed       string           `mapstructure:"feed" validate:"oneof=device nats sim"`
	Node       uint64           `mapstructure:"node" validate:"lte=1023"`
	Http       HttpConfig       `mapstructure:"http"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	Tracker    TrackerConfig    `mapstructure:"tracker"`
	Device     DeviceConfig     `mapstructure:"device"`
	Nats       NatsConfig       `mapstructure:"nats"`
	Sim        SimConfig        `mapstructure:"sim"`
	Places     PlacesConfig     `mapstructure:"places"`
	Postgres   PostgresConfig   `mapstructure:"postgres"`
	Dynamo     DynamoConfig     `mapstructure:"dynamo"`
	Subjects   []Subject        `mapstructure:"subjects" validate:"dive"`
}

// DemoSubjects are started by serve when no subjects are configured.
var DemoSubjects = []Subject{
	{Id: "EMP-084", Name: "Robert Fox"},
	{Id: "EMP-102", Name: "Jane Cooper"},
	{Id: "EMP-042", Name: "Guy Hawkins"},
}

func SetDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("feed", "sim")
	v.SetDefault("node", 1)
	v.SetDefault("http.addr", ":3333")
	v.SetDefault("http.ws_addr", ":3335")
	v.SetDefault("http.ws_salt", "fieldtrack")
	v.SetDefault("http.api_key_hash", "")
	v.SetDefault("http.cors_origins", []string{"*"})
	v.SetDefault("monitoring.addr", "127.0.0.1:3334")
	v.SetDefault("tracker.high_accuracy", true)
	v.SetDefault("tracker.update_interval", 5*time.Second)
	v.SetDefault("tracker.sample_timeout", 10*time.Second)
	v.SetDefault("tracker.place_timeout", 5*time.Second)
	v.SetDefault("device.addr", ":5555")
	v.SetDefault("device.login_timeout", 2*time.Second)
	v.SetDefault("device.tunnel_addr", "")
	v.SetDefault("device.tunnel_token", "")
	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("nats.name", "fieldtrack")
	v.SetDefault("nats.prefix", "fieldtrack")
	v.SetDefault("nats.publish", false)
	v.SetDefault("sim.interval", 5*time.Second)
	v.SetDefault("sim.seed", 0)
	v.SetDefault("sim.origin_lat", 40.7128)
	v.SetDefault("sim.origin_lon", -74.006)
	v.SetDefault("sim.spread_meters", 1000.0)
	v.SetDefault("sim.error_rate", 0.0)
	v.SetDefault("places.enabled", false)
	v.SetDefault("places.base_url", "https://nominatim.openstreetmap.org")
	v.SetDefault("places.user_agent", "FieldOperationsApp/1.0")
	v.SetDefault("places.cache_size", 1024)
	v.SetDefault("postgres.url", "")
	v.SetDefault("postgres.table", "location_history")
	v.SetDefault("postgres.buf_size", 100)
	v.SetDefault("postgres.flush_age", 5*time.Second)
	v.SetDefault("dynamo.table", "")
	v.SetDefault("dynamo.region", "us-east-1")
	v.SetDefault("dynamo.endpoint", "")
	v.SetDefault("dynamo.queue_size", 256)
}

// Load reads path (optional) on top of the defaults, applies FIELDTRACK_
// environment overrides and validates the result.
func Load(v *viper.Viper, path string) (*Config, error) {
	if v == nil {
		v = viper.New()
	}
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	} else {
		v.SetConfigName("fieldtrack")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	c := &Config{}
	if err := v.Unmarshal(c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := validator.New().Struct(c); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return c, nil
}

// ApplyLogLevel sets the level of log.DefaultLogger. Loggers copied from it
// afterwards inherit the level.
func (c *Config) ApplyLogLevel() {
	log.DefaultLogger.Level = log.ParseLevel(c.LogLevel)
}

func (c *Config) StartSubjects() []Subject {
	if len(c.Subjects) == 0 {
		return DemoSubjects
	}
	return c.Subjects
}
