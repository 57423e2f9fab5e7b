package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Log      LogConfig      `mapstructure:"log"`
	Client   ClientConfig   `mapstructure:"client"`
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Redis    RedisConfig    `mapstructure:"redis"`
	MySQL    MySQLConfig    `mapstructure:"mysql"`
	Leader   LeaderConfig   `mapstructure:"leader"`
	Instance InstanceConfig `mapstructure:"instance"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// ClientConfig drives cmd/portal-client.
type ClientConfig struct {
	SocketURL         string          `mapstructure:"socket_url"`
	APIBaseURL        string          `mapstructure:"api_base_url"`
	Token             string          `mapstructure:"token"`
	UserID            string          `mapstructure:"user_id"`
	DisplayName       string          `mapstructure:"display_name"`
	AvatarRef         string          `mapstructure:"avatar_ref"`
	KeepWarm          bool            `mapstructure:"keep_warm"`
	DebounceWindow    time.Duration   `mapstructure:"debounce_window"`
	HeartbeatInterval time.Duration   `mapstructure:"heartbeat_interval"`
	RequestTimeout    time.Duration   `mapstructure:"request_timeout"`
	Reconnect         ReconnectConfig `mapstructure:"reconnect"`
	Push              PushConfig      `mapstructure:"push"`
}

type ReconnectConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	Delay       time.Duration `mapstructure:"delay"`
	Linear      bool          `mapstructure:"linear"`
}

type PushConfig struct {
	// Permission mirrors the device notification permission: granted, denied or default.
	Permission    string        `mapstructure:"permission"`
	EndpointBase  string        `mapstructure:"endpoint_base"`
	StatePath     string        `mapstructure:"state_path"`
	SyncThreshold time.Duration `mapstructure:"sync_threshold"`
}

type ServerConfig struct {
	Port          int           `mapstructure:"port"`
	Host          string        `mapstructure:"host"`
	StaleAfter    time.Duration `mapstructure:"stale_after"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

// RedisConfig is optional: an empty Address keeps the roster in process.
type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// MySQLConfig is optional: an empty DSN keeps push subscriptions in process.
type MySQLConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type LeaderConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

type InstanceConfig struct {
	ID string `mapstructure:"id"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")

	v.SetDefault("client.socket_url", "ws://localhost:8080/socket")
	v.SetDefault("client.api_base_url", "http://localhost:8080")
	v.SetDefault("client.keep_warm", false)
	v.SetDefault("client.debounce_window", 2*time.Second)
	v.SetDefault("client.heartbeat_interval", 30*time.Second)
	v.SetDefault("client.request_timeout", 10*time.Second)
	v.SetDefault("client.reconnect.max_attempts", 5)
	v.SetDefault("client.reconnect.delay", time.Second)
	v.SetDefault("client.reconnect.linear", true)
	v.SetDefault("client.push.permission", "default")
	v.SetDefault("client.push.endpoint_base", "https://push.localhost/send")
	v.SetDefault("client.push.state_path", "./push-state.json")
	v.SetDefault("client.push.sync_threshold", time.Hour)

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.stale_after", 90*time.Second)
	v.SetDefault("server.sweep_interval", 30*time.Second)
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("redis.address", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("mysql.dsn", "")
	v.SetDefault("mysql.max_open_conns", 25)
	v.SetDefault("mysql.max_idle_conns", 10)
	v.SetDefault("mysql.conn_max_lifetime", 5*time.Minute)
	v.SetDefault("leader.ttl", 30*time.Second)
	v.SetDefault("instance.id", "realtime-server-1")
}

func bindEnv(v *viper.Viper) {
	v.AutomaticEnv()

	v.BindEnv("log.level", "LOG_LEVEL")
	v.BindEnv("client.socket_url", "PORTAL_SOCKET_URL")
	v.BindEnv("client.api_base_url", "PORTAL_API_BASE_URL")
	v.BindEnv("client.token", "PORTAL_TOKEN")
	v.BindEnv("client.user_id", "PORTAL_USER_ID")
	v.BindEnv("client.display_name", "PORTAL_DISPLAY_NAME")
	v.BindEnv("client.avatar_ref", "PORTAL_AVATAR_REF")
	v.BindEnv("client.keep_warm", "PORTAL_KEEP_WARM")
	v.BindEnv("client.debounce_window", "PORTAL_DEBOUNCE_WINDOW")
	v.BindEnv("client.heartbeat_interval", "PORTAL_HEARTBEAT_INTERVAL")
	v.BindEnv("client.request_timeout", "PORTAL_REQUEST_TIMEOUT")
	v.BindEnv("client.reconnect.max_attempts", "PORTAL_RECONNECT_MAX_ATTEMPTS")
	v.BindEnv("client.reconnect.delay", "PORTAL_RECONNECT_DELAY")
	v.BindEnv("client.reconnect.linear", "PORTAL_RECONNECT_LINEAR")
	v.BindEnv("client.push.permission", "PORTAL_PUSH_PERMISSION")
	v.BindEnv("client.push.endpoint_base", "PORTAL_PUSH_ENDPOINT_BASE")
	v.BindEnv("client.push.state_path", "PORTAL_PUSH_STATE_PATH")
	v.BindEnv("client.push.sync_threshold", "PORTAL_PUSH_SYNC_THRESHOLD")

	v.BindEnv("server.port", "SERVER_PORT")
	v.BindEnv("server.host", "SERVER_HOST")
	v.BindEnv("server.stale_after", "SERVER_STALE_AFTER")
	v.BindEnv("server.sweep_interval", "SERVER_SWEEP_INTERVAL")
	v.BindEnv("auth.jwt_secret", "AUTH_JWT_SECRET")
	v.BindEnv("redis.address", "REDIS_ADDRESS")
	v.BindEnv("redis.password", "REDIS_PASSWORD")
	v.BindEnv("redis.db", "REDIS_DB")
	v.BindEnv("mysql.dsn", "MYSQL_DSN")
	v.BindEnv("mysql.max_open_conns", "MYSQL_MAX_OPEN_CONNS")
	v.BindEnv("mysql.max_idle_conns", "MYSQL_MAX_IDLE_CONNS")
	v.BindEnv("mysql.conn_max_lifetime", "MYSQL_CONN_MAX_LIFETIME")
	v.BindEnv("leader.ttl", "LEADER_TTL")
	v.BindEnv("instance.id", "INSTANCE_ID")
}

func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	// Configuration file settings
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/portal-realtime/")

	bindEnv(v)

	// Read configuration file (optional - will use defaults/env vars if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	return unmarshal(v)
}

// LoadFromFile loads configuration from a specific file path. Defaults and
// environment variables still apply to keys the file leaves out.
func LoadFromFile(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	bindEnv(v)
	v.SetConfigFile(configPath)

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	return unmarshal(v)
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate rejects settings the connectivity layer cannot run with.
func (c *Config) Validate() error {
	if c.Client.Reconnect.MaxAttempts < 0 {
		return fmt.Errorf("client.reconnect.max_attempts must not be negative")
	}
	if c.Client.HeartbeatInterval <= 0 {
		return fmt.Errorf("client.heartbeat_interval must be positive")
	}
	switch c.Client.Push.Permission {
	case "granted", "denied", "default":
	default:
		return fmt.Errorf("client.push.permission %q is not one of granted, denied, default", c.Client.Push.Permission)
	}
	return nil
}

// GetConfigString returns a formatted string representation of the config
func (c *Config) GetConfigString() string {
	return fmt.Sprintf(
		"Server: %s:%d, Socket: %s, API: %s, Redis: %s, Instance: %s",
		c.Server.Host,
		c.Server.Port,
		c.Client.SocketURL,
		c.Client.APIBaseURL,
		c.Redis.Address,
		c.Instance.ID,
	)
}
