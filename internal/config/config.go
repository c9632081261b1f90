package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Origin        OriginConfig        `mapstructure:"origin"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Postgres      PostgresConfig      `mapstructure:"postgres"`
	Actors        ActorsConfig        `mapstructure:"actors"`
	Cache         CacheConfig         `mapstructure:"cache"`
	Security      SecurityConfig      `mapstructure:"security"`
	RateLimit     RateLimitConfig     `mapstructure:"rate_limit"`
	Analytics     AnalyticsConfig     `mapstructure:"analytics"`
	Admin         AdminConfig         `mapstructure:"admin"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Environment     string        `mapstructure:"environment"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	BodyLimit       int           `mapstructure:"body_limit"`
	Concurrency     int           `mapstructure:"concurrency"`
	TrustedProxies  []string      `mapstructure:"trusted_proxies"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

type OriginConfig struct {
	URLs            []string             `mapstructure:"urls"`
	Weights         []int                `mapstructure:"weights"`
	Timeout         time.Duration        `mapstructure:"timeout"`
	MaxRetries      int                  `mapstructure:"max_retries"`
	RetryBaseDelay  time.Duration        `mapstructure:"retry_base_delay"`
	RetryMaxDelay   time.Duration        `mapstructure:"retry_max_delay"`
	ForwardHeaders  []string             `mapstructure:"forward_headers"`
	Balancer        string               `mapstructure:"balancer"` // round_robin, weighted, least_requests
	HealthCheckPath string               `mapstructure:"health_check_path"`
	HealthInterval  time.Duration        `mapstructure:"health_interval"`
	MaxIdleConns    int                  `mapstructure:"max_idle_conns"`
	CircuitBreaker  CircuitBreakerConfig `mapstructure:"circuit_breaker"`
}

type CircuitBreakerConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	MaxRequests uint32        `mapstructure:"max_requests"`
	Interval    time.Duration `mapstructure:"interval"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type RedisConfig struct {
	URL          string        `mapstructure:"url"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConn  int           `mapstructure:"min_idle_conn"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	MaxRetries   int           `mapstructure:"max_retries"`
}

type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// ActorsConfig selects where actor state lives and how keys are spread over peers.
type ActorsConfig struct {
	StateBackend  string        `mapstructure:"state_backend"` // memory, redis, postgres
	IdleTimeout   time.Duration `mapstructure:"idle_timeout"`
	MailboxSize   int           `mapstructure:"mailbox_size"`
	InvokeTimeout time.Duration `mapstructure:"invoke_timeout"`
	SelfURL       string        `mapstructure:"self_url"`
	Peers         []string      `mapstructure:"peers"`
	SharedSecret  string        `mapstructure:"shared_secret"`
}

type CacheConfig struct {
	Enabled              bool          `mapstructure:"enabled"`
	Region               string        `mapstructure:"region"`
	KeyPrefix            string        `mapstructure:"key_prefix"`
	SafetyMargin         time.Duration `mapstructure:"safety_margin"`
	CompressionThreshold int           `mapstructure:"compression_threshold"`
	MaxBodySize          int           `mapstructure:"max_body_size"`
	RevalidateWorkers    int           `mapstructure:"revalidate_workers"`
	RevalidateQueue      int           `mapstructure:"revalidate_queue"`
	RevalidateRate       float64       `mapstructure:"revalidate_rate"`
	RevalidateTimeout    time.Duration `mapstructure:"revalidate_timeout"`
	PersonalizedPaths    []string      `mapstructure:"personalized_paths"`
	DevicePaths          []string      `mapstructure:"device_paths"`
	GeoPaths             []string      `mapstructure:"geo_paths"`
}

type SecurityConfig struct {
	Enabled          bool     `mapstructure:"enabled"`
	AllowedMethods   []string `mapstructure:"allowed_methods"`
	MaxBodyBytes     int64    `mapstructure:"max_body_bytes"`
	BlockedIPs       []string `mapstructure:"blocked_ips"`
	SuspiciousPaths  []string `mapstructure:"suspicious_paths"`
	BlockedCountries []string `mapstructure:"blocked_countries"`
	WatchedCountries []string `mapstructure:"watched_countries"`
	SensitivePaths   []string `mapstructure:"sensitive_paths"`
	BotSignatures    []string `mapstructure:"bot_signatures"`
	ClientSignatures []string `mapstructure:"client_signatures"`
	AllowedCrawlers  []string `mapstructure:"allowed_crawlers"`
	MaxQueryLength   int      `mapstructure:"max_query_length"`
	MaxCalcParamLen  int      `mapstructure:"max_calc_param_length"`
	CalculationPaths []string `mapstructure:"calculation_paths"`
	DynamicBlocklist bool     `mapstructure:"dynamic_blocklist"`
}

type RateLimitConfig struct {
	Enabled    bool                     `mapstructure:"enabled"`
	Categories map[string]CategoryLimit `mapstructure:"categories"`
	SkipPaths  []string                 `mapstructure:"skip_paths"`
}

type CategoryLimit struct {
	Limit  int           `mapstructure:"limit"`
	Window time.Duration `mapstructure:"window"`
}

type AnalyticsConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	BufferSize    int           `mapstructure:"buffer_size"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	Retention     time.Duration `mapstructure:"retention"`
}

type AdminConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	JWTSecret    string        `mapstructure:"jwt_secret"`
	LiveInterval time.Duration `mapstructure:"live_interval"`
}

type ObservabilityConfig struct {
	Metrics MetricsConfig `mapstructure:"metrics"`
	Tracing TracingConfig `mapstructure:"tracing"`
	Logging LoggingConfig `mapstructure:"logging"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	RequestLog bool   `mapstructure:"request_log"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath(".")

	// Set environment variable prefix
	v.SetEnvPrefix("EDGE")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	// Read config file if exists
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	overrideWithEnv(&config)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate rejects configurations the gateway cannot start with.
func (c *Config) Validate() error {
	if len(c.Origin.URLs) == 0 {
		return fmt.Errorf("origin.urls must list at least one origin")
	}
	if c.Origin.MaxRetries < 0 {
		return fmt.Errorf("origin.max_retries must not be negative")
	}
	for name, limit := range c.RateLimit.Categories {
		if limit.Limit <= 0 || limit.Window <= 0 {
			return fmt.Errorf("rate_limit.categories.%s needs a positive limit and window", name)
		}
	}
	switch c.Actors.StateBackend {
	case "memory", "redis", "postgres":
	default:
		return fmt.Errorf("unknown actors.state_backend %q", c.Actors.StateBackend)
	}
	if c.Actors.StateBackend == "postgres" && c.Postgres.DSN == "" {
		return fmt.Errorf("postgres.dsn is required for the postgres actor state backend")
	}
	if c.Admin.Enabled && c.Admin.JWTSecret == "" {
		return fmt.Errorf("admin.jwt_secret is required when the admin API is enabled")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.environment", "development")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.body_limit", 10*1024*1024+1)
	v.SetDefault("server.concurrency", 256*1024)
	v.SetDefault("server.cors_origins", []string{"*"})

	// Origin defaults
	v.SetDefault("origin.urls", []string{"http://localhost:3000"})
	v.SetDefault("origin.timeout", "30s")
	v.SetDefault("origin.max_retries", 3)
	v.SetDefault("origin.retry_base_delay", "200ms")
	v.SetDefault("origin.retry_max_delay", "5s")
	v.SetDefault("origin.forward_headers", []string{
		"Accept", "Accept-Language", "Authorization", "Content-Type", "Cookie",
		"If-Modified-Since", "If-None-Match", "Referer", "User-Agent", "X-Request-ID",
	})
	v.SetDefault("origin.balancer", "round_robin")
	v.SetDefault("origin.health_check_path", "/health")
	v.SetDefault("origin.health_interval", "30s")
	v.SetDefault("origin.max_idle_conns", 100)
	v.SetDefault("origin.circuit_breaker.enabled", true)
	v.SetDefault("origin.circuit_breaker.max_requests", 3)
	v.SetDefault("origin.circuit_breaker.interval", "10s")
	v.SetDefault("origin.circuit_breaker.timeout", "60s")

	// Redis defaults
	v.SetDefault("redis.url", "redis://localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.min_idle_conn", 1)
	v.SetDefault("redis.dial_timeout", "5s")
	v.SetDefault("redis.read_timeout", "3s")
	v.SetDefault("redis.write_timeout", "3s")
	v.SetDefault("redis.max_retries", 3)

	v.SetDefault("postgres.max_open_conns", 10)
	v.SetDefault("postgres.max_idle_conns", 2)
	v.SetDefault("postgres.conn_max_lifetime", "30m")

	// Actor runtime defaults
	v.SetDefault("actors.state_backend", "redis")
	v.SetDefault("actors.idle_timeout", "10m")
	v.SetDefault("actors.mailbox_size", 256)
	v.SetDefault("actors.invoke_timeout", "2s")

	// Cache defaults
	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.region", "local")
	v.SetDefault("cache.key_prefix", "cache:")
	v.SetDefault("cache.safety_margin", "60s")
	v.SetDefault("cache.compression_threshold", 1024)
	v.SetDefault("cache.max_body_size", 5*1024*1024)
	v.SetDefault("cache.revalidate_workers", 4)
	v.SetDefault("cache.revalidate_queue", 256)
	v.SetDefault("cache.revalidate_rate", 50.0)
	v.SetDefault("cache.revalidate_timeout", "30s")
	v.SetDefault("cache.personalized_paths", []string{"/dashboard", "/results", "/my-taxes", "/profile"})
	v.SetDefault("cache.device_paths", []string{"/calculators", "/tools", "/compare"})
	v.SetDefault("cache.geo_paths", []string{"/tax-rates", "/api/tax-rates", "/api/locale", "/deadlines"})

	// Security defaults
	v.SetDefault("security.enabled", true)
	v.SetDefault("security.allowed_methods", []string{"GET", "HEAD", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"})
	v.SetDefault("security.max_body_bytes", 10*1024*1024)
	v.SetDefault("security.suspicious_paths", []string{
		"/.env", "/.git", "/.aws", "/.htaccess", "/wp-admin", "/wp-login.php",
		"/phpmyadmin", "/config.php", "/server-status", "/xmlrpc.php", "/cgi-bin/",
	})
	v.SetDefault("security.blocked_countries", []string{"T1", "A1", "A2"})
	v.SetDefault("security.watched_countries", []string{"KP", "IR", "SY"})
	v.SetDefault("security.sensitive_paths", []string{"/api/auth", "/api/user", "/api/admin", "/api/payment", "/api/upload"})
	v.SetDefault("security.bot_signatures", []string{
		"sqlmap", "nikto", "nmap", "masscan", "zgrab", "dirbuster", "gobuster",
		"wpscan", "nuclei", "acunetix", "netsparker", "havij", "scrapy",
	})
	v.SetDefault("security.client_signatures", []string{
		"curl/", "wget/", "python-requests", "python-urllib", "go-http-client",
		"libwww-perl", "java/", "httpclient", "okhttp",
	})
	v.SetDefault("security.allowed_crawlers", []string{
		"googlebot", "bingbot", "duckduckbot", "slurp", "baiduspider", "yandexbot",
		"applebot", "facebookexternalhit", "linkedinbot", "twitterbot",
	})
	v.SetDefault("security.max_query_length", 2048)
	v.SetDefault("security.max_calc_param_length", 256)
	v.SetDefault("security.calculation_paths", []string{"/api/calculate", "/api/calculator", "/calculate"})
	v.SetDefault("security.dynamic_blocklist", true)

	// Rate limit defaults
	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.categories", map[string]interface{}{
		"api":        map[string]interface{}{"limit": 100, "window": "60s"},
		"calculator": map[string]interface{}{"limit": 30, "window": "60s"},
		"upload":     map[string]interface{}{"limit": 10, "window": "60s"},
		"general":    map[string]interface{}{"limit": 300, "window": "60s"},
	})
	v.SetDefault("rate_limit.skip_paths", []string{"/health", "/ready", "/metrics"})

	// Analytics defaults
	v.SetDefault("analytics.enabled", true)
	v.SetDefault("analytics.buffer_size", 10000)
	v.SetDefault("analytics.batch_size", 200)
	v.SetDefault("analytics.flush_interval", "5s")
	v.SetDefault("analytics.retention", "168h")

	v.SetDefault("admin.enabled", false)
	v.SetDefault("admin.live_interval", "5s")

	// Observability defaults
	v.SetDefault("observability.metrics.enabled", true)
	v.SetDefault("observability.metrics.path", "/metrics")
	v.SetDefault("observability.tracing.enabled", true)
	v.SetDefault("observability.tracing.service_name", "edge-gateway")
	v.SetDefault("observability.logging.level", "info")
	v.SetDefault("observability.logging.format", "json")
	v.SetDefault("observability.logging.request_log", true)
}

func overrideWithEnv(config *Config) {
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}

	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		config.Redis.URL = redisURL
	}

	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		config.Postgres.DSN = dsn
	}

	if origins := os.Getenv("ORIGIN_URLS"); origins != "" {
		config.Origin.URLs = strings.Split(origins, ",")
	}

	if secret := os.Getenv("ADMIN_JWT_SECRET"); secret != "" {
		config.Admin.JWTSecret = secret
		config.Admin.Enabled = true
	}

	if env := os.Getenv("ENVIRONMENT"); env != "" {
		config.Server.Environment = env
	}

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		config.Observability.Logging.Level = logLevel
	}

	if peers := os.Getenv("ACTOR_PEERS"); peers != "" {
		config.Actors.Peers = strings.Split(peers, ",")
	}
}
