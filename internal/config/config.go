package config

import (
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	Domain      DomainConfig
	DNS         DNSConfig
	Compute     ComputeConfig
	Provision   ProvisionConfig
	Health      HealthConfig
	Auth        AuthConfig
	RemoteWrite RemoteWriteConfig
}

type ServerConfig struct {
	Port string
	Mode string
}

type DatabaseConfig struct {
	URL            string
	MaxConnections int
	MaxIdleConns   int
}

type RedisConfig struct {
	URL string
}

type DomainConfig struct {
	// Base is the apex under which tenant subdomains are created,
	// e.g. "vmharbor.dev" yields "brave-otter.vmharbor.dev".
	Base string
	// RegisterURL is the callback the booted VM posts its handshake to.
	RegisterURL string
}

type DNSConfig struct {
	APIToken          string
	BaseURL           string
	ZoneName          string
	RecordTTL         int
	RequestsPerSecond float64
}

type ComputeConfig struct {
	APIToken          string
	BaseURL           string
	ServerType        string
	Image             string
	Location          string
	RequestsPerSecond float64
}

type ProvisionConfig struct {
	// SyncTimeout is the wall-clock ceiling for a blocking provision call.
	SyncTimeout time.Duration
	// AsyncTimeout bounds the background workflow in fire-and-forget mode.
	AsyncTimeout time.Duration
}

type HealthConfig struct {
	Scheme           string
	Path             string
	ProbeTimeout     time.Duration
	FailureThreshold int
	WorkerCount      int
	SweepInterval    time.Duration
}

type AuthConfig struct {
	JWTSecret  string
	AdminToken string
}

type RemoteWriteConfig struct {
	URL           string
	TenantHeader  string
	BatchSize     int
	FlushInterval time.Duration
	AuthToken     string
}

func Load() (*Config, error) {
	// Best effort; production supplies real environment variables.
	_ = godotenv.Load()

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.SetEnvPrefix("VMHARBOR")
	viper.AutomaticEnv()

	// Set defaults
	viper.SetDefault("server.port", "8080")
	viper.SetDefault("server.mode", "debug")
	viper.SetDefault("database.maxconnections", 25)
	viper.SetDefault("database.maxidleconns", 5)
	viper.SetDefault("dns.baseurl", "https://api.cloudflare.com/client/v4")
	viper.SetDefault("dns.recordttl", 300)
	viper.SetDefault("dns.requestspersecond", 4)
	viper.SetDefault("compute.baseurl", "https://api.hetzner.cloud/v1")
	viper.SetDefault("compute.servertype", "cx22")
	viper.SetDefault("compute.image", "ubuntu-24.04")
	viper.SetDefault("compute.location", "nbg1")
	viper.SetDefault("compute.requestspersecond", 2)
	viper.SetDefault("provision.synctimeout", "90s")
	viper.SetDefault("provision.asynctimeout", "5m")
	viper.SetDefault("health.scheme", "https")
	viper.SetDefault("health.path", "/healthz")
	viper.SetDefault("health.probetimeout", "10s")
	viper.SetDefault("health.failurethreshold", 3)
	viper.SetDefault("health.workercount", 10)
	viper.SetDefault("health.sweepinterval", "5m")
	viper.SetDefault("remotewrite.tenantheader", "X-Scope-OrgID")
	viper.SetDefault("remotewrite.batchsize", 1000)
	viper.SetDefault("remotewrite.flushinterval", "10s")

	var cfg Config
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// Override with environment variables
	if url := os.Getenv("DATABASE_URL"); url != "" {
		cfg.Database.URL = url
	}
	if url := os.Getenv("REDIS_URL"); url != "" {
		cfg.Redis.URL = url
	}
	if token := os.Getenv("DNS_API_TOKEN"); token != "" {
		cfg.DNS.APIToken = token
	}
	if token := os.Getenv("COMPUTE_API_TOKEN"); token != "" {
		cfg.Compute.APIToken = token
	}
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		cfg.Auth.JWTSecret = secret
	}
	if token := os.Getenv("ADMIN_TOKEN"); token != "" {
		cfg.Auth.AdminToken = token
	}
	if url := os.Getenv("REMOTE_WRITE_URL"); url != "" {
		cfg.RemoteWrite.URL = url
	}
	if token := os.Getenv("REMOTE_WRITE_AUTH_TOKEN"); token != "" {
		cfg.RemoteWrite.AuthToken = token
	}

	return &cfg, nil
}
