package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// PlatformConfig is a Platform registration declared in the config file.
// Entries are upserted into the registry at start.
type PlatformConfig struct {
	Name          string `yaml:"name"`
	Issuer        string `yaml:"issuer"`
	ClientID      string `yaml:"client_id"`
	DeploymentID  string `yaml:"deployment_id"`
	AuthEndpoint  string `yaml:"auth_endpoint"`
	TokenEndpoint string `yaml:"token_endpoint"`
	TokenAudience string `yaml:"token_audience"`
	RedirectURI   string `yaml:"redirect_uri"`
	KeyMethod     string `yaml:"key_method"` // JWK_SET | RSA_KEY
	Key           string `yaml:"key"`
}

type Config struct {
	Log struct {
		Env   string `yaml:"env"`
		Level string `yaml:"level"`
	} `yaml:"log"`

	Server struct {
		Addr          string `yaml:"addr"`
		PublicBaseURL string `yaml:"public_base_url"`
		MaxBodyBytes  int64  `yaml:"max_body_bytes"`
		CookieName    string `yaml:"cookie_name"`
		CookieSecure  bool   `yaml:"cookie_secure"`
	} `yaml:"server"`

	Session struct {
		Driver   string        `yaml:"driver"` // memory | redis | sqlite
		TTL      time.Duration `yaml:"ttl"`
		LoginTTL time.Duration `yaml:"login_ttl"`
		Redis    struct {
			Addr     string `yaml:"addr"`
			Password string `yaml:"password"`
			DB       int    `yaml:"db"`
			Prefix   string `yaml:"prefix"`
		} `yaml:"redis"`
		SQLitePath string `yaml:"sqlite_path"`
	} `yaml:"session"`

	Registry struct {
		Driver string `yaml:"driver"` // sqlite | postgres
		DSN    string `yaml:"dsn"`
	} `yaml:"registry"`

	Keys struct {
		Kid        string `yaml:"kid"`
		PrivatePEM string `yaml:"private_pem"`
		PEMFile    string `yaml:"pem_file"`
	} `yaml:"keys"`

	Grading struct {
		SourceHosts  []string      `yaml:"source_hosts"`
		DeployHosts  []string      `yaml:"deploy_hosts"`
		ProbeTimeout time.Duration `yaml:"probe_timeout"`
		AutoReport   *bool         `yaml:"auto_report"`
	} `yaml:"grading"`

	AGS struct {
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"ags"`

	Identity struct {
		JWKSTimeout time.Duration `yaml:"jwks_timeout"`
		ClockSkew   time.Duration `yaml:"clock_skew"`
	} `yaml:"identity"`

	Platforms []PlatformConfig `yaml:"platforms"`
}

// AutoReportEnabled reports whether a passing grade is sent to the Platform right after grading.
func (c *Config) AutoReportEnabled() bool {
	return c.Grading.AutoReport == nil || *c.Grading.AutoReport
}

// Load reads .env (if present), the YAML file at path (optional) and applies env overrides.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnv(cfg)
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(c *Config) {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("LOG_ENV"); v != "" {
		c.Log.Env = v
	}
	if v := os.Getenv("PORT"); v != "" {
		c.Server.Addr = ":" + v
	}
	if v := os.Getenv("PUBLIC_BASE_URL"); v != "" {
		c.Server.PublicBaseURL = strings.TrimRight(v, "/")
	}
	if v := os.Getenv("SESSION_DRIVER"); v != "" {
		c.Session.Driver = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Session.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Session.Redis.DB = n
		}
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		c.Session.SQLitePath = v
	}
	if v := os.Getenv("REGISTRY_DRIVER"); v != "" {
		c.Registry.Driver = v
	}
	if v := os.Getenv("REGISTRY_DSN"); v != "" {
		c.Registry.DSN = v
	}
	if v := os.Getenv("TOOL_PRIVATE_KEY_PEM"); v != "" {
		c.Keys.PrivatePEM = v
	}
	if v := os.Getenv("TOOL_KID"); v != "" {
		c.Keys.Kid = v
	}
}

func applyDefaults(c *Config) {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Env == "" {
		c.Log.Env = "dev"
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 2_100_000
	}
	if c.Server.CookieName == "" {
		c.Server.CookieName = "lti_session"
	}
	if c.Session.Driver == "" {
		c.Session.Driver = "memory"
	}
	if c.Session.TTL == 0 {
		c.Session.TTL = 2 * time.Hour
	}
	if c.Session.LoginTTL == 0 {
		c.Session.LoginTTL = 10 * time.Minute
	}
	if c.Session.SQLitePath == "" {
		c.Session.SQLitePath = "./sessions.db"
	}
	if c.Session.Redis.Prefix == "" {
		c.Session.Redis.Prefix = "lti"
	}
	if c.Registry.Driver == "" {
		c.Registry.Driver = "sqlite"
	}
	if c.Registry.DSN == "" && c.Registry.Driver == "sqlite" {
		c.Registry.DSN = "./lti.db"
	}
	if len(c.Grading.SourceHosts) == 0 {
		c.Grading.SourceHosts = []string{"github.com", "gitlab.com", "bitbucket.org"}
	}
	if len(c.Grading.DeployHosts) == 0 {
		c.Grading.DeployHosts = []string{"herokuapp.com", "now.sh", "vercel.app", "netlify.app"}
	}
	if c.Grading.ProbeTimeout == 0 {
		c.Grading.ProbeTimeout = 5 * time.Second
	}
	if c.AGS.Timeout == 0 {
		c.AGS.Timeout = 10 * time.Second
	}
	if c.Identity.JWKSTimeout == 0 {
		c.Identity.JWKSTimeout = 5 * time.Second
	}
	if c.Identity.ClockSkew == 0 {
		c.Identity.ClockSkew = 30 * time.Second
	}
	for i := range c.Platforms {
		if c.Platforms[i].KeyMethod == "" {
			c.Platforms[i].KeyMethod = "JWK_SET"
		}
	}
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Session.Driver {
	case "memory", "redis", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("session.driver %q not supported", c.Session.Driver))
	}
	if c.Session.Driver == "redis" && c.Session.Redis.Addr == "" {
		errs = append(errs, errors.New("session.redis.addr is required for the redis driver"))
	}
	switch c.Registry.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("registry.driver %q not supported", c.Registry.Driver))
	}
	if c.Registry.DSN == "" {
		errs = append(errs, errors.New("registry.dsn is required"))
	}
	for i, p := range c.Platforms {
		if p.Issuer == "" || p.ClientID == "" || p.AuthEndpoint == "" {
			errs = append(errs, fmt.Errorf("platforms[%d]: issuer, client_id and auth_endpoint are required", i))
		}
		if p.KeyMethod != "JWK_SET" && p.KeyMethod != "RSA_KEY" {
			errs = append(errs, fmt.Errorf("platforms[%d]: key_method must be JWK_SET or RSA_KEY", i))
		}
	}
	return errors.Join(errs...)
}
