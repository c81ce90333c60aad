// Package config loads sagelink settings from the environment, an optional .env file, and command-line flags
package config

import (
	"flag"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	sErrors "github.com/johnstarich/sagelink/errors"
	"github.com/johnstarich/sagelink/redactor"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	envPrefix = "SAGELINK_"

	// DefaultExpirationWindow is how far ahead of expiration a connection is reported as expiring soon
	DefaultExpirationWindow = 7 * 24 * time.Hour
	// DefaultInstitutionCacheTTL is how long a country's institution list stays cached
	DefaultInstitutionCacheTTL = time.Hour
)

// Config holds every setting needed by the CLI and the server
type Config struct {
	BackendURL        string
	BackendToken      redactor.String
	RequestsPerSecond float64
	DataDir           string
	DatabaseURL       redactor.String
	VersionControl    bool
	Country           string
	// AppOrigin is the only origin popup messages are accepted from
	AppOrigin        string
	RedirectURL      string
	ExpirationWindow time.Duration
	InstitutionTTL   time.Duration
	Concurrency      int
	Port             uint
	Server           bool
	// RemoteImport delegates imports to the backend instead of reconciling into the local ledger
	RemoteImport bool
	ChromePath   string
	Development  bool
}

// Default returns the built-in settings
func Default() Config {
	return Config{
		RequestsPerSecond: 5,
		Country:           "GB",
		ExpirationWindow:  DefaultExpirationWindow,
		InstitutionTTL:    DefaultInstitutionCacheTTL,
		Concurrency:       1,
		Port:              8080,
	}
}

// LoadEnv reads envFile if it exists, then applies SAGELINK_* environment variables over the defaults.
// Variables already set in the environment take precedence over the file's.
func LoadEnv(envFile string) (Config, error) {
	if envFile != "" {
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err != nil {
				return Config{}, errors.Wrapf(err, "Failed to load env file %q", envFile)
			}
		}
	}
	return FromEnv(os.LookupEnv)
}

// FromEnv builds a Config from a variable lookup function, i.e. os.LookupEnv
func FromEnv(lookup func(string) (string, bool)) (Config, error) {
	c := Default()
	var errs sErrors.Errors
	get := func(name string) (string, bool) {
		value, ok := lookup(envPrefix + name)
		return strings.TrimSpace(value), ok && strings.TrimSpace(value) != ""
	}

	if v, ok := get("BACKEND_URL"); ok {
		c.BackendURL = v
	}
	if v, ok := get("BACKEND_TOKEN"); ok {
		c.BackendToken = redactor.String(v)
	}
	if v, ok := get("DATA_DIR"); ok {
		c.DataDir = v
	}
	if v, ok := get("DATABASE_URL"); ok {
		c.DatabaseURL = redactor.String(v)
	}
	if v, ok := get("COUNTRY"); ok {
		c.Country = v
	}
	if v, ok := get("APP_ORIGIN"); ok {
		c.AppOrigin = v
	}
	if v, ok := get("REDIRECT_URL"); ok {
		c.RedirectURL = v
	}
	if v, ok := get("CHROME_PATH"); ok {
		c.ChromePath = v
	}
	if v, ok := get("RATE_LIMIT"); ok {
		f, err := strconv.ParseFloat(v, 64)
		errs.ErrIf(err != nil, "%sRATE_LIMIT must be a number: %q", envPrefix, v)
		c.RequestsPerSecond = f
	}
	if v, ok := get("CONCURRENCY"); ok {
		i, err := strconv.Atoi(v)
		errs.ErrIf(err != nil, "%sCONCURRENCY must be an integer: %q", envPrefix, v)
		c.Concurrency = i
	}
	if v, ok := get("PORT"); ok {
		i, err := strconv.ParseUint(v, 10, 16)
		errs.ErrIf(err != nil, "%sPORT must be a 16-bit unsigned integer: %q", envPrefix, v)
		c.Port = uint(i)
	}
	if v, ok := get("EXPIRATION_WINDOW"); ok {
		d, err := time.ParseDuration(v)
		errs.ErrIf(err != nil, "%sEXPIRATION_WINDOW must be a duration: %q", envPrefix, v)
		c.ExpirationWindow = d
	}
	if v, ok := get("INSTITUTION_CACHE_TTL"); ok {
		d, err := time.ParseDuration(v)
		errs.ErrIf(err != nil, "%sINSTITUTION_CACHE_TTL must be a duration: %q", envPrefix, v)
		c.InstitutionTTL = d
	}
	if v, ok := get("VERSION_CONTROL"); ok {
		b, err := strconv.ParseBool(v)
		errs.ErrIf(err != nil, "%sVERSION_CONTROL must be true or false: %q", envPrefix, v)
		c.VersionControl = b
	}
	if v, ok := get("REMOTE_IMPORT"); ok {
		b, err := strconv.ParseBool(v)
		errs.ErrIf(err != nil, "%sREMOTE_IMPORT must be true or false: %q", envPrefix, v)
		c.RemoteImport = b
	}
	if v, ok := lookup("DEVELOPMENT"); ok {
		c.Development = v == "true"
	}
	return c, errs.ErrOrNil()
}

// RegisterFlags binds flags onto flagSet using c's current values as defaults
func (c *Config) RegisterFlags(flagSet *flag.FlagSet) {
	flagSet.StringVar(&c.BackendURL, "backend", c.BackendURL, "Required: Base URL of the finance backend's API, i.e. https://finance.example.com/api")
	flagSet.StringVar(&c.DataDir, "data", c.DataDir, "Required: Path to a database directory")
	flagSet.Var(&c.DatabaseURL, "database", "Postgres connection URL. Stores transactions in Postgres instead of the data directory")
	flagSet.StringVar(&c.Country, "country", c.Country, "Two-letter country code used to list institutions")
	flagSet.StringVar(&c.AppOrigin, "origin", c.AppOrigin, "Origin accepted for authorization messages. Defaults to the server's own origin")
	flagSet.StringVar(&c.RedirectURL, "redirect", c.RedirectURL, "URL the aggregator redirects to after authorization. Defaults to the server's callback page")
	flagSet.StringVar(&c.ChromePath, "chrome", c.ChromePath, "Path to the Chrome executable used for bank authorization")
	flagSet.Float64Var(&c.RequestsPerSecond, "rate", c.RequestsPerSecond, "Maximum backend requests per second. 0 disables the limit")
	flagSet.IntVar(&c.Concurrency, "concurrency", c.Concurrency, "Number of accounts imported at the same time")
	flagSet.DurationVar(&c.ExpirationWindow, "expiring-within", c.ExpirationWindow, "Report connections expiring within this duration")
	flagSet.BoolVar(&c.VersionControl, "git", c.VersionControl, "Commits every change to the data directory with git")
	flagSet.BoolVar(&c.RemoteImport, "remote-import", c.RemoteImport, "Runs imports on the backend instead of reconciling into the local ledger")
	flagSet.BoolVar(&c.Server, "server", c.Server, "Starts the sagelink http server")
	flagSet.UintVar(&c.Port, "port", c.Port, "Sets the port the server listens on")
}

// Validate returns every problem found in c
func (c Config) Validate() error {
	var errs sErrors.Errors
	if !errs.ErrIf(c.BackendURL == "", "Backend URL is required") {
		u, err := url.Parse(c.BackendURL)
		errs.ErrIf(err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "", "Backend URL must be an absolute http(s) URL: %q", c.BackendURL)
	}
	errs.ErrIf(c.DataDir == "", "Data directory is required")
	errs.ErrIf(len(c.Country) != 2, "Country must be a two-letter code: %q", c.Country)
	errs.ErrIf(c.RequestsPerSecond < 0, "Rate limit must not be negative")
	errs.ErrIf(c.Concurrency < 1, "Concurrency must be at least 1")
	errs.ErrIf(c.ExpirationWindow < 0, "Expiration window must not be negative")
	errs.ErrIf(c.Port == 0 || c.Port > 65535, "Port number must be a positive 16-bit integer: %d", c.Port)
	if c.AppOrigin != "" {
		u, err := url.Parse(c.AppOrigin)
		errs.ErrIf(err != nil || u.Scheme == "" || u.Host == "" || (u.Path != "" && u.Path != "/"), "App origin must be scheme://host[:port]: %q", c.AppOrigin)
	}
	return errs.ErrOrNil()
}

// Logger builds the process logger. Development mode logs human readable output at debug level
func (c Config) Logger() (*zap.Logger, error) {
	if c.Development {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// LogFields describes c for startup logs, without secrets
func (c Config) LogFields() []zap.Field {
	return []zap.Field{
		zap.String("backend", c.BackendURL),
		redactor.Field("backendToken", c.BackendToken),
		zap.String("data", c.DataDir),
		redactor.Field("database", c.DatabaseURL),
		zap.String("country", c.Country),
		zap.Int("concurrency", c.Concurrency),
		zap.Float64("rateLimit", c.RequestsPerSecond),
		zap.Duration("expiringWithin", c.ExpirationWindow),
	}
}
