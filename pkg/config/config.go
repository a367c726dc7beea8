package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/ethpandaops/ercxoor/pkg/ercx"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

const (
	// EnvPrefix prefixes every environment override, e.g.
	// ERCXOOR_API_API_KEY for api.api_key.
	EnvPrefix = "ERCXOOR"

	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultPollInterval is the delay between two report polls.
	DefaultPollInterval = 5 * time.Second

	// DefaultStandard is the standard used when none is given.
	DefaultStandard = ercx.StandardERC20

	// DefaultResultsPrefix is the default S3 key prefix for run summaries.
	DefaultResultsPrefix = "ercxoor/runs"
)

// Config is the root configuration for ercxoor.
type Config struct {
	Global   GlobalConfig   `yaml:"global" mapstructure:"global"`
	API      APIConfig      `yaml:"api" mapstructure:"api"`
	Tests    TestsConfig    `yaml:"tests" mapstructure:"tests"`
	Compiler CompilerConfig `yaml:"compiler" mapstructure:"compiler"`
	CodeLens CodeLensConfig `yaml:"code_lens" mapstructure:"code_lens"`
	Results  ResultsConfig  `yaml:"results" mapstructure:"results"`
	Sandbox  SandboxConfig  `yaml:"sandbox" mapstructure:"sandbox"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level" mapstructure:"log_level"`
}

// APIConfig configures the remote evaluation service.
type APIConfig struct {
	BaseURL           string        `yaml:"base_url" mapstructure:"base_url"`
	APIKey            string        `yaml:"api_key" mapstructure:"api_key"`
	Timeout           time.Duration `yaml:"timeout" mapstructure:"timeout"`
	PollInterval      time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`
	RequestsPerMinute int           `yaml:"requests_per_minute,omitempty" mapstructure:"requests_per_minute"`
}

// TestsConfig selects which property tests are generated.
type TestsConfig struct {
	Standard ercx.Standard `yaml:"standard" mapstructure:"standard"`
}

// CompilerConfig configures the Solidity compiler used for symbol lookup.
type CompilerConfig struct {
	SolcPath string `yaml:"solc_path" mapstructure:"solc_path"`
}

// CodeLensConfig toggles contract discovery for code lenses.
type CodeLensConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
}

// ResultsConfig controls where run summaries are exported. An empty Dir
// disables the export.
type ResultsConfig struct {
	Dir    string              `yaml:"dir,omitempty" mapstructure:"dir"`
	Upload ResultsUploadConfig `yaml:"upload,omitempty" mapstructure:"upload"`
}

// ResultsUploadConfig configures remote storage for run summaries.
type ResultsUploadConfig struct {
	S3 S3UploadConfig `yaml:"s3,omitempty" mapstructure:"s3"`
}

// S3UploadConfig contains S3-compatible upload settings.
type S3UploadConfig struct {
	Enabled         bool   `yaml:"enabled" mapstructure:"enabled"`
	EndpointURL     string `yaml:"endpoint_url,omitempty" mapstructure:"endpoint_url"`
	Region          string `yaml:"region,omitempty" mapstructure:"region"`
	Bucket          string `yaml:"bucket" mapstructure:"bucket"`
	AccessKeyID     string `yaml:"access_key_id,omitempty" mapstructure:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" mapstructure:"secret_access_key"`
	Prefix          string `yaml:"prefix,omitempty" mapstructure:"prefix"`
	ForcePathStyle  bool   `yaml:"force_path_style" mapstructure:"force_path_style"`
	StorageClass    string `yaml:"storage_class,omitempty" mapstructure:"storage_class"`
	ACL             string `yaml:"acl,omitempty" mapstructure:"acl"`
}

// defaults seeds every key before files and environment are read.
var defaults = map[string]any{
	"global.log_level":                       DefaultLogLevel,
	"api.base_url":                           ercx.DefaultBaseURL,
	"api.timeout":                            ercx.DefaultTimeout,
	"api.poll_interval":                      DefaultPollInterval,
	"tests.standard":                         string(DefaultStandard),
	"compiler.solc_path":                     "solc",
	"code_lens.enabled":                      true,
	"results.upload.s3.prefix":               DefaultResultsPrefix,
	"sandbox.listen":                         DefaultSandboxListen,
	"sandbox.polls_until_done":               DefaultPollsUntilDone,
	"sandbox.rate_limit.requests_per_minute": DefaultSandboxRequestsPerMinute,
	"sandbox.database.driver":                "sqlite",
	"sandbox.database.sqlite.path":           DefaultSandboxSQLitePath,
	"sandbox.database.postgres.port":         5432,
	"sandbox.database.postgres.ssl_mode":     "disable",
}

// Load reads the given YAML files in order, later files overriding earlier
// ones, then applies ERCXOOR_* environment overrides and defaults. With no
// paths only defaults and the environment are used.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	for i, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}

		data = expandEnv(data)

		read := v.MergeConfig
		if i == 0 {
			read = v.ReadConfig
		}

		if err := read(bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := bindEnvs(v, reflect.TypeOf(Config{}), ""); err != nil {
		return nil, fmt.Errorf("binding environment: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// envRef matches ${VAR}. Bare $VAR is left alone so bcrypt hashes survive.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

func expandEnv(data []byte) []byte {
	return envRef.ReplaceAllFunc(data, func(m []byte) []byte {
		name := envRef.FindSubmatch(m)[1]

		return []byte(os.Getenv(string(name)))
	})
}

// bindEnvs registers every mapstructure key so AutomaticEnv values reach
// Unmarshal even when the key is absent from the files.
func bindEnvs(v *viper.Viper, t reflect.Type, prefix string) error {
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)

		tag := strings.Split(field.Tag.Get("mapstructure"), ",")[0]
		if tag == "" || tag == "-" {
			continue
		}

		key := tag
		if prefix != "" {
			key = prefix + "." + tag
		}

		ft := field.Type
		if ft.Kind() == reflect.Ptr {
			ft = ft.Elem()
		}

		if ft.Kind() == reflect.Struct {
			if err := bindEnvs(v, ft, key); err != nil {
				return err
			}

			continue
		}

		if err := v.BindEnv(key); err != nil {
			return err
		}
	}

	return nil
}

// applyDefaults fills values viper cannot default, such as explicit empty
// strings in a file.
func (c *Config) applyDefaults() {
	if c.Global.LogLevel == "" {
		c.Global.LogLevel = DefaultLogLevel
	}

	if c.API.BaseURL == "" {
		c.API.BaseURL = ercx.DefaultBaseURL
	}

	if c.API.Timeout <= 0 {
		c.API.Timeout = ercx.DefaultTimeout
	}

	if c.API.PollInterval <= 0 {
		c.API.PollInterval = DefaultPollInterval
	}

	if c.Tests.Standard == "" {
		c.Tests.Standard = DefaultStandard
	}

	c.Tests.Standard = ercx.Standard(strings.ToUpper(string(c.Tests.Standard)))

	if c.Compiler.SolcPath == "" {
		c.Compiler.SolcPath = "solc"
	}

	if c.Results.Upload.S3.Prefix == "" {
		c.Results.Upload.S3.Prefix = DefaultResultsPrefix
	}

	c.Sandbox.applyDefaults()
}

// Validate checks the client side configuration for errors.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.Global.LogLevel); err != nil {
		return fmt.Errorf("global.log_level: %w", err)
	}

	if err := c.API.Validate(); err != nil {
		return fmt.Errorf("api: %w", err)
	}

	if !c.Tests.Standard.IsValid() {
		return fmt.Errorf("tests.standard: unknown standard %q", c.Tests.Standard)
	}

	if err := c.Results.Validate(); err != nil {
		return fmt.Errorf("results: %w", err)
	}

	return nil
}

// Validate checks the API settings.
func (c *APIConfig) Validate() error {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("base_url: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("base_url: unsupported scheme %q", u.Scheme)
	}

	if c.RequestsPerMinute < 0 {
		return fmt.Errorf("requests_per_minute must not be negative")
	}

	return nil
}

// Validate checks the results export settings.
func (c *ResultsConfig) Validate() error {
	if !c.Upload.S3.Enabled {
		return nil
	}

	if c.Dir == "" {
		return fmt.Errorf("upload.s3 requires dir to be set")
	}

	if c.Upload.S3.Bucket == "" {
		return fmt.Errorf("upload.s3.bucket is required")
	}

	return nil
}
