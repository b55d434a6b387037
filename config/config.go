// Package config assembles the service configuration from command line
// flags or a YAML file, validates it, and builds the derived pieces
// (loggers) the rest of the service consumes.
package config

import (
	"errors"
	"fmt"
	"log"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v2"
	yaml "gopkg.in/yaml.v3"
)

// GoogleCloudStorageConfig stores the configuration of a GCS bulk
// store backend.
type GoogleCloudStorageConfig struct {
	Bucket                string `yaml:"bucket"`
	UseDefaultCredentials bool   `yaml:"use_default_credentials"`
	JSONCredentialsFile   string `yaml:"json_credentials_file"`
}

// HTTPBulkConfig stores the configuration of a plain HTTP bulk store
// backend.
type HTTPBulkConfig struct {
	BaseURL string `yaml:"url"`
}

// RedisConfig stores the configuration of the shared Redis read cache.
type RedisConfig struct {
	Address  string        `yaml:"address"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

// LDAPConfig stores the configuration of the LDAP authenticator.
type LDAPConfig struct {
	URL               string        `yaml:"url"`
	BaseDN            string        `yaml:"base_dn"`
	BindUser          string        `yaml:"bind_user"`
	BindPassword      string        `yaml:"bind_password"`
	UsernameAttribute string        `yaml:"username_attribute"`
	GroupsQuery       string        `yaml:"groups_query"`
	CacheTime         time.Duration `yaml:"cache_time"`
}

// Config holds the top-level configuration for the artifact cache.
type Config struct {
	HTTPAddress        string                    `yaml:"http_address"`
	BaseURL            string                    `yaml:"base_url"`
	Dir                string                    `yaml:"dir"`
	HtpasswdFile       string                    `yaml:"htpasswd_file"`
	LDAP               *LDAPConfig               `yaml:"ldap,omitempty"`
	S3CloudStorage     *S3CloudStorageConfig     `yaml:"s3_bulk,omitempty"`
	GoogleCloudStorage *GoogleCloudStorageConfig `yaml:"gcs_bulk,omitempty"`
	HTTPBulk           *HTTPBulkConfig           `yaml:"http_bulk,omitempty"`
	Redis              *RedisConfig              `yaml:"redis,omitempty"`
	ReadCacheSize      int                       `yaml:"read_cache_size"`
	RetentionDays      int                       `yaml:"retention_days"`
	QueueWorkers       int                       `yaml:"queue_workers"`
	QueueDepth         int                       `yaml:"queue_depth"`
	VerifyDeadline     time.Duration             `yaml:"verify_deadline"`
	UploadTTL          time.Duration             `yaml:"upload_ttl"`
	HTTPReadTimeout    time.Duration             `yaml:"http_read_timeout"`
	HTTPWriteTimeout   time.Duration             `yaml:"http_write_timeout"`
	AccessLogLevel     string                    `yaml:"access_log_level"`
	LogTimezone        string                    `yaml:"log_timezone"`

	// Fields derived from the settings above.
	AccessLogger *log.Logger `yaml:"-"`
	ErrorLogger  *log.Logger `yaml:"-"`
}

func defaultConfig() Config {
	return Config{
		HTTPAddress:    ":8080",
		ReadCacheSize:  64,
		RetentionDays:  7,
		QueueWorkers:   4,
		QueueDepth:     10000,
		VerifyDeadline: 10 * time.Minute,
		UploadTTL:      4 * time.Hour,
		AccessLogLevel: "all",
		LogTimezone:    "UTC",
	}
}

// newFromArgs returns a validated Config with the specified values, and
// an error if there were any problems with the validation.
func newFromArgs(dir string, httpAddress string, baseURL string,
	htpasswdFile string,
	ldap *LDAPConfig,
	s3 *S3CloudStorageConfig,
	gcs *GoogleCloudStorageConfig,
	httpBulk *HTTPBulkConfig,
	redis *RedisConfig,
	readCacheSize int,
	retentionDays int,
	queueWorkers int,
	queueDepth int,
	verifyDeadline time.Duration,
	uploadTTL time.Duration,
	httpReadTimeout time.Duration,
	httpWriteTimeout time.Duration,
	accessLogLevel string,
	logTimezone string) (*Config, error) {

	c := Config{
		HTTPAddress:        httpAddress,
		BaseURL:            baseURL,
		Dir:                dir,
		HtpasswdFile:       htpasswdFile,
		LDAP:               ldap,
		S3CloudStorage:     s3,
		GoogleCloudStorage: gcs,
		HTTPBulk:           httpBulk,
		Redis:              redis,
		ReadCacheSize:      readCacheSize,
		RetentionDays:      retentionDays,
		QueueWorkers:       queueWorkers,
		QueueDepth:         queueDepth,
		VerifyDeadline:     verifyDeadline,
		UploadTTL:          uploadTTL,
		HTTPReadTimeout:    httpReadTimeout,
		HTTPWriteTimeout:   httpWriteTimeout,
		AccessLogLevel:     accessLogLevel,
		LogTimezone:        logTimezone,
	}

	err := validateConfig(&c)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// newFromYamlFile reads configuration settings from a YAML file then
// returns a validated Config with those settings, and an error if there
// were any problems.
func newFromYamlFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("Failed to read config file '%s': %v", path, err)
	}

	return newFromYaml(data)
}

func newFromYaml(data []byte) (*Config, error) {
	c := defaultConfig()

	err := yaml.Unmarshal(data, &c)
	if err != nil {
		return nil, fmt.Errorf("Failed to parse YAML config: %v", err)
	}

	err = validateConfig(&c)
	if err != nil {
		return nil, err
	}

	return &c, nil
}

func validateConfig(c *Config) error {
	if c.Dir == "" {
		return errors.New("The 'dir' flag/key is required")
	}

	if strings.HasPrefix(c.HTTPAddress, "unix://") {
		if c.HTTPAddress[len("unix://"):] == "" {
			return errors.New("'http_address' Unix socket specification is missing a socket path")
		}
	} else {
		_, _, err := net.SplitHostPort(c.HTTPAddress)
		if err != nil {
			return errors.New("'http_address' must either be formatted as [host]:port or unix://socket.path")
		}
	}

	if c.BaseURL != "" {
		u, err := url.Parse(c.BaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return errors.New("'base_url' must be an absolute http(s) URL")
		}
	}

	if c.HtpasswdFile != "" && c.LDAP != nil {
		return errors.New("At most one of 'htpasswd_file' and 'ldap' is allowed")
	}

	if c.LDAP != nil {
		if c.LDAP.URL == "" || c.LDAP.BaseDN == "" {
			return errors.New("The 'url' and 'base_dn' fields are required for 'ldap'")
		}
		if c.LDAP.UsernameAttribute == "" {
			c.LDAP.UsernameAttribute = "uid"
		}
		if c.LDAP.CacheTime <= 0 {
			c.LDAP.CacheTime = 3600
		}
	}

	bulkCount := 0
	if c.S3CloudStorage != nil {
		bulkCount++
	}
	if c.GoogleCloudStorage != nil {
		bulkCount++
	}
	if c.HTTPBulk != nil {
		bulkCount++
	}
	if bulkCount > 1 {
		return errors.New("At most one of the S3/GCS/HTTP bulk store backends is allowed")
	}

	if c.S3CloudStorage != nil {
		if c.S3CloudStorage.Bucket == "" {
			return errors.New("The 'bucket' field is required for 's3_bulk'")
		}
		if !IsValidS3AuthMethod(c.S3CloudStorage.AuthMethod) {
			return fmt.Errorf("invalid s3_bulk.auth_method: %s", c.S3CloudStorage.AuthMethod)
		}
	}

	if c.GoogleCloudStorage != nil && c.GoogleCloudStorage.Bucket == "" {
		return errors.New("The 'bucket' field is required for 'gcs_bulk'")
	}

	if c.HTTPBulk != nil && c.HTTPBulk.BaseURL == "" {
		return errors.New("The 'url' field is required for 'http_bulk'")
	}

	if c.Redis != nil && c.Redis.Address == "" {
		return errors.New("The 'address' field is required for 'redis'")
	}

	if c.ReadCacheSize < 0 {
		return errors.New("The 'read_cache_size' flag/key must not be negative")
	}

	if c.RetentionDays <= 0 {
		return errors.New("The 'retention_days' flag/key must be a positive integer")
	}

	if c.QueueWorkers <= 0 || c.QueueDepth <= 0 {
		return errors.New("The 'queue_workers' and 'queue_depth' flags/keys must be positive integers")
	}

	switch c.AccessLogLevel {
	case "none", "all":
	default:
		return errors.New("'access_log_level' must be set to either \"none\" or \"all\"")
	}

	switch c.LogTimezone {
	case "", "UTC", "local", "none":
	default:
		return errors.New("'log_timezone' must be set to either \"UTC\", \"local\" or \"none\"")
	}

	return nil
}

func Get(ctx *cli.Context) (*Config, error) {
	// Get a Config with all the basic fields set.
	cfg, err := get(ctx)
	if err != nil {
		return nil, err
	}

	// Set the non-basic fields...

	err = cfg.setLogger()
	if err != nil {
		return nil, err
	}

	return cfg, nil
}

// Return a Config with all the basic fields set.
func get(ctx *cli.Context) (*Config, error) {
	configFile := ctx.String("config_file")
	if configFile != "" {
		return newFromYamlFile(configFile)
	}

	var ldap *LDAPConfig
	if ctx.String("ldap.url") != "" {
		ldap = &LDAPConfig{
			URL:               ctx.String("ldap.url"),
			BaseDN:            ctx.String("ldap.base_dn"),
			BindUser:          ctx.String("ldap.bind_user"),
			BindPassword:      ctx.String("ldap.bind_password"),
			UsernameAttribute: ctx.String("ldap.username_attribute"),
			GroupsQuery:       ctx.String("ldap.groups_query"),
			CacheTime:         time.Duration(ctx.Int("ldap.cache_time")),
		}
	}

	var s3 *S3CloudStorageConfig
	if ctx.String("s3.bucket") != "" {
		s3 = &S3CloudStorageConfig{
			Endpoint:                 ctx.String("s3.endpoint"),
			Bucket:                   ctx.String("s3.bucket"),
			Prefix:                   ctx.String("s3.prefix"),
			AuthMethod:               ctx.String("s3.auth_method"),
			AccessKeyID:              ctx.String("s3.access_key_id"),
			SecretAccessKey:          ctx.String("s3.secret_access_key"),
			DisableSSL:               ctx.Bool("s3.disable_ssl"),
			IAMRoleEndpoint:          ctx.String("s3.iam_role_endpoint"),
			Region:                   ctx.String("s3.region"),
			AWSProfile:               ctx.String("s3.aws_profile"),
			AWSSharedCredentialsFile: ctx.String("s3.aws_shared_credentials_file"),
		}
	}

	var gcs *GoogleCloudStorageConfig
	if ctx.String("gcs.bucket") != "" {
		gcs = &GoogleCloudStorageConfig{
			Bucket:                ctx.String("gcs.bucket"),
			UseDefaultCredentials: ctx.Bool("gcs.use_default_credentials"),
			JSONCredentialsFile:   ctx.String("gcs.json_credentials_file"),
		}
	}

	var httpBulk *HTTPBulkConfig
	if ctx.String("http_bulk.url") != "" {
		httpBulk = &HTTPBulkConfig{
			BaseURL: ctx.String("http_bulk.url"),
		}
	}

	var redis *RedisConfig
	if ctx.String("redis.address") != "" {
		redis = &RedisConfig{
			Address:  ctx.String("redis.address"),
			Password: ctx.String("redis.password"),
			DB:       ctx.Int("redis.db"),
			TTL:      ctx.Duration("redis.ttl"),
		}
	}

	return newFromArgs(
		ctx.String("dir"),
		ctx.String("http_address"),
		ctx.String("base_url"),
		ctx.String("htpasswd_file"),
		ldap,
		s3,
		gcs,
		httpBulk,
		redis,
		ctx.Int("read_cache_size"),
		ctx.Int("retention_days"),
		ctx.Int("queue_workers"),
		ctx.Int("queue_depth"),
		ctx.Duration("verify_deadline"),
		ctx.Duration("upload_ttl"),
		ctx.Duration("http_read_timeout"),
		ctx.Duration("http_write_timeout"),
		ctx.String("access_log_level"),
		ctx.String("log_timezone"),
	)
}
