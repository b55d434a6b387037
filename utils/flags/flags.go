package flags

import (
	"fmt"
	"strings"
	"time"

	"github.com/urfave/cli/v2"
)

func s3AuthMsg(authMethods ...string) string {
	return fmt.Sprintf("Applies to s3 auth method(s): %s.", strings.Join(authMethods, ", "))
}

// GetCliFlags returns a slice of cli.Flag's that the artifact cache
// accepts.
func GetCliFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "config_file",
			Value: "",
			Usage: "Path to a YAML configuration file. If this flag is specified then all other flags " +
				"are ignored.",
			EnvVars: []string{"ARTIFACT_CACHE_CONFIG_FILE"},
		},
		&cli.StringFlag{
			Name:    "dir",
			Value:   "",
			Usage:   "Directory path where to store the metadata and local bulk objects. This flag is required.",
			EnvVars: []string{"ARTIFACT_CACHE_DIR"},
		},
		&cli.StringFlag{
			Name:    "http_address",
			Value:   ":8080",
			Usage:   "Address specification for the HTTP server listener, formatted either as [host]:port for TCP or unix://path.sock for Unix domain sockets.",
			EnvVars: []string{"ARTIFACT_CACHE_HTTP_ADDRESS"},
		},
		&cli.StringFlag{
			Name: "base_url",
			Usage: "Externally reachable base URL of this server, used in generated upload URLs and " +
				"task queue callbacks. Defaults to http://localhost:<port>.",
			EnvVars: []string{"ARTIFACT_CACHE_BASE_URL"},
		},
		&cli.StringFlag{
			Name:    "htpasswd_file",
			Value:   "",
			Usage:   "Path to a .htpasswd file. This flag is optional. Requests are not authenticated unless this or the LDAP flags are set.",
			EnvVars: []string{"ARTIFACT_CACHE_HTPASSWD_FILE"},
		},
		&cli.IntFlag{
			Name:    "read_cache_size",
			Value:   64,
			Usage:   "Size of the in-memory read cache in MiB. Set to 0 to disable.",
			EnvVars: []string{"ARTIFACT_CACHE_READ_CACHE_SIZE"},
		},
		&cli.IntFlag{
			Name:    "retention_days",
			Value:   7,
			Usage:   "Days an entry survives without being stored or tagged again before the 'old' cleanup job removes it.",
			EnvVars: []string{"ARTIFACT_CACHE_RETENTION_DAYS"},
		},
		&cli.IntFlag{
			Name:    "queue_workers",
			Value:   4,
			Usage:   "Number of concurrent workers per task queue.",
			EnvVars: []string{"ARTIFACT_CACHE_QUEUE_WORKERS"},
		},
		&cli.IntFlag{
			Name:    "queue_depth",
			Value:   10000,
			Usage:   "Maximum number of pending tasks per queue.",
			EnvVars: []string{"ARTIFACT_CACHE_QUEUE_DEPTH"},
		},
		&cli.DurationFlag{
			Name:    "verify_deadline",
			Value:   10 * time.Minute,
			Usage:   "How long a verification task may spend reading a blob back before giving up.",
			EnvVars: []string{"ARTIFACT_CACHE_VERIFY_DEADLINE"},
		},
		&cli.DurationFlag{
			Name:    "upload_ttl",
			Value:   4 * time.Hour,
			Usage:   "How long a generated upload URL stays usable.",
			EnvVars: []string{"ARTIFACT_CACHE_UPLOAD_TTL"},
		},
		&cli.DurationFlag{
			Name:    "http_read_timeout",
			Value:   0,
			Usage:   "The HTTP server's read timeout. Zero means no timeout.",
			EnvVars: []string{"ARTIFACT_CACHE_HTTP_READ_TIMEOUT"},
		},
		&cli.DurationFlag{
			Name:    "http_write_timeout",
			Value:   0,
			Usage:   "The HTTP server's write timeout. Zero means no timeout.",
			EnvVars: []string{"ARTIFACT_CACHE_HTTP_WRITE_TIMEOUT"},
		},
		&cli.StringFlag{
			Name:    "access_log_level",
			Value:   "all",
			Usage:   "The access logging level. Must be one of \"none\" or \"all\".",
			EnvVars: []string{"ARTIFACT_CACHE_ACCESS_LOG_LEVEL"},
		},
		&cli.StringFlag{
			Name:    "log_timezone",
			Value:   "UTC",
			Usage:   "Timezone to use for log timestamps. Must be one of \"UTC\", \"local\" or \"none\" (no timestamps).",
			EnvVars: []string{"ARTIFACT_CACHE_LOG_TIMEZONE"},
		},
		&cli.StringFlag{
			Name:    "ldap.url",
			Value:   "",
			Usage:   "The LDAP URL which may include a port. LDAP over SSL (LDAPS) is also supported.",
			EnvVars: []string{"ARTIFACT_CACHE_LDAP_URL"},
		},
		&cli.StringFlag{
			Name:    "ldap.base_dn",
			Value:   "",
			Usage:   "The distinguished name of the search base.",
			EnvVars: []string{"ARTIFACT_CACHE_LDAP_BASE_DN"},
		},
		&cli.StringFlag{
			Name:    "ldap.bind_user",
			Value:   "",
			Usage:   "The user who is allowed to perform a search within the base DN. If none is specified the connection and the search is performed without an authentication.",
			EnvVars: []string{"ARTIFACT_CACHE_LDAP_BIND_USER"},
		},
		&cli.StringFlag{
			Name:    "ldap.bind_password",
			Value:   "",
			Usage:   "The password of the bind user.",
			EnvVars: []string{"ARTIFACT_CACHE_LDAP_BIND_PASSWORD"},
		},
		&cli.StringFlag{
			Name:    "ldap.username_attribute",
			Value:   "uid",
			Usage:   "The user attribute of a connecting user.",
			EnvVars: []string{"ARTIFACT_CACHE_LDAP_USERNAME_ATTRIBUTE"},
		},
		&cli.StringFlag{
			Name:    "ldap.groups_query",
			Value:   "",
			Usage:   "Filter clause for searching groups.",
			EnvVars: []string{"ARTIFACT_CACHE_LDAP_GROUPS_QUERY"},
		},
		&cli.IntFlag{
			Name:    "ldap.cache_time",
			Value:   3600,
			Usage:   "The amount of time in seconds to cache a successful authentication response.",
			EnvVars: []string{"ARTIFACT_CACHE_LDAP_CACHE_TIME"},
		},
		&cli.StringFlag{
			Name:    "s3.endpoint",
			Value:   "",
			Usage:   "The S3/minio endpoint to use when using S3 as the bulk store backend.",
			EnvVars: []string{"ARTIFACT_CACHE_S3_ENDPOINT"},
		},
		&cli.StringFlag{
			Name:    "s3.bucket",
			Value:   "",
			Usage:   "The S3/minio bucket to use when using S3 as the bulk store backend.",
			EnvVars: []string{"ARTIFACT_CACHE_S3_BUCKET"},
		},
		&cli.StringFlag{
			Name:    "s3.prefix",
			Value:   "",
			Usage:   "The S3/minio object prefix to use when using S3 as the bulk store backend.",
			EnvVars: []string{"ARTIFACT_CACHE_S3_PREFIX"},
		},
		&cli.StringFlag{
			Name:    "s3.auth_method",
			Value:   "",
			Usage:   "The S3/minio authentication method. This argument is required when an s3 bucket is set. Allowed values: iam_role, access_key, aws_credentials_file.",
			EnvVars: []string{"ARTIFACT_CACHE_S3_AUTH_METHOD"},
		},
		&cli.StringFlag{
			Name:    "s3.access_key_id",
			Value:   "",
			Usage:   "The S3/minio access key to use when using S3 as the bulk store backend. " + s3AuthMsg("access_key"),
			EnvVars: []string{"ARTIFACT_CACHE_S3_ACCESS_KEY_ID"},
		},
		&cli.StringFlag{
			Name:    "s3.secret_access_key",
			Value:   "",
			Usage:   "The S3/minio secret access key to use when using S3 as the bulk store backend. " + s3AuthMsg("access_key"),
			EnvVars: []string{"ARTIFACT_CACHE_S3_SECRET_ACCESS_KEY"},
		},
		&cli.BoolFlag{
			Name:    "s3.disable_ssl",
			Usage:   "Whether to disable TLS/SSL when using S3 as the bulk store backend.",
			EnvVars: []string{"ARTIFACT_CACHE_S3_DISABLE_SSL"},
		},
		&cli.StringFlag{
			Name:    "s3.iam_role_endpoint",
			Value:   "",
			Usage:   "Endpoint for using IAM security credentials. By default it will look for credentials in the standard locations for the AWS platform. " + s3AuthMsg("iam_role"),
			EnvVars: []string{"ARTIFACT_CACHE_S3_IAM_ROLE_ENDPOINT"},
		},
		&cli.StringFlag{
			Name:    "s3.region",
			Value:   "",
			Usage:   "The AWS region. Required when not specifying S3/minio access keys.",
			EnvVars: []string{"ARTIFACT_CACHE_S3_REGION"},
		},
		&cli.StringFlag{
			Name:    "s3.aws_profile",
			Value:   "",
			Usage:   "The aws credentials profile to use from within s3.aws_shared_credentials_file. " + s3AuthMsg("aws_credentials_file"),
			EnvVars: []string{"ARTIFACT_CACHE_S3_AWS_PROFILE"},
		},
		&cli.StringFlag{
			Name:    "s3.aws_shared_credentials_file",
			Value:   "",
			Usage:   "Path to the AWS credentials file. If not specified, the default file location will be used. " + s3AuthMsg("aws_credentials_file"),
			EnvVars: []string{"ARTIFACT_CACHE_S3_AWS_SHARED_CREDENTIALS_FILE"},
		},
		&cli.StringFlag{
			Name:    "gcs.bucket",
			Value:   "",
			Usage:   "The GCS bucket to use when using GCS as the bulk store backend.",
			EnvVars: []string{"ARTIFACT_CACHE_GCS_BUCKET"},
		},
		&cli.BoolFlag{
			Name:    "gcs.use_default_credentials",
			Usage:   "Whether to use the default GCS credentials.",
			EnvVars: []string{"ARTIFACT_CACHE_GCS_USE_DEFAULT_CREDENTIALS"},
		},
		&cli.StringFlag{
			Name:    "gcs.json_credentials_file",
			Value:   "",
			Usage:   "Path to a GCS JSON credentials file.",
			EnvVars: []string{"ARTIFACT_CACHE_GCS_JSON_CREDENTIALS_FILE"},
		},
		&cli.StringFlag{
			Name:    "http_bulk.url",
			Value:   "",
			Usage:   "Base URL of an HTTP object host to use as the bulk store backend.",
			EnvVars: []string{"ARTIFACT_CACHE_HTTP_BULK_URL"},
		},
		&cli.StringFlag{
			Name:    "redis.address",
			Value:   "",
			Usage:   "Address of a Redis server to use as a shared read cache. Disabled by default.",
			EnvVars: []string{"ARTIFACT_CACHE_REDIS_ADDRESS"},
		},
		&cli.StringFlag{
			Name:    "redis.password",
			Value:   "",
			Usage:   "Password of the Redis read cache server.",
			EnvVars: []string{"ARTIFACT_CACHE_REDIS_PASSWORD"},
		},
		&cli.IntFlag{
			Name:    "redis.db",
			Value:   0,
			Usage:   "Redis database number to use for the read cache.",
			EnvVars: []string{"ARTIFACT_CACHE_REDIS_DB"},
		},
		&cli.DurationFlag{
			Name:    "redis.ttl",
			Value:   12 * time.Hour,
			Usage:   "Expiry of read cache values in Redis.",
			EnvVars: []string{"ARTIFACT_CACHE_REDIS_TTL"},
		},
	}
}
