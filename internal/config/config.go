// Package config loads and validates the process configuration from the
// environment. Values come from the process environment first, then any
// --env-file given on the command line, then .env.local, then .env.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/yuya-takeyama/strict-catalog-sync/internal/retry"
	"github.com/yuya-takeyama/strict-catalog-sync/pkg/blobstore"
	syncerrors "github.com/yuya-takeyama/strict-catalog-sync/pkg/errors"
	"github.com/yuya-takeyama/strict-catalog-sync/pkg/executor"
	"github.com/yuya-takeyama/strict-catalog-sync/pkg/logger"
	"github.com/yuya-takeyama/strict-catalog-sync/pkg/metastore"
)

// Environment variable names.
const (
	EnvBasePath         = "SYNC_BASE_PATH"
	EnvRequireMount     = "SYNC_REQUIRE_MOUNT"
	EnvExclude          = "SYNC_EXCLUDE"
	EnvBlobBackend      = "BLOB_BACKEND"
	EnvBlobBucket       = "BLOB_BUCKET"
	EnvBlobPrefix       = "BLOB_PREFIX"
	EnvTempBucket       = "BLOB_TEMP_BUCKET"
	EnvAWSProfile       = "AWS_PROFILE"
	EnvAWSRegion        = "AWS_REGION"
	EnvMetadataBackend  = "METADATA_BACKEND"
	EnvProjectID        = "GCP_PROJECT_ID"
	EnvDatasetID        = "BIGQUERY_DATASET_ID"
	EnvMetadataTable    = "METADATA_TABLE"
	EnvLogTable         = "METADATA_LOG_TABLE"
	EnvSQLitePath       = "SQLITE_PATH"
	EnvBatchSize        = "SYNC_BATCH_SIZE"
	EnvStagedThreshold  = "SYNC_USE_JSONL_THRESHOLD"
	EnvTolerance        = "SYNC_TIME_TOLERANCE_SECONDS"
	EnvProgressInterval = "SYNC_PROGRESS_INTERVAL"
	EnvConcurrency      = "SYNC_CONCURRENCY"
	EnvRetryAttempts    = "UPLOAD_RETRY_ATTEMPTS"
	EnvRetryDelay       = "UPLOAD_RETRY_DELAY"
	EnvRetryMaxDelay    = "UPLOAD_RETRY_MAX_DELAY"
	EnvLogLevel         = "LOG_LEVEL"
	EnvLogFormat        = "LOG_FORMAT"
)

const (
	BackendGCS      = "gcs"
	BackendS3       = "s3"
	BackendBigQuery = "bigquery"
	BackendSQLite   = "sqlite"
)

// Config is the validated process configuration.
type Config struct {
	BasePath     string
	RequireMount bool
	Excludes     []string

	BlobBackend string
	// BlobBucket is a bucket name or a gs:// or s3:// URI.
	BlobBucket string
	BlobPrefix string
	TempBucket  string
	AWSProfile  string
	AWSRegion   string

	MetadataBackend string
	ProjectID       string
	DatasetID       string
	MetadataTable   string
	LogTable        string
	SQLitePath      string

	BatchSize        int
	StagedThreshold  int
	ToleranceSeconds int
	ProgressInterval int
	Concurrency      int

	RetryAttempts        int
	RetryDelaySeconds    int
	RetryMaxDelaySeconds int

	LogLevel  string
	LogFormat string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault(EnvRequireMount, false)
	v.SetDefault(EnvBlobBackend, BackendGCS)
	v.SetDefault(EnvMetadataBackend, BackendBigQuery)
	v.SetDefault(EnvBatchSize, executor.DefaultBatchSize)
	v.SetDefault(EnvStagedThreshold, executor.DefaultStagedThreshold)
	v.SetDefault(EnvTolerance, 0)
	v.SetDefault(EnvProgressInterval, executor.DefaultProgressInterval)
	v.SetDefault(EnvConcurrency, executor.DefaultConcurrency)
	policy := retry.DefaultPolicy()
	v.SetDefault(EnvRetryAttempts, policy.MaxAttempts)
	v.SetDefault(EnvRetryDelay, int(policy.Delay/time.Second))
	v.SetDefault(EnvRetryMaxDelay, int(policy.MaxDelay/time.Second))
	v.SetDefault(EnvLogLevel, "info")
	v.SetDefault(EnvLogFormat, "auto")
}

// Load reads the configuration. It does not validate it; call Validate once
// command-line overrides have been applied. Values that cannot be parsed are
// reported as configuration errors.
func Load(envFiles ...string) (*Config, error) {
	if err := loadEnvFiles(envFiles); err != nil {
		return nil, err
	}

	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)

	cfg := &Config{
		BasePath:        strings.TrimSpace(v.GetString(EnvBasePath)),
		Excludes:        splitList(v.GetString(EnvExclude)),
		BlobBackend:     strings.ToLower(strings.TrimSpace(v.GetString(EnvBlobBackend))),
		BlobBucket:      strings.TrimSpace(v.GetString(EnvBlobBucket)),
		BlobPrefix:      strings.TrimSpace(v.GetString(EnvBlobPrefix)),
		TempBucket:      strings.TrimSpace(v.GetString(EnvTempBucket)),
		AWSProfile:      v.GetString(EnvAWSProfile),
		AWSRegion:       v.GetString(EnvAWSRegion),
		MetadataBackend: strings.ToLower(strings.TrimSpace(v.GetString(EnvMetadataBackend))),
		ProjectID:       strings.TrimSpace(v.GetString(EnvProjectID)),
		DatasetID:       strings.TrimSpace(v.GetString(EnvDatasetID)),
		MetadataTable:   strings.TrimSpace(v.GetString(EnvMetadataTable)),
		LogTable:        strings.TrimSpace(v.GetString(EnvLogTable)),
		SQLitePath:      strings.TrimSpace(v.GetString(EnvSQLitePath)),
		LogLevel:        v.GetString(EnvLogLevel),
		LogFormat:       strings.ToLower(v.GetString(EnvLogFormat)),
	}

	var errs []error
	cfg.RequireMount = boolSetting(v, EnvRequireMount, &errs)
	cfg.BatchSize = intSetting(v, EnvBatchSize, &errs)
	cfg.StagedThreshold = intSetting(v, EnvStagedThreshold, &errs)
	cfg.ToleranceSeconds = intSetting(v, EnvTolerance, &errs)
	cfg.ProgressInterval = intSetting(v, EnvProgressInterval, &errs)
	cfg.Concurrency = intSetting(v, EnvConcurrency, &errs)
	cfg.RetryAttempts = intSetting(v, EnvRetryAttempts, &errs)
	cfg.RetryDelaySeconds = intSetting(v, EnvRetryDelay, &errs)
	cfg.RetryMaxDelaySeconds = intSetting(v, EnvRetryMaxDelay, &errs)

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return cfg, nil
}

// loadEnvFiles loads dotenv files without overriding variables that are
// already set. Explicit files must exist; .env.local and .env are optional.
func loadEnvFiles(explicit []string) error {
	for _, path := range explicit {
		if err := godotenv.Load(path); err != nil {
			return syncerrors.NewConfigError("--env-file", fmt.Sprintf("load %s: %v", path, err))
		}
	}
	for _, path := range []string{".env.local", ".env"} {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			return syncerrors.NewConfigError(path, err.Error())
		}
	}
	return nil
}

func intSetting(v *viper.Viper, key string, errs *[]error) int {
	raw := strings.TrimSpace(v.GetString(key))
	n, err := strconv.Atoi(raw)
	if err != nil {
		*errs = append(*errs, syncerrors.NewConfigError(key, fmt.Sprintf("must be an integer, got %q", raw)))
		return 0
	}
	return n
}

func boolSetting(v *viper.Viper, key string, errs *[]error) bool {
	raw := strings.TrimSpace(v.GetString(key))
	b, err := strconv.ParseBool(raw)
	if err != nil {
		*errs = append(*errs, syncerrors.NewConfigError(key, fmt.Sprintf("must be a boolean, got %q", raw)))
		return false
	}
	return b
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate checks every setting and returns all problems at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(field, format string, args ...any) {
		errs = append(errs, syncerrors.NewConfigError(field, fmt.Sprintf(format, args...)))
	}

	if c.BasePath == "" {
		add(EnvBasePath, "is required")
	} else if info, err := os.Stat(c.BasePath); err != nil {
		add(EnvBasePath, "%v", err)
	} else if !info.IsDir() {
		add(EnvBasePath, "%s is not a directory", c.BasePath)
	}

	for _, p := range c.Excludes {
		if !doublestar.ValidatePattern(strings.TrimSuffix(p, "/")) {
			add(EnvExclude, "invalid pattern %q", p)
		}
	}

	switch c.BlobBackend {
	case BackendGCS, BackendS3:
		if _, err := c.BlobLocation(); c.BlobBucket != "" && err != nil {
			errs = append(errs, err)
		}
	default:
		add(EnvBlobBackend, "must be %q or %q, got %q", BackendGCS, BackendS3, c.BlobBackend)
	}
	if c.BlobBucket == "" {
		add(EnvBlobBucket, "is required")
	}

	switch c.MetadataBackend {
	case BackendBigQuery:
		if c.DatasetID == "" {
			add(EnvDatasetID, "is required for the %s backend", BackendBigQuery)
		} else if !metastore.ValidIdentifier(c.DatasetID) {
			add(EnvDatasetID, "invalid identifier %q", c.DatasetID)
		}
		if c.TempBucket == "" {
			add(EnvTempBucket, "is required for the %s backend", BackendBigQuery)
		}
	case BackendSQLite:
		if c.SQLitePath == "" {
			add(EnvSQLitePath, "is required for the %s backend", BackendSQLite)
		}
	default:
		add(EnvMetadataBackend, "must be %q or %q, got %q", BackendBigQuery, BackendSQLite, c.MetadataBackend)
	}

	if c.MetadataTable == "" {
		add(EnvMetadataTable, "is required")
	} else if !metastore.ValidIdentifier(c.MetadataTable) {
		add(EnvMetadataTable, "invalid identifier %q", c.MetadataTable)
	}
	if c.LogTable != "" && !metastore.ValidIdentifier(c.LogTable) {
		add(EnvLogTable, "invalid identifier %q", c.LogTable)
	}
	if c.LogTable != "" && c.LogTable == c.MetadataTable {
		add(EnvLogTable, "must differ from %s", EnvMetadataTable)
	}

	if c.BatchSize <= 0 {
		add(EnvBatchSize, "must be positive, got %d", c.BatchSize)
	}
	if c.StagedThreshold < 0 {
		add(EnvStagedThreshold, "must not be negative, got %d", c.StagedThreshold)
	}
	if c.ToleranceSeconds < 0 {
		add(EnvTolerance, "must not be negative, got %d", c.ToleranceSeconds)
	}
	if c.ProgressInterval <= 0 {
		add(EnvProgressInterval, "must be positive, got %d", c.ProgressInterval)
	}
	if c.Concurrency <= 0 {
		add(EnvConcurrency, "must be positive, got %d", c.Concurrency)
	}
	if c.RetryAttempts <= 0 {
		add(EnvRetryAttempts, "must be positive, got %d", c.RetryAttempts)
	}
	if c.RetryDelaySeconds < 0 {
		add(EnvRetryDelay, "must not be negative, got %d", c.RetryDelaySeconds)
	}
	if c.RetryMaxDelaySeconds < c.RetryDelaySeconds {
		add(EnvRetryMaxDelay, "must be at least %s (%d), got %d", EnvRetryDelay, c.RetryDelaySeconds, c.RetryMaxDelaySeconds)
	}

	if !logger.ValidLevel(c.LogLevel) {
		add(EnvLogLevel, "unknown level %q", c.LogLevel)
	}
	switch c.LogFormat {
	case "auto", "json", "console":
	default:
		add(EnvLogFormat, "must be auto, json or console, got %q", c.LogFormat)
	}

	return errors.Join(errs...)
}

// BlobLocation resolves the blob store bucket and key prefix. BLOB_BUCKET is
// either a bare bucket name, with the prefix taken from BLOB_PREFIX, or a URI
// such as gs://bucket/prefix whose scheme matches the blob backend. A prefix
// may be given in only one of the two.
func (c *Config) BlobLocation() (blobstore.Location, error) {
	scheme := "gs"
	if c.BlobBackend == BackendS3 {
		scheme = "s3"
	}

	if !strings.Contains(c.BlobBucket, "://") {
		return blobstore.Location{
			Scheme: scheme,
			Bucket: c.BlobBucket,
			Prefix: blobstore.CleanPrefix(c.BlobPrefix),
		}, nil
	}

	loc, err := blobstore.ParseURI(c.BlobBucket)
	if err != nil {
		return blobstore.Location{}, syncerrors.NewConfigError(EnvBlobBucket, err.Error())
	}
	if loc.Scheme != scheme {
		return blobstore.Location{}, syncerrors.NewConfigError(EnvBlobBucket,
			fmt.Sprintf("%s:// does not match the %s backend", loc.Scheme, c.BlobBackend))
	}
	if prefix := blobstore.CleanPrefix(c.BlobPrefix); prefix != "" {
		if loc.Prefix != "" {
			return blobstore.Location{}, syncerrors.NewConfigError(EnvBlobPrefix,
				fmt.Sprintf("conflicts with the prefix in %s", EnvBlobBucket))
		}
		loc.Prefix = prefix
	}
	return loc, nil
}

// Tolerance is the minimum timestamp difference treated as a change.
func (c *Config) Tolerance() time.Duration {
	return time.Duration(c.ToleranceSeconds) * time.Second
}

// RetryPolicy returns the per-file transfer retry policy.
func (c *Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: c.RetryAttempts,
		Delay:       time.Duration(c.RetryDelaySeconds) * time.Second,
		MaxDelay:    time.Duration(c.RetryMaxDelaySeconds) * time.Second,
	}
}

// ExecutorConfig returns the executor settings.
func (c *Config) ExecutorConfig() executor.Config {
	return executor.Config{
		BaseDir:          c.BasePath,
		BatchSize:        c.BatchSize,
		StagedThreshold:  c.StagedThreshold,
		ProgressInterval: c.ProgressInterval,
		Concurrency:      c.Concurrency,
		Retry:            c.RetryPolicy(),
	}
}

// LoggerConfig returns the logger settings.
func (c *Config) LoggerConfig() logger.Config {
	return logger.Config{Level: c.LogLevel, Format: c.LogFormat}
}
