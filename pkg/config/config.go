// Package config defines the immutable configuration record read once at
// process startup and passed explicitly to every constructor. This replaces
// the teacher's per-service "map[string]interface{} + mapstructure.Decode"
// pattern and the original Python project's global CONFIG dict (Design Note,
// spec.md §9: "dynamic config dict as process-wide singleton → immutable
// configuration record passed explicitly to constructors").
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// defaultAsyncThresholdBytes is the documented default answer to the open
// question in spec.md §9: UPLOAD_ASYNC_THRESHOLD_BYTES has no consistent
// default across source revisions, so PIFS fixes one and exposes it here.
const defaultAsyncThresholdBytes = 64 * 1024 * 1024

// Config is the full set of environment/config keys enumerated in spec.md
// §6, plus the Redis/Mongo/catalogue connection settings needed to build
// the store, lock manager and task queue.
type Config struct {
	// Filesystem layout (spec.md §6 "Persisted state layout").
	ProjectsPath string `mapstructure:"upload_projects_path"`
	TmpPath      string `mapstructure:"upload_tmp_path"`
	TrashPath    string `mapstructure:"upload_trash_path"`
	TusPath      string `mapstructure:"upload_tus_path"`

	// Upload limits.
	MaxContentLength        int64         `mapstructure:"max_content_length"`
	AsyncThresholdBytes     int64         `mapstructure:"upload_async_threshold_bytes"`
	LockTTL                 time.Duration `mapstructure:"upload_lock_ttl"`
	LockTimeout             time.Duration `mapstructure:"upload_lock_timeout"`
	StaleUploadTTL          time.Duration `mapstructure:"upload_stale_ttl"`
	CatalogueBatchChunkSize int           `mapstructure:"catalogue_batch_chunk_size"`

	// Outgoing catalogue records carry this literal storage identifier
	// (spec.md §6).
	StorageID string `mapstructure:"storage_id"`

	// Catalogue client.
	CatalogueBaseURL  string        `mapstructure:"catalogue_base_url"`
	CatalogueUser     string        `mapstructure:"catalogue_user"`
	CataloguePassword string        `mapstructure:"catalogue_password"`
	CatalogueTimeout  time.Duration `mapstructure:"catalogue_timeout"`

	// Redis (locks + task queue).
	RedisHost     string `mapstructure:"redis_host"`
	RedisPort     int    `mapstructure:"redis_port"`
	RedisDB       int    `mapstructure:"redis_db"`
	RedisPassword string `mapstructure:"redis_password"`

	// MongoDB (projects, files, uploads, tasks, tokens).
	MongoURI      string `mapstructure:"mongo_uri"`
	MongoDatabase string `mapstructure:"mongo_database"`

	// Admin token bypasses the token store entirely (spec.md §6).
	AdminToken string `mapstructure:"admin_token"`

	// HTTP server.
	ListenAddr string `mapstructure:"listen_addr"`

	// LogMode selects pkg/log's output format: "dev" for console-pretty,
	// anything else for JSON (spec.md §9 ambient logging).
	LogMode string `mapstructure:"log_mode"`
}

// Load builds a Config from the environment (PIFS_ prefixed variables) and,
// if present, a configuration file. path may be empty to skip file loading.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("pifs")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// AutomaticEnv only reaches keys viper already knows; bind the keys
	// without a default so Unmarshal also sees their PIFS_ variables.
	for _, key := range []string{"storage_id", "catalogue_base_url", "catalogue_user", "catalogue_password", "redis_password", "mongo_uri", "admin_token"} {
		if err := v.BindEnv(key); err != nil {
			return nil, err
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	c := &Config{}
	if err := v.Unmarshal(c); err != nil {
		return nil, fmt.Errorf("decoding configuration: %w", err)
	}

	if err := c.validate(); err != nil {
		return nil, err
	}

	return c, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("upload_projects_path", "/srv/pifs/projects")
	v.SetDefault("upload_tmp_path", "/srv/pifs/tmp")
	v.SetDefault("upload_trash_path", "/srv/pifs/trash")
	v.SetDefault("upload_tus_path", "/srv/pifs/tus")
	v.SetDefault("max_content_length", int64(5)*1024*1024*1024)
	v.SetDefault("upload_async_threshold_bytes", defaultAsyncThresholdBytes)
	v.SetDefault("upload_lock_ttl", 12*time.Hour)
	v.SetDefault("upload_lock_timeout", 3*time.Second)
	v.SetDefault("upload_stale_ttl", 24*time.Hour)
	v.SetDefault("catalogue_batch_chunk_size", 5000)
	v.SetDefault("catalogue_timeout", 30*time.Second)
	v.SetDefault("redis_host", "localhost")
	v.SetDefault("redis_port", 6379)
	v.SetDefault("redis_db", 0)
	v.SetDefault("mongo_database", "pifs")
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("log_mode", "dev")
}

func (c *Config) validate() error {
	if c.ProjectsPath == "" || c.TmpPath == "" || c.TrashPath == "" {
		return fmt.Errorf("upload_projects_path, upload_tmp_path and upload_trash_path are required")
	}
	if c.CatalogueBatchChunkSize <= 0 {
		return fmt.Errorf("catalogue_batch_chunk_size must be positive")
	}
	if c.MongoURI == "" {
		return fmt.Errorf("mongo_uri is required")
	}
	return nil
}
