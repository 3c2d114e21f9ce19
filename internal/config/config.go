// Package config loads engine configuration with viper: defaults, an
// optional TOML config file named lsvd, and LSVD_* environment overrides.
package config

import (
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

const (
	// BackendTypeFile stores objects as files under a directory.
	BackendTypeFile = "file"
	// BackendTypeS3 stores objects in an S3 bucket.
	BackendTypeS3 = "s3"
)

type Config struct {
	// BatchSize is the translation-layer batch buffer size in bytes.
	BatchSize int `mapstructure:"batch_size"`
	// WcacheBatch is the write-cache group-commit threshold in requests.
	WcacheBatch int `mapstructure:"wcache_batch"`
	// CacheDir holds the SSD cache file when no explicit path is given.
	CacheDir string `mapstructure:"cache_dir"`
	// XlateThreads is the size of the translation writer pool.
	XlateThreads int `mapstructure:"xlate_threads"`
	// XlateWindow bounds outstanding translation-layer writes, in batches.
	XlateWindow int `mapstructure:"xlate_window"`
	// Backend selects the object store: "file" or "s3".
	Backend string `mapstructure:"backend"`
	// CacheSize is the cache device size in bytes for newly created caches.
	CacheSize int64 `mapstructure:"cache_size"`

	// S3 backend settings, used when Backend is "s3".
	S3Endpoint        string `mapstructure:"s3_endpoint"`
	S3Region          string `mapstructure:"s3_region"`
	S3Bucket          string `mapstructure:"s3_bucket"`
	S3AccessKeyID     string `mapstructure:"s3_access_key_id"`
	S3AccessKeySecret string `mapstructure:"s3_access_key_secret"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("batch_size", 8*1024*1024)
	v.SetDefault("wcache_batch", 8)
	v.SetDefault("cache_dir", "/tmp")
	v.SetDefault("xlate_threads", 2)
	v.SetDefault("xlate_window", 8)
	v.SetDefault("backend", BackendTypeFile)
	v.SetDefault("cache_size", int64(8199*4096))
	// Registered so environment overrides reach Unmarshal.
	v.SetDefault("s3_endpoint", "")
	v.SetDefault("s3_region", "")
	v.SetDefault("s3_bucket", "")
	v.SetDefault("s3_access_key_id", "")
	v.SetDefault("s3_access_key_secret", "")
}

// Load reads the config file lsvd.toml (or a bare file named lsvd, also
// parsed as TOML) from dir, if present, over the defaults, with LSVD_*
// environment variables taking precedence. An empty dir skips the file.
func Load(dir string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("lsvd")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if dir != "" {
		v.SetConfigName("lsvd")
		v.SetConfigType("toml")
		v.AddConfigPath(dir)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, err
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// CacheFilename returns the path of the SSD cache file for a volume.
func (c *Config) CacheFilename(volUUID uuid.UUID, name string) string {
	base := filepath.Base(name)
	return filepath.Join(c.CacheDir, base+".cache")
}
