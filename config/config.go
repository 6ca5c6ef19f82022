// Package config reads the gateway configuration file and assembles the
// stores, the index, and the services around them.
//
// The file is TOML. A small one looks like
//
//	[server]
//	port = "14000"
//	tokens = "/etc/archivegate/tokens"
//
//	[keystore]
//	type = "ql"
//	path = "/var/lib/archivegate/index.db"
//
//	[[store]]
//	name = "cache"
//	type = "file"
//	location = "/data/cache"
//	priority = 1
//	max_size = 1099511627776
//	auto_eviction = true
//
//	[[store]]
//	name = "glacier"
//	type = "glacier"
//	location = "s3:/archive-bucket/products"
//	priority = 10
//	filter = "mission == 'S2A'"
//	metadata = "/data/metadata"
package config

import (
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// Config mirrors the configuration file.
type Config struct {
	Server   ServerConfig
	Log      LogConfig
	Keystore KeystoreConfig
	Quota    QuotaConfig
	Eviction EvictionConfig
	Backup   BackupConfig
	Store    []StoreConfig
}

type ServerConfig struct {
	Port string
	// Tokens names an API key file. Without one every caller is an admin.
	Tokens      string
	StopTimeout Duration `toml:"stop_timeout"`
	// Workers is the number of concurrent ingests.
	Workers int
}

type LogConfig struct {
	// File receives the log. Empty logs to stderr.
	File       string
	MaxSize    int    `toml:"max_size"` // megabytes
	MaxBackups int    `toml:"max_backups"`
	MaxAge     int    `toml:"max_age"` // days
	SentryDSN  string `toml:"sentry_dsn"`
}

// KeystoreConfig selects the index. Type is one of memory, ql, mysql, or
// badger. Path is used by ql and badger, DSN by mysql.
type KeystoreConfig struct {
	Type string
	Path string
	DSN  string
}

// QuotaConfig selects where running fetches are counted. Type is memory or
// redis. MaxFetches is the default per principal limit for async stores;
// zero is unlimited.
type QuotaConfig struct {
	Type       string
	Address    string
	Password   string
	DB         int
	Prefix     string
	MaxFetches int64 `toml:"max_fetches"`
}

type EvictionConfig struct {
	// Policy is the default policy, fifo or redundant.
	Policy string
}

// BackupConfig names the directories deleted products are saved in. Rate
// limits backup copies, in bytes per second.
type BackupConfig struct {
	Trash string
	Error string
	Rate  float64
}

// StoreConfig describes one store. Type is one of file, memory, s3,
// glacier, or remote.
type StoreConfig struct {
	Name        string
	Type        string
	Location    string
	Prefix      string
	Priority    int
	Restriction string
	Derived     bool
	// Unindexed stores answer from their backend instead of the keystore.
	Unindexed bool

	MaxSize      int64  `toml:"max_size"`
	AutoEviction bool   `toml:"auto_eviction"`
	Policy       string `toml:"eviction_policy"`

	// for remote stores
	Token string

	// for glacier stores
	RestoreDays    int64    `toml:"restore_days"`
	RestoreTier    string   `toml:"restore_tier"`
	MaxRestores    int      `toml:"max_restores"`
	MaxFetches     int64    `toml:"max_fetches"`
	PollInterval   Duration `toml:"poll_interval"`
	Filter         string
	Metadata       string
	MetadataSuffix string `toml:"metadata_suffix"`
}

// Duration is a time.Duration written as a string such as "90s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// Load reads the configuration file at path. Keys the gateway does not
// know are an error, since they are usually misspellings.
func Load(path string) (*Config, error) {
	var cfg Config
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, errors.Wrap(err, "config")
	}
	return &cfg, checkUndecoded(md)
}

// Parse is Load for configuration text.
func Parse(text string) (*Config, error) {
	var cfg Config
	md, err := toml.Decode(text, &cfg)
	if err != nil {
		return nil, errors.Wrap(err, "config")
	}
	return &cfg, checkUndecoded(md)
}

func checkUndecoded(md toml.MetaData) error {
	if keys := md.Undecoded(); len(keys) > 0 {
		return errors.Errorf("config: unknown keys %v", keys)
	}
	return nil
}
