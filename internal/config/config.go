// Package config loads chatsync settings from defaults, an optional YAML
// file and the environment.
package config

import (
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, e.g. CHATSYNC_SYNC_WORKERS.
const EnvPrefix = "CHATSYNC"

// Config is the full process configuration.
type Config struct {
	DataDir string
	DBFile  string
	Demo    bool

	Log      Log
	Upstream Upstream
	Sync     Sync
	Catalog  Catalog
	Embed    Embed
	Search   Search
	Events   Events
	WS       WS
}

// Log controls the zerolog setup.
type Log struct {
	Level  string
	Format string // auto, console or json
}

// Upstream configures the Graph adapter.
type Upstream struct {
	BaseURL           string
	TokenPath         string
	RequestsPerSecond float64
	Burst             int
}

// Sync configures the scheduler.
type Sync struct {
	Interval       time.Duration
	Workers        int
	PageSize       int
	MaxPages       int
	RequestTimeout time.Duration
	DegradedAfter  int
}

// Catalog configures the conversation catalog.
type Catalog struct {
	RefreshInterval time.Duration
}

// Embed configures the embedder and the embedding workers.
type Embed struct {
	Provider       string // openai, hash or none
	APIKey         string
	BaseURL        string
	Model          string
	Dimensions     int
	MaxTokens      int
	QueueSize      int
	Workers        int
	MaxAttempts    int
	Timeout        time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	SweepInterval  time.Duration
}

// Search configures the retrieval engine.
type Search struct {
	Candidates    int
	RRFK          int
	Fusion        string
	WeightLexical float64
	WeightVector  float64
	DefaultLimit  int
	MaxLimit      int
	Similarity    string
}

// Events configures the event bus and its relays.
type Events struct {
	QueueSize   int
	RedisAddr   string
	TopicPrefix string
}

// WS configures the WebSocket event stream. Empty Addr disables it.
type WS struct {
	Addr string
}

// aliases maps config keys to the bare variable names older deployments use.
var aliases = map[string]string{
	"sync.interval":         "POLL_INTERVAL",
	"embed.api_key":         "OPENAI_API_KEY",
	"upstream.token_path":   "TOKEN_PATH",
	"demo":                  "DEMO_MODE",
	"search.weight_vector":  "HYBRID_WEIGHT_SEMANTIC",
	"search.weight_lexical": "HYBRID_WEIGHT_FULLTEXT",
}

func setDefaults(v *viper.Viper) {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	v.SetDefault("data_dir", filepath.Join(home, ".chatsync"))
	v.SetDefault("db_file", "chatsync.db")
	v.SetDefault("demo", false)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "auto")

	v.SetDefault("upstream.base_url", "https://graph.microsoft.com/v1.0")
	v.SetDefault("upstream.token_path", filepath.Join(home, ".chatsync", "token.json"))
	v.SetDefault("upstream.requests_per_second", 4.0)
	v.SetDefault("upstream.burst", 4)

	v.SetDefault("sync.interval", "10s")
	v.SetDefault("sync.workers", 4)
	v.SetDefault("sync.page_size", 50)
	v.SetDefault("sync.max_pages", 20)
	v.SetDefault("sync.request_timeout", "30s")
	v.SetDefault("sync.degraded_after", 3)

	v.SetDefault("catalog.refresh_interval", "60s")

	v.SetDefault("embed.provider", "auto")
	v.SetDefault("embed.api_key", "")
	v.SetDefault("embed.base_url", "")
	v.SetDefault("embed.model", "text-embedding-3-small")
	v.SetDefault("embed.dimensions", 1536)
	v.SetDefault("embed.max_tokens", 8000)
	v.SetDefault("embed.queue_size", 256)
	v.SetDefault("embed.workers", 2)
	v.SetDefault("embed.max_attempts", 5)
	v.SetDefault("embed.timeout", "30s")
	v.SetDefault("embed.initial_backoff", "5s")
	v.SetDefault("embed.max_backoff", "10m")
	v.SetDefault("embed.sweep_interval", "30s")

	v.SetDefault("search.candidates", 50)
	v.SetDefault("search.rrf_k", 60)
	v.SetDefault("search.fusion", "rrf")
	v.SetDefault("search.weight_lexical", 0.3)
	v.SetDefault("search.weight_vector", 0.7)
	v.SetDefault("search.default_limit", 10)
	v.SetDefault("search.max_limit", 100)
	v.SetDefault("search.similarity", "cosine")

	v.SetDefault("events.queue_size", 64)
	v.SetDefault("events.redis_addr", "")
	v.SetDefault("events.topic_prefix", "chatsync")

	v.SetDefault("ws.addr", "")
}

// New returns a viper instance with defaults and environment bindings.
// Callers may bind command-line flags to it before calling Decode.
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, alias := range aliases {
		// The prefixed name wins over the bare alias.
		_ = v.BindEnv(key, EnvPrefix+"_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), alias)
	}
	return v
}

// Load reads the optional YAML file at path, applies the environment and
// returns a validated Config.
func Load(path string) (Config, error) {
	v := New()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, errors.Wrapf(err, "config: read %s", path)
		}
	}
	return Decode(v)
}

// Decode builds and validates a Config from v.
func Decode(v *viper.Viper) (Config, error) {
	var d decoder
	cfg := Config{
		DataDir: expandHome(v.GetString("data_dir")),
		DBFile:  v.GetString("db_file"),
		Demo:    v.GetBool("demo"),
		Log: Log{
			Level:  strings.ToLower(v.GetString("log.level")),
			Format: strings.ToLower(v.GetString("log.format")),
		},
		Upstream: Upstream{
			BaseURL:           v.GetString("upstream.base_url"),
			TokenPath:         expandHome(v.GetString("upstream.token_path")),
			RequestsPerSecond: v.GetFloat64("upstream.requests_per_second"),
			Burst:             v.GetInt("upstream.burst"),
		},
		Sync: Sync{
			Interval:       d.duration(v, "sync.interval"),
			Workers:        v.GetInt("sync.workers"),
			PageSize:       v.GetInt("sync.page_size"),
			MaxPages:       v.GetInt("sync.max_pages"),
			RequestTimeout: d.duration(v, "sync.request_timeout"),
			DegradedAfter:  v.GetInt("sync.degraded_after"),
		},
		Catalog: Catalog{
			RefreshInterval: d.duration(v, "catalog.refresh_interval"),
		},
		Embed: Embed{
			Provider:       strings.ToLower(v.GetString("embed.provider")),
			APIKey:         v.GetString("embed.api_key"),
			BaseURL:        v.GetString("embed.base_url"),
			Model:          v.GetString("embed.model"),
			Dimensions:     v.GetInt("embed.dimensions"),
			MaxTokens:      v.GetInt("embed.max_tokens"),
			QueueSize:      v.GetInt("embed.queue_size"),
			Workers:        v.GetInt("embed.workers"),
			MaxAttempts:    v.GetInt("embed.max_attempts"),
			Timeout:        d.duration(v, "embed.timeout"),
			InitialBackoff: d.duration(v, "embed.initial_backoff"),
			MaxBackoff:     d.duration(v, "embed.max_backoff"),
			SweepInterval:  d.duration(v, "embed.sweep_interval"),
		},
		Search: Search{
			Candidates:    v.GetInt("search.candidates"),
			RRFK:          v.GetInt("search.rrf_k"),
			Fusion:        strings.ToLower(v.GetString("search.fusion")),
			WeightLexical: v.GetFloat64("search.weight_lexical"),
			WeightVector:  v.GetFloat64("search.weight_vector"),
			DefaultLimit:  v.GetInt("search.default_limit"),
			MaxLimit:      v.GetInt("search.max_limit"),
			Similarity:    strings.ToLower(v.GetString("search.similarity")),
		},
		Events: Events{
			QueueSize:   v.GetInt("events.queue_size"),
			RedisAddr:   v.GetString("events.redis_addr"),
			TopicPrefix: v.GetString("events.topic_prefix"),
		},
		WS: WS{Addr: v.GetString("ws.addr")},
	}
	if d.err != nil {
		return Config{}, d.err
	}
	if cfg.Embed.Provider == "auto" {
		cfg.Embed.Provider = autoProvider(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func autoProvider(cfg Config) string {
	switch {
	case cfg.Embed.APIKey != "":
		return "openai"
	case cfg.Demo:
		return "hash"
	default:
		return "none"
	}
}

// DBPath is the SQLite file location.
func (c Config) DBPath() string {
	return filepath.Join(c.DataDir, c.DBFile)
}

// Validate rejects settings the engine cannot run with.
func (c Config) Validate() error {
	positive := []struct {
		name string
		val  int
	}{
		{"sync.workers", c.Sync.Workers},
		{"sync.page_size", c.Sync.PageSize},
		{"sync.max_pages", c.Sync.MaxPages},
		{"sync.degraded_after", c.Sync.DegradedAfter},
		{"embed.queue_size", c.Embed.QueueSize},
		{"embed.workers", c.Embed.Workers},
		{"embed.max_attempts", c.Embed.MaxAttempts},
		{"search.candidates", c.Search.Candidates},
		{"search.rrf_k", c.Search.RRFK},
		{"search.default_limit", c.Search.DefaultLimit},
		{"search.max_limit", c.Search.MaxLimit},
		{"events.queue_size", c.Events.QueueSize},
	}
	for _, p := range positive {
		if p.val <= 0 {
			return errors.Errorf("config: %s must be positive, got %d", p.name, p.val)
		}
	}
	if c.Sync.Interval <= 0 || c.Sync.RequestTimeout <= 0 || c.Catalog.RefreshInterval <= 0 {
		return errors.New("config: sync.interval, sync.request_timeout and catalog.refresh_interval must be positive")
	}
	if c.Search.DefaultLimit > c.Search.MaxLimit {
		return errors.Errorf("config: search.default_limit %d exceeds search.max_limit %d", c.Search.DefaultLimit, c.Search.MaxLimit)
	}
	for _, w := range []struct {
		name string
		val  float64
	}{{"search.weight_lexical", c.Search.WeightLexical}, {"search.weight_vector", c.Search.WeightVector}} {
		if math.IsNaN(w.val) || w.val < 0 || w.val > 1 {
			return errors.Errorf("config: %s must be within [0,1], got %v", w.name, w.val)
		}
	}
	if math.Abs(c.Search.WeightLexical+c.Search.WeightVector-1) > 1e-6 {
		return errors.Errorf("config: search weights must sum to 1, got %v + %v", c.Search.WeightLexical, c.Search.WeightVector)
	}
	switch c.Search.Fusion {
	case "rrf", "weighted", "linear":
	default:
		return errors.Errorf("config: unknown search.fusion %q", c.Search.Fusion)
	}
	switch c.Search.Similarity {
	case "cosine", "euclidean":
	default:
		return errors.Errorf("config: unknown search.similarity %q", c.Search.Similarity)
	}
	switch c.Embed.Provider {
	case "openai":
		if c.Embed.APIKey == "" {
			return errors.New("config: embed.provider openai requires embed.api_key (OPENAI_API_KEY)")
		}
	case "hash", "none":
	default:
		return errors.Errorf("config: unknown embed.provider %q", c.Embed.Provider)
	}
	if c.Embed.Dimensions <= 0 {
		return errors.Errorf("config: embed.dimensions must be positive, got %d", c.Embed.Dimensions)
	}
	switch c.Log.Format {
	case "auto", "console", "json":
	default:
		return errors.Errorf("config: unknown log.format %q", c.Log.Format)
	}
	return nil
}

// decoder collects the first parse error across several lookups.
type decoder struct{ err error }

// duration accepts Go durations ("90s") and bare integers, read as seconds.
func (d *decoder) duration(v *viper.Viper, key string) time.Duration {
	raw := strings.TrimSpace(v.GetString(key))
	if n, err := strconv.Atoi(raw); err == nil {
		return time.Duration(n) * time.Second
	}
	dur, err := time.ParseDuration(raw)
	if err != nil && d.err == nil {
		d.err = errors.Wrapf(err, "config: %s", key)
	}
	return dur
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}
