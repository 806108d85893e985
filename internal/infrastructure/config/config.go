package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"xfeed/internal/domain/model"
)

// Duration 支持 "30s" / "5m" 形式的 TOML 字符串
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type Config struct {
	App struct {
		Name      string `toml:"name"`
		LogLevel  string `toml:"log_level"`
		LogPretty bool   `toml:"log_pretty"`
	} `toml:"app"`

	Server ServerConfig `toml:"server"`

	Symbols struct {
		Quote string   `toml:"quote"`
		List  []string `toml:"list"` // empty: "*" subscriptions cover every tradable symbol
	} `toml:"symbols"`

	Exchanges map[string]ExchangeConfig `toml:"exchanges"`

	Batch struct {
		FlushInterval Duration `toml:"flush_interval"`
	} `toml:"batch"`

	Storage StorageConfig `toml:"storage"`

	Users []UserConfig `toml:"users"`
}

// ServerConfig 下游 websocket 服务配置
type ServerConfig struct {
	Addr          string   `toml:"addr"`
	WsPath        string   `toml:"ws_path"`
	MaxConnAge    Duration `toml:"max_conn_age"`
	SweepInterval Duration `toml:"sweep_interval"`
	SendBuffer    int      `toml:"send_buffer"`
	InboundRate   float64  `toml:"inbound_rate"` // messages per second, 0 disables
	InboundBurst  int      `toml:"inbound_burst"`
}

// ExchangeConfig 单个交易所配置
type ExchangeConfig struct {
	Enabled             bool     `toml:"enabled"`
	WsURL               string   `toml:"ws_url"`
	RestURL             string   `toml:"rest_url"`
	MaxSymbolsPerStream int      `toml:"max_symbols_per_stream"`
	RateLimit           int      `toml:"rate_limit"` // calls per rate_window
	RateWindow          Duration `toml:"rate_window"`
	ListenKeyRenew      Duration `toml:"listen_key_renew"`
	SymbolsTTL          Duration `toml:"symbols_ttl"`
}

// StorageConfig 存储层配置
type StorageConfig struct {
	Enabled bool `toml:"enabled"`

	SQLite struct {
		Enabled bool   `toml:"enabled"`
		Path    string `toml:"path"`
	} `toml:"sqlite"`

	Postgres struct {
		Enabled  bool   `toml:"enabled"`
		DSN      string `toml:"dsn"`
		MaxConns int32  `toml:"max_conns"`
		MinConns int32  `toml:"min_conns"`
	} `toml:"postgres"`

	Redis struct {
		Enabled       bool   `toml:"enabled"`
		Addr          string `toml:"addr"`
		Password      string `toml:"password"`
		DB            int    `toml:"db"`
		Prefix        string `toml:"prefix"`
		TTLSeconds    int    `toml:"ttl_seconds"`
		StatusChannel string `toml:"status_channel"`
	} `toml:"redis"`
}

// UserConfig 静态凭证：token -> 用户及各交易所 API key
type UserConfig struct {
	Token       string                       `toml:"token"`
	UserID      string                       `toml:"user_id"`
	Credentials map[string]model.Credentials `toml:"credentials"`
}

func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Parse decodes a config from memory, used by tests and embedded setups.
func Parse(data string) (*Config, error) {
	var cfg Config
	if _, err := toml.Decode(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var defaultExchanges = map[model.Venue]ExchangeConfig{
	model.VenueBinance: {
		WsURL:               "wss://stream.binance.com:9443/ws",
		RestURL:             "https://api.binance.com",
		MaxSymbolsPerStream: 200,
		RateLimit:           1200,
		RateWindow:          Duration{time.Minute},
		ListenKeyRenew:      Duration{30 * time.Minute},
	},
	model.VenueBybit: {
		WsURL:               "wss://stream.bybit.com/v5/public/spot",
		RestURL:             "https://api.bybit.com",
		MaxSymbolsPerStream: 10,
		RateLimit:           600,
		RateWindow:          Duration{5 * time.Second},
	},
}

func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "xfeed"
	}
	if cfg.App.LogLevel == "" {
		cfg.App.LogLevel = "info"
	}

	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.WsPath == "" {
		cfg.Server.WsPath = "/ws"
	}
	if cfg.Server.MaxConnAge.Duration <= 0 {
		cfg.Server.MaxConnAge.Duration = 24 * time.Hour
	}
	if cfg.Server.SweepInterval.Duration <= 0 {
		cfg.Server.SweepInterval.Duration = time.Minute
	}
	if cfg.Server.SendBuffer <= 0 {
		cfg.Server.SendBuffer = 256
	}
	if cfg.Server.InboundRate > 0 && cfg.Server.InboundBurst <= 0 {
		cfg.Server.InboundBurst = int(cfg.Server.InboundRate) + 1
	}

	if cfg.Symbols.Quote == "" {
		cfg.Symbols.Quote = "USDT"
	}
	cfg.Symbols.Quote = strings.ToUpper(strings.TrimSpace(cfg.Symbols.Quote))

	if cfg.Batch.FlushInterval.Duration <= 0 {
		cfg.Batch.FlushInterval.Duration = time.Second
	}

	// 交易所名统一为大写，缺省字段从内置默认值补齐
	exchanges := make(map[string]ExchangeConfig, len(cfg.Exchanges))
	for name, ex := range cfg.Exchanges {
		name = strings.ToUpper(strings.TrimSpace(name))
		def := defaultExchanges[model.Venue(name)]
		if ex.WsURL == "" {
			ex.WsURL = def.WsURL
		}
		if ex.RestURL == "" {
			ex.RestURL = def.RestURL
		}
		if ex.MaxSymbolsPerStream <= 0 {
			ex.MaxSymbolsPerStream = def.MaxSymbolsPerStream
		}
		if ex.RateLimit <= 0 {
			ex.RateLimit = def.RateLimit
		}
		if ex.RateWindow.Duration <= 0 {
			ex.RateWindow = def.RateWindow
		}
		if ex.ListenKeyRenew.Duration <= 0 {
			ex.ListenKeyRenew = def.ListenKeyRenew
		}
		if ex.SymbolsTTL.Duration <= 0 {
			ex.SymbolsTTL.Duration = 10 * time.Minute
		}
		exchanges[name] = ex
	}
	cfg.Exchanges = exchanges

	if cfg.Storage.SQLite.Path == "" {
		cfg.Storage.SQLite.Path = "data/xfeed.db"
	}
	if cfg.Storage.Postgres.MaxConns <= 0 {
		cfg.Storage.Postgres.MaxConns = 10
	}
	if cfg.Storage.Redis.Prefix == "" {
		cfg.Storage.Redis.Prefix = "xfeed"
	}
	if cfg.Storage.Redis.StatusChannel == "" {
		cfg.Storage.Redis.StatusChannel = cfg.Storage.Redis.Prefix + ":status"
	}
}

func validate(cfg *Config) error {
	cfg.Symbols.List = normalizeSymbols(cfg.Symbols.List)

	if !strings.HasPrefix(cfg.Server.WsPath, "/") {
		return errors.New("server.ws_path must start with /")
	}

	enabled := 0
	for name, ex := range cfg.Exchanges {
		if _, ok := model.ParseVenue(name); !ok {
			return fmt.Errorf("exchanges.%s: unknown venue", strings.ToLower(name))
		}
		if !ex.Enabled {
			continue
		}
		enabled++
		if strings.TrimSpace(ex.WsURL) == "" {
			return fmt.Errorf("exchanges.%s.ws_url empty but enabled", strings.ToLower(name))
		}
		if strings.TrimSpace(ex.RestURL) == "" {
			return fmt.Errorf("exchanges.%s.rest_url empty but enabled", strings.ToLower(name))
		}
	}
	if enabled == 0 {
		return errors.New("no exchange enabled")
	}

	if cfg.Storage.Postgres.Enabled && strings.TrimSpace(cfg.Storage.Postgres.DSN) == "" {
		return errors.New("storage.postgres.dsn empty but enabled")
	}
	if cfg.Storage.Redis.Enabled && strings.TrimSpace(cfg.Storage.Redis.Addr) == "" {
		return errors.New("storage.redis.addr empty but enabled")
	}

	tokens := make(map[string]struct{}, len(cfg.Users))
	for i, u := range cfg.Users {
		if u.Token == "" || u.UserID == "" {
			return fmt.Errorf("users[%d]: token and user_id are required", i)
		}
		if _, dup := tokens[u.Token]; dup {
			return fmt.Errorf("users[%d]: duplicate token", i)
		}
		tokens[u.Token] = struct{}{}
		for venue := range u.Credentials {
			if _, ok := model.ParseVenue(venue); !ok {
				return fmt.Errorf("users[%d].credentials.%s: unknown venue", i, venue)
			}
		}
	}
	return nil
}

// EnabledExchanges returns enabled venues in a stable order.
func (c *Config) EnabledExchanges() []model.Venue {
	var out []model.Venue
	for name, ex := range c.Exchanges {
		if ex.Enabled {
			out = append(out, model.Venue(name))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Exchange returns the config of venue.
func (c *Config) Exchange(venue model.Venue) (ExchangeConfig, bool) {
	ex, ok := c.Exchanges[string(venue)]
	return ex, ok
}

// CredentialSet converts a user's credential table to venue keys.
func (u UserConfig) CredentialSet() model.CredentialSet {
	set := make(model.CredentialSet, len(u.Credentials))
	for name, c := range u.Credentials {
		if v, ok := model.ParseVenue(name); ok {
			set[v] = c
		}
	}
	return set
}

func normalizeSymbols(in []string) []string {
	out := make([]string, 0, len(in))
	seen := map[string]struct{}{}
	for _, s := range in {
		u := strings.ToUpper(strings.TrimSpace(s))
		if u == "" {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}
