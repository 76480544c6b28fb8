package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"

	"github.com/codefionn/adsieve/adsieve-srv/logger"
)

// UpstreamType selects how the proxy reaches origin servers.
type UpstreamType string

const (
	UpstreamDirect    UpstreamType = "direct"     // Dial the origin directly
	UpstreamSocks5    UpstreamType = "socks5"     // Chain through a SOCKS5 proxy
	UpstreamHTTPProxy UpstreamType = "http-proxy" // Chain through an HTTP proxy using CONNECT
)

// Banner names accepted by filter.banner.
const (
	BannerNone       = "none"
	BannerAuto       = "auto"
	BannerDefault    = "default"
	BannerTelegram   = "telegram"
	BannerWhiteHouse = "white-house"
	BannerShopping   = "shopping"
)

// Statistics backends accepted by statistics.backend.
const (
	StatsBackendSQLite   = "sqlite"
	StatsBackendPostgres = "postgres"
	StatsBackendDummy    = "dummy"
)

const (
	DefaultListenAddress      = "127.0.0.1:8080"
	DefaultPortalAddress      = "127.0.0.1:8081"
	DefaultTimeoutSeconds     = 5
	DefaultDialTimeoutSeconds = 5
	DefaultMaxConnections     = 1000
	DefaultSweepSeconds       = 60
	DefaultMaxBodyBytes       = 8 * 1024 * 1024
	DefaultDumpDirectory      = "dumps"
	DefaultBlackholeAddress   = "127.0.0.1:9"
	DefaultStatsFlushInterval = 5
	DefaultSQLitePath         = "adsieve_stats.db"
	envPrefix                 = "ADSIEVE_"
)

// ServerConfig defines configuration for a single listening socket
type ServerConfig struct {
	ListenAddress string // Address to listen on (e.g., 127.0.0.1:8080)
	Enabled       bool   // Whether this listener is started
}

// AdListConfig locates the blocked domain set.
type AdListConfig struct {
	File    string   // Newline-delimited host list
	Domains []string // Extra inline entries, merged with File
}

// FilterConfig controls HTML rewriting of relayed responses.
type FilterConfig struct {
	Enabled      bool
	Banner       string // One of the Banner* names
	MaxBodyBytes int    // Larger HTML bodies are passed through unfiltered
}

// DumpConfig controls diagnostic payload dumps.
type DumpConfig struct {
	Enabled   bool
	Directory string
}

// UpstreamConfig configures an optional chained proxy.
type UpstreamConfig struct {
	Type     UpstreamType
	Address  string
	Username *string
	Password *string
}

// StatisticsConfig configures the stats collector backend.
type StatisticsConfig struct {
	Enabled       bool
	Backend       string
	SQLitePath    string
	PostgresDSN   string
	FlushInterval int // Seconds between buffered flushes
}

// PortalConfig configures the admin API listener.
type PortalConfig struct {
	Enabled       bool
	ListenAddress string
	Username      string
	Password      string
}

// PACConfig configures generated proxy auto-config files.
type PACConfig struct {
	ProxyAddress     string // Defaults to the first enabled server
	BlackholeAddress string
}

// Config represents the main configuration structure for the proxy server.
type Config struct {
	Servers                  []ServerConfig
	TimeoutSeconds           int // Socket timeout while waiting for the request head
	DialTimeoutSeconds       int
	MaxConcurrentConnections int
	SweepIntervalSeconds     int
	AdList                   AdListConfig
	Filter                   FilterConfig
	Dump                     DumpConfig
	Upstream                 UpstreamConfig
	Statistics               StatisticsConfig
	Portal                   PortalConfig
	PAC                      PACConfig
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Servers: []ServerConfig{
			{ListenAddress: DefaultListenAddress, Enabled: true},
		},
		TimeoutSeconds:           DefaultTimeoutSeconds,
		DialTimeoutSeconds:       DefaultDialTimeoutSeconds,
		MaxConcurrentConnections: DefaultMaxConnections,
		SweepIntervalSeconds:     DefaultSweepSeconds,
		Filter: FilterConfig{
			Enabled:      true,
			Banner:       BannerNone,
			MaxBodyBytes: DefaultMaxBodyBytes,
		},
		Dump: DumpConfig{
			Directory: DefaultDumpDirectory,
		},
		Upstream: UpstreamConfig{
			Type: UpstreamDirect,
		},
		Statistics: StatisticsConfig{
			Backend:       StatsBackendSQLite,
			SQLitePath:    DefaultSQLitePath,
			FlushInterval: DefaultStatsFlushInterval,
		},
		Portal: PortalConfig{
			ListenAddress: DefaultPortalAddress,
		},
		PAC: PACConfig{
			BlackholeAddress: DefaultBlackholeAddress,
		},
	}
}

// LoadConfig loads configuration from the specified file path.
// An empty path yields the defaults with environment overrides applied.
func LoadConfig(configPath string) (*Config, error) {
	cfg := Default()

	loadConfigFromEnv(cfg)

	if configPath != "" {
		var data map[string]any
		var err error

		ext := filepath.Ext(configPath)
		switch strings.ToLower(ext) {
		case ".json":
			data, err = readJSONConfig(configPath)
		case ".hcl":
			data, err = readHCLConfig(configPath)
		default:
			return nil, fmt.Errorf("unsupported config file format: %s", ext)
		}
		if err != nil {
			return nil, err
		}
		if err := applyConfigMap(data, cfg); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func cleanConfigPath(configPath string) (string, error) {
	cleanPath := filepath.Clean(configPath)
	if !filepath.IsAbs(cleanPath) {
		absPath, err := filepath.Abs(cleanPath)
		if err != nil {
			return "", fmt.Errorf("invalid config file path: %w", err)
		}
		cleanPath = absPath
	}
	return cleanPath, nil
}

func readJSONConfig(configPath string) (map[string]any, error) {
	cleanPath, err := cleanConfigPath(configPath)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil {
			logger.Error("Error closing config file: %v", closeErr)
		}
	}()

	// Decode into a map so hyphenated keys can be mapped by hand
	var data map[string]any
	if err := json.NewDecoder(file).Decode(&data); err != nil {
		return nil, fmt.Errorf("failed to decode JSON config: %w", err)
	}
	return data, nil
}

// applyConfigMap maps a decoded document (JSON or HCL) onto cfg.
func applyConfigMap(data map[string]any, cfg *Config) error {
	if val, exists := data["servers"]; exists {
		serverList, ok := val.([]any)
		if !ok {
			return fmt.Errorf("servers must be an array")
		}

		cfg.Servers = []ServerConfig{}
		for i, serverData := range serverList {
			serverMap, ok := serverData.(map[string]any)
			if !ok {
				return fmt.Errorf("server configuration at index %d must be an object", i)
			}

			server := ServerConfig{Enabled: true}
			if addrVal, exists := serverMap["listen-address"]; exists {
				ptr, err := parseValue[string](addrVal)
				if err != nil {
					return fmt.Errorf("listen-address at index %d must be a string: %w", i, err)
				}
				server.ListenAddress = *ptr
			}
			if enabledVal, exists := serverMap["enabled"]; exists {
				ptr, err := parseValue[bool](enabledVal)
				if err != nil {
					return fmt.Errorf("enabled at index %d must be a boolean: %w", i, err)
				}
				server.Enabled = *ptr
			}
			cfg.Servers = append(cfg.Servers, server)
		}
	}

	// Shorthand for a single listener
	if val, exists := data["listen-address"]; exists {
		ptr, err := parseValue[string](val)
		if err != nil {
			return wrapScalarError("listen-address", "a string", err)
		}
		if len(cfg.Servers) == 0 {
			cfg.Servers = []ServerConfig{{ListenAddress: *ptr, Enabled: true}}
		} else {
			cfg.Servers[0].ListenAddress = *ptr
		}
	}

	intFields := []struct {
		key    string
		target *int
	}{
		{"timeout-seconds", &cfg.TimeoutSeconds},
		{"dial-timeout-seconds", &cfg.DialTimeoutSeconds},
		{"max-concurrent-connections", &cfg.MaxConcurrentConnections},
		{"sweep-interval-seconds", &cfg.SweepIntervalSeconds},
	}
	for _, field := range intFields {
		if val, exists := data[field.key]; exists {
			ptr, err := parseValue[int](val)
			if err != nil {
				return wrapScalarError(field.key, "a number", err)
			}
			*field.target = *ptr
		}
	}

	if val, exists := data["ad-list"]; exists {
		m, ok := val.(map[string]any)
		if !ok {
			return fmt.Errorf("ad-list must be an object")
		}
		if err := parseAdList(m, &cfg.AdList); err != nil {
			return err
		}
	}

	if val, exists := data["filter"]; exists {
		m, ok := val.(map[string]any)
		if !ok {
			return fmt.Errorf("filter must be an object")
		}
		if err := setBool(m, "enabled", "filter", &cfg.Filter.Enabled); err != nil {
			return err
		}
		if n, numeric := m["banner"].(float64); numeric {
			cfg.Filter.Banner = BannerFromFlag(int(n))
		} else if err := setString(m, "banner", "filter", &cfg.Filter.Banner); err != nil {
			return err
		}
		if err := setInt(m, "max-body-bytes", "filter", &cfg.Filter.MaxBodyBytes); err != nil {
			return err
		}
	}

	if val, exists := data["dump"]; exists {
		m, ok := val.(map[string]any)
		if !ok {
			return fmt.Errorf("dump must be an object")
		}
		if err := setBool(m, "enabled", "dump", &cfg.Dump.Enabled); err != nil {
			return err
		}
		if err := setString(m, "directory", "dump", &cfg.Dump.Directory); err != nil {
			return err
		}
	}

	if val, exists := data["upstream"]; exists {
		m, ok := val.(map[string]any)
		if !ok {
			return fmt.Errorf("upstream must be an object")
		}
		if err := parseUpstream(m, &cfg.Upstream); err != nil {
			return err
		}
	}

	if val, exists := data["statistics"]; exists {
		m, ok := val.(map[string]any)
		if !ok {
			return fmt.Errorf("statistics must be an object")
		}
		if err := setBool(m, "enabled", "statistics", &cfg.Statistics.Enabled); err != nil {
			return err
		}
		if err := setString(m, "backend", "statistics", &cfg.Statistics.Backend); err != nil {
			return err
		}
		if err := setString(m, "sqlite-path", "statistics", &cfg.Statistics.SQLitePath); err != nil {
			return err
		}
		if err := setString(m, "postgres-dsn", "statistics", &cfg.Statistics.PostgresDSN); err != nil {
			return err
		}
		if err := setInt(m, "flush-interval", "statistics", &cfg.Statistics.FlushInterval); err != nil {
			return err
		}
	}

	if val, exists := data["portal"]; exists {
		m, ok := val.(map[string]any)
		if !ok {
			return fmt.Errorf("portal must be an object")
		}
		if err := setBool(m, "enabled", "portal", &cfg.Portal.Enabled); err != nil {
			return err
		}
		if err := setString(m, "listen-address", "portal", &cfg.Portal.ListenAddress); err != nil {
			return err
		}
		if err := setString(m, "username", "portal", &cfg.Portal.Username); err != nil {
			return err
		}
		if err := setString(m, "password", "portal", &cfg.Portal.Password); err != nil {
			return err
		}
	}

	if val, exists := data["pac"]; exists {
		m, ok := val.(map[string]any)
		if !ok {
			return fmt.Errorf("pac must be an object")
		}
		if err := setString(m, "proxy-address", "pac", &cfg.PAC.ProxyAddress); err != nil {
			return err
		}
		if err := setString(m, "blackhole-address", "pac", &cfg.PAC.BlackholeAddress); err != nil {
			return err
		}
	}

	return nil
}

func parseAdList(m map[string]any, out *AdListConfig) error {
	if err := setString(m, "file", "ad-list", &out.File); err != nil {
		return err
	}
	if val, exists := m["domains"]; exists {
		list, ok := val.([]any)
		if !ok {
			return fmt.Errorf("ad-list.domains must be an array")
		}
		out.Domains = make([]string, 0, len(list))
		for i, item := range list {
			ptr, err := parseValue[string](item)
			if err != nil {
				return fmt.Errorf("ad-list.domains at index %d must be a string: %w", i, err)
			}
			out.Domains = append(out.Domains, *ptr)
		}
	}
	return nil
}

func parseUpstream(m map[string]any, out *UpstreamConfig) error {
	var typeStr string
	if err := setString(m, "type", "upstream", &typeStr); err != nil {
		return err
	}
	if typeStr != "" {
		out.Type = UpstreamType(strings.ToLower(typeStr))
	}
	if err := setString(m, "address", "upstream", &out.Address); err != nil {
		return err
	}
	if val, exists := m["username"]; exists {
		ptr, err := parseValue[string](val)
		if err != nil {
			return fmt.Errorf("upstream.username must be a string: %w", err)
		}
		out.Username = ptr
	}
	if val, exists := m["password"]; exists {
		ptr, err := parseValue[string](val)
		if err != nil {
			return fmt.Errorf("upstream.password must be a string: %w", err)
		}
		out.Password = ptr
	}
	return nil
}

func setString(m map[string]any, key, section string, target *string) error {
	if val, exists := m[key]; exists {
		ptr, err := parseValue[string](val)
		if err != nil {
			return fmt.Errorf("%s.%s must be a string: %w", section, key, err)
		}
		*target = *ptr
	}
	return nil
}

func setBool(m map[string]any, key, section string, target *bool) error {
	if val, exists := m[key]; exists {
		ptr, err := parseValue[bool](val)
		if err != nil {
			return fmt.Errorf("%s.%s must be a boolean: %w", section, key, err)
		}
		*target = *ptr
	}
	return nil
}

func setInt(m map[string]any, key, section string, target *int) error {
	if val, exists := m[key]; exists {
		ptr, err := parseValue[int](val)
		if err != nil {
			return fmt.Errorf("%s.%s must be a number: %w", section, key, err)
		}
		*target = *ptr
	}
	return nil
}

// wrapScalarError keeps secret lookup failures visible to the caller.
func wrapScalarError(key, kind string, err error) error {
	if strings.Contains(err.Error(), "secret") {
		return err
	}
	return fmt.Errorf("%s must be %s", key, kind)
}

// parseValue converts a decoded value to T. A value of the form
// {"_secret": "NAME"} is replaced by the environment variable NAME.
func parseValue[T any](value any) (*T, error) {
	var zero T
	tType := reflect.TypeOf(zero)
	ptr := reflect.New(tType)
	elem := ptr.Elem()

	if m, ok := value.(map[string]any); ok {
		if key, ok := m["_secret"].(string); ok {
			res := os.Getenv(key)
			if res == "" {
				return nil, fmt.Errorf("secret %s not set", key)
			}
			value = res
		}
	}

	switch v := value.(type) {
	case float64:
		switch elem.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			if v != float64(int64(v)) {
				return nil, fmt.Errorf("expected integer, got %v", v)
			}
			elem.SetInt(int64(v))
		case reflect.Float32, reflect.Float64:
			elem.SetFloat(v)
		default:
			return nil, fmt.Errorf("expected %T, got number", zero)
		}
	case string:
		switch elem.Kind() {
		case reflect.String:
			elem.SetString(v)
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			i, err := strconv.ParseInt(v, 10, elem.Type().Bits())
			if err != nil {
				return nil, fmt.Errorf("failed to parse int: %w", err)
			}
			elem.SetInt(i)
		case reflect.Float32, reflect.Float64:
			f, err := strconv.ParseFloat(v, elem.Type().Bits())
			if err != nil {
				return nil, fmt.Errorf("failed to parse float: %w", err)
			}
			elem.SetFloat(f)
		case reflect.Bool:
			b, err := strconv.ParseBool(v)
			if err != nil {
				return nil, fmt.Errorf("failed to parse bool: %w", err)
			}
			elem.SetBool(b)
		default:
			return nil, fmt.Errorf("expected %T, got string", zero)
		}
	case bool:
		if elem.Kind() != reflect.Bool {
			return nil, fmt.Errorf("expected %T, got bool", zero)
		}
		elem.SetBool(v)
	default:
		if rv, ok := value.(T); ok {
			return &rv, nil
		}
		return nil, fmt.Errorf("expected %T, got %T", zero, value)
	}
	return ptr.Interface().(*T), nil
}

// Validate reports the first setting that cannot be served.
func (c *Config) Validate() error {
	enabled := 0
	for i, server := range c.Servers {
		if !server.Enabled {
			continue
		}
		if server.ListenAddress == "" {
			return fmt.Errorf("server %d has no listen-address", i)
		}
		enabled++
	}
	if enabled == 0 {
		return fmt.Errorf("no enabled servers configured")
	}

	if c.TimeoutSeconds <= 0 {
		return fmt.Errorf("timeout-seconds must be positive, got %d", c.TimeoutSeconds)
	}
	if c.DialTimeoutSeconds <= 0 {
		return fmt.Errorf("dial-timeout-seconds must be positive, got %d", c.DialTimeoutSeconds)
	}
	if c.SweepIntervalSeconds <= 0 {
		return fmt.Errorf("sweep-interval-seconds must be positive, got %d", c.SweepIntervalSeconds)
	}
	if c.MaxConcurrentConnections < 0 {
		return fmt.Errorf("max-concurrent-connections must not be negative")
	}
	if c.Filter.MaxBodyBytes <= 0 {
		return fmt.Errorf("filter.max-body-bytes must be positive")
	}

	switch c.Filter.Banner {
	case "", BannerNone, BannerAuto, BannerDefault, BannerTelegram, BannerWhiteHouse, BannerShopping:
	default:
		return fmt.Errorf("unknown filter.banner: %s", c.Filter.Banner)
	}

	switch c.Upstream.Type {
	case "", UpstreamDirect:
	case UpstreamSocks5, UpstreamHTTPProxy:
		if c.Upstream.Address == "" {
			return fmt.Errorf("upstream.address is required for upstream type %s", c.Upstream.Type)
		}
	default:
		return fmt.Errorf("unknown upstream.type: %s", c.Upstream.Type)
	}

	if c.Statistics.Enabled {
		switch c.Statistics.Backend {
		case "", StatsBackendSQLite, StatsBackendDummy:
		case StatsBackendPostgres:
			if c.Statistics.PostgresDSN == "" {
				return fmt.Errorf("statistics.postgres-dsn is required for the postgres backend")
			}
		default:
			return fmt.Errorf("unsupported statistics.backend: %s", c.Statistics.Backend)
		}
	}

	if c.Portal.Enabled && c.Portal.ListenAddress == "" {
		return fmt.Errorf("portal.listen-address is required when the portal is enabled")
	}
	return nil
}

// FirstListenAddress returns the address of the first enabled server.
func (c *Config) FirstListenAddress() string {
	for _, server := range c.Servers {
		if server.Enabled {
			return server.ListenAddress
		}
	}
	return ""
}

// BannerFromFlag maps the numeric banner switch (0 default, 1 telegram,
// 2 white-house, 3 shopping) to a banner name. Other values give the default.
func BannerFromFlag(flag int) string {
	switch flag {
	case 1:
		return BannerTelegram
	case 2:
		return BannerWhiteHouse
	case 3:
		return BannerShopping
	default:
		return BannerDefault
	}
}

func envBool(val string) bool {
	return strings.EqualFold(val, "true") || val == "1"
}

func envInt(name string, target *int) {
	if s := os.Getenv(name); s != "" {
		if v, err := strconv.Atoi(s); err == nil {
			*target = v
		} else {
			fmt.Fprintf(os.Stderr, "Warning: Invalid format for %s: %s\n", name, s)
		}
	}
}

func loadConfigFromEnv(cfg *Config) {
	envInt(envPrefix+"TIMEOUTSECONDS", &cfg.TimeoutSeconds)
	envInt(envPrefix+"DIALTIMEOUTSECONDS", &cfg.DialTimeoutSeconds)
	envInt(envPrefix+"MAXCONCURRENTCONNECTIONS", &cfg.MaxConcurrentConnections)
	envInt(envPrefix+"SWEEPINTERVALSECONDS", &cfg.SweepIntervalSeconds)

	if addr := os.Getenv(envPrefix + "LISTENADDRESS"); addr != "" {
		if len(cfg.Servers) == 0 {
			cfg.Servers = []ServerConfig{{ListenAddress: addr, Enabled: true}}
		} else {
			cfg.Servers[0].ListenAddress = addr
		}
	}

	if file := os.Getenv(envPrefix + "ADLISTFILE"); file != "" {
		cfg.AdList.File = file
	}
	if v := os.Getenv(envPrefix + "FILTER"); v != "" {
		cfg.Filter.Enabled = envBool(v)
	}
	if banner := os.Getenv(envPrefix + "BANNER"); banner != "" {
		if n, err := strconv.Atoi(banner); err == nil {
			cfg.Filter.Banner = BannerFromFlag(n)
		} else {
			cfg.Filter.Banner = strings.ToLower(banner)
		}
	}
	if v := os.Getenv(envPrefix + "DUMP"); v != "" {
		cfg.Dump.Enabled = envBool(v)
	}
	if dir := os.Getenv(envPrefix + "DUMPDIR"); dir != "" {
		cfg.Dump.Directory = dir
	}

	if t := os.Getenv(envPrefix + "UPSTREAMTYPE"); t != "" {
		cfg.Upstream.Type = UpstreamType(strings.ToLower(t))
	}
	if addr := os.Getenv(envPrefix + "UPSTREAMADDRESS"); addr != "" {
		cfg.Upstream.Address = addr
	}

	if v := os.Getenv(envPrefix + "STATS"); v != "" {
		cfg.Statistics.Enabled = envBool(v)
	}
	if backend := os.Getenv(envPrefix + "STATSBACKEND"); backend != "" {
		cfg.Statistics.Backend = backend
	}
	if dsn := os.Getenv(envPrefix + "POSTGRESDSN"); dsn != "" {
		cfg.Statistics.PostgresDSN = dsn
	}

	if v := os.Getenv(envPrefix + "PORTAL"); v != "" {
		cfg.Portal.Enabled = envBool(v)
	}
	if user := os.Getenv(envPrefix + "PORTALUSERNAME"); user != "" {
		cfg.Portal.Username = user
	}
	if pass := os.Getenv(envPrefix + "PORTALPASSWORD"); pass != "" {
		cfg.Portal.Password = pass
	}
}
