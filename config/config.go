// Package config loads and validates the gateway configuration.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// IPMapEntry rewrites the peer identity for a source prefix.
type IPMapEntry struct {
	IP   string `mapstructure:"ip"`
	Helo string `mapstructure:"helo"`
}

// TimeoutClass selects which section timeout applies to an event.
type TimeoutClass string

const (
	TimeoutConnect   TimeoutClass = "connect"
	TimeoutCommand   TimeoutClass = "command"
	TimeoutContent   TimeoutClass = "content"
	TimeoutAddHeader TimeoutClass = "addheader"
)

// MilterConfig configures the milter listener.
type MilterConfig struct {
	Listen string `mapstructure:"listen"`
}

// SMTPProxyConfig configures the SMTP proxy front-end.
type SMTPProxyConfig struct {
	Listen     string `mapstructure:"listen"`
	Downstream string `mapstructure:"downstream"`
	Domain     string `mapstructure:"domain"`
}

// AdminConfig configures the metrics/health scrape endpoint.
type AdminConfig struct {
	Listen string `mapstructure:"listen"`
}

// AuditConfig configures the disposition event bus.
type AuditConfig struct {
	Transport string `mapstructure:"transport"` // "gochannel" (default) or "amqp"
	AMQPURI   string `mapstructure:"amqp_uri"`
	Topic     string `mapstructure:"topic"`
}

// Config is the full gateway configuration.
type Config struct {
	Debug    bool `mapstructure:"debug"`
	LogToErr bool `mapstructure:"logtoerr"`
	DryRun   bool `mapstructure:"dryrun"`

	Hostname string `mapstructure:"hostname"`

	// Section timeouts in seconds; 0 = unlimited.
	ConnectTimeout   int `mapstructure:"connect_timeout"`
	CommandTimeout   int `mapstructure:"command_timeout"`
	ContentTimeout   int `mapstructure:"content_timeout"`
	AddHeaderTimeout int `mapstructure:"addheader_timeout"`
	// SessionTimeout is the overall budget armed when a connection is
	// accepted. Seconds; 0 = unlimited.
	SessionTimeout int `mapstructure:"session_timeout"`

	DNSTimeout   int      `mapstructure:"dns_timeout"`
	DNSRetry     int      `mapstructure:"dns_retry"`
	DNSResolvers []string `mapstructure:"dns_resolvers"`

	IPMap map[string]IPMapEntry `mapstructure:"ip_map"`

	HostsToRemove []string `mapstructure:"hosts_to_remove"`

	HeaderIndentStyle string `mapstructure:"header_indent_style"`
	HeaderIndentBy    int    `mapstructure:"header_indent_by"`
	HeaderFoldAt      int    `mapstructure:"header_fold_at"`

	TempfailOnError              bool `mapstructure:"tempfail_on_error"`
	TempfailOnErrorAuthenticated bool `mapstructure:"tempfail_on_error_authenticated"`
	TempfailOnErrorLocal         bool `mapstructure:"tempfail_on_error_local"`
	TempfailOnErrorTrusted       bool `mapstructure:"tempfail_on_error_trusted"`

	LoadHandlers []string                  `mapstructure:"load_handlers"`
	Handlers     map[string]map[string]any `mapstructure:"handlers"`

	Milter    MilterConfig    `mapstructure:"milter"`
	SMTPProxy SMTPProxyConfig `mapstructure:"smtp_proxy"`
	Admin     AdminConfig     `mapstructure:"admin"`
	Audit     AuditConfig     `mapstructure:"audit"`

	mu        sync.Mutex
	processor HandlerConfigProcessor
}

// HandlerConfigProcessor is an optional external hook that may rewrite
// a handler's config each time it is read. It always operates on a
// clone; the stored configuration is never mutated.
type HandlerConfigProcessor interface {
	HandlerConfig(handlerType string, cfg map[string]any)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("hostname", "")
	v.SetDefault("connect_timeout", 30)
	v.SetDefault("command_timeout", 30)
	v.SetDefault("content_timeout", 60)
	v.SetDefault("addheader_timeout", 30)
	v.SetDefault("session_timeout", 0)
	v.SetDefault("dns_timeout", 8)
	v.SetDefault("dns_retry", 2)
	v.SetDefault("dns_resolvers", []string{})
	v.SetDefault("header_indent_style", "entry")
	v.SetDefault("header_indent_by", 4)
	v.SetDefault("header_fold_at", 0)
	v.SetDefault("load_handlers", []string{})
	v.SetDefault("milter.listen", "tcp:127.0.0.1:12349")
	v.SetDefault("smtp_proxy.listen", "")
	v.SetDefault("smtp_proxy.downstream", "")
	v.SetDefault("admin.listen", "127.0.0.1:8951")
	v.SetDefault("audit.transport", "gochannel")
	v.SetDefault("audit.topic", "mailauth.disposition")
}

// Load reads the configuration file (YAML), applies environment and
// command line overrides and validates the result.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("MAILAUTH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("config: bind flags: %w", err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	// ip_map keys are prefixes such as "198.51.100.0/24"; viper's "."
	// key delimiter splits them during Unmarshal, so the section is
	// decoded from the raw map instead.
	if raw, ok := v.Get("ip_map").(map[string]any); ok {
		cfg.IPMap = make(map[string]IPMapEntry, len(raw))
		for prefix, val := range raw {
			entry, _ := val.(map[string]any)
			ip, _ := entry["ip"].(string)
			helo, _ := entry["helo"].(string)
			cfg.IPMap[prefix] = IPMapEntry{IP: ip, Helo: helo}
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// Handler sections may be live-reloaded; structural keys are not.
	if path != "" {
		v.OnConfigChange(func(e fsnotify.Event) {
			fresh := &Config{}
			if err := v.Unmarshal(fresh); err != nil {
				slog.Error("config reload failed", slog.Any("err", err))
				return
			}
			cfg.mu.Lock()
			cfg.Handlers = fresh.Handlers
			cfg.mu.Unlock()
			slog.Info("handler configuration reloaded", slog.String("file", e.Name))
		})
		v.WatchConfig()
	}

	return cfg, nil
}

// Validate checks structural constraints that must fail startup.
func (c *Config) Validate() error {
	for prefix := range c.IPMap {
		if prefix == "" {
			return fmt.Errorf("config: ip_map: empty prefix key")
		}
	}
	for _, name := range c.LoadHandlers {
		if name == "" {
			return fmt.Errorf("config: load_handlers: empty handler name")
		}
	}
	switch c.Audit.Transport {
	case "", "gochannel":
	case "amqp":
		if c.Audit.AMQPURI == "" {
			return fmt.Errorf("config: audit: amqp transport needs amqp_uri")
		}
	default:
		return fmt.Errorf("config: audit: unknown transport %q", c.Audit.Transport)
	}
	return nil
}

// SetCallbackProcessor installs the external handler-config hook.
func (c *Config) SetCallbackProcessor(p HandlerConfigProcessor) {
	c.mu.Lock()
	c.processor = p
	c.mu.Unlock()
}

// HandlerConfig returns a clone of the named handler's section with
// defaults merged under it and the external hook applied.
func (c *Config) HandlerConfig(name string, defaults map[string]any) map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]any, len(defaults))
	for k, val := range defaults {
		out[k] = val
	}
	section, ok := c.Handlers[name]
	if !ok {
		// Sections read from the file arrive with lower-cased keys.
		section = c.Handlers[strings.ToLower(name)]
	}
	for k, val := range section {
		out[k] = val
	}
	if c.processor != nil {
		c.processor.HandlerConfig(name, out)
	}
	return out
}

// TypeTimeout maps a timeout class to its configured duration.
// Zero means unlimited.
func (c *Config) TypeTimeout(class TimeoutClass) time.Duration {
	var secs int
	switch class {
	case TimeoutConnect:
		secs = c.ConnectTimeout
	case TimeoutCommand:
		secs = c.CommandTimeout
	case TimeoutContent:
		secs = c.ContentTimeout
	case TimeoutAddHeader:
		secs = c.AddHeaderTimeout
	}
	return time.Duration(secs) * time.Second
}

// FoldOpts bundles the header layout keys.
func (c *Config) FoldOpts() (style string, indentBy, foldAt int) {
	return c.HeaderIndentStyle, c.HeaderIndentBy, c.HeaderFoldAt
}
