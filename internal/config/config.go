// Package config gathers the runtime parameters for the three roles from
// defaults, an optional INI file, the environment and CLI flags, in that
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/ini.v1"

	"github.com/1ureka/spectrelink/internal/relay"
	"github.com/1ureka/spectrelink/internal/secure"
	"github.com/1ureka/spectrelink/internal/socks5"
	"github.com/1ureka/spectrelink/internal/tunnel"
)

// Role selects which component the process runs.
type Role string

const (
	RoleClient Role = "client" // local SOCKS5 proxy
	RoleEntry  Role = "entry"  // entry relay
	RoleExit   Role = "exit"   // exit relay
)

// TunnelPath is appended to an entry URL given without a path.
const TunnelPath = relay.TunnelPath

const (
	DefaultListenHost  = "127.0.0.1"
	DefaultListenPort  = 1080
	DefaultRelayListen = ":8080"
	DefaultDialTimeout = 10 * time.Second
)

// Config stores every parameter a role may need.
type Config struct {
	Role Role

	ListenHost  string // client: SOCKS5 bind host
	ListenPort  int    // client: SOCKS5 bind port
	RelayListen string // entry/exit: HTTP listen address

	EntryURL string // client: websocket URL of the entry relay
	ExitURL  string // entry: websocket URL of the exit relay

	SharedKey string // 64 hex chars, client and entry
	Cipher    string

	NegotiationTimeout time.Duration
	DialTimeout        time.Duration
	PingInterval       time.Duration
	PongTimeout        time.Duration
	HandshakeTimeout   time.Duration // zero disables

	MetricsEnabled bool
	Debug          bool
}

// Default returns a Config populated with built-in defaults.
func Default() *Config {
	return &Config{
		Role:               RoleClient,
		ListenHost:         DefaultListenHost,
		ListenPort:         DefaultListenPort,
		RelayListen:        DefaultRelayListen,
		Cipher:             string(secure.DefaultSuite),
		NegotiationTimeout: socks5.DefaultTimeout,
		DialTimeout:        DefaultDialTimeout,
		PingInterval:       tunnel.DefaultPingInterval,
		PongTimeout:        tunnel.DefaultPongTimeout,
	}
}

// LoadFile overlays keys present in an INI file. Absent keys keep their
// current value.
//
//	[client]  host, port, entry_url, negotiation_timeout, ping_interval,
//	          pong_timeout, handshake_timeout
//	[relay]   listen, exit_url, dial_timeout, metrics
//	[crypto]  key, cipher
func (c *Config) LoadFile(path string) error {
	f, err := ini.Load(path)
	if err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}

	client := f.Section("client")
	relaySec := f.Section("relay")
	crypto := f.Section("crypto")

	var errs []error
	setString(client, "host", &c.ListenHost)
	if client.HasKey("port") {
		v, err := client.Key("port").Int()
		if err != nil {
			errs = append(errs, fmt.Errorf("[client] port: %w", err))
		} else {
			c.ListenPort = v
		}
	}
	setString(client, "entry_url", &c.EntryURL)
	errs = append(errs,
		setDuration(client, "negotiation_timeout", &c.NegotiationTimeout),
		setDuration(client, "ping_interval", &c.PingInterval),
		setDuration(client, "pong_timeout", &c.PongTimeout),
		setDuration(client, "handshake_timeout", &c.HandshakeTimeout),
	)

	setString(relaySec, "listen", &c.RelayListen)
	setString(relaySec, "exit_url", &c.ExitURL)
	errs = append(errs, setDuration(relaySec, "dial_timeout", &c.DialTimeout))
	if relaySec.HasKey("metrics") {
		v, err := relaySec.Key("metrics").Bool()
		if err != nil {
			errs = append(errs, fmt.Errorf("[relay] metrics: %w", err))
		} else {
			c.MetricsEnabled = v
		}
	}

	setString(crypto, "key", &c.SharedKey)
	setString(crypto, "cipher", &c.Cipher)

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config %s: %w", path, err)
	}
	return nil
}

func setString(sec *ini.Section, key string, dst *string) {
	if sec.HasKey(key) {
		*dst = strings.TrimSpace(sec.Key(key).String())
	}
}

func setDuration(sec *ini.Section, key string, dst *time.Duration) error {
	if !sec.HasKey(key) {
		return nil
	}
	v, err := sec.Key(key).Duration()
	if err != nil {
		return fmt.Errorf("[%s] %s: %w", sec.Name(), key, err)
	}
	*dst = v
	return nil
}

// LoadEnv overlays non-empty environment variables read through getenv.
// When two names map to one field the first is preferred.
func (c *Config) LoadEnv(getenv func(string) string) error {
	lookup := func(names ...string) (string, bool) {
		for _, n := range names {
			if v := strings.TrimSpace(getenv(n)); v != "" {
				return v, true
			}
		}
		return "", false
	}

	if v, ok := lookup("PROXY_HOST"); ok {
		c.ListenHost = v
	}
	if v, ok := lookup("PROXY_PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PROXY_PORT: %w", err)
		}
		c.ListenPort = port
	}
	if v, ok := lookup("CF_ENTRY_URL", "ENTRY_URL"); ok {
		c.EntryURL = v
	}
	if v, ok := lookup("EXIT_WORKER_URL", "EXIT_URL"); ok {
		c.ExitURL = v
	}
	if v, ok := lookup("SHARED_KEY"); ok {
		c.SharedKey = v
	}
	if v, ok := lookup("CIPHER"); ok {
		c.Cipher = v
	}
	if v, ok := lookup("RELAY_LISTEN"); ok {
		c.RelayListen = v
	}
	return nil
}

// Flags holds the values bound to a pflag.FlagSet by BindFlags.
type Flags struct {
	fs *pflag.FlagSet

	ConfigPath string

	role               string
	host               string
	port               int
	listen             string
	entryURL           string
	exitURL            string
	key                string
	cipher             string
	negotiationTimeout time.Duration
	dialTimeout        time.Duration
	pingInterval       time.Duration
	pongTimeout        time.Duration
	handshakeTimeout   time.Duration
	metrics            bool
	debug              bool
}

// BindFlags registers every option on fs. Defaults shown in the usage text
// come from Default().
func BindFlags(fs *pflag.FlagSet) *Flags {
	d := Default()
	f := &Flags{fs: fs}

	fs.StringVar(&f.role, "role", string(d.Role), "Role to run: client | entry | exit")
	fs.StringVar(&f.ConfigPath, "config", "", "Optional INI config file")
	fs.StringVar(&f.host, "host", d.ListenHost, "SOCKS5 listen host (client)")
	fs.IntVar(&f.port, "port", d.ListenPort, "SOCKS5 listen port (client)")
	fs.StringVar(&f.listen, "listen", d.RelayListen, "HTTP listen address (entry, exit)")
	fs.StringVar(&f.entryURL, "entry-url", "", "Entry relay URL, e.g. wss://entry.example.com (client)")
	fs.StringVar(&f.exitURL, "exit-url", "", "Exit relay URL, e.g. wss://exit.example.com (entry)")
	fs.StringVar(&f.key, "key", "", "Shared master key, 64 hex characters (client, entry)")
	fs.StringVar(&f.cipher, "cipher", d.Cipher, "AEAD suite: aes-256-gcm | chacha20-poly1305")
	fs.DurationVar(&f.negotiationTimeout, "negotiation-timeout", d.NegotiationTimeout, "SOCKS5 per-message timeout (client)")
	fs.DurationVar(&f.dialTimeout, "dial-timeout", d.DialTimeout, "Outbound connect timeout (entry, exit)")
	fs.DurationVar(&f.pingInterval, "ping-interval", d.PingInterval, "Tunnel keepalive ping interval (client)")
	fs.DurationVar(&f.pongTimeout, "pong-timeout", d.PongTimeout, "Close a tunnel after this long without pong (client)")
	fs.DurationVar(&f.handshakeTimeout, "handshake-timeout", 0, "Give up on a tunnel not ready within this time, 0 waits forever (client)")
	fs.BoolVar(&f.metrics, "metrics", false, "Expose Prometheus metrics on /metrics (entry, exit)")
	fs.BoolVar(&f.debug, "debug", false, "Enable debug logging")
	return f
}

// Apply copies flags that were set explicitly on the command line into c.
func (f *Flags) Apply(c *Config) {
	f.fs.Visit(func(fl *pflag.Flag) {
		switch fl.Name {
		case "role":
			c.Role = Role(strings.ToLower(f.role))
		case "host":
			c.ListenHost = f.host
		case "port":
			c.ListenPort = f.port
		case "listen":
			c.RelayListen = f.listen
		case "entry-url":
			c.EntryURL = f.entryURL
		case "exit-url":
			c.ExitURL = f.exitURL
		case "key":
			c.SharedKey = f.key
		case "cipher":
			c.Cipher = f.cipher
		case "negotiation-timeout":
			c.NegotiationTimeout = f.negotiationTimeout
		case "dial-timeout":
			c.DialTimeout = f.dialTimeout
		case "ping-interval":
			c.PingInterval = f.pingInterval
		case "pong-timeout":
			c.PongTimeout = f.pongTimeout
		case "handshake-timeout":
			c.HandshakeTimeout = f.handshakeTimeout
		case "metrics":
			c.MetricsEnabled = f.metrics
		case "debug":
			c.Debug = f.debug
		}
	})
}

// Load parses args and resolves the final Config. It does not validate.
func Load(args []string, getenv func(string) string) (*Config, error) {
	fs := pflag.NewFlagSet("spectrelink", pflag.ContinueOnError)
	fs.SortFlags = false
	flags := BindFlags(fs)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	c := Default()
	if flags.ConfigPath != "" {
		if err := c.LoadFile(flags.ConfigPath); err != nil {
			return nil, err
		}
	}
	if err := c.LoadEnv(getenv); err != nil {
		return nil, err
	}
	flags.Apply(c)
	return c, nil
}

// Validate checks the fields the configured role needs and normalizes
// relay URLs in place.
func (c *Config) Validate() error {
	switch c.Role {
	case RoleClient, RoleEntry, RoleExit:
	default:
		return fmt.Errorf("invalid role %q: must be client, entry or exit", c.Role)
	}

	if _, err := secure.ParseSuite(c.Cipher); err != nil {
		return err
	}

	if c.Role != RoleExit {
		if c.SharedKey == "" {
			return errors.New("missing shared key (SHARED_KEY or --key)")
		}
		if _, err := c.MasterKey(); err != nil {
			return err
		}
	}

	switch c.Role {
	case RoleClient:
		if c.ListenPort < 1 || c.ListenPort > 65535 {
			return fmt.Errorf("invalid port %d: must be 1~65535", c.ListenPort)
		}
		if c.EntryURL == "" {
			return errors.New("missing entry URL (CF_ENTRY_URL or --entry-url)")
		}
		u, err := NormalizeURL(c.EntryURL, TunnelPath)
		if err != nil {
			return err
		}
		c.EntryURL = u
		if c.NegotiationTimeout <= 0 || c.PingInterval <= 0 || c.PongTimeout <= 0 {
			return errors.New("timeouts must be positive")
		}
		if c.HandshakeTimeout < 0 {
			return errors.New("handshake timeout must not be negative")
		}
	case RoleEntry:
		if c.ExitURL == "" {
			return errors.New("missing exit URL (EXIT_WORKER_URL or --exit-url)")
		}
		u, err := NormalizeURL(c.ExitURL, "")
		if err != nil {
			return err
		}
		c.ExitURL = u
	}

	if c.Role != RoleClient {
		if _, _, err := net.SplitHostPort(c.RelayListen); err != nil {
			return fmt.Errorf("invalid listen address %q: %w", c.RelayListen, err)
		}
		if c.DialTimeout <= 0 {
			return errors.New("dial timeout must be positive")
		}
	}
	return nil
}

// Suite returns the configured AEAD suite.
func (c *Config) Suite() secure.Suite {
	s, err := secure.ParseSuite(c.Cipher)
	if err != nil {
		return secure.DefaultSuite
	}
	return s
}

// MasterKey parses SharedKey under the configured suite.
func (c *Config) MasterKey() (*secure.MasterKey, error) {
	return secure.ParseMasterKey(c.SharedKey, c.Suite())
}

// ListenAddr is the SOCKS5 bind address.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.ListenHost, strconv.Itoa(c.ListenPort))
}

// NormalizeURL maps http(s) to ws(s), defaults a bare host to wss and sets
// defaultPath when the URL has no path. Query and fragment are dropped.
func NormalizeURL(raw, defaultPath string) (string, error) {
	raw = strings.TrimSpace(raw)
	if !strings.Contains(raw, "://") {
		raw = "wss://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid relay URL: %s", raw)
	}

	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid relay URL scheme %q", u.Scheme)
	}

	path := u.Path
	if path == "" || path == "/" {
		path = defaultPath
	}
	return u.Scheme + "://" + u.Host + path, nil
}
