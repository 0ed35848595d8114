package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/opd-ai/meshnode"
	"github.com/opd-ai/meshnode/identity"
	"github.com/opd-ai/meshnode/transport"
)

// Config is the daemon configuration. It is read from an optional YAML file
// and then overridden by command-line flags.
type Config struct {
	Listen         string   `yaml:"listen"`
	Port           int      `yaml:"port"`
	PublicIPv4     string   `yaml:"public_ipv4"`
	PublicIPv6     string   `yaml:"public_ipv6"`
	LocalDiscovery bool     `yaml:"local_discovery"`
	BootstrapURL   string   `yaml:"bootstrap_url"`
	BootstrapNodes []string `yaml:"bootstrap_nodes"`
	TorProxy       string   `yaml:"tor_proxy"`
	Onion          string   `yaml:"onion"`
	Metrics        string   `yaml:"metrics"`
	Announce       []string `yaml:"announce"`
	Relay          bool     `yaml:"relay"`
	LogLevel       string   `yaml:"log_level"`
}

func defaultConfig() *Config {
	return &Config{
		Port:           meshnode.DefaultPort,
		LocalDiscovery: true,
		LogLevel:       "info",
	}
}

// loadConfig reads path over the defaults. An empty path yields the
// defaults.
func loadConfig(path string) (*Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// flagSource is the subset of *cli.Context the overrides read.
type flagSource interface {
	IsSet(name string) bool
	String(name string) string
	Int(name string) int
	Bool(name string) bool
	StringSlice(name string) []string
}

// applyFlags overrides cfg with every flag set on the command line.
func applyFlags(cfg *Config, c flagSource) {
	if c.IsSet("listen") {
		cfg.Listen = c.String("listen")
	}
	if c.IsSet("port") {
		cfg.Port = c.Int("port")
	}
	if c.IsSet("public-ipv4") {
		cfg.PublicIPv4 = c.String("public-ipv4")
	}
	if c.IsSet("public-ipv6") {
		cfg.PublicIPv6 = c.String("public-ipv6")
	}
	if c.IsSet("no-lan") {
		cfg.LocalDiscovery = !c.Bool("no-lan")
	}
	if c.IsSet("bootstrap-url") {
		cfg.BootstrapURL = c.String("bootstrap-url")
	}
	if c.IsSet("bootstrap") {
		cfg.BootstrapNodes = c.StringSlice("bootstrap")
	}
	if c.IsSet("tor-proxy") {
		cfg.TorProxy = c.String("tor-proxy")
	}
	if c.IsSet("onion") {
		cfg.Onion = c.String("onion")
	}
	if c.IsSet("metrics") {
		cfg.Metrics = c.String("metrics")
	}
	if c.IsSet("announce") {
		cfg.Announce = c.StringSlice("announce")
	}
	if c.IsSet("relay") {
		cfg.Relay = c.Bool("relay")
	}
	if c.IsSet("log-level") {
		cfg.LogLevel = c.String("log-level")
	}
}

// validate checks the configuration.
func (cfg *Config) validate() error {
	if cfg.Port < 0 || cfg.Port > 65535 {
		return fmt.Errorf("invalid port %d: must be between 0 and 65535", cfg.Port)
	}
	if cfg.Onion != "" && cfg.TorProxy == "" {
		return errors.New("an onion address requires a Tor proxy")
	}
	if cfg.TorProxy != "" {
		if _, err := proxyConfig(cfg.TorProxy); err != nil {
			return err
		}
	}
	if _, err := cfg.networkIDs(); err != nil {
		return err
	}
	if cfg.Relay && len(cfg.Announce) == 0 {
		return errors.New("relay requires at least one announced network")
	}
	return nil
}

// networkIDs parses the announced network IDs.
func (cfg *Config) networkIDs() ([]identity.ID, error) {
	ids := make([]identity.ID, 0, len(cfg.Announce))
	for _, s := range cfg.Announce {
		id, err := identity.ParseID(s)
		if err != nil {
			return nil, fmt.Errorf("network id %q: %w", s, err)
		}
		if id.Len() != identity.Size256 {
			return nil, fmt.Errorf("network id %q: must be %d bytes", s, identity.Size256)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func proxyConfig(addr string) (*transport.ProxyConfig, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("tor proxy %q: %w", addr, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || port == 0 {
		return nil, fmt.Errorf("tor proxy %q: invalid port", addr)
	}
	return &transport.ProxyConfig{Host: host, Port: uint16(port)}, nil
}

// options converts the configuration to node options.
func (cfg *Config) options() (*meshnode.Options, error) {
	o := meshnode.NewOptions()
	host := cfg.Listen
	o.ListenAddr = net.JoinHostPort(host, strconv.Itoa(cfg.Port))
	o.PublicIPv4 = cfg.PublicIPv4
	o.PublicIPv6 = cfg.PublicIPv6
	o.LocalDiscovery = cfg.LocalDiscovery
	o.BootstrapURL = cfg.BootstrapURL
	o.BootstrapNodes = cfg.BootstrapNodes
	o.OnionAddress = cfg.Onion
	if cfg.TorProxy != "" {
		p, err := proxyConfig(cfg.TorProxy)
		if err != nil {
			return nil, err
		}
		o.Proxy = p
	}
	if cfg.PublicIPv4 != "" || cfg.PublicIPv6 != "" {
		o.Reachable = func() bool { return true }
	}
	return o, nil
}
