// Package config loads robosync settings from a TOML file.
package config

import (
	"bytes"
	_ "embed"
	"encoding"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/mitchellh/go-homedir"

	"github.com/and161185/robosync/internal/coordinator"
	"github.com/and161185/robosync/internal/model"
)

const appName = "robosync"

//go:embed federation.toml
var defaultFederation []byte

var (
	_ encoding.TextMarshaler   = (*Duration)(nil)
	_ encoding.TextUnmarshaler = (*Duration)(nil)
)

// Duration is a time.Duration written as a string in TOML ("30s").
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) { return []byte(time.Duration(d).String()), nil }

// Config is the full client configuration.
type Config struct {
	Network          model.Network   `toml:"network"`
	Transport        model.Transport `toml:"transport"`
	SocksProxy       string          `toml:"socks_proxy"`
	DataDir          string          `toml:"data_dir"`
	DSN              string          `toml:"dsn"`
	GRPCAddr         string          `toml:"grpc_addr"`
	Relays           []string        `toml:"relays"`
	RecoveryGap      int             `toml:"recovery_gap"`
	BackgroundFactor int             `toml:"background_factor"`
	RequestTimeout   Duration        `toml:"request_timeout"`
	PollTimeout      Duration        `toml:"poll_timeout"`
	HealthInterval   Duration        `toml:"health_interval"`
	RefreshInterval  Duration        `toml:"refresh_interval"`

	Coordinators []Coordinator `toml:"coordinator"`
}

// Coordinator is one federation member as written in the file.
type Coordinator struct {
	ShortAlias      string            `toml:"short_alias"`
	LongAlias       string            `toml:"long_alias"`
	Disabled        bool              `toml:"disabled"`
	DevFundDonation int               `toml:"dev_fund"`
	NostrHexPubkey  string            `toml:"nostr_pubkey"`
	Mainnet         map[string]string `toml:"mainnet"`
	Testnet         map[string]string `toml:"testnet"`
}

type federationFile struct {
	Coordinators []Coordinator `toml:"coordinator"`
}

// Dir is the configuration directory: $XDG_CONFIG_HOME/robosync or ~/.config/robosync.
func Dir() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, appName)
	}
	home, err := homedir.Dir()
	if err != nil {
		return filepath.Join(".", "."+appName)
	}
	return filepath.Join(home, ".config", appName)
}

// Path is the default config file location.
func Path() string { return filepath.Join(Dir(), "config.toml") }

// Default returns the built-in configuration with the default federation.
func Default() Config {
	c := Config{
		Network:          model.Mainnet,
		Transport:        model.Clearnet,
		DataDir:          Dir(),
		GRPCAddr:         "127.0.0.1:9757",
		Relays:           []string{"wss://nostr.satstralia.com", "wss://relay.damus.io", "wss://nos.lol"},
		RecoveryGap:      5,
		BackgroundFactor: 5,
		RequestTimeout:   Duration(30 * time.Second),
		PollTimeout:      Duration(30 * time.Second),
		HealthInterval:   Duration(2 * time.Minute),
		RefreshInterval:  Duration(5 * time.Minute),
	}
	c.Coordinators = DefaultFederation()
	return c
}

// DefaultFederation returns the coordinators shipped with the client.
func DefaultFederation() []Coordinator {
	var f federationFile
	if _, err := toml.NewDecoder(bytes.NewReader(defaultFederation)).Decode(&f); err != nil {
		panic(fmt.Sprintf("embedded federation: %v", err))
	}
	return f.Coordinators
}

// Load reads path over the defaults. A missing file yields Default. A file that
// lists no coordinators keeps the default federation.
func Load(path string) (Config, error) {
	cfg := Default()
	path, err := homedir.Expand(path)
	if err != nil {
		return Config{}, fmt.Errorf("expanding config path: %w", err)
	}
	raw, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return cfg, nil
	case err != nil:
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	cfg.Coordinators = nil
	md, err := toml.Decode(string(raw), &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if und := md.Undecoded(); len(und) > 0 {
		keys := make([]string, len(und))
		for i, k := range und {
			keys[i] = k.String()
		}
		return Config{}, fmt.Errorf("parse %s: unknown keys %s", path, strings.Join(keys, ", "))
	}
	if len(cfg.Coordinators) == 0 {
		cfg.Coordinators = DefaultFederation()
	}
	if cfg.DataDir, err = homedir.Expand(cfg.DataDir); err != nil {
		return Config{}, fmt.Errorf("expanding data_dir: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Write stores cfg at path, creating the directory.
func Write(path string, cfg Config) error {
	path, err := homedir.Expand(path)
	if err != nil {
		return fmt.Errorf("expanding config path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("making config directory: %w", err)
	}
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return os.WriteFile(path, buf.Bytes(), 0o600)
}

// Validate checks enum fields and the coordinator table.
func (c Config) Validate() error {
	switch c.Network {
	case model.Mainnet, model.Testnet:
	default:
		return fmt.Errorf("network %q: want mainnet or testnet", c.Network)
	}
	if err := validTransport(string(c.Transport)); err != nil {
		return err
	}
	if c.RecoveryGap < 1 {
		return fmt.Errorf("recovery_gap %d: must be positive", c.RecoveryGap)
	}
	if c.BackgroundFactor < 1 {
		return fmt.Errorf("background_factor %d: must be positive", c.BackgroundFactor)
	}
	seen := map[string]bool{}
	for _, co := range c.Coordinators {
		if co.ShortAlias == "" {
			return errors.New("coordinator without short_alias")
		}
		if seen[co.ShortAlias] {
			return fmt.Errorf("coordinator %q listed twice", co.ShortAlias)
		}
		seen[co.ShortAlias] = true
		for _, eps := range []map[string]string{co.Mainnet, co.Testnet} {
			for t := range eps {
				if err := validTransport(t); err != nil {
					return fmt.Errorf("coordinator %q: %w", co.ShortAlias, err)
				}
			}
		}
	}
	return nil
}

func validTransport(t string) error {
	switch model.Transport(t) {
	case model.Clearnet, model.Onion, model.I2P:
		return nil
	}
	return fmt.Errorf("transport %q: want clearnet, onion or i2p", t)
}

// CoordinatorConfigs converts the table for coordinator.New.
func (c Config) CoordinatorConfigs() []coordinator.Config {
	out := make([]coordinator.Config, 0, len(c.Coordinators))
	for _, co := range c.Coordinators {
		eps := coordinator.Endpoints{}
		for network, m := range map[model.Network]map[string]string{model.Mainnet: co.Mainnet, model.Testnet: co.Testnet} {
			if len(m) == 0 {
				continue
			}
			eps[network] = map[model.Transport]string{}
			for t, u := range m {
				eps[network][model.Transport(t)] = u
			}
		}
		out = append(out, coordinator.Config{
			ShortAlias:      co.ShortAlias,
			LongAlias:       co.LongAlias,
			Endpoints:       eps,
			NostrHexPubkey:  co.NostrHexPubkey,
			DevFundDonation: co.DevFundDonation,
			Enabled:         !co.Disabled,
		})
	}
	return out
}
