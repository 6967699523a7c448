// Package config decodes the TOML configuration surface a kdapp process
// loads at startup, in the same strict-decode style go-ethereum's
// `cmd/geth` uses to load its node config: unknown fields are a hard
// error rather than silently ignored.
package config

import (
	"bufio"
	"fmt"
	"os"
	"reflect"

	"github.com/naoina/toml"

	"github.com/kdappio/kdapp/generator"
)

// PatternEntry is one (position, bit) constraint, the TOML-friendly form
// of generator.PatternBit.
type PatternEntry struct {
	Position uint8 `toml:"position"`
	Bit      uint8 `toml:"bit"`
}

// Config is the enumerated configuration surface every kdapp process
// reads: the node endpoint, this application's routing identity, the
// per-transaction fee, the router's bind address, and the signing key
// source.
type Config struct {
	Network             string         `toml:"network"`
	WrpcUrl             string         `toml:"wrpc_url"`
	Prefix              uint32         `toml:"prefix"`
	Pattern             []PatternEntry `toml:"pattern"`
	CheckpointPrefix    uint32         `toml:"checkpoint_prefix"`
	Fee                 uint64         `toml:"fee"`
	ListenAddr          string         `toml:"listen_addr"`
	KeySource           string         `toml:"key_source"`
	MaxPatternAttempts  uint64         `toml:"max_pattern_attempts"`
	CheckpointStorePath string         `toml:"checkpoint_store_path"`
}

// defaultWrpcURL is used when wrpc_url is left empty, standing in for the
// teacher's network-aware endpoint resolver.
const defaultWrpcURL = "ws://127.0.0.1:17110"

// tomlSettings matches go-ethereum's cmd/geth decode config: field names
// pass through unchanged, and a field present in the file but absent from
// the struct is a hard error instead of being silently dropped.
var tomlSettings = toml.Config{
	NormFieldName: func(rt reflect.Type, key string) string { return key },
	FieldToKey:    func(rt reflect.Type, field string) string { return field },
	MissingField: func(rt reflect.Type, field string) error {
		return fmt.Errorf("config: field %q is not defined in %s", field, rt.String())
	},
}

// Load reads and decodes the TOML file at path, then applies defaults and
// validates the result.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: opening %s: %w", path, err)
	}
	defer f.Close()

	var cfg Config
	if err := tomlSettings.NewDecoder(bufio.NewReader(f)).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config: decoding %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.WrpcUrl == "" {
		c.WrpcUrl = defaultWrpcURL
	}
	if c.MaxPatternAttempts == 0 {
		c.MaxPatternAttempts = generator.DefaultMaxAttempts
	}
}

// Validate reports the first configuration problem that would prevent a
// process from starting: a missing listen address or key source, or a
// pattern that isn't exactly the 10 entries the wire format
// requires.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}
	if c.KeySource == "" {
		return fmt.Errorf("key_source is required")
	}
	if len(c.Pattern) != 0 && len(c.Pattern) != 10 {
		return fmt.Errorf("pattern must have exactly 10 entries, got %d", len(c.Pattern))
	}
	return nil
}

// PatternType converts the decoded entries into generator.PatternType. The
// caller must have validated len(c.Pattern) == 10 (or 0, meaning the
// application derives its pattern from a key via generator.DeriveRoutingIDs
// instead of configuring one directly).
func (c *Config) PatternType() generator.PatternType {
	var pattern generator.PatternType
	for i, e := range c.Pattern {
		pattern[i] = generator.PatternBit{Position: e.Position, Bit: e.Bit}
	}
	return pattern
}
