package pgcrypto

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/xerrors"
	"gopkg.in/yaml.v3"
)

// Config is the YAML configuration of key material and table schemas.
type Config struct {
	Keys   KeysConfig `yaml:"keys"`
	Tables []Table    `yaml:"tables"`
}

// KeysConfig references key material. PGP keys are read from files;
// relative paths resolve against the directory of the config file.
type KeysConfig struct {
	PublicKeyFile        string `yaml:"public_key_file"`
	PrivateKeyFile       string `yaml:"private_key_file"`
	PrivateKeyPassphrase string `yaml:"private_key_passphrase"`
	Passphrase           string `yaml:"passphrase"`
	HMACKey              string `yaml:"hmac_key"`
	DigestAlgorithm      string `yaml:"digest_algorithm"`
}

// LoadConfig reads and validates the YAML config at path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Errorf("read config: %w", err)
	}
	cfg, err := ParseConfig(data, filepath.Dir(path))
	if err != nil {
		return nil, xerrors.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// ParseConfig parses a YAML config. Relative key file paths are resolved
// against dir.
func ParseConfig(data []byte, dir string) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, xerrors.Errorf("decode yaml: %w", err)
	}

	for _, p := range []*string{&cfg.Keys.PublicKeyFile, &cfg.Keys.PrivateKeyFile} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(dir, *p)
		}
	}

	seen := map[string]bool{}
	var errs []error
	for _, t := range cfg.Tables {
		if seen[t.Name] {
			errs = append(errs, xerrors.Errorf("table %q is declared twice", t.Name))
		}
		seen[t.Name] = true
		if err := t.Validate(); err != nil {
			errs = append(errs, xerrors.Errorf("table %q: %w", t.Name, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Table returns the table named name.
func (c *Config) Table(name string) (Table, error) {
	for _, t := range c.Tables {
		if t.Name == name {
			return t, nil
		}
	}
	return Table{}, xerrors.Errorf("table %q is not configured", name)
}

// LoadKeys reads the configured key files.
func (c *Config) LoadKeys() (Keys, error) {
	return c.Keys.Load()
}

// Load reads the configured key files.
func (k KeysConfig) Load() (Keys, error) {
	keys := Keys{
		PrivateKeyPassphrase: k.PrivateKeyPassphrase,
		Passphrase:           k.Passphrase,
		HMACKey:              k.HMACKey,
		DigestAlgorithm:      k.DigestAlgorithm,
	}
	if k.PublicKeyFile != "" {
		data, err := os.ReadFile(k.PublicKeyFile)
		if err != nil {
			return Keys{}, xerrors.Errorf("read public key: %w", err)
		}
		keys.PublicKey = string(data)
	}
	if k.PrivateKeyFile != "" {
		data, err := os.ReadFile(k.PrivateKeyFile)
		if err != nil {
			return Keys{}, xerrors.Errorf("read private key: %w", err)
		}
		keys.PrivateKey = string(data)
	}
	return keys, nil
}
