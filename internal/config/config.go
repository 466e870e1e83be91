// Package config loads and validates the YAML provisioning configuration.
package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the provisioning configuration file.
type Config struct {
	URL     string        `yaml:"url"`
	Keys    KeysConfig    `yaml:"keys"`
	SDM     SDMConfig     `yaml:"sdm"`
	Runtime RuntimeConfig `yaml:"runtime"`
}

// KeysConfig locates key material. Either a per-slot hex file map or a
// CSV key store; the key store wins when both are set.
type KeysConfig struct {
	MasterKeyHexFile string `yaml:"master_key_hex_file"`
	KeyDir           string `yaml:"key_dir"`
	KeyStoreCSV      string `yaml:"key_store_csv"`
}

// SDMConfig selects the SDM file and key slot to provision.
type SDMConfig struct {
	FileNo   *int `yaml:"file_no"`
	SDMKeyNo *int `yaml:"sdm_key_no"`
}

// RuntimeConfig holds reader selection and behavioral switches.
type RuntimeConfig struct {
	ReaderIndex  *int  `yaml:"reader_index"`
	SettingsOnly *bool `yaml:"settings_only"`
	DryRun       *bool `yaml:"dry_run"`
}

// Load reads, strictly decodes, and validates a config file. Relative
// key paths are resolved against the config file's directory.
func Load(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}
	cfg.resolvePaths(path)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field ranges and that referenced key files exist.
func (c *Config) Validate() error {
	if c.URL != "" {
		u, err := url.Parse(c.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("url must be absolute: %q", c.URL)
		}
	}
	if c.Keys.MasterKeyHexFile == "" && c.Keys.KeyDir == "" && c.Keys.KeyStoreCSV == "" {
		return fmt.Errorf("keys: one of master_key_hex_file, key_dir, key_store_csv is required")
	}
	for _, p := range []string{c.Keys.MasterKeyHexFile, c.Keys.KeyStoreCSV} {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err != nil {
			return fmt.Errorf("key file %q: %w", p, err)
		}
	}
	if c.Keys.KeyDir != "" {
		fi, err := os.Stat(c.Keys.KeyDir)
		if err != nil {
			return fmt.Errorf("key dir %q: %w", c.Keys.KeyDir, err)
		}
		if !fi.IsDir() {
			return fmt.Errorf("key dir %q is not a directory", c.Keys.KeyDir)
		}
	}
	if c.SDM.FileNo != nil && (*c.SDM.FileNo < 1 || *c.SDM.FileNo > 3) {
		return fmt.Errorf("sdm.file_no %d out of range (1-3)", *c.SDM.FileNo)
	}
	if c.SDM.SDMKeyNo != nil && (*c.SDM.SDMKeyNo < 0 || *c.SDM.SDMKeyNo > 4) {
		return fmt.Errorf("sdm.sdm_key_no %d out of range (0-4)", *c.SDM.SDMKeyNo)
	}
	if c.Runtime.ReaderIndex != nil && *c.Runtime.ReaderIndex < 0 {
		return fmt.Errorf("runtime.reader_index must not be negative")
	}
	return nil
}

// ReaderIndex returns the configured reader index, defaulting to 0.
func (c *Config) ReaderIndex() int {
	if c.Runtime.ReaderIndex != nil {
		return *c.Runtime.ReaderIndex
	}
	return 0
}

// SDMFileNo returns the configured SDM file number, defaulting to 2
// (the NDEF file).
func (c *Config) SDMFileNo() byte {
	if c.SDM.FileNo != nil {
		return byte(*c.SDM.FileNo)
	}
	return 2
}

// SDMKeyNo returns the configured SDM key slot, defaulting to 1.
func (c *Config) SDMKeyNo() byte {
	if c.SDM.SDMKeyNo != nil {
		return byte(*c.SDM.SDMKeyNo)
	}
	return 1
}

func (c *Config) resolvePaths(cfgPath string) {
	base := filepath.Dir(cfgPath)
	home, _ := os.UserHomeDir()
	resolve := func(p string) string {
		switch {
		case p == "" || filepath.IsAbs(p):
			return p
		case p == "~" && home != "":
			return home
		case strings.HasPrefix(p, "~/") && home != "":
			return filepath.Join(home, p[2:])
		}
		return filepath.Join(base, p)
	}
	c.Keys.MasterKeyHexFile = resolve(c.Keys.MasterKeyHexFile)
	c.Keys.KeyDir = resolve(c.Keys.KeyDir)
	c.Keys.KeyStoreCSV = resolve(c.Keys.KeyStoreCSV)
}
