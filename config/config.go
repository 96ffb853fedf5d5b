// Package config loads the KMIP server configuration from a file, KMIP_*
// environment variables and built-in defaults.
package config

/* This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/. */

import (
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

// EnvPrefix prefixes environment variable overrides, e.g. KMIP_PORT
const EnvPrefix = "KMIP"

// Store backends
const (
	StoreSQLite = "sqlite"
	StoreRemote = "remote"
)

// Config is the server configuration
type Config struct {
	Hostname string `mapstructure:"hostname"`
	Port     int    `mapstructure:"port"`

	CertificatePath string `mapstructure:"certificate_path"`
	KeyPath         string `mapstructure:"key_path"`
	CAPath          string `mapstructure:"ca_path"`

	AuthSuite           string   `mapstructure:"auth_suite"`
	TLSCipherSuites     []string `mapstructure:"tls_cipher_suites"`
	EnableTLSClientAuth bool     `mapstructure:"enable_tls_client_auth"`

	PolicyPath   string `mapstructure:"policy_path"`
	DatabasePath string `mapstructure:"database_path"`

	StoreBackend  string `mapstructure:"store_backend"`
	RemoteBaseURL string `mapstructure:"remote_base_url"`
	RemoteToken   string `mapstructure:"remote_token"`

	LoggingLevel string `mapstructure:"logging_level"`

	// Zero disables the timeout
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`

	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// Address of the health and metrics endpoint, empty to disable
	AdminAddress string `mapstructure:"admin_address"`
}

var defaults = map[string]interface{}{
	"hostname":               "127.0.0.1",
	"port":                   5696,
	"certificate_path":       "",
	"key_path":               "",
	"ca_path":                "",
	"auth_suite":             "Basic",
	"tls_cipher_suites":      []string{},
	"enable_tls_client_auth": true,
	"policy_path":            "",
	"database_path":          "/tmp/kmip.db",
	"store_backend":          StoreSQLite,
	"remote_base_url":        "",
	"remote_token":           "",
	"logging_level":          "info",
	"read_timeout":           time.Duration(0),
	"write_timeout":          time.Duration(0),
	"shutdown_timeout":       10 * time.Second,
	"admin_address":          "",
}

// Load reads configuration from path (yaml, toml or json, by extension)
// and the environment. An empty path reads the environment only.
func Load(path string) (*Config, error) {
	v := viper.New()

	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "error reading config file %s", path)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "error decoding configuration")
	}

	cfg.TLSCipherSuites = splitList(cfg.TLSCipherSuites)

	return &cfg, nil
}

// splitList accepts cipher suites given one per entry or as a single
// comma or whitespace separated string.
func splitList(in []string) []string {
	var out []string
	for _, entry := range in {
		for _, name := range strings.FieldsFunc(entry, func(r rune) bool {
			return r == ',' || r == ' ' || r == '\n' || r == '\t'
		}) {
			out = append(out, name)
		}
	}
	return out
}

// Validate checks that the configuration is complete and consistent
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return errors.Errorf("invalid port %d", c.Port)
	}

	for name, value := range map[string]string{
		"certificate_path": c.CertificatePath,
		"key_path":         c.KeyPath,
		"ca_path":          c.CAPath,
	} {
		if value == "" {
			return errors.Errorf("%s is required", name)
		}
	}

	if c.AuthSuite != "Basic" && c.AuthSuite != "TLS1.2" {
		return errors.Errorf("unknown auth_suite %q, expected Basic or TLS1.2", c.AuthSuite)
	}

	switch c.StoreBackend {
	case StoreSQLite:
		if c.DatabasePath == "" {
			return errors.New("database_path is required for the sqlite store")
		}
	case StoreRemote:
		if c.RemoteBaseURL == "" {
			return errors.New("remote_base_url is required for the remote store")
		}
	default:
		return errors.Errorf("unknown store_backend %q", c.StoreBackend)
	}

	if _, err := zapcore.ParseLevel(c.LoggingLevel); err != nil {
		return errors.Wrap(err, "invalid logging_level")
	}

	if c.ReadTimeout < 0 || c.WriteTimeout < 0 {
		return errors.New("timeouts must not be negative")
	}

	return nil
}

// Address returns the listener host:port
func (c *Config) Address() string {
	return net.JoinHostPort(c.Hostname, strconv.Itoa(c.Port))
}
