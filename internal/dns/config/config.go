// Package config loads the daemon configuration from environment
// variables (prefix DNS_), applies defaults, and validates the result.
package config

import (
	"encoding/base64"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// AppConfig holds configuration values parsed from environment variables.
type AppConfig struct {
	// CacheSize bounds the resolver cache in owner names.
	CacheSize uint `koanf:"cache_size" validate:"required,gte=1"`

	// Env is the runtime environment, either "dev" or "prod".
	Env string `koanf:"env" validate:"required,oneof=dev prod"`

	// LogLevel controls log verbosity: "debug", "info", "warn", or "error".
	LogLevel string `koanf:"log_level" validate:"required,oneof=debug info warn error"`

	// Port is the network port the DNS server will bind to.
	Port int `koanf:"port" validate:"required,gte=1,lt=65535"`

	// ZoneDir is the directory where zone files are located.
	ZoneDir string `koanf:"zone_dir" validate:"required"`

	// SnapshotPath locates the bbolt database holding transferred-zone
	// snapshots. Empty disables snapshotting.
	SnapshotPath string `koanf:"snapshot_path"`

	// RootServers seed the resolver cache with root name server
	// addresses, in ip:port format.
	RootServers []string `koanf:"root_servers" validate:"dive,ip_port"`

	// TSIGSecrets registers transaction-signature keys, each entry in
	// keyname=base64-secret form. The key name encodes the granted
	// operation and zone.
	TSIGSecrets []string `koanf:"tsig_secrets" validate:"dive,key_secret"`
}

// DefaultAppConfig holds the defaults applied before the environment is
// consulted.
var DefaultAppConfig = AppConfig{
	CacheSize: 1000,
	Env:       "prod",
	LogLevel:  "info",
	Port:      53,
	ZoneDir:   "/etc/dnscore/zones/",
}

// validIPPort validates an "ip:port" string.
func validIPPort(fl validator.FieldLevel) bool {
	addr := fl.Field().String()
	ip, port, err := net.SplitHostPort(addr)
	if err != nil || ip == "" || port == "" {
		return false
	}
	if net.ParseIP(ip) == nil {
		return false
	}
	portNum, err := strconv.ParseUint(port, 10, 16)
	return err == nil && portNum > 0 && portNum < 65536
}

// validKeySecret validates a "keyname=base64-secret" pair.
func validKeySecret(fl validator.FieldLevel) bool {
	name, secret, ok := strings.Cut(fl.Field().String(), "=")
	if !ok || name == "" || secret == "" {
		return false
	}
	_, err := base64.StdEncoding.DecodeString(secret)
	return err == nil
}

// envLoader loads DNS_-prefixed environment variables, lowercasing keys
// and splitting comma or space separated values into lists. Swappable in
// tests.
var envLoader = func(k *koanf.Koanf) error {
	return k.Load(env.Provider(".", env.Opt{
		Prefix: "DNS_",
		TransformFunc: func(key, value string) (string, any) {
			key = strings.ToLower(strings.TrimPrefix(key, "DNS_"))
			value = strings.TrimSpace(value)
			if value == "" {
				return key, value
			}
			if strings.Contains(value, " ") || strings.Contains(value, ",") {
				parts := strings.FieldsFunc(value, func(r rune) bool {
					return r == ' ' || r == ','
				})
				return key, parts
			}
			return key, value
		},
	}), nil)
}

// Load parses environment variables and returns an AppConfig instance.
// It applies default values and runs validation automatically.
func Load() (*AppConfig, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(DefaultAppConfig, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}
	if err := envLoader(k); err != nil {
		return nil, fmt.Errorf("loading environment: %w", err)
	}

	var cfg AppConfig
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	v := validator.New()
	if err := v.RegisterValidation("ip_port", validIPPort); err != nil {
		return nil, err
	}
	if err := v.RegisterValidation("key_secret", validKeySecret); err != nil {
		return nil, err
	}
	if err := v.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}
