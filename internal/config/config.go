// Package config: ddmq.toml loading with defaults and DDMQ_* env overrides.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"dev.c0redev.ddmq/internal/capability"
	"dev.c0redev.ddmq/internal/proto"
)

type Config struct {
	Server       ServerConfig       `toml:"server"`
	Client       ClientConfig       `toml:"client"`
	Capabilities CapabilitiesConfig `toml:"capabilities"`
	Limits       LimitsConfig       `toml:"limits"`
	Log          LogConfig          `toml:"log"`
}

type ServerConfig struct {
	Listen      string `toml:"listen"`
	QUICListen  string `toml:"quic_listen"`  // empty = no QUIC listener
	MetricsAddr string `toml:"metrics_addr"` // empty = no /metrics endpoint
	Journal     string `toml:"journal"`      // sqlite path; empty = no journal
	TLSCert     string `toml:"tls_cert"`     // QUIC cert/key; empty = in-memory self-signed
	TLSKey      string `toml:"tls_key"`
}

type ClientConfig struct {
	Server       string `toml:"server"`
	Transport    string `toml:"transport"` // tcp | quic
	ClientIDFile string `toml:"client_id_file"`
	ClientName   string `toml:"client_name"`
	RingName     string `toml:"ring_name"`
	ExchangeType string `toml:"exchange_type"`
}

type CapabilitiesConfig struct {
	Compression    string `toml:"compression"`
	Hashing        string `toml:"hashing"`
	Encryption     string `toml:"encryption"`
	EncryptionKey  string `toml:"encryption_key"`    // hex, 32 bytes
	KEMKeyFile     string `toml:"kem_key_file"`      // acceptor seed file
	PeerKEMKeyFile string `toml:"peer_kem_key_file"` // initiator: server's public key
}

type LimitsConfig struct {
	MaxPayload       int           `toml:"max_payload"`
	ReadBuffer       int           `toml:"read_buffer"`
	HandshakeTimeout time.Duration `toml:"handshake_timeout"`
	WriteTimeout     time.Duration `toml:"write_timeout"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // console | json
}

func Default() Config {
	return Config{
		Server: ServerConfig{Listen: ":7420"},
		Client: ClientConfig{
			Server:       "127.0.0.1:7420",
			Transport:    "tcp",
			ClientIDFile: "ddmq_client_id",
			ExchangeType: string(proto.ExchangeDirect),
		},
		Capabilities: CapabilitiesConfig{
			Compression: string(capability.DefaultCompression),
			Hashing:     string(capability.DefaultHash),
			Encryption:  string(capability.DefaultEncryption),
		},
		Limits: LimitsConfig{
			MaxPayload:       proto.MaxPayloadSize,
			ReadBuffer:       32 * 1024,
			HandshakeTimeout: 10 * time.Second,
			WriteTimeout:     15 * time.Second,
		},
		Log: LogConfig{Level: "info", Format: "console"},
	}
}

// Load reads path over Default(), applies env overrides, validates. Empty path = defaults + env.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("load config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.Getenv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// env var -> setter
func (c *Config) applyEnv(getenv func(string) string) error {
	str := map[string]*string{
		"DDMQ_LISTEN":            &c.Server.Listen,
		"DDMQ_QUIC_LISTEN":       &c.Server.QUICListen,
		"DDMQ_METRICS_ADDR":      &c.Server.MetricsAddr,
		"DDMQ_JOURNAL":           &c.Server.Journal,
		"DDMQ_TLS_CERT":          &c.Server.TLSCert,
		"DDMQ_TLS_KEY":           &c.Server.TLSKey,
		"DDMQ_SERVER":            &c.Client.Server,
		"DDMQ_TRANSPORT":         &c.Client.Transport,
		"DDMQ_CLIENT_ID_FILE":    &c.Client.ClientIDFile,
		"DDMQ_CLIENT_NAME":       &c.Client.ClientName,
		"DDMQ_RING_NAME":         &c.Client.RingName,
		"DDMQ_EXCHANGE_TYPE":     &c.Client.ExchangeType,
		"DDMQ_COMPRESSION":       &c.Capabilities.Compression,
		"DDMQ_HASHING":           &c.Capabilities.Hashing,
		"DDMQ_ENCRYPTION":        &c.Capabilities.Encryption,
		"DDMQ_ENCRYPTION_KEY":    &c.Capabilities.EncryptionKey,
		"DDMQ_KEM_KEY_FILE":      &c.Capabilities.KEMKeyFile,
		"DDMQ_PEER_KEM_KEY_FILE": &c.Capabilities.PeerKEMKeyFile,
		"DDMQ_LOG_LEVEL":         &c.Log.Level,
		"DDMQ_LOG_FORMAT":        &c.Log.Format,
	}
	for k, p := range str {
		if v := strings.TrimSpace(getenv(k)); v != "" {
			*p = v
		}
	}
	ints := map[string]*int{
		"DDMQ_MAX_PAYLOAD": &c.Limits.MaxPayload,
		"DDMQ_READ_BUFFER": &c.Limits.ReadBuffer,
	}
	for k, p := range ints {
		if v := strings.TrimSpace(getenv(k)); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", k, err)
			}
			*p = n
		}
	}
	durs := map[string]*time.Duration{
		"DDMQ_HANDSHAKE_TIMEOUT": &c.Limits.HandshakeTimeout,
		"DDMQ_WRITE_TIMEOUT":     &c.Limits.WriteTimeout,
	}
	for k, p := range durs {
		if v := strings.TrimSpace(getenv(k)); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", k, err)
			}
			*p = d
		}
	}
	return nil
}

func (c Config) Validate() error {
	if c.Limits.MaxPayload <= 0 || c.Limits.MaxPayload > proto.MaxPayloadSize {
		return fmt.Errorf("limits.max_payload must be in (0, %d], got %d", proto.MaxPayloadSize, c.Limits.MaxPayload)
	}
	if c.Limits.ReadBuffer < 512 {
		return fmt.Errorf("limits.read_buffer must be >= 512, got %d", c.Limits.ReadBuffer)
	}
	if c.Limits.HandshakeTimeout <= 0 {
		return fmt.Errorf("limits.handshake_timeout must be positive")
	}
	if c.Limits.WriteTimeout < 0 {
		return fmt.Errorf("limits.write_timeout must not be negative")
	}
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		return fmt.Errorf("server.tls_cert and server.tls_key must be set together")
	}
	switch strings.ToLower(c.Client.Transport) {
	case "tcp", "quic":
	default:
		return fmt.Errorf("client.transport must be tcp or quic, got %q", c.Client.Transport)
	}
	switch strings.ToLower(c.Log.Format) {
	case "console", "json":
	default:
		return fmt.Errorf("log.format must be console or json, got %q", c.Log.Format)
	}
	if c.Client.ExchangeType != "" {
		if _, ok := proto.ParseExchangeType(c.Client.ExchangeType); !ok {
			return fmt.Errorf("client.exchange_type: unknown %q", c.Client.ExchangeType)
		}
	}
	for name, v := range map[string]string{"client.client_name": c.Client.ClientName, "client.ring_name": c.Client.RingName} {
		if strings.Contains(v, ";") {
			return fmt.Errorf("%s must not contain ';'", name)
		}
	}
	if _, err := c.EncryptionKey(); err != nil {
		return err
	}
	return nil
}

// CapabilitySet: resolved tags (unknown names -> defaults).
func (c Config) CapabilitySet() capability.Set {
	return capability.Resolve(c.Capabilities.Compression, c.Capabilities.Hashing, c.Capabilities.Encryption)
}

// EncryptionKey decodes the pre-shared key; nil when unset.
func (c Config) EncryptionKey() ([]byte, error) {
	raw := strings.TrimSpace(c.Capabilities.EncryptionKey)
	if raw == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("capabilities.encryption_key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("capabilities.encryption_key: need 32 bytes, got %d", len(key))
	}
	return key, nil
}
