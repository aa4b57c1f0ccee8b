package app

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/google/renameio/v2"
	"gopkg.in/yaml.v3"
)

// RuntimeConfig is the engine configuration that can change while the
// process runs. It is read from a YAML file and from the settings API.
type RuntimeConfig struct {
	ListenPort        int           `yaml:"listen_port" json:"listenPort"`
	MaxActive         int           `yaml:"max_active" json:"maxActive"`
	DownloadRateLimit int64         `yaml:"download_rate_limit" json:"downloadRateLimit"`
	UploadRateLimit   int64         `yaml:"upload_rate_limit" json:"uploadRateLimit"`
	DownloadRoot      string        `yaml:"download_root" json:"downloadRoot"`
	ResumeDir         string        `yaml:"resume_dir" json:"resumeDir"`
	DHT               *bool         `yaml:"dht,omitempty" json:"dht,omitempty"`
	PEX               *bool         `yaml:"pex,omitempty" json:"pex,omitempty"`
	Encryption        string        `yaml:"encryption,omitempty" json:"encryption,omitempty"`
	Tracker           TrackerConfig `yaml:"tracker" json:"tracker"`
	Proxy             ProxyConfig   `yaml:"proxy" json:"proxy"`
}

type TrackerConfig struct {
	UserAgent  *string  `yaml:"user_agent,omitempty" json:"userAgent,omitempty"`
	AnnounceIP *string  `yaml:"announce_ip,omitempty" json:"announceIp,omitempty"`
	Default    []string `yaml:"default,omitempty" json:"default,omitempty"`
	Replace    bool     `yaml:"replace" json:"replace"`
}

type ProxyConfig struct {
	Type       *string `yaml:"type,omitempty" json:"type,omitempty"`
	Host       *string `yaml:"host,omitempty" json:"host,omitempty"`
	Port       *int    `yaml:"port,omitempty" json:"port,omitempty"`
	Username   *string `yaml:"username,omitempty" json:"username,omitempty"`
	Password   *string `yaml:"password,omitempty" json:"password,omitempty"`
	ProxyPeers bool    `yaml:"proxy_peers" json:"proxyPeers"`
}

// DefaultRuntimeConfig is used when no config file exists yet.
func DefaultRuntimeConfig(cfg Config) RuntimeConfig {
	return RuntimeConfig{
		ListenPort:   42069,
		MaxActive:    5,
		DownloadRoot: cfg.TorrentDataDir,
		ResumeDir:    cfg.ResumeDir,
	}
}

// LoadRuntimeConfig reads path. A missing file yields fallback and no error.
func LoadRuntimeConfig(path string, fallback RuntimeConfig) (RuntimeConfig, error) {
	if path == "" {
		return fallback, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fallback, nil
		}
		return fallback, fmt.Errorf("read runtime config: %w", err)
	}

	cfg := fallback
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return fallback, nil
		}
		return fallback, fmt.Errorf("parse runtime config %s: %w", path, err)
	}
	return cfg, nil
}

// SaveRuntimeConfig atomically writes cfg to path.
func SaveRuntimeConfig(path string, cfg RuntimeConfig) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode runtime config: %w", err)
	}
	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write runtime config: %w", err)
	}
	return nil
}
