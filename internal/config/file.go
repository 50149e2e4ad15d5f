package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// FileConfig is the YAML configuration file layout. Unset fields keep the
// built-in defaults.
type FileConfig struct {
	CDP struct {
		Address string `yaml:"address"`
		Port    int    `yaml:"port"`
	} `yaml:"cdp"`
	API struct {
		BindAddr         string   `yaml:"bind_addr"`
		PortCandidates   []string `yaml:"port_candidates"`
		PortAutoFallback *bool    `yaml:"port_auto_fallback"`
	} `yaml:"api"`
	Store struct {
		Backend   string `yaml:"backend"`
		RedisURL  string `yaml:"redis_url"`
		KeyPrefix string `yaml:"key_prefix"`
	} `yaml:"store"`
	Tabs struct {
		URLFilter        string `yaml:"url_filter"`
		CommandTimeoutMS int    `yaml:"command_timeout_ms"`
		SettleDelayMS    *int   `yaml:"settle_delay_ms"`
		BatchLimit       int    `yaml:"batch_limit"`
	} `yaml:"tabs"`
	Log struct {
		Level string `yaml:"level"`
		File  string `yaml:"file"`
	} `yaml:"log"`
	Browser struct {
		Launch     *bool  `yaml:"launch"`
		ProfileDir string `yaml:"profile_dir"`
	} `yaml:"browser"`
}

// LoadFile reads and validates a YAML config file.
func LoadFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("tabmute config: %w", err)
	}
	var fc FileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("tabmute config: %w", err)
	}
	if fc.CDP.Port < 0 || fc.CDP.Port > 65535 {
		return nil, fmt.Errorf("tabmute config: cdp.port out of range: %d", fc.CDP.Port)
	}
	if fc.Tabs.BatchLimit < 0 {
		return nil, fmt.Errorf("tabmute config: tabs.batch_limit must not be negative")
	}
	for i, addr := range fc.API.PortCandidates {
		if addr == "" {
			return nil, fmt.Errorf("tabmute config: api.port_candidates[%d] is empty", i)
		}
	}
	return &fc, nil
}

func (fc *FileConfig) apply(cfg *Config) {
	setString(&cfg.CDPAddress, fc.CDP.Address)
	setInt(&cfg.CDPPort, fc.CDP.Port)
	setString(&cfg.BindAddr, fc.API.BindAddr)
	if len(fc.API.PortCandidates) > 0 {
		cfg.PortCandidates = fc.API.PortCandidates
	}
	if fc.API.PortAutoFallback != nil {
		cfg.PortAutoFallback = *fc.API.PortAutoFallback
	}
	setString(&cfg.StoreBackend, fc.Store.Backend)
	setString(&cfg.RedisURL, fc.Store.RedisURL)
	setString(&cfg.KeyPrefix, fc.Store.KeyPrefix)
	setString(&cfg.TabURLFilter, fc.Tabs.URLFilter)
	setInt(&cfg.CommandTimeoutMS, fc.Tabs.CommandTimeoutMS)
	if fc.Tabs.SettleDelayMS != nil {
		cfg.SettleDelayMS = *fc.Tabs.SettleDelayMS
	}
	setInt(&cfg.BatchLimit, fc.Tabs.BatchLimit)
	setString(&cfg.LogLevel, fc.Log.Level)
	setString(&cfg.LogFile, fc.Log.File)
	if fc.Browser.Launch != nil {
		cfg.LaunchBrowser = *fc.Browser.Launch
	}
	setString(&cfg.BrowserProfileDir, fc.Browser.ProfileDir)
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}
