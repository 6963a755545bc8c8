package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

type Config struct {
	App struct {
		Port     int    `json:"port" yaml:"port"`
		DataPath string `json:"data_path" yaml:"data_path"`
		Debug    bool   `json:"debug" yaml:"debug"`
	} `json:"app" yaml:"app"`

	Engine struct {
		DownloadPath  string   `json:"download_path" yaml:"download_path"`
		CompletedPath string   `json:"completed_path" yaml:"completed_path"`
		PortRange     [2]int   `json:"port_range" yaml:"port_range"`
		MaxConnection int      `json:"max_connections" yaml:"max_connections"`
		MaxUploads    int      `json:"max_uploads" yaml:"max_uploads"`
		EnableDHT     bool     `json:"enable_dht" yaml:"enable_dht"`
		EnableLSD     bool     `json:"enable_lsd" yaml:"enable_lsd"`
		EnableUPnP    bool     `json:"enable_upnp" yaml:"enable_upnp"`
		EnableNATPMP  bool     `json:"enable_natpmp" yaml:"enable_natpmp"`
		GlobalDLLimit int64    `json:"global_dl_limit" yaml:"global_dl_limit"`
		GlobalULLimit int64    `json:"global_ul_limit" yaml:"global_ul_limit"`
		DHTRouters    []string `json:"dht_routers" yaml:"dht_routers"`
	} `json:"engine" yaml:"engine"`

	FastDownload struct {
		DefaultEnabled bool `json:"default_enabled" yaml:"default_enabled"`
		Connections    int  `json:"connections" yaml:"connections"`
		Sequential     bool `json:"sequential" yaml:"sequential"`
	} `json:"fast_download" yaml:"fast_download"`

	Database struct {
		Path string `json:"path" yaml:"path"`
	} `json:"database" yaml:"database"`

	Notifications struct {
		PushbulletAPIKey string `json:"pushbullet_api_key" yaml:"pushbullet_api_key"`
		NotifyOnComplete bool   `json:"notify_on_complete" yaml:"notify_on_complete"`
	} `json:"notifications" yaml:"notifications"`
}

func Load(path string) (*Config, error) {
	cfg := &Config{}
	setDefaults(cfg)

	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		switch filepath.Ext(path) {
		case ".yml", ".yaml":
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, err
			}
		default:
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, err
			}
		}
	}

	loadFromEnv(cfg)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration back to disk so API-driven settings changes
// survive restarts. YAML files stay YAML, everything else is JSON.
func Save(cfg *Config, path string) error {
	var data []byte
	var err error
	switch filepath.Ext(path) {
	case ".yml", ".yaml":
		data, err = yaml.Marshal(cfg)
	default:
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func setDefaults(cfg *Config) {
	cfg.App.Port = 8082
	cfg.App.DataPath = "./data"
	cfg.App.Debug = false

	cfg.Engine.DownloadPath = "./data/downloads"
	cfg.Engine.CompletedPath = "./data/completed"
	cfg.Engine.PortRange = [2]int{6881, 6891}
	cfg.Engine.MaxConnection = 500
	cfg.Engine.MaxUploads = 50
	cfg.Engine.EnableDHT = true
	cfg.Engine.EnableLSD = true
	cfg.Engine.EnableUPnP = true
	cfg.Engine.EnableNATPMP = true
	cfg.Engine.GlobalDLLimit = 0
	cfg.Engine.GlobalULLimit = 0
	cfg.Engine.DHTRouters = []string{
		"router.bittorrent.com:6881",
		"dht.transmissionbt.com:6881",
		"dht.libtorrent.org:6881",
	}

	cfg.FastDownload.DefaultEnabled = false
	cfg.FastDownload.Connections = 5
	cfg.FastDownload.Sequential = true

	cfg.Database.Path = "./data/castor.db"

	cfg.Notifications.NotifyOnComplete = false
}

func loadFromEnv(cfg *Config) {
	if v := os.Getenv("CASTOR_DATA_PATH"); v != "" {
		cfg.App.DataPath = v
	}
	if v := os.Getenv("CASTOR_DOWNLOAD_PATH"); v != "" {
		cfg.Engine.DownloadPath = v
	}
	if v := os.Getenv("CASTOR_COMPLETED_PATH"); v != "" {
		cfg.Engine.CompletedPath = v
	}
	if v := os.Getenv("CASTOR_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.App.Port = port
		}
	}
	if v := os.Getenv("CASTOR_PUSHBULLET_API_KEY"); v != "" {
		cfg.Notifications.PushbulletAPIKey = v
	}
}

func validate(cfg *Config) error {
	lo, hi := cfg.Engine.PortRange[0], cfg.Engine.PortRange[1]
	if lo <= 0 || hi <= 0 || lo > hi || hi > 65535 {
		return fmt.Errorf("invalid port_range [%d, %d]", lo, hi)
	}
	if cfg.Engine.MaxConnection <= 0 {
		return fmt.Errorf("max_connections must be positive")
	}
	if cfg.Engine.GlobalDLLimit < 0 || cfg.Engine.GlobalULLimit < 0 {
		return fmt.Errorf("rate limits must not be negative")
	}
	if cfg.FastDownload.Connections <= 0 {
		return fmt.Errorf("fast_download.connections must be positive")
	}
	return nil
}
