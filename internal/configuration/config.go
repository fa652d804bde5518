package configuration

import (
	"encoding/json"
	"os"
	"strconv"
)

type UpstreamConfig struct {
	BaseUrl   string `json:"baseUrl"`
	PushUrl   string `json:"pushUrl"`
	AuthToken string `json:"authToken"`
}

type ViewerConfig struct {
	AgentId int64  `json:"agentId"`
	IsAgent bool   `json:"isAgent"`
	Name    string `json:"name"`
}

type ServerConfig struct {
	AppPort     int      `json:"app_port"`
	CorsOrigins []string `json:"cors_origins"`
}

type Config struct {
	Upstream UpstreamConfig `json:"upstream"`
	Viewer   ViewerConfig   `json:"viewer"`
	Server   ServerConfig   `json:"server"`
}

func LoadConfig(config_path string) (*Config, error) {
	file, err := os.ReadFile(config_path)
	if err != nil {
		return nil, err
	}

	var config Config
	err = json.Unmarshal(file, &config)
	if err != nil {
		return nil, err
	}

	config.applyEnvOverrides()
	return &config, nil
}

// applyEnvOverrides lets deployment environments override the file without
// editing it. Secrets in particular come from the environment.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("DESKWIRE_UPSTREAM_URL"); v != "" {
		c.Upstream.BaseUrl = v
	}
	if v := os.Getenv("DESKWIRE_PUSH_URL"); v != "" {
		c.Upstream.PushUrl = v
	}
	if v := os.Getenv("DESKWIRE_AUTH_TOKEN"); v != "" {
		c.Upstream.AuthToken = v
	}
	if v := os.Getenv("DESKWIRE_AGENT_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Viewer.AgentId = id
		}
	}
	if v := os.Getenv("DESKWIRE_APP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.AppPort = port
		}
	}
}
