package configuration

import (
	"Deskwire/internal/api"
	"Deskwire/internal/engine"
	"Deskwire/internal/handler"
	"Deskwire/internal/push"
	"log"

	"go.uber.org/zap"
)

type Container struct {
	ConsoleHandler handler.ConsoleHandler
	MonitorHandler handler.MonitorHandler
	Engine         *engine.Engine
	Config         Config
	Logger         *zap.Logger
}

func BuildContainer(configPath string) (*Container, error) {
	config, err := LoadConfig(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		return nil, err
	}

	apiClient := api.NewClient(config.Upstream.BaseUrl, config.Upstream.AuthToken, logger)
	pushManager := push.NewManager(config.Upstream.PushUrl, push.WebsocketDialer(), logger)

	role := push.Role{
		IsAgent: config.Viewer.IsAgent,
		AgentID: config.Viewer.AgentId,
	}
	eng := engine.New(apiClient, pushManager, role, logger)

	return &Container{
		ConsoleHandler: handler.NewConsoleHandler(eng),
		MonitorHandler: handler.NewMonitorHandler(eng),
		Engine:         eng,
		Config:         *config,
		Logger:         logger,
	}, nil
}

// Close gracefully shuts down the engine and flushes logs.
func (c *Container) Close() error {
	if c.Engine != nil {
		c.Engine.Close()
	}
	if c.Logger != nil {
		_ = c.Logger.Sync()
	}
	return nil
}
