// Command gateway runs the pub/sub + UDP protocol gateway: it terminates
// device connections, bridges each dialogue to an upstream chat service
// over WebSocket, and serves the admin HTTP collaborator.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/dhso/xiaozhi-mqtt-gateway/src/configs"
	"github.com/dhso/xiaozhi-mqtt-gateway/src/core/server"
	"github.com/dhso/xiaozhi-mqtt-gateway/src/core/utils"
)

func main() {
	configPath := flag.String("config", "mqtt.json", "path to the gateway's config file")
	flag.Parse()

	bootLogger := utils.NewLogger("INFO", "", "")

	cfgManager, err := configs.NewManager(*configPath, bootLogger)
	if err != nil {
		bootLogger.Error("加载配置失败: %v", err)
		os.Exit(1)
	}
	defer cfgManager.Close()

	cfg := cfgManager.Current()
	logger := utils.NewLogger(cfg.Log.LogLevel, cfg.Log.LogDir, cfg.Log.LogFile)
	defer logger.Close()

	cfgManager.Subscribe(func(c *configs.Config) {
		level := utils.ParseLevel(c.Log.LogLevel)
		if c.Debug {
			level = utils.LevelDebug
		}
		logger.SetLevel(level)
	})

	if cfg.Debug {
		logger.SetLevel(utils.LevelDebug)
	}

	srv, err := server.New(cfgManager, logger)
	if err != nil {
		logger.Error("初始化网关失败: %v", err)
		os.Exit(1)
	}
	defer srv.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("网关启动")
	if err := srv.Run(ctx); err != nil {
		logger.Error("网关运行出错: %v", err)
		os.Exit(1)
	}
	logger.Info("网关已退出")
}
