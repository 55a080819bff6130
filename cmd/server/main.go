package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BetaCatPro/ws-resilience/internal/config"
	"github.com/BetaCatPro/ws-resilience/internal/logging"
	"github.com/BetaCatPro/ws-resilience/pkg/server"
	"github.com/BetaCatPro/ws-resilience/pkg/types"
)

func main() {
	configPath := flag.String("config", "", "配置文件路径")
	addr := flag.String("addr", "", "监听地址，覆盖配置文件")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}

	logger := logging.New(cfg.Server.LogLevel)
	wsServer := server.NewServer(cfg.Server.Addr,
		server.WithLogger(logger),
		server.WithPath(cfg.Server.Path),
	)

	wsServer.SetConnectHandler(func(connID string) {
		welcome := types.Message{
			Type:    types.MessageText,
			Payload: fmt.Sprintf("欢迎连接 WebSocket 服务器! 你的连接ID: %s", connID),
		}
		if err := wsServer.SendToClient(connID, welcome); err != nil {
			logger.Warn().Err(err).Str("conn_id", connID).Msg("发送欢迎消息失败")
		}
	})

	wsServer.SetDisconnectHandler(func(connID string, err error) {
		logger.Info().Str("conn_id", connID).Err(err).Msg("客户端断开")
	})

	wsServer.SetMessageHandler(func(connID string, msg types.Message) error {
		logger.Info().Str("conn_id", connID).Str("type", string(msg.Type)).Interface("payload", msg.Payload).Msg("收到消息")

		// 只广播文本消息
		if msg.Type == types.MessageText {
			wsServer.Broadcast(types.Message{
				Type:    types.MessageText,
				Payload: fmt.Sprintf("用户 %s 说: %v", connID[:8], msg.Payload),
			})
		}
		return nil
	})

	go func() {
		if err := wsServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("服务器启动失败")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// 定时显示服务器状态
	statusTicker := time.NewTicker(10 * time.Second)
	defer statusTicker.Stop()

	for {
		select {
		case <-statusTicker.C:
			stats := wsServer.GetStats()
			logger.Info().
				Int("clients", stats.Clients).
				Int64("received", stats.MessagesReceived).
				Int64("acks", stats.AcksSent).
				Int64("heartbeats", stats.HeartbeatsSeen).
				Msg("服务器状态")
		case sig := <-sigCh:
			logger.Info().Str("signal", sig.String()).Msg("关闭服务器")

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := wsServer.Stop(ctx); err != nil {
				logger.Error().Err(err).Msg("服务器关闭错误")
			}
			return
		}
	}
}
