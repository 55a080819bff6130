package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/BetaCatPro/ws-resilience/internal/config"
	"github.com/BetaCatPro/ws-resilience/internal/logging"
	"github.com/BetaCatPro/ws-resilience/pkg/client"
	"github.com/BetaCatPro/ws-resilience/pkg/pool"
	"github.com/BetaCatPro/ws-resilience/pkg/types"
)

func main() {
	configPath := flag.String("config", "", "配置文件路径")
	url := flag.String("url", "ws://localhost:8080/ws", "服务器地址，配置文件未指定时使用")
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
	if cfg.Client.URL == "" {
		cfg.Client.URL = *url
	}

	logger := logging.New(cfg.Client.LogLevel)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		wsClient *client.Client
		err      error
	)
	switch cfg.Mode {
	case config.ModePool:
		var p *pool.Pool
		p, err = pool.New(cfg.Pool, pool.WithLogger(logger))
		if err != nil {
			logger.Fatal().Err(err).Msg("创建连接池失败")
		}
		defer p.DestroyPool()
		p.On(types.EventConnectionCreated, func(data any) {
			logger.Info().Interface("event", data).Msg("连接已创建")
		})
		p.On(types.EventConnectionReused, func(data any) {
			logger.Info().Interface("event", data).Msg("连接已复用")
		})
		wsClient, err = p.Acquire(ctx, cfg.Client)
		if err == nil {
			defer func() { _ = p.Release(wsClient) }()
		}
	default:
		wsClient, err = client.New(cfg.Client, client.WithLogger(logger))
		if err == nil {
			defer wsClient.Destroy()
			watch(wsClient, logger)
			err = wsClient.Connect(ctx)
		}
	}
	if err != nil {
		logger.Fatal().Err(err).Msg("连接失败")
	}

	run(ctx, wsClient, cfg.Demo, logger)
}

// watch 打印客户端事件
func watch(c *client.Client, logger zerolog.Logger) {
	c.On(types.EventOpen, func(any) {
		logger.Info().Msg("连接服务器成功")
	})
	c.On(types.EventMessage, func(data any) {
		msg := data.(types.Message)
		logger.Info().Str("id", msg.ID).Str("type", string(msg.Type)).Interface("payload", msg.Payload).Msg("收到消息")
	})
	c.On(types.EventClose, func(data any) {
		logger.Info().Interface("event", data).Msg("连接断开")
	})
	c.On(types.EventReconnectStart, func(data any) {
		ev := data.(types.ReconnectEvent)
		logger.Info().Int("attempt", ev.Attempt).Dur("delay", ev.Delay).Msg("准备重连")
	})
	c.On(types.EventReconnectFailed, func(any) {
		logger.Error().Msg("重连次数用尽")
	})
}

// run 定时发送消息直到收到信号
func run(ctx context.Context, c *client.Client, demo config.DemoConfig, logger zerolog.Logger) {
	ticker := time.NewTicker(demo.Interval)
	defer ticker.Stop()

	for sent := 0; demo.Count == 0 || sent < demo.Count; sent++ {
		select {
		case <-ticker.C:
			opts := []client.SendOption{}
			if demo.Ack {
				opts = append(opts, client.WithAck(0))
			}
			text := fmt.Sprintf("当前时间: %v", time.Now().Format(time.DateTime))
			if err := c.Send(ctx, text, opts...); err != nil {
				logger.Warn().Err(err).Msg("发送消息失败")
			}
		case <-ctx.Done():
			logger.Info().Msg("退出程序")
			return
		}
	}

	stats := c.GetStats()
	logger.Info().
		Int64("sent", stats.MessagesSent).
		Int64("received", stats.MessagesReceived).
		Int("reconnects", stats.ReconnectCount).
		Dur("latency", stats.AverageLatency).
		Msg("发送完成")
}
