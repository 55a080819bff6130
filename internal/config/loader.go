// Package config 从 YAML 文件加载客户端和连接池配置
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/BetaCatPro/ws-resilience/pkg/types"
)

// 运行模式
const (
	ModeClient = "client"
	ModePool   = "pool"
)

// DemoConfig 演示程序的发送参数
type DemoConfig struct {
	Interval time.Duration `yaml:"interval"`
	Count    int           `yaml:"count"` // 0 表示不限
	Ack      bool          `yaml:"ack"`
}

// ServerConfig 对端服务配置
type ServerConfig struct {
	Addr     string `yaml:"addr"`
	Path     string `yaml:"path"`
	LogLevel string `yaml:"log_level"`
}

// File 配置文件
type File struct {
	Mode   string             `yaml:"mode"`
	Client types.ClientConfig `yaml:"client"`
	Pool   types.PoolConfig   `yaml:"pool"`
	Demo   DemoConfig         `yaml:"demo"`
	Server ServerConfig       `yaml:"server"`
}

// Default 返回默认配置
func Default() *File {
	pool := types.DefaultPoolConfig()
	pool.Warmup.Client = types.DefaultClientConfig("")
	return &File{
		Mode:   ModeClient,
		Client: types.DefaultClientConfig(""),
		Pool:   pool,
		Demo:   DemoConfig{Interval: 5 * time.Second},
		Server: ServerConfig{Addr: ":8080", Path: "/ws", LogLevel: "info"},
	}
}

// Parse 展开 ${VAR} 环境变量后解析，未出现的字段保留默认值
func Parse(data []byte) (*File, error) {
	cfg := Default()
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Load 读取并校验配置文件
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// LoadClientConfig 读取配置文件中的客户端配置
func LoadClientConfig(path string) (types.ClientConfig, error) {
	cfg, err := Load(path)
	if err != nil {
		return types.ClientConfig{}, err
	}
	return cfg.Client, nil
}

// LoadPoolConfig 读取配置文件中的连接池配置
func LoadPoolConfig(path string) (types.PoolConfig, error) {
	cfg, err := Load(path)
	if err != nil {
		return types.PoolConfig{}, err
	}
	return cfg.Pool, nil
}

// Validate 校验配置
func (f *File) Validate() error {
	switch f.Mode {
	case ModeClient, ModePool:
	default:
		return fmt.Errorf("unknown mode %q", f.Mode)
	}
	if err := f.Client.Validate(); err != nil {
		return err
	}
	if err := f.Pool.Validate(); err != nil {
		return err
	}
	if f.Demo.Interval <= 0 {
		return fmt.Errorf("demo.interval must be greater than 0")
	}
	return nil
}
