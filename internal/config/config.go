package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config 进程级配置，显式传递给各组件，不做全局单例
type Config struct {
	ListenAddr string // relay TCP 监听地址
	HTTPAddr   string // /metrics /healthz /ws
	PeerAddr   string // 客户端 P2P 监听地址

	OutBuffer    int           // 会话发送缓冲区大小
	ReadTimeout  time.Duration // 单次读超时；0 表示不限
	WriteTimeout time.Duration // 单次写超时；0 表示不限
	DialTimeout  time.Duration // 直连 peer 的连接超时，必须有界

	ReconnectMax     int           // relay 重连最大次数
	ReconnectBackoff time.Duration // 重连间隔

	RedisAddr   string // 为空则关闭事件导出
	RedisDB     int
	RedisStream string
	RedisGroup  string
}

// Load 读取配置：环境变量 > 配置文件 > 默认值
// 配置文件 peerchat.yaml 可选，缺失不报错
func Load() *Config {
	v := viper.New()

	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("http_addr", ":9100")
	v.SetDefault("peer_addr", ":9090")
	v.SetDefault("out_buffer", 256)
	v.SetDefault("read_timeout", "0s")
	v.SetDefault("write_timeout", "10s")
	v.SetDefault("dial_timeout", "3s")
	v.SetDefault("reconnect_max", 3)
	v.SetDefault("reconnect_backoff", "5s")
	v.SetDefault("redis_addr", "")
	v.SetDefault("redis_db", 0)
	v.SetDefault("redis_stream", "peerchat.events")
	v.SetDefault("redis_group", "peerchat")

	v.SetEnvPrefix("PEERCHAT")
	v.AutomaticEnv()

	v.SetConfigName("peerchat")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	_ = v.ReadInConfig()

	cfg := &Config{
		ListenAddr:       v.GetString("listen_addr"),
		HTTPAddr:         v.GetString("http_addr"),
		PeerAddr:         v.GetString("peer_addr"),
		OutBuffer:        v.GetInt("out_buffer"),
		ReadTimeout:      v.GetDuration("read_timeout"),
		WriteTimeout:     v.GetDuration("write_timeout"),
		DialTimeout:      v.GetDuration("dial_timeout"),
		ReconnectMax:     v.GetInt("reconnect_max"),
		ReconnectBackoff: v.GetDuration("reconnect_backoff"),
		RedisAddr:        v.GetString("redis_addr"),
		RedisDB:          v.GetInt("redis_db"),
		RedisStream:      v.GetString("redis_stream"),
		RedisGroup:       v.GetString("redis_group"),
	}
	if cfg.OutBuffer <= 0 {
		cfg.OutBuffer = 256
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 3 * time.Second
	}
	return cfg
}
