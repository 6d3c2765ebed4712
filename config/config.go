package config

import (
	"time"

	"github.com/pitabwire/frame/config"
)

// ServiceConfig holds configuration for the videomesh signaling service.
type ServiceConfig struct {
	config.ConfigurationDefault
	ListenIP            string `envDefault:"0.0.0.0" env:"LISTEN_IP"`
	AnnouncedIP         string `envDefault:""        env:"ANNOUNCED_IP"`
	RTCMinPort          int    `envDefault:"10000"   env:"RTC_MIN_PORT"`
	RTCMaxPort          int    `envDefault:"10100"   env:"RTC_MAX_PORT"`
	WorkerCount         int    `envDefault:"4"       env:"WORKER_COUNT"`
	WorkerGraceSec      int    `envDefault:"3"       env:"WORKER_GRACE_SEC"`
	HandshakeTimeoutSec int    `envDefault:"10"      env:"HANDSHAKE_TIMEOUT_SEC"`
	CodecProfilePath    string `envDefault:""        env:"CODEC_PROFILE_PATH"`
	SendQueueSize       int    `envDefault:"64"      env:"SEND_QUEUE_SIZE"`
	PingIntervalSec     int    `envDefault:"20"      env:"PING_INTERVAL_SEC"`
}

// HandshakeTimeout returns the deadline applied to transport connect and
// produce/consume calls into the media engine.
func (c *ServiceConfig) HandshakeTimeout() time.Duration {
	if c.HandshakeTimeoutSec <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.HandshakeTimeoutSec) * time.Second
}

// WorkerGrace returns how long the process lingers after a fatal worker
// failure so that error notifications can drain before exit.
func (c *ServiceConfig) WorkerGrace() time.Duration {
	if c.WorkerGraceSec <= 0 {
		return 3 * time.Second
	}
	return time.Duration(c.WorkerGraceSec) * time.Second
}

// PingInterval returns the websocket keepalive interval.
func (c *ServiceConfig) PingInterval() time.Duration {
	if c.PingIntervalSec <= 0 {
		return 20 * time.Second
	}
	return time.Duration(c.PingIntervalSec) * time.Second
}
