package etcdclient

import (
	"strings"
	"time"
)

const (
	DefaultConnectTimeout    = 30 * time.Second
	DefaultKeepAliveTimeout  = 5 * time.Second
	DefaultKeepAliveInterval = 10 * time.Second
)

type Config struct {
	Endpoint          string        `json:"endpoint" mapstructure:"endpoint" usage:"Etcd endpoint." validate:"required"`
	Namespace         string        `json:"namespace" mapstructure:"namespace" usage:"Etcd namespace, prefix of all keys." validate:"required"`
	Username          string        `json:"username" mapstructure:"username" usage:"Etcd username."`
	Password          string        `json:"-" mapstructure:"password" usage:"Etcd password." sensitive:"true"`
	ConnectTimeout    time.Duration `json:"connectTimeout" mapstructure:"connect-timeout" usage:"Etcd connect timeout." validate:"required"`
	KeepAliveTimeout  time.Duration `json:"keepAliveTimeout" mapstructure:"keep-alive-timeout" usage:"Etcd keep alive timeout." validate:"required"`
	KeepAliveInterval time.Duration `json:"keepAliveInterval" mapstructure:"keep-alive-interval" usage:"Etcd keep alive interval." validate:"required"`
	DebugLog          bool          `json:"debugLog" mapstructure:"debug-log" usage:"Log each etcd operation as a debug message."`
}

func NewConfig() Config {
	return Config{
		ConnectTimeout:    DefaultConnectTimeout,
		KeepAliveTimeout:  DefaultKeepAliveTimeout,
		KeepAliveInterval: DefaultKeepAliveInterval,
	}
}

// Normalize trims the endpoint and ensures the namespace ends with a slash.
func (c *Config) Normalize() {
	c.Endpoint = strings.Trim(c.Endpoint, " /")
	c.Namespace = strings.Trim(c.Namespace, " /")
	if c.Namespace != "" {
		c.Namespace += "/"
	}
}
