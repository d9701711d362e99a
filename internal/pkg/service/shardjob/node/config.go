package node

import (
	"time"

	"github.com/keboola/keboola-shardjob/internal/pkg/service/common/etcdop"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/shardjob/guarantee"
)

const (
	DefaultSessionTTLSeconds   = etcdop.DefaultSessionTTLSeconds
	DefaultEventsGroupInterval = 100 * time.Millisecond
)

type Config struct {
	// SessionTTLSeconds defines how long the registrations and running markers of a crashed instance remain.
	SessionTTLSeconds int `json:"sessionTTLSeconds" mapstructure:"session-ttl-seconds" usage:"Seconds after the registration of a crashed instance expires." validate:"required,min=1,max=3600"`
	// EventsGroupInterval groups topology changes, so a burst of events triggers one resharding.
	EventsGroupInterval time.Duration `json:"eventsGroupInterval" mapstructure:"events-group-interval" usage:"Interval for grouping of topology changes." validate:"min=0,max=1m"`
	// MaxConcurrentItems limits items executed at once by the instance, 0 means no limit.
	MaxConcurrentItems int `json:"maxConcurrentItems" mapstructure:"max-concurrent-items" usage:"Max items executed at once by the instance, 0 means no limit." validate:"min=0"`
	// ServerDisabled starts the instance with the disabled server flag.
	ServerDisabled bool                     `json:"serverDisabled" mapstructure:"server-disabled" usage:"Start with the server excluded from the assignment."`
	Guarantee      guarantee.ListenerConfig `json:"guarantee" mapstructure:"guarantee"`
}

func NewConfig() Config {
	return Config{
		SessionTTLSeconds:   DefaultSessionTTLSeconds,
		EventsGroupInterval: DefaultEventsGroupInterval,
	}
}
