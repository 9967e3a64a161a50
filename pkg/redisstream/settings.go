package redisstream

import (
	"strings"

	"github.com/pkg/errors"
)

// Settings holds Redis Streams configuration for the snapshot mirror.
type Settings struct {
	Enabled  bool
	Addr     string
	Stream   string
	Group    string
	Consumer string
}

func DefaultSettings() Settings {
	return Settings{
		Addr:     "localhost:6379",
		Stream:   "chatwidget.snapshots",
		Group:    "chatwidget-watch",
		Consumer: "watch-1",
	}
}

// withDefaults fills empty fields from DefaultSettings.
func (s Settings) withDefaults() Settings {
	d := DefaultSettings()
	if strings.TrimSpace(s.Addr) == "" {
		s.Addr = d.Addr
	}
	if strings.TrimSpace(s.Stream) == "" {
		s.Stream = d.Stream
	}
	if strings.TrimSpace(s.Group) == "" {
		s.Group = d.Group
	}
	if strings.TrimSpace(s.Consumer) == "" {
		s.Consumer = d.Consumer
	}
	return s
}

var ErrDisabled = errors.New("redisstream: mirror is disabled")
