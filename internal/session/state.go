package session

import (
	"time"

	"market-chat/internal/models"
)

// State is the lifecycle position of a session.
type State int32

const (
	Initializing State = iota
	Ready
	Reconciling
	Closed
)

func (s State) String() string {
	switch s {
	case Initializing:
		return "initializing"
	case Ready:
		return "ready"
	case Reconciling:
		return "reconciling"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Update types pushed on Session.Updates.
const (
	UpdateState         = "state"
	UpdateConversations = "conversations"
	UpdateMessage       = "message"
	UpdateError         = "error"
)

// Update is a change a session pushes to its observers.
type Update struct {
	Type          string
	State         State
	Conversations []models.Conversation
	Message       *models.Message
	Op            string
	Err           error
}

// Config tunes timeouts and retry pacing.
type Config struct {
	FetchTimeout     time.Duration
	WriteTimeout     time.Duration
	RetryDelay       time.Duration
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
	UpdateBuffer     int
}

// DefaultConfig is used for zero fields.
func DefaultConfig() Config {
	return Config{
		FetchTimeout:     5 * time.Second,
		WriteTimeout:     5 * time.Second,
		RetryDelay:       200 * time.Millisecond,
		ReconnectInitial: 250 * time.Millisecond,
		ReconnectMax:     15 * time.Second,
		UpdateBuffer:     32,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = d.FetchTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.RetryDelay < 0 {
		c.RetryDelay = 0
	}
	if c.ReconnectInitial <= 0 {
		c.ReconnectInitial = d.ReconnectInitial
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = d.ReconnectMax
	}
	if c.UpdateBuffer <= 0 {
		c.UpdateBuffer = d.UpdateBuffer
	}
	return c
}
