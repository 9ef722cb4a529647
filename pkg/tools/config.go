package tools

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/harun/chatstate/internal/config"
)

// Kind names the transport of a tool server.
type Kind string

const (
	KindStdPipe Kind = "std_pipe"
	KindActor   Kind = "actor"
)

// StdPipeConfig spawns a server process and talks JSON-RPC over its stdio.
type StdPipeConfig struct {
	Command string            `json:"command" mapstructure:"command"`
	Args    []string          `json:"args,omitempty" mapstructure:"args"`
	Env     map[string]string `json:"env,omitempty" mapstructure:"env"`
}

// ActorConfig reaches an already running server over a websocket.
type ActorConfig struct {
	URL     string            `json:"url" mapstructure:"url"`
	Headers map[string]string `json:"headers,omitempty" mapstructure:"headers"`
}

// ServerConfig describes one tool server. Exactly one of StdPipe or Actor
// is set.
type ServerConfig struct {
	Name    string         `json:"name" mapstructure:"name"`
	StdPipe *StdPipeConfig `json:"std_pipe,omitempty" mapstructure:"std_pipe"`
	Actor   *ActorConfig   `json:"actor,omitempty" mapstructure:"actor"`
}

// Kind reports which transport the config selects.
func (c ServerConfig) Kind() Kind {
	if c.Actor != nil {
		return KindActor
	}
	return KindStdPipe
}

// Equal reports whether c and other start the same server. Nil and empty
// args, env and headers compare equal.
func (c ServerConfig) Equal(other ServerConfig) bool {
	if c.Name != other.Name {
		return false
	}
	switch {
	case c.StdPipe != nil && other.StdPipe != nil:
		if c.StdPipe.Command != other.StdPipe.Command ||
			!slices.Equal(c.StdPipe.Args, other.StdPipe.Args) ||
			!maps.Equal(c.StdPipe.Env, other.StdPipe.Env) {
			return false
		}
	case c.StdPipe != nil || other.StdPipe != nil:
		return false
	}
	switch {
	case c.Actor != nil && other.Actor != nil:
		return c.Actor.URL == other.Actor.URL && maps.Equal(c.Actor.Headers, other.Actor.Headers)
	case c.Actor != nil || other.Actor != nil:
		return false
	}
	return true
}

// Validate checks that the config names one usable transport.
func (c ServerConfig) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("tool server name is required")
	}
	switch {
	case c.StdPipe != nil && c.Actor != nil:
		return fmt.Errorf("tool server %s: std_pipe and actor are mutually exclusive", c.Name)
	case c.StdPipe != nil:
		if strings.TrimSpace(c.StdPipe.Command) == "" {
			return fmt.Errorf("tool server %s: command is required", c.Name)
		}
	case c.Actor != nil:
		if !strings.HasPrefix(c.Actor.URL, "ws://") && !strings.HasPrefix(c.Actor.URL, "wss://") {
			return fmt.Errorf("tool server %s: actor url must use ws:// or wss://", c.Name)
		}
	default:
		return fmt.Errorf("tool server %s: one of std_pipe or actor is required", c.Name)
	}
	return nil
}

// ValidateAll validates every config and rejects duplicate names.
func ValidateAll(configs []ServerConfig) error {
	seen := make(map[string]bool, len(configs))
	for _, c := range configs {
		if err := c.Validate(); err != nil {
			return err
		}
		if seen[c.Name] {
			return fmt.Errorf("duplicate tool server name: %s", c.Name)
		}
		seen[c.Name] = true
	}
	return nil
}

// FromConfig converts the file configuration of a tool server.
func FromConfig(c config.ToolServerConfig) ServerConfig {
	sc := ServerConfig{Name: c.Name}
	if c.URL != "" {
		sc.Actor = &ActorConfig{URL: c.URL}
		return sc
	}
	sc.StdPipe = &StdPipeConfig{
		Command: c.Command,
		Args:    append([]string(nil), c.Args...),
		Env:     c.Env,
	}
	return sc
}
