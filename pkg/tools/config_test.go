package tools

import (
	"testing"

	"github.com/harun/chatstate/internal/config"
	"github.com/stretchr/testify/assert"
)

func TestServerConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     ServerConfig
		wantErr bool
	}{
		{"std pipe", ServerConfig{Name: "a", StdPipe: &StdPipeConfig{Command: "tool"}}, false},
		{"actor", ServerConfig{Name: "a", Actor: &ActorConfig{URL: "ws://localhost:9000"}}, false},
		{"missing name", ServerConfig{StdPipe: &StdPipeConfig{Command: "tool"}}, true},
		{"no variant", ServerConfig{Name: "a"}, true},
		{"both variants", ServerConfig{Name: "a", StdPipe: &StdPipeConfig{Command: "x"}, Actor: &ActorConfig{URL: "ws://x"}}, true},
		{"empty command", ServerConfig{Name: "a", StdPipe: &StdPipeConfig{}}, true},
		{"http actor", ServerConfig{Name: "a", Actor: &ActorConfig{URL: "http://x"}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateAll_RejectsDuplicates(t *testing.T) {
	cfg := ServerConfig{Name: "a", StdPipe: &StdPipeConfig{Command: "tool"}}
	assert.NoError(t, ValidateAll([]ServerConfig{cfg}))
	assert.Error(t, ValidateAll([]ServerConfig{cfg, cfg}))
}

func TestFromConfig(t *testing.T) {
	pipe := FromConfig(config.ToolServerConfig{Name: "fs", Command: "fs-server", Args: []string{"--root", "/tmp"}})
	assert.Equal(t, KindStdPipe, pipe.Kind())
	assert.Equal(t, "fs-server", pipe.StdPipe.Command)
	assert.Equal(t, []string{"--root", "/tmp"}, pipe.StdPipe.Args)

	actor := FromConfig(config.ToolServerConfig{Name: "remote", URL: "ws://host/tools"})
	assert.Equal(t, KindActor, actor.Kind())
	assert.Equal(t, "ws://host/tools", actor.Actor.URL)
}
