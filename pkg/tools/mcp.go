package tools

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/rs/zerolog"
)

const maxLineSize = 4 * 1024 * 1024

// MCPServer runs a Model Context Protocol server as a child process and
// speaks JSON-RPC 2.0 over its stdin and stdout, one message per line.
type MCPServer struct {
	name   string
	config StdPipeConfig
	logger zerolog.Logger

	mu      sync.Mutex
	process *exec.Cmd
	stdin   io.WriteCloser
	rpc     *rpcClient
}

// NewMCPServer creates an unstarted stdio server.
func NewMCPServer(name string, cfg StdPipeConfig, logger zerolog.Logger) *MCPServer {
	return &MCPServer{
		name:   name,
		config: cfg,
		logger: logger.With().Str("server", name).Logger(),
	}
}

// Start spawns the process and performs the initialize handshake. Starting
// a running server is a no-op.
func (s *MCPServer) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.process != nil {
		s.mu.Unlock()
		return nil
	}

	// The process outlives the request that started it.
	cmd := exec.Command(s.config.Command, s.config.Args...)
	cmd.Env = os.Environ()
	for k, v := range s.config.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		s.mu.Unlock()
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		s.mu.Unlock()
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		s.mu.Unlock()
		return err
	}

	if err := cmd.Start(); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to spawn %s: %w", s.config.Command, err)
	}

	s.process = cmd
	s.stdin = stdin
	s.rpc = newRPCClient(s.writeLine, s.logger)
	rpc := s.rpc
	s.mu.Unlock()

	go s.listen(stdout, rpc)
	go s.drainStderr(stderr)

	s.logger.Info().Str("command", s.config.Command).Int("pid", cmd.Process.Pid).Msg("Tool server started")

	if err := handshake(ctx, rpc); err != nil {
		_ = s.Stop()
		return err
	}
	return nil
}

func (s *MCPServer) writeLine(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stdin == nil {
		return ErrServerClosed
	}
	_, err := s.stdin.Write(append(data, '\n'))
	return err
}

func (s *MCPServer) listen(stdout io.Reader, rpc *rpcClient) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		rpc.dispatch(append([]byte(nil), scanner.Bytes()...))
	}

	err := scanner.Err()
	if err == nil {
		err = fmt.Errorf("%w: %s exited", ErrServerClosed, s.name)
	}
	rpc.fail(err)
}

func (s *MCPServer) drainStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		s.logger.Debug().Str("stderr", scanner.Text()).Msg("Tool server output")
	}
}

func (s *MCPServer) client() (*rpcClient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rpc == nil {
		return nil, ErrServerNotStarted
	}
	return s.rpc, nil
}

// ListTools fetches the tool catalog.
func (s *MCPServer) ListTools(ctx context.Context) ([]Tool, error) {
	rpc, err := s.client()
	if err != nil {
		return nil, err
	}
	return listTools(ctx, rpc, s.name)
}

// CallTool invokes one tool.
func (s *MCPServer) CallTool(ctx context.Context, name string, args json.RawMessage) (*Result, error) {
	rpc, err := s.client()
	if err != nil {
		return nil, err
	}
	return callTool(ctx, rpc, name, args)
}

// Stop closes stdin and kills the process.
func (s *MCPServer) Stop() error {
	s.mu.Lock()
	cmd := s.process
	stdin := s.stdin
	rpc := s.rpc
	s.process = nil
	s.stdin = nil
	s.rpc = nil
	s.mu.Unlock()

	if cmd == nil {
		return nil
	}
	if rpc != nil {
		rpc.fail(ErrServerClosed)
	}
	if stdin != nil {
		_ = stdin.Close()
	}

	var err error
	if cmd.Process != nil {
		if killErr := cmd.Process.Kill(); killErr != nil && killErr != os.ErrProcessDone {
			err = killErr
		}
		_ = cmd.Wait()
	}

	s.logger.Info().Msg("Tool server stopped")
	return err
}
