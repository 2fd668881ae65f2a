// Package mcp provides MCP client adapters for connecting to upstream servers.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/safe-mcp/gateway/internal/port/outbound"
)

// StdioClient runs an MCP server as a child process and talks to it
// over its stdin/stdout.
type StdioClient struct {
	serverPath string
	serverArgs []string
	env        map[string]string
	dir        string

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
}

// StdioOption configures a StdioClient.
type StdioOption func(*StdioClient)

// WithClientEnv adds environment variables to the server process, on
// top of the gateway's own environment.
func WithClientEnv(env map[string]string) StdioOption {
	return func(c *StdioClient) {
		c.env = env
	}
}

// WithClientDir sets the working directory for the server process.
func WithClientDir(dir string) StdioOption {
	return func(c *StdioClient) {
		c.dir = dir
	}
}

// NewStdioClient creates a client that will run serverPath with
// serverArgs.
func NewStdioClient(serverPath string, serverArgs ...string) *StdioClient {
	return &StdioClient{
		serverPath: serverPath,
		serverArgs: serverArgs,
	}
}

// NewStdioClientWithOptions creates a client with env and working
// directory overrides applied.
func NewStdioClientWithOptions(serverPath string, serverArgs []string, opts ...StdioOption) *StdioClient {
	c := NewStdioClient(serverPath, serverArgs...)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start spawns the server and hands back its stdin and stdout pipes.
// Server stderr is passed through to the gateway's stderr, which the
// MCP spec designates for server-side logging.
func (c *StdioClient) Start(ctx context.Context) (io.WriteCloser, io.ReadCloser, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cmd != nil {
		return nil, nil, errors.New("client already started")
	}

	c.cmd = c.buildCmd(ctx)

	stdin, err := c.cmd.StdinPipe()
	if err != nil {
		c.cmd = nil
		return nil, nil, fmt.Errorf("failed to get stdin pipe: %w", err)
	}
	c.stdin = stdin

	stdout, err := c.cmd.StdoutPipe()
	if err != nil {
		_ = stdin.Close()
		c.cmd = nil
		return nil, nil, fmt.Errorf("failed to get stdout pipe: %w", err)
	}
	c.stdout = stdout

	if err := c.cmd.Start(); err != nil {
		_ = stdin.Close()
		_ = stdout.Close()
		c.cmd = nil
		return nil, nil, fmt.Errorf("failed to start server: %w", err)
	}

	return stdin, stdout, nil
}

func (c *StdioClient) buildCmd(ctx context.Context) *exec.Cmd {
	cmd := exec.CommandContext(ctx, c.serverPath, c.serverArgs...)
	cmd.Stderr = os.Stderr

	if c.dir != "" {
		cmd.Dir = c.dir
	}
	if len(c.env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range c.env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}

	// Own process group so shutdown can reap any children the server
	// spawns.
	setProcGroup(cmd)

	return cmd
}

// Wait blocks until the server process exits.
func (c *StdioClient) Wait() error {
	c.mu.Lock()
	cmd := c.cmd
	c.mu.Unlock()

	if cmd == nil {
		return errors.New("client not started")
	}
	return cmd.Wait()
}

// Close signals EOF on stdin, kills the process tree if it is still
// running, and closes the pipes.
func (c *StdioClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error

	if c.stdin != nil {
		if err := c.stdin.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close stdin: %w", err))
		}
		c.stdin = nil
	}

	if c.cmd != nil && c.cmd.Process != nil {
		if err := killProcessTree(c.cmd); err != nil && !errors.Is(err, os.ErrProcessDone) {
			errs = append(errs, fmt.Errorf("kill process: %w", err))
		}
	}
	c.cmd = nil

	if c.stdout != nil {
		if err := c.stdout.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close stdout: %w", err))
		}
		c.stdout = nil
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

var _ outbound.MCPClient = (*StdioClient)(nil)
