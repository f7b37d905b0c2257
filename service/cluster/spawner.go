package cluster

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/SplitFi/go-salesindexer/service/logger"
)

// Process is a running worker as seen by the primary. Reading Stdout fails once the worker is gone.
type Process struct {
	Stdin  io.WriteCloser
	Stdout io.Reader
	Kill   func() error
	// Wait, if set, is called once Stdout is exhausted
	Wait func() error
}

// Spawner starts worker processes
type Spawner interface {
	Spawn(ctx context.Context, workerID string) (*Process, error)
}

// LocalSpawner runs each worker as a goroutine connected over in-memory pipes.
// A panic in a handler kills only that worker, the way a crash kills a process.
type LocalSpawner struct {
	// NewMethods is called once per spawn, so every worker gets fresh handler state
	NewMethods func(workerID string) Methods
}

func (s LocalSpawner) Spawn(ctx context.Context, workerID string) (*Process, error) {
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()

	ctx, cancel := context.WithCancel(ctx)
	w := NewWorker(workerID, s.NewMethods(workerID))
	go func() {
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				err := fmt.Errorf("worker %s crashed: %v", workerID, r)
				logger.For(ctx).WithError(err).Error("local worker panicked")
				stdoutW.CloseWithError(err)
				stdinR.CloseWithError(err)
			}
		}()
		err := w.Serve(ctx, stdinR, stdoutW)
		if err == nil {
			err = io.EOF
		}
		stdoutW.CloseWithError(err)
		stdinR.CloseWithError(err)
	}()

	return &Process{
		Stdin:  stdinW,
		Stdout: stdoutR,
		Kill: func() error {
			cancel()
			stdinW.Close()
			return nil
		},
	}, nil
}

// ProcessSpawner re-executes a binary as a worker, talking JSON lines over its stdin and stdout
type ProcessSpawner struct {
	Path string
	Args []string
	Env  []string
}

// NewProcessSpawner runs the current executable with args, e.g. the "worker" subcommand
func NewProcessSpawner(args ...string) (*ProcessSpawner, error) {
	path, err := os.Executable()
	if err != nil {
		return nil, err
	}
	return &ProcessSpawner{Path: path, Args: args, Env: os.Environ()}, nil
}

func (s *ProcessSpawner) Spawn(ctx context.Context, workerID string) (*Process, error) {
	cmd := exec.CommandContext(ctx, s.Path, s.Args...)
	cmd.Env = append(append([]string{}, s.Env...), "WORKER_UUID="+workerID)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker %s: %w", workerID, err)
	}
	return &Process{
		Stdin:  stdin,
		Stdout: stdout,
		Kill: func() error {
			if cmd.Process == nil {
				return nil
			}
			return cmd.Process.Kill()
		},
		Wait: cmd.Wait,
	}, nil
}
