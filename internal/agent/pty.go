package agent

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
)

// maxPTYRead bounds a single PTY read, matching the 64KiB ceiling named in
// the concurrency model (§5): large enough for a burst, small enough that
// one read can't starve other instances' read loops.
const maxPTYRead = 64 * 1024

// coalesceWindow batches rapid successive PTY reads into one pty-output
// frame instead of emitting one frame per read syscall. Adapted from the
// teacher's internal/egg/server.go ringBuffer, which served the same
// "smooth bursty PTY output" role ahead of the egg's own replay stream;
// here it only smooths the read path, since durable replay lives in
// internal/store on the Server side.
const coalesceWindow = 15 * time.Millisecond

// PTYHandle owns one spawned PTY process for one Instance. Output reaches
// the caller through OnOutput; Close terminates the child with the
// teacher's SIGTERM-then-SIGKILL escalation.
type PTYHandle struct {
	InstanceID string

	cmd  *exec.Cmd
	ptmx *os.File

	OnOutput func(data []byte)
	OnExit   func(err error)

	mu      sync.Mutex
	pending []byte
	closing bool
	done    chan struct{}
}

// Spawn starts a login shell in cwd, sized to cols x rows, and begins
// streaming its PTY output through OnOutput once assigned.
func Spawn(instanceID, cwd string, cols, rows uint16) (*PTYHandle, error) {
	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/sh"
	}

	cmd := exec.Command(shell, "-l")
	cmd.Env = os.Environ()
	if cwd != "" {
		cmd.Dir = cwd
	}
	cmd.WaitDelay = 2 * time.Second

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		return nil, fmt.Errorf("start pty: %w", err)
	}

	h := &PTYHandle{
		InstanceID: instanceID,
		cmd:        cmd,
		ptmx:       ptmx,
		done:       make(chan struct{}),
	}
	go h.readLoop()
	go h.waitLoop()
	return h, nil
}

// Write sends input bytes to the PTY (a pty-input frame's decoded payload).
func (h *PTYHandle) Write(data []byte) error {
	_, err := h.ptmx.Write(data)
	return err
}

// Resize applies a new terminal size (a resize frame).
func (h *PTYHandle) Resize(cols, rows uint16) error {
	return pty.Setsize(h.ptmx, &pty.Winsize{Cols: cols, Rows: rows})
}

// Close terminates the child: SIGTERM, then SIGKILL if it hasn't exited
// within the grace period, matching the teacher's internal/egg/server.go
// shutdown.
func (h *PTYHandle) Close() error {
	h.mu.Lock()
	h.closing = true
	h.mu.Unlock()

	if h.cmd.Process == nil {
		return nil
	}
	h.cmd.Process.Signal(syscall.SIGTERM)

	select {
	case <-h.done:
	case <-time.After(2 * time.Second):
		h.cmd.Process.Kill()
		<-h.done
	}
	return h.ptmx.Close()
}

func (h *PTYHandle) waitLoop() {
	h.cmd.Wait()
	close(h.done)
}

func (h *PTYHandle) readLoop() {
	flush := time.NewTicker(coalesceWindow)
	defer flush.Stop()

	readDone := make(chan struct{})
	buf := make([]byte, maxPTYRead)

	go func() {
		defer close(readDone)
		for {
			n, err := h.ptmx.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				h.mu.Lock()
				h.pending = append(h.pending, chunk...)
				h.mu.Unlock()
			}
			if err != nil {
				h.mu.Lock()
				closing := h.closing
				h.mu.Unlock()
				if !closing && h.OnExit != nil {
					h.OnExit(err)
				}
				return
			}
		}
	}()

	for {
		select {
		case <-flush.C:
			h.flushPending()
		case <-readDone:
			h.flushPending()
			return
		}
	}
}

func (h *PTYHandle) flushPending() {
	h.mu.Lock()
	if len(h.pending) == 0 {
		h.mu.Unlock()
		return
	}
	data := h.pending
	h.pending = nil
	h.mu.Unlock()

	if h.OnOutput != nil {
		h.OnOutput(data)
	}
}
