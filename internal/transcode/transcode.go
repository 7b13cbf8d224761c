/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package transcode supervises a per-room ffmpeg child process that converts
// the broadcaster's container stream into MP3 for HTTP listeners.
package transcode

import (
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"

	"github.com/rs/zerolog"
)

// Args builds the ffmpeg argument list for a WebM/Opus to MP3 conversion
// over stdin/stdout pipes. The small probesize keeps startup latency low on
// a live stream; wallclock timestamps paper over browsers that emit
// non-monotonic ones.
func Args() []string {
	return []string{
		"-hide_banner",
		"-loglevel", "warning",
		"-probesize", "4096",
		"-fflags", "+igndts+genpts",
		"-use_wallclock_as_timestamps", "1",
		"-flush_packets", "1",
		"-i", "pipe:0",
		"-map", "0:a:0",
		"-c:a", "libmp3lame",
		"-ac", "2",
		"-ar", "44100",
		"-b:a", "128k",
		"-f", "mp3",
		"pipe:1",
	}
}

// Process is one running ffmpeg child. Audio is written to its stdin and
// the MP3 output is pumped to the sink until the child exits.
type Process struct {
	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	alive  bool
	logger zerolog.Logger
}

// Start launches ffmpeg and begins pumping its stdout into sink. The sink
// is invoked from a dedicated goroutine; Write errors from the sink are
// ignored so one slow listener cannot stall the pump.
func Start(bin, roomID string, sink io.Writer, logger zerolog.Logger) (*Process, error) {
	if bin == "" {
		bin = "ffmpeg"
	}
	cmd := exec.Command(bin, Args()...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}

	p := &Process{
		cmd:    cmd,
		stdin:  stdin,
		alive:  true,
		logger: logger.With().Str("component", "transcode").Str("room", roomID).Int("pid", cmd.Process.Pid).Logger(),
	}
	p.logger.Info().Msg("transcoder started")

	go p.pump(stdout, sink)
	go p.drainStderr(stderr)
	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		p.alive = false
		p.mu.Unlock()
		if err != nil {
			p.logger.Warn().Err(err).Msg("transcoder exited")
		} else {
			p.logger.Info().Msg("transcoder exited")
		}
	}()

	return p, nil
}

// Write feeds one audio frame to the child. Writing to a dead child returns
// an error so the caller can restart.
func (p *Process) Write(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.alive {
		return io.ErrClosedPipe
	}
	if _, err := p.stdin.Write(data); err != nil {
		p.alive = false
		return fmt.Errorf("transcoder write: %w", err)
	}
	return nil
}

// Alive reports whether the child process is still running.
func (p *Process) Alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.alive
}

// Stop closes the child's stdin so it can flush its encoder, then asks it
// to terminate.
func (p *Process) Stop() {
	p.mu.Lock()
	if !p.alive {
		p.mu.Unlock()
		return
	}
	p.alive = false
	p.mu.Unlock()

	p.stdin.Close()
	if p.cmd.Process != nil {
		p.cmd.Process.Signal(syscall.SIGTERM)
	}
}

func (p *Process) pump(stdout io.Reader, sink io.Writer) {
	buf := make([]byte, 32*1024)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			sink.Write(buf[:n])
		}
		if err != nil {
			return
		}
	}
}

func (p *Process) drainStderr(stderr io.Reader) {
	buf := make([]byte, 4096)
	for {
		n, err := stderr.Read(buf)
		if n > 0 {
			p.logger.Warn().Str("stderr", string(buf[:n])).Msg("ffmpeg")
		}
		if err != nil {
			return
		}
	}
}
