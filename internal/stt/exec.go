package stt

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"time"

	"github.com/mattn/go-shellwords"
)

const execStopGrace = 2 * time.Second

// execDialer runs a recognizer command that speaks the daemon protocol on
// its stdin/stdout. Stderr is forwarded to the log.
func execDialer(command string, log *slog.Logger) (dialFunc, error) {
	parser := shellwords.NewParser()
	parser.ParseEnv = true
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("stt command is empty")
	}
	log = log.With(slog.String("component", "stt-command"), slog.String("command", args[0]))

	return func(_ context.Context) (frameConn, error) {
		cmd := exec.Command(args[0], args[1:]...)
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, err
		}
		// io.Pipe keeps Wait from closing stdout under the reader.
		stdoutR, stdoutW := io.Pipe()
		stderrR, stderrW := io.Pipe()
		cmd.Stdout = stdoutW
		cmd.Stderr = stderrW
		if err := cmd.Start(); err != nil {
			return nil, err
		}
		go forwardStderr(stderrR, log)

		exited := make(chan struct{})
		var waitErr error
		go func() {
			waitErr = cmd.Wait()
			_ = stdoutW.Close()
			_ = stderrW.Close()
			close(exited)
		}()

		closer := func() error {
			_ = stdin.Close()
			select {
			case <-exited:
			case <-time.After(execStopGrace):
				_ = cmd.Process.Kill()
				_ = stdoutR.Close()
				_ = stderrR.Close()
				<-exited
			}
			var exitErr *exec.ExitError
			if errors.As(waitErr, &exitErr) {
				log.Debug("stt command exited", slog.Int("code", exitErr.ExitCode()))
				return nil
			}
			return waitErr
		}
		return newLineConn(stdoutR, stdin, closer), nil
	}, nil
}

func forwardStderr(r io.Reader, log *slog.Logger) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		log.Info("stt command stderr", slog.String("line", scanner.Text()))
	}
}
