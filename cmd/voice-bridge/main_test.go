package main

import (
	"bufio"
	"bytes"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"
)

const childEnv = "VOICE_BRIDGE_TEST_CHILD"

// TestMain lets the test binary act as the bridge when re-executed with
// childEnv set.
func TestMain(m *testing.M) {
	if os.Getenv(childEnv) == "1" {
		os.Args = []string{"voice-bridge"}
		main()
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func bridgeCommand(t *testing.T, env ...string) (*exec.Cmd, *bytes.Buffer) {
	t.Helper()
	cmd := exec.Command(os.Args[0])
	cmd.Env = append(os.Environ(), childEnv+"=1", "LOQA_JOURNAL_RETENTION_MODE=ephemeral", "LOQA_HTTP_ENABLED=false")
	cmd.Env = append(cmd.Env, env...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	return cmd, &stderr
}

func outputLines(out []byte) []string {
	text := strings.TrimSuffix(string(out), "\n")
	if text == "" {
		return nil
	}
	return strings.Split(text, "\n")
}

func TestUnreachableDaemonExitsZeroWithOneErrorLine(t *testing.T) {
	cmd, stderr := bridgeCommand(t,
		"LOQA_STT_MODE=socket",
		"LOQA_STT_SOCKET_PATH="+filepath.Join(t.TempDir(), "missing.sock"),
		"LOQA_STT_CONNECT_TIMEOUT_MS=500",
	)
	out, err := cmd.Output()
	if err != nil {
		t.Fatalf("expected exit code 0, got %v (stderr %s)", err, stderr.String())
	}
	lines := outputLines(out)
	if len(lines) != 1 || !strings.HasPrefix(lines[0], `{"type":"error","error":"`) {
		t.Fatalf("expected exactly one error line, got %q", out)
	}
}

func TestConfigFailureExitsZeroWithOneErrorLine(t *testing.T) {
	cmd, stderr := bridgeCommand(t, "LOQA_STT_MODE=telepathy")
	out, err := cmd.Output()
	if err != nil {
		t.Fatalf("expected exit code 0, got %v (stderr %s)", err, stderr.String())
	}
	want := `{"type":"error","error":"stt.mode must be one of socket|websocket|nats|exec|mock"}`
	if lines := outputLines(out); len(lines) != 1 || lines[0] != want {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestSIGTERMAfterListeningExitsZero(t *testing.T) {
	cmd, stderr := bridgeCommand(t, "LOQA_STT_MODE=mock")
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		t.Fatalf("stdout pipe: %v", err)
	}
	if err := cmd.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	lines := make(chan string, 8)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	var got []string
	timeout := time.After(10 * time.Second)
	for len(got) < 2 {
		select {
		case line, ok := <-lines:
			if !ok {
				t.Fatalf("bridge exited early, output %q stderr %s", got, stderr.String())
			}
			got = append(got, line)
		case <-timeout:
			_ = cmd.Process.Kill()
			t.Fatalf("timed out waiting for ready lines, got %q", got)
		}
	}
	if got[0] != `{"type":"ready","status":"connected"}` || got[1] != `{"type":"ready","status":"listening"}` {
		t.Fatalf("unexpected startup lines %q", got)
	}

	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		t.Fatalf("signal: %v", err)
	}
	for line := range lines {
		t.Fatalf("unexpected line after SIGTERM: %q", line)
	}
	waited := make(chan error, 1)
	go func() { waited <- cmd.Wait() }()
	select {
	case err := <-waited:
		if err != nil {
			t.Fatalf("expected exit code 0, got %v (stderr %s)", err, stderr.String())
		}
	case <-time.After(10 * time.Second):
		_ = cmd.Process.Kill()
		t.Fatal("bridge did not exit after SIGTERM")
	}
}
