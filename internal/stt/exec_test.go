package stt

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"
)

// recognizerScript answers each request by id and emits the scripted events
// after start_listening. It stays alive until stdin closes.
const recognizerScript = `#!/bin/sh
echo "recognizer ready" >&2
while IFS= read -r line; do
  id=$(printf '%s' "$line" | sed -n 's/.*"id":\([0-9]*\).*/\1/p')
  printf '{"type":"response","id":%s,"success":true}\n' "$id"
  case "$line" in
    *start_listening*)
      printf '%s\n' '{"type":"transcription","data":{"text":"hello world","confidence":0.92}}'
      printf '%s\n' '{"type":"transcription","data":{"text":"hallo","confidence":0.5,"language":"de","is_final":false}}'
      printf '%s\n' '{"type":"error","error":"microphone unavailable"}'
      ;;
  esac
done
`

func TestExecClientLifecycle(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	script := filepath.Join(t.TempDir(), "recognizer.sh")
	if err := os.WriteFile(script, []byte(recognizerScript), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}

	dial, err := execDialer("sh "+script, newLogger())
	if err != nil {
		t.Fatalf("exec dialer: %v", err)
	}
	client := newStreamClient("test", dial, 2*time.Second, newLogger())
	exerciseStreamClient(t, client)
}

func TestExecDialerRejectsEmptyCommand(t *testing.T) {
	if _, err := execDialer("   ", newLogger()); err == nil {
		t.Fatal("expected error for empty command")
	}
	if _, err := execDialer(`whisper "unterminated`, newLogger()); err == nil {
		t.Fatal("expected parse error for unterminated quote")
	}
}

func TestExecClientMissingBinary(t *testing.T) {
	dial, err := execDialer("/nonexistent/recognizer --stream", newLogger())
	if err != nil {
		t.Fatalf("exec dialer: %v", err)
	}
	client := newStreamClient("test", dial, time.Second, newLogger())
	if err := client.Connect(context.Background()); err == nil {
		t.Fatal("expected connect to fail for a missing binary")
	}
}
