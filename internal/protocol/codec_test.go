package protocol

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
)

func TestReader_SkipsBlankLines(t *testing.T) {
	in := "\n   \n{\"jsonrpc\":\"2.0\",\"id\":1,\"method\":\"ping\"}\n\n"
	r := NewReader(strings.NewReader(in), 0)

	msg, err := r.ReadMessage()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.Kind != KindRequest || msg.Method != "ping" {
		t.Fatalf("unexpected message: %+v", msg)
	}

	if _, err := r.ReadMessage(); err != io.EOF {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestReader_FrameError(t *testing.T) {
	r := NewReader(strings.NewReader("not json\n"), 0)
	_, err := r.ReadMessage()
	var fe *FrameError
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.As(err, &fe) {
		t.Fatalf("expected *FrameError, got %T: %v", err, err)
	}
}

func TestReader_OversizedFrame(t *testing.T) {
	big := `{"jsonrpc":"2.0","id":1,"method":"` + strings.Repeat("x", 200) + `"}` + "\n"
	r := NewReader(strings.NewReader(big), 64)
	_, err := r.ReadMessage()
	if err != ErrFrameTooLarge {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestReader_PreservesIntegerID(t *testing.T) {
	r := NewReader(strings.NewReader(`{"jsonrpc":"2.0","id":9007199254740993,"method":"ping"}`+"\n"), 0)
	msg, err := r.ReadMessage()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(msg.ID) != "9007199254740993" {
		t.Fatalf("id not preserved bit-exactly: %s", msg.ID)
	}
}

func TestWriter_AtomicConcurrentWrites(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	var wg sync.WaitGroup
	payloads := [][]byte{
		[]byte(`{"a":1}`),
		[]byte(`{"b":2}`),
		[]byte(`{"c":3}`),
	}
	for _, p := range payloads {
		wg.Add(1)
		go func(p []byte) {
			defer wg.Done()
			if err := w.WriteMessage(p); err != nil {
				t.Errorf("write: %v", err)
			}
		}(p)
	}
	wg.Wait()

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != len(payloads) {
		t.Fatalf("expected %d lines, got %d: %q", len(payloads), len(lines), buf.String())
	}
	for _, line := range lines {
		found := false
		for _, p := range payloads {
			if line == string(p) {
				found = true
			}
		}
		if !found {
			t.Fatalf("line %q was interleaved/corrupted", line)
		}
	}
}

func TestDecode_ClassifiesKinds(t *testing.T) {
	cases := []struct {
		name string
		in   string
		kind Kind
	}{
		{"request", `{"jsonrpc":"2.0","id":1,"method":"ping"}`, KindRequest},
		{"notification", `{"jsonrpc":"2.0","method":"notifications/x"}`, KindNotification},
		{"response", `{"jsonrpc":"2.0","id":1,"result":{}}`, KindResponse},
		{"null-id-notification", `{"jsonrpc":"2.0","id":null,"method":"notifications/x"}`, KindNotification},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msg, err := Decode([]byte(tc.in))
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if msg.Kind != tc.kind {
				t.Fatalf("expected kind %v, got %v", tc.kind, msg.Kind)
			}
		})
	}
}

func TestCorrelationKey_StringVsNumber(t *testing.T) {
	if CorrelationKey([]byte(`1`)) == CorrelationKey([]byte(`"1"`)) {
		t.Fatal("string and numeric ids with the same text must not collide")
	}
}
