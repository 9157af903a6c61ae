package runtime

import (
	"io"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestMergeEnv(t *testing.T) {
	tests := []struct {
		name      string
		base      []string
		overrides []string
		want      []string
	}{
		{
			name:      "override existing key",
			base:      []string{"PATH=/usr/bin", "HOME=/root"},
			overrides: []string{"PATH=/usr/local/cargo/bin:/usr/bin"},
			want:      []string{"HOME=/root", "PATH=/usr/local/cargo/bin:/usr/bin"},
		},
		{
			name:      "add new key",
			base:      []string{"B=1"},
			overrides: []string{"A=2"},
			want:      []string{"A=2", "B=1"},
		},
		{
			name: "both empty",
			want: []string{},
		},
		{
			name: "value with equals sign",
			base: []string{"RUSTFLAGS=-C target-cpu=native"},
			want: []string{"RUSTFLAGS=-C target-cpu=native"},
		},
		{
			name:      "malformed entries skipped",
			base:      []string{"NOEQUALS", "A=1"},
			overrides: []string{"ALSO_BAD", "B=2"},
			want:      []string{"A=1", "B=2"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mergeEnv(tt.base, tt.overrides)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("mergeEnv mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestNextExecID(t *testing.T) {
	a := nextExecID()
	b := nextExecID()
	if a == b {
		t.Fatalf("nextExecID returned duplicate: %q", a)
	}
	if !strings.HasPrefix(a, "exec-") {
		t.Fatalf("nextExecID = %q, want exec- prefix", a)
	}
}

func TestEOFReader(t *testing.T) {
	r := newEOFReader(strings.NewReader("payload"))

	select {
	case <-r.eof:
		t.Fatal("eof signalled before read")
	default:
	}

	b, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "payload" {
		t.Errorf("read %q", b)
	}

	// A second EOF must not close the channel again.
	if _, err := r.Read(make([]byte, 1)); err != io.EOF {
		t.Errorf("err = %v, want EOF", err)
	}

	select {
	case <-r.eof:
	default:
		t.Fatal("eof not signalled after drain")
	}
}

func TestCloseStdinOnDrain(t *testing.T) {
	tests := []struct {
		name   string
		closed string // Channel closed before the call.
		want   bool   // Whether stdin is closed.
	}{
		{"input drained", "drained", true},
		{"process exited early", "done", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			drained, done := make(chan struct{}), make(chan struct{})
			if tt.closed == "drained" {
				close(drained)
			} else {
				close(done)
			}

			called := false
			returned := make(chan struct{})
			go func() {
				closeStdinOnDrain(drained, done, func() { called = true })
				close(returned)
			}()

			select {
			case <-returned:
			case <-time.After(5 * time.Second):
				t.Fatal("closeStdinOnDrain did not return")
			}
			if called != tt.want {
				t.Errorf("stdin closed = %v, want %v", called, tt.want)
			}
		})
	}
}
