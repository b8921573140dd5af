// Package testutil provides shared test utilities and fixtures.
package testutil

import (
	"fmt"
	"testing"
	"time"

	"github.com/banshee-data/hdmi-cec/internal/cec"
)

// AssertStatusCode checks that the response status code matches expected.
func AssertStatusCode(t testing.TB, got, want int) {
	t.Helper()
	if got != want {
		t.Errorf("status code = %d, want %d", got, want)
	}
}

// MustParseFrame parses a colon-hex frame such as "04:46" or fails the test.
func MustParseFrame(t testing.TB, s string) cec.Packet {
	t.Helper()
	p, err := cec.ParseFrame(s)
	if err != nil {
		t.Fatalf("parse frame %q: %v", s, err)
	}
	return p
}

// FrameStrings renders raw frames in colon-hex form. Frames that do not
// decode are rendered as "!" followed by their space-separated hex.
func FrameStrings(frames [][]byte) []string {
	out := make([]string, len(frames))
	for i, f := range frames {
		p, err := cec.Decode(f)
		if err != nil {
			out[i] = fmt.Sprintf("!% X", f)
			continue
		}
		out[i] = p.String()
	}
	return out
}

// Receive waits up to timeout for a value from ch.
func Receive[T any](t testing.TB, ch <-chan T, timeout time.Duration) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(timeout):
		t.Fatalf("nothing received within %s", timeout)
	}
	var zero T
	return zero
}
