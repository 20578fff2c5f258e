// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

type testWriter struct {
	lines []string
	fail  bool
}

func (w *testWriter) Write(bytes []byte) (int, error) {
	if w.fail {
		return 0, fmt.Errorf("simulated failure")
	}
	w.lines = append(w.lines, string(bytes))
	return len(bytes), nil
}

func TestDropMessages(t *testing.T) {
	tw := &testWriter{}
	w := Writer{Next: tw}
	if _, err := w.Write([]byte("line 1\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	tw.fail = true
	if _, err := w.Write([]byte("error\n")); err == nil {
		t.Fatalf("Write should have failed")
	}
	if _, err := w.Write([]byte("error\n")); err == nil {
		t.Fatalf("Write should have failed")
	}

	tw.fail = false
	if _, err := w.Write([]byte("line 2\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	want := []string{
		"line 1\n",
		"line 2\n",
		"\n*** Dropped 2 log messages ***\n",
	}
	if diff := cmp.Diff(want, tw.lines); diff != "" {
		t.Errorf("written lines mismatch (-want +got):\n%s", diff)
	}
}

func TestWriterAppendsNewline(t *testing.T) {
	tw := &testWriter{}
	w := Writer{Next: tw}
	w.Emit(0, Info, time.Time{}, "entries %d-%d", 3, 5)
	if got, want := strings.Join(tw.lines, ""), "entries 3-5\n"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestGoogleEmitterHeader(t *testing.T) {
	tw := &testWriter{}
	e := GoogleEmitter{Emitter: &Writer{Next: tw}}
	ts := time.Date(2024, time.March, 7, 13, 4, 5, 123456000, time.UTC)
	e.Emit(0, Warning, ts, "arena %q exhausted", "pci")
	if len(tw.lines) == 0 {
		t.Fatalf("nothing emitted")
	}
	line := strings.Join(tw.lines, "")
	if !strings.HasPrefix(line, "W0307 13:04:05.123456 ") {
		t.Errorf("unexpected header in %q", line)
	}
	if !strings.Contains(line, "log_test.go:") {
		t.Errorf("caller not resolved in %q", line)
	}
	if !strings.HasSuffix(line, `] arena "pci" exhausted`+"\n") {
		t.Errorf("unexpected message in %q", line)
	}
}

func TestBasicLoggerLevel(t *testing.T) {
	tw := &testWriter{}
	l := BasicLogger{Level: Info, Emitter: &Writer{Next: tw}}
	l.Debugf("hidden")
	l.Infof("shown")
	l.SetLevel(Debug)
	l.Debugf("now shown")
	l.SetLevel(Warning)
	l.Infof("hidden again")
	l.Warningf("warn")

	want := "shown\nnow shown\nwarn\n"
	if diff := cmp.Diff(want, strings.Join(tw.lines, "")); diff != "" {
		t.Errorf("emitted lines mismatch (-want +got):\n%s", diff)
	}
}

func TestRateLimitedLogger(t *testing.T) {
	tw := &testWriter{}
	base := &BasicLogger{Level: Debug, Emitter: &Writer{Next: tw}}
	rl := RateLimitedLogger(base, time.Hour)
	for i := 0; i < 10; i++ {
		rl.Warningf("no space %d", i)
	}
	if diff := cmp.Diff("no space 0\n", strings.Join(tw.lines, "")); diff != "" {
		t.Errorf("rate limited output mismatch (-want +got):\n%s", diff)
	}
	if !rl.IsLogging(Debug) {
		t.Errorf("IsLogging(Debug) = false, want true")
	}
}

func TestRateLimitedLoggerCaller(t *testing.T) {
	tw := &testWriter{}
	base := &BasicLogger{Level: Debug, Emitter: GoogleEmitter{Emitter: &Writer{Next: tw}}}
	for _, tc := range []struct {
		name string
		log  func(Logger)
	}{
		{"debug", func(l Logger) { l.Debugf("entries exhausted") }},
		{"info", func(l Logger) { l.Infof("entries exhausted") }},
		{"warning", func(l Logger) { l.Warningf("entries exhausted") }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			tw.lines = nil
			tc.log(RateLimitedLogger(base, time.Hour))
			line := strings.Join(tw.lines, "")
			if !strings.Contains(line, "log_test.go:") || strings.Contains(line, "rate_limited.go:") {
				t.Errorf("message not attributed to its caller: %q", line)
			}
		})
	}
}

func TestFilePattern(t *testing.T) {
	p := FilePattern{Command: "simulate", Now: time.Unix(0, 42)}
	if got, want := p.Build("/tmp/iova/%COMMAND%-%TIMESTAMP%.log"), "/tmp/iova/simulate-42.log"; got != want {
		t.Errorf("Build: got %q, want %q", got, want)
	}
}

func TestOpenFileEmptyPattern(t *testing.T) {
	f, err := OpenFile("", FilePattern{})
	if err != nil || f != nil {
		t.Errorf("OpenFile(\"\"): got (%v, %v), want (nil, nil)", f, err)
	}
}
