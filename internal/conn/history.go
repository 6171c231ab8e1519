//  Copyright 2024 Google LLC
//
//  Licensed under the Apache License, Version 2.0 (the "License");
//  you may not use this file except in compliance with the License.
//  You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
//  Unless required by applicable law or agreed to in writing, software
//  distributed under the License is distributed on an "AS IS" BASIS,
//  WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//  See the License for the specific language governing permissions and
//  limitations under the License.

package conn

import (
	"context"
	"fmt"
	"sync"
	"time"

	expect "github.com/google/goexpect"
)

// DefaultHistorySize is the number of commands a Recorder keeps when no size
// is given.
const DefaultHistorySize = 200

// Record is a command run through a Recorder.
type Record struct {
	// Time is when the command started.
	Time time.Time
	// Command is the script or spawned command line.
	Command string
	// RC is the exit status, -1 if the command didn't finish.
	RC int
	// Duration is how long the command ran. Spawned commands report the time
	// it took to start them.
	Duration time.Duration
	// Spawned is set for interactive sessions.
	Spawned bool
}

// String formats the record as a log line.
func (r Record) String() string {
	kind := "run"
	if r.Spawned {
		kind = "spawn"
	}
	return fmt.Sprintf("%s %s rc=%d %s %s", r.Time.UTC().Format(time.RFC3339), kind, r.RC, r.Duration.Round(time.Millisecond), r.Command)
}

// History is a fixed size list of the latest records. Adding a record to a
// full history overwrites the oldest one.
type History struct {
	mu      sync.Mutex
	entries []Record
	idx     int
	isFull  bool
}

// NewHistory returns a history keeping size records, DefaultHistorySize if
// size is not positive.
func NewHistory(size int) *History {
	if size <= 0 {
		size = DefaultHistorySize
	}
	return &History{entries: make([]Record, size)}
}

// Add adds rec to the history.
func (h *History) Add(rec Record) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.entries[h.idx] = rec
	h.idx = (h.idx + 1) % len(h.entries)
	if h.idx == 0 {
		h.isFull = true
	}
}

// Capacity returns the maximum number of records kept.
func (h *History) Capacity() int {
	return len(h.entries)
}

// Len returns the number of records kept.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.isFull {
		return len(h.entries)
	}
	return h.idx
}

// All returns the records from the oldest to the latest.
func (h *History) All() []Record {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.isFull {
		return append([]Record(nil), h.entries[:h.idx]...)
	}
	all := make([]Record, 0, len(h.entries))
	all = append(all, h.entries[h.idx:]...)
	return append(all, h.entries[:h.idx]...)
}

// Reset drops all records.
func (h *History) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.idx = 0
	h.isFull = false
	h.entries = make([]Record, len(h.entries))
}

// Recorder is a connection adding the commands it runs to a history.
type Recorder struct {
	conn    Conn
	history *History
	// now is replaced in tests.
	now func() time.Time
}

// NewRecorder returns c recording its commands in history.
func NewRecorder(c Conn, history *History) *Recorder {
	return &Recorder{conn: c, history: history, now: time.Now}
}

// Unwrap returns the recorded connection.
func (r *Recorder) Unwrap() Conn {
	return r.conn
}

// History returns the recorded commands.
func (r *Recorder) History() *History {
	return r.history
}

// Host returns the host name of the recorded connection.
func (r *Recorder) Host() string {
	return r.conn.Host()
}

// Run runs script on the recorded connection.
func (r *Recorder) Run(ctx context.Context, script string, opts ...RunOption) (*ProcessResult, error) {
	start := r.now()
	res, err := r.conn.Run(ctx, script, opts...)

	rc := -1
	if res != nil {
		rc = res.RC
	} else if perr, ok := AsProcessError(err); ok {
		rc = perr.RC
	}
	r.history.Add(Record{Time: start, Command: script, RC: rc, Duration: r.now().Sub(start)})
	return res, err
}

// Spawn starts command on the recorded connection.
func (r *Recorder) Spawn(ctx context.Context, command string, timeout time.Duration, opts ...expect.Option) (*expect.GExpect, <-chan error, error) {
	start := r.now()
	exp, done, err := r.conn.Spawn(ctx, command, timeout, opts...)
	r.history.Add(Record{Time: start, Command: command, RC: -1, Duration: r.now().Sub(start), Spawned: true})
	return exp, done, err
}

// Close closes the recorded connection.
func (r *Recorder) Close() error {
	return r.conn.Close()
}
