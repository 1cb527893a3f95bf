// Package outcome carries a worker's one-shot result or failure diagnostic
// from the child process back to the supervisor.
//
// The transport is a dedicated pipe per worker: the parent keeps the read
// end, the write end is passed to the child via cmd.ExtraFiles (fd 3). A
// worker writes at most one frame, right before it exits. A worker that is
// interrupted, or an external command that does not speak this protocol,
// writes nothing and the parent sees a clean EOF.
package outcome

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Kind tags the single frame a worker writes.
type Kind string

const (
	// KindResult carries the worker function's return value.
	KindResult Kind = "result"

	// KindError carries a failure diagnostic (message plus stack trace).
	KindError Kind = "error"
)

// maxFrameSize bounds a frame on the read side; stack traces are big but
// not unbounded, and a runaway child must not balloon the parent.
const maxFrameSize = 1 << 20

// Frame is the one-shot message on the wire.
type Frame struct {
	Kind  Kind            `json:"kind"`
	Value json.RawMessage `json:"value,omitempty"`
	Error string          `json:"error,omitempty"`
	Stack string          `json:"stack,omitempty"`
}

// Diagnostic renders an error frame as the text the supervisor embeds in
// its failure report.
func (f *Frame) Diagnostic() string {
	if f.Stack == "" {
		return f.Error
	}
	return f.Error + "\n\n" + f.Stack
}

// Write encodes one frame. The encoder appends a newline, keeping frames
// self-delimiting on the pipe.
func Write(w io.Writer, f *Frame) error {
	if err := json.NewEncoder(w).Encode(f); err != nil {
		return fmt.Errorf("outcome: write frame: %w", err)
	}
	return nil
}

// WriteResult writes a result frame carrying the JSON encoding of value.
func WriteResult(w io.Writer, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("outcome: encode result: %w", err)
	}
	return Write(w, &Frame{Kind: KindResult, Value: raw})
}

// WriteError writes an error frame with the failure message and stack.
func WriteError(w io.Writer, msg, stack string) error {
	return Write(w, &Frame{Kind: KindError, Error: msg, Stack: stack})
}

// Read decodes the worker's single frame. io.EOF means the worker exited
// without writing one, which is normal for interrupted workers and for
// external commands that only report through their exit code.
func Read(r io.Reader) (*Frame, error) {
	dec := json.NewDecoder(io.LimitReader(r, maxFrameSize))

	var f Frame
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("outcome: read frame: %w", err)
	}

	switch f.Kind {
	case KindResult, KindError:
		return &f, nil
	default:
		return nil, fmt.Errorf("outcome: unknown frame kind %q", f.Kind)
	}
}
