package script

import (
	"errors"
	"strings"

	"github.com/dop251/goja"
)

// Error is a script evaluation failure carrying the offending source.
type Error struct {
	Source      string
	Message     string
	StackFrames []string
	Err         error
}

func (e *Error) Error() string {
	return "script: " + e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func wrapError(p *Program, err error) error {
	out := &Error{Source: p.Source, Message: err.Error(), Err: err}

	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		out.Message = "evaluation interrupted: deadline exceeded"
		out.Err = ErrInterrupted
		return out
	}

	var exc *goja.Exception
	if errors.As(err, &exc) {
		out.Message = exc.Error()
		out.StackFrames = parseFrames(exc.String())
	}
	return out
}

// parseFrames extracts the "at ..." lines of a goja stack dump.
func parseFrames(stack string) []string {
	var frames []string
	for _, line := range strings.Split(stack, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "at ") {
			continue
		}
		frames = append(frames, strings.TrimPrefix(line, "at "))
	}
	return frames
}
