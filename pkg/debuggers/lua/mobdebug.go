package lua

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/solo-io/dbgmux/pkg/debuggers"
)

// MobDebug reply codes
const (
	codeOK          = "200"
	codePaused      = "202"
	codePausedWatch = "203"
	codeOutput      = "204"
	codeError       = "401"
)

// paused is where a run type command stopped.
type paused struct {
	File string
	Line int
	// Watch is the backend index of the watch that fired, 0 if none.
	Watch int
}

func fields(line string) (code string, rest []string) {
	f := strings.Fields(line)
	if len(f) == 0 {
		return "", nil
	}
	return f[0], f[1:]
}

// readError reads the "401 Error in ... size" payload.
func readError(w *Wire, op string, rest []string) error {
	if len(rest) == 0 {
		return debuggers.NewProtocolError(op, "error without details")
	}
	size, err := strconv.Atoi(rest[len(rest)-1])
	if err != nil {
		return debuggers.NewProtocolError(op, "%s", strings.Join(rest, " "))
	}
	msg, err := w.Receive(size)
	if err != nil {
		return err
	}
	return &debuggers.ProtocolError{Op: op, Msg: strings.TrimSpace(msg)}
}

// expectOK sends cmd and reads the one line reply, returning what follows
// "200 OK".
func expectOK(w *Wire, cmd string) ([]string, error) {
	if err := w.Send(cmd); err != nil {
		return nil, errors.Wrap(debuggers.ErrTargetExited, err.Error())
	}
	line, err := w.ReceiveLine()
	if err != nil {
		return nil, err
	}
	code, rest := fields(line)
	switch code {
	case codeOK:
		if len(rest) > 0 && rest[0] == "OK" {
			rest = rest[1:]
		}
		return rest, nil
	case codeError:
		return nil, readError(w, cmd, rest)
	}
	return nil, debuggers.NewProtocolError(cmd, "unexpected reply %q", line)
}

func setBreakpoint(file string, line int) Action {
	return func(w *Wire) (interface{}, error) {
		_, err := expectOK(w, fmt.Sprintf("SETB %s %d", file, line))
		return nil, err
	}
}

func deleteBreakpoint(file string, line int) Action {
	return func(w *Wire) (interface{}, error) {
		_, err := expectOK(w, fmt.Sprintf("DELB %s %d", file, line))
		return nil, err
	}
}

// setWatch returns the backend index of the new watch.
func setWatch(expr string) Action {
	return func(w *Wire) (interface{}, error) {
		rest, err := expectOK(w, "SETW "+expr)
		if err != nil {
			return nil, err
		}
		if len(rest) == 0 {
			return nil, debuggers.NewProtocolError("SETW", "no watch index in reply")
		}
		return strconv.Atoi(rest[0])
	}
}

func deleteWatch(index int) Action {
	return func(w *Wire) (interface{}, error) {
		_, err := expectOK(w, "DELW "+strconv.Itoa(index))
		return nil, err
	}
}

// stack returns the serialized stack.
func stack() Action {
	return func(w *Wire) (interface{}, error) {
		if err := w.Send("STACK"); err != nil {
			return nil, errors.Wrap(debuggers.ErrTargetExited, err.Error())
		}
		line, err := w.ReceiveLine()
		if err != nil {
			return nil, err
		}
		switch {
		case strings.HasPrefix(line, "200 OK "):
			return strings.TrimPrefix(line, "200 OK "), nil
		case strings.HasPrefix(line, codeError):
			_, rest := fields(line)
			return nil, readError(w, "STACK", rest)
		}
		return nil, debuggers.NewProtocolError("STACK", "unexpected reply %q", line)
	}
}

// exec runs chunk in the innermost frame and returns its serialized results.
func exec(chunk string) Action {
	return func(w *Wire) (interface{}, error) {
		rest, err := expectOK(w, "EXEC "+chunk)
		if err != nil {
			return nil, err
		}
		if len(rest) == 0 {
			return "", nil
		}
		size, err := strconv.Atoi(rest[0])
		if err != nil {
			return nil, debuggers.NewProtocolError("EXEC", "bad size %q", rest[0])
		}
		return w.Receive(size)
	}
}

// run sends a run type command (RUN, STEP, OVER, OUT) and waits until the
// debuggee pauses. Output produced meanwhile goes to output. A closed
// connection means the debuggee finished.
func run(cmd string, output func(string)) Action {
	return func(w *Wire) (interface{}, error) {
		if _, err := expectOK(w, cmd); err != nil {
			return nil, err
		}
		for {
			line, err := w.ReceiveLine()
			if err != nil {
				return nil, err
			}
			code, rest := fields(line)
			switch code {
			case codePaused, codePausedWatch:
				return parsePaused(line)
			case codeOutput:
				// 204 Output stream size
				if len(rest) < 3 {
					return nil, debuggers.NewProtocolError(cmd, "bad output header %q", line)
				}
				size, err := strconv.Atoi(rest[2])
				if err != nil {
					return nil, debuggers.NewProtocolError(cmd, "bad output size %q", rest[2])
				}
				data, err := w.Receive(size)
				if err != nil {
					return nil, err
				}
				output(data)
			case codeError:
				// runtime error in the debuggee; it is reported and the
				// debuggee finishes
				perr := readError(w, cmd, rest)
				if pe, ok := perr.(*debuggers.ProtocolError); ok {
					output(pe.Msg + "\n")
				} else {
					return nil, perr
				}
			default:
				return nil, debuggers.NewProtocolError(cmd, "unexpected reply %q", line)
			}
		}
	}
}

var (
	pausedRegexp      = regexp.MustCompile(`^202 Paused\s+(.+)\s+(\d+)\s*$`)
	pausedWatchRegexp = regexp.MustCompile(`^203 Paused\s+(.+)\s+(\d+)\s+(\d+)\s*$`)
)

// parsePaused reads "202 Paused file line" and "203 Paused file line index".
// File names may contain spaces.
func parsePaused(line string) (*paused, error) {
	if m := pausedWatchRegexp.FindStringSubmatch(line); m != nil {
		l, _ := strconv.Atoi(m[2])
		idx, _ := strconv.Atoi(m[3])
		return &paused{File: m[1], Line: l, Watch: idx}, nil
	}
	if m := pausedRegexp.FindStringSubmatch(line); m != nil {
		l, _ := strconv.Atoi(m[2])
		return &paused{File: m[1], Line: l}, nil
	}
	return nil, debuggers.NewProtocolError("pause", "bad pause reply %q", line)
}

func exit() Action {
	return func(w *Wire) (interface{}, error) {
		_, err := expectOK(w, "EXIT")
		return nil, err
	}
}
