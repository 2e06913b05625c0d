package dbgctl

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/solo-io/dbgmux/pkg/debuggers"
)

type command struct {
	names []string
	usage string
	help  string
	run   func(ctx context.Context, r *REPL, arg string) error
}

// REPL reads debugger commands line by line and runs them against a
// controller.
type REPL struct {
	controller *debuggers.DebugController
	console    *Console
	lang       string
	prompt     string
	commands   map[string]*command
	ordered    []*command
}

func NewREPL(controller *debuggers.DebugController, console *Console, lang string) *REPL {
	r := &REPL{
		controller: controller,
		console:    console,
		lang:       lang,
		prompt:     "(dbgmux) ",
		commands:   make(map[string]*command),
	}
	for _, cmd := range commands() {
		r.ordered = append(r.ordered, cmd)
		for _, name := range cmd.names {
			r.commands[name] = cmd
		}
	}
	return r
}

// ErrQuit is returned by Execute for the quit command.
var ErrQuit = errors.New("quit")

func commands() []*command {
	return []*command{
		{names: []string{"c", "continue"}, help: "run until the next stop, starting the program if needed",
			run: func(ctx context.Context, r *REPL, _ string) error { return r.controller.Continue(ctx, r.lang) }},
		{names: []string{"s", "step"}, help: "step into",
			run: func(ctx context.Context, r *REPL, _ string) error { return r.controller.StepInto(ctx, r.lang) }},
		{names: []string{"n", "next"}, help: "step over",
			run: func(ctx context.Context, r *REPL, _ string) error { return r.controller.StepOver(ctx, r.lang) }},
		{names: []string{"o", "out"}, help: "step out of the current function",
			run: func(ctx context.Context, r *REPL, _ string) error { return r.controller.StepOut(ctx, r.lang) }},
		{names: []string{"pause"}, help: "interrupt the running program",
			run: func(ctx context.Context, r *REPL, _ string) error { return r.controller.Pause(ctx, r.lang) }},
		{names: []string{"restart"}, help: "run the program again from the start",
			run: func(ctx context.Context, r *REPL, _ string) error { return r.controller.Restart(ctx, r.lang) }},
		{names: []string{"stop"}, help: "end the debug session",
			run: func(ctx context.Context, r *REPL, _ string) error { return r.controller.Stop(ctx, r.lang) }},
		{names: []string{"b", "break"}, usage: "FILE:LINE", help: "toggle a breakpoint", run: toggleBreakpoint},
		{names: []string{"rb"}, usage: "FILE:LINE", help: "remove a breakpoint", run: removeBreakpoint},
		{names: []string{"w", "watch"}, usage: "EXPR", help: "watch an expression and stop when it changes",
			run: func(ctx context.Context, r *REPL, arg string) error { return r.watch(ctx, arg, false) }},
		{names: []string{"wn", "display"}, usage: "EXPR", help: "display an expression at every stop",
			run: func(ctx context.Context, r *REPL, arg string) error { return r.watch(ctx, arg, true) }},
		{names: []string{"rw"}, usage: "ID", help: "remove a watch", run: removeWatch},
		{names: []string{"f", "frame"}, usage: "LEVEL", help: "select a stack frame, 1 is the innermost", run: selectFrame},
		{names: []string{"p", "print"}, usage: "EXPR", help: "show the value of a symbol",
			run: func(ctx context.Context, r *REPL, arg string) error {
				return r.query(arg, func(text string) (string, bool, error) { return r.controller.Inspect(ctx, r.lang, text) })
			}},
		{names: []string{"e", "eval"}, usage: "TEXT", help: "evaluate with the debugger",
			run: func(ctx context.Context, r *REPL, arg string) error {
				return r.query(arg, func(text string) (string, bool, error) { return r.controller.Evaluate(ctx, r.lang, text) })
			}},
		{names: []string{"bt", "backtrace"}, help: "show the call stack", run: backtrace},
		{names: []string{"l", "list"}, help: "list breakpoints and watches",
			run: func(ctx context.Context, r *REPL, _ string) error {
				r.console.Registry(r.controller.Breakpoints(r.lang), r.controller.Watches(r.lang))
				return nil
			}},
		{names: []string{"h", "help"}, help: "show this help",
			run: func(ctx context.Context, r *REPL, _ string) error {
				r.help()
				return nil
			}},
		{names: []string{"q", "quit"}, help: "stop debugging and exit",
			run: func(ctx context.Context, r *REPL, _ string) error { return ErrQuit }},
	}
}

// Run executes commands from in until quit or end of input.
func (r *REPL) Run(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	for {
		if !r.console.json {
			r.console.lock.Lock()
			io.WriteString(r.console.out, r.prompt)
			r.console.lock.Unlock()
		}
		if !scanner.Scan() {
			return scanner.Err()
		}
		err := r.Execute(ctx, scanner.Text())
		if err == ErrQuit {
			return nil
		}
		if err != nil {
			r.console.Error(err)
		}
	}
}

// Execute runs one command line. Empty lines are ignored.
func (r *REPL) Execute(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	name, arg := line, ""
	if i := strings.IndexAny(line, " \t"); i >= 0 {
		name, arg = line[:i], strings.TrimSpace(line[i+1:])
	}
	cmd, ok := r.commands[name]
	if !ok {
		return errors.Errorf("unknown command %q, try help", name)
	}
	if cmd.usage != "" && arg == "" {
		return errors.Errorf("usage: %s %s", name, cmd.usage)
	}
	log.WithFields(log.Fields{"cmd": name, "arg": arg}).Debug("running command")
	return cmd.run(ctx, r, arg)
}

func (r *REPL) help() {
	var lines []string
	for _, cmd := range r.ordered {
		lines = append(lines, fmt.Sprintf("  %-22s %s", strings.TrimSpace(strings.Join(cmd.names, ", ")+" "+cmd.usage), cmd.help))
	}
	r.console.Message("%s", strings.Join(lines, "\n"))
}

func parseLocation(arg string) (string, int, error) {
	i := strings.LastIndex(arg, ":")
	if i <= 0 {
		return "", 0, errors.Errorf("expected FILE:LINE, got %q", arg)
	}
	line, err := strconv.Atoi(arg[i+1:])
	if err != nil || line < 1 {
		return "", 0, errors.Errorf("bad line number in %q", arg)
	}
	return arg[:i], line, nil
}

func toggleBreakpoint(ctx context.Context, r *REPL, arg string) error {
	file, line, err := parseLocation(arg)
	if err != nil {
		return err
	}
	set, err := r.controller.ToggleBreakpoint(ctx, r.lang, file, line)
	if err != nil {
		return err
	}
	if set {
		r.console.Message("breakpoint set at %s:%d", file, line)
	} else {
		r.console.Message("breakpoint cleared at %s:%d", file, line)
	}
	return nil
}

func removeBreakpoint(ctx context.Context, r *REPL, arg string) error {
	file, line, err := parseLocation(arg)
	if err != nil {
		return err
	}
	return r.controller.RemoveBreakpoint(ctx, r.lang, file, line)
}

func (r *REPL) watch(ctx context.Context, expr string, noBreak bool) error {
	id, err := r.controller.SetWatch(ctx, r.lang, expr, noBreak)
	if err != nil {
		return err
	}
	r.console.Message("watch %d: %s", id, expr)
	return nil
}

func removeWatch(ctx context.Context, r *REPL, arg string) error {
	id, err := strconv.Atoi(arg)
	if err != nil {
		return errors.Errorf("bad watch id %q", arg)
	}
	return r.controller.RemoveWatch(ctx, r.lang, id)
}

func selectFrame(ctx context.Context, r *REPL, arg string) error {
	level, err := strconv.Atoi(arg)
	if err != nil {
		return errors.Errorf("bad frame level %q", arg)
	}
	return r.controller.SetFrame(ctx, r.lang, level)
}

func (r *REPL) query(text string, q func(string) (string, bool, error)) error {
	value, ok, err := q(text)
	if err != nil {
		return err
	}
	r.console.Value(text, value, ok)
	return nil
}

func backtrace(ctx context.Context, r *REPL, _ string) error {
	state, ok := r.controller.State(r.lang)
	if !ok {
		return debuggers.ErrNoState
	}
	r.console.Backtrace(state)
	return nil
}
