// Package gdb drives gdb through its machine interface (GDB/MI): one command
// per line on stdin, replies read synchronously up to the "(gdb)" sentinel.
package gdb

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/solo-io/dbgmux/pkg/debuggers"
	"github.com/solo-io/dbgmux/pkg/utils"
)

// Process is the part of a spawned gdb the adapter needs.
type Process interface {
	Pid() int
	Stdin() io.Writer
	Stdout() io.Reader
	Kill() error
}

type Options struct {
	// Path of the gdb executable. Defaults to "gdb".
	Path string
	// Spawn starts gdb. Defaults to utils.Spawn.
	Spawn func(name string, args []string, opts utils.SpawnOptions) (Process, error)
	// Interrupt stops the debuggee. Defaults to sending SIGINT to pid.
	Interrupt func(pid int) error
}

type watch struct {
	expr    string
	noBreak bool
	// backend watchpoint number, 0 for display only watches
	number int
}

type GDB struct {
	opts   Options
	logger *log.Entry
	lang   string
	sink   debuggers.StateSink

	// serializes wire traffic: one command, one read up to the sentinel
	lock    sync.Mutex
	proc    Process
	in      io.Writer
	out     *bufio.Reader
	started bool
	// selected frame, 0-based as gdb counts
	level int

	pid int64
	// set while a run command waits for the target to stop
	running int32

	// breakpoints and watchpoints share gdb's number space
	maxID       int
	breakpoints map[debuggers.Breakpoint]int
	watches     map[int]*watch
}

func NewGDB(opts Options) *GDB {
	if opts.Path == "" {
		opts.Path = "gdb"
	}
	if opts.Spawn == nil {
		opts.Spawn = func(name string, args []string, o utils.SpawnOptions) (Process, error) {
			p, err := utils.Spawn(name, args, o)
			if err != nil {
				return nil, err
			}
			return p, nil
		}
	}
	if opts.Interrupt == nil {
		opts.Interrupt = func(pid int) error {
			return syscall.Kill(pid, syscall.SIGINT)
		}
	}
	return &GDB{
		opts:        opts,
		logger:      log.WithField("debugger", "gdb"),
		breakpoints: make(map[debuggers.Breakpoint]int),
		watches:     make(map[int]*watch),
	}
}

func (g *GDB) Start(ctx context.Context, lang string, target debuggers.Target, sink debuggers.StateSink) error {
	g.lang = lang
	g.sink = sink
	g.logger = g.logger.WithField("lang", lang)
	if target.Program == "" {
		return &debuggers.StartFailure{Language: lang, Err: errors.New("no program to debug")}
	}

	args := append([]string{"--interpreter=mi2", "--quiet", "--args", target.Program}, target.Args...)
	proc, err := g.opts.Spawn(g.opts.Path, args, utils.SpawnOptions{Cwd: target.Cwd, Env: target.Env})
	if err != nil {
		return &debuggers.StartFailure{Language: lang, Err: err}
	}
	g.proc = proc
	g.in = proc.Stdin()
	g.out = bufio.NewReader(proc.Stdout())

	g.lock.Lock()
	defer g.lock.Unlock()
	banner, err := g.readUntilSentinel()
	if err != nil {
		proc.Kill()
		return &debuggers.StartFailure{Language: lang, Err: errors.Wrap(err, "reading gdb banner")}
	}
	if msg := streams(banner, '&'); strings.Contains(msg, "No such file or directory") {
		proc.Kill()
		return &debuggers.StartFailure{Language: lang, Err: errors.New(strings.TrimSpace(msg))}
	}
	for _, cmd := range []string{"-gdb-set confirm off", "-enable-pretty-printing"} {
		if _, err := g.send(cmd); err != nil {
			g.logger.WithFields(log.Fields{"cmd": cmd, "err": err}).Warn("gdb setup command failed")
		}
	}
	return nil
}

// readUntilSentinel returns every line up to the sentinel. Debuggee output
// mixed into the stream is also forwarded to the sink.
// must hold lock
func (g *GDB) readUntilSentinel() (string, error) {
	var lines []string
	for {
		line, err := g.out.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")
		if strings.TrimSpace(line) == Sentinel {
			return strings.Join(lines, "\n"), nil
		}
		if line != "" {
			lines = append(lines, line)
			g.forward(line)
		}
		if err != nil {
			if err == io.EOF {
				return strings.Join(lines, "\n"), debuggers.ErrTargetExited
			}
			return strings.Join(lines, "\n"), err
		}
	}
}

func (g *GDB) forward(line string) {
	if g.sink == nil {
		return
	}
	switch {
	case strings.HasPrefix(line, `@"`):
		g.sink.Output(g.lang, streams(line, '@'))
	case !isRecord(line):
		g.sink.Output(g.lang, line+"\n")
	}
}

// send writes one command and reads its reply. An ^error result is returned as
// a ProtocolError along with the raw output.
// must hold lock
func (g *GDB) send(cmd string) (string, error) {
	g.logger.WithField("cmd", cmd).Debug("sending command to gdb")
	if _, err := io.WriteString(g.in, cmd+"\n"); err != nil {
		return "", debuggers.ErrTargetExited
	}
	out, err := g.readUntilSentinel()
	if err != nil {
		return out, err
	}
	if resultClass(out) == "error" {
		msg, _ := field(out, "msg")
		return out, &debuggers.ProtocolError{Op: cmd, Msg: msg}
	}
	return out, nil
}

// run issues an execution command, waits for the target to stop again and
// pushes the new state.
func (g *GDB) run(ctx context.Context, cmd string) error {
	atomic.StoreInt32(&g.running, 1)
	defer atomic.StoreInt32(&g.running, 0)
	g.lock.Lock()
	defer g.lock.Unlock()

	out, err := g.send(cmd)
	if err != nil {
		if debuggers.IsProtocolError(err) && strings.Contains(err.Error(), "not being run") {
			return debuggers.ErrTargetExited
		}
		return err
	}
	// =thread-group-started comes with the reply to the first run
	g.trackPid(out)
	for !strings.Contains(out, "*stopped") {
		more, err := g.readUntilSentinel()
		if err != nil {
			return err
		}
		g.trackPid(more)
		out += "\n" + more
	}
	if reason, ok := field(out, "reason"); ok {
		g.logger.WithField("reason", reason).Debug("target stopped")
	}
	g.level = 0
	return g.refresh()
}

func (g *GDB) trackPid(out string) {
	if pid := intField(out, "pid"); pid > 0 {
		atomic.StoreInt64(&g.pid, int64(pid))
		g.logger.WithField("pid", pid).Debug("tracking debuggee")
	}
}

func (g *GDB) Continue(ctx context.Context) error {
	if !g.started {
		g.started = true
		return g.run(ctx, "-exec-run")
	}
	return g.run(ctx, "-exec-continue")
}

func (g *GDB) StepInto(ctx context.Context) error {
	if !g.started {
		g.started = true
		return g.run(ctx, "-exec-run --start")
	}
	return g.run(ctx, "-exec-step")
}

func (g *GDB) StepOver(ctx context.Context) error {
	if !g.started {
		g.started = true
		return g.run(ctx, "-exec-run --start")
	}
	return g.run(ctx, "-exec-next")
}

// StepOut needs a running program; before the first run there is no frame
// to finish.
func (g *GDB) StepOut(ctx context.Context) error {
	if !g.started {
		return debuggers.NewProtocolError("-exec-finish", "The program is not being run.")
	}
	return g.run(ctx, "-exec-finish")
}

// Pause interrupts the debuggee with a signal; gdb then reports the stop to
// the command that is waiting for it.
func (g *GDB) Pause(ctx context.Context) error {
	pid := int(atomic.LoadInt64(&g.pid))
	if pid == 0 {
		g.logger.Debug("no debuggee pid to interrupt")
		return nil
	}
	return errors.Wrapf(g.opts.Interrupt(pid), "interrupting %d", pid)
}

func (g *GDB) Restart(ctx context.Context) error {
	g.started = true
	return g.run(ctx, "-exec-run")
}

// Stop asks gdb to exit and kills it. While a run command waits for the
// target, gdb is killed first: that ends the wait and frees the wire.
func (g *GDB) Stop(ctx context.Context) error {
	var result *multierror.Error
	if atomic.LoadInt32(&g.running) == 1 {
		if err := g.proc.Kill(); err != nil {
			result = multierror.Append(result, errors.Wrap(err, "killing gdb"))
		}
		return result.ErrorOrNil()
	}
	g.lock.Lock()
	if _, err := io.WriteString(g.in, "-gdb-exit\n"); err != nil {
		result = multierror.Append(result, errors.Wrap(err, "gdb exit"))
	}
	g.lock.Unlock()
	if err := g.proc.Kill(); err != nil {
		result = multierror.Append(result, errors.Wrap(err, "killing gdb"))
	}
	return result.ErrorOrNil()
}

// refresh gathers the current frame, the stack and the frame's variables and
// pushes them as one record. An error on the first query means the target is
// gone.
// must hold lock
func (g *GDB) refresh() error {
	frameOut, err := g.send("-stack-info-frame")
	if err != nil {
		if debuggers.IsProtocolError(err) {
			return debuggers.ErrTargetExited
		}
		return err
	}
	stackOut, err := g.send("-stack-list-frames")
	if err != nil {
		return err
	}
	simpleOut, err := g.send("-stack-list-variables --simple-values")
	if err != nil {
		return err
	}
	localsOut, err := g.send("-stack-list-locals --all-values")
	if err != nil {
		return err
	}

	record := &debuggers.StateRecord{
		File:         frameFile(frameOut),
		Line:         intField(frameOut, "line"),
		CurrentFrame: g.level + 1,
		Variables:    make(map[string]string),
	}
	if record.Line < 1 {
		record.Line = 1
	}
	for _, frame := range groups(stackOut, "stack") {
		record.CallStack = append(record.CallStack, debuggers.Frame{Label: frameLabel(frame)})
	}
	if len(record.CallStack) == 0 {
		record.CallStack = []debuggers.Frame{{Label: frameLabel(frameOut)}}
	}
	if record.CurrentFrame > len(record.CallStack) {
		record.CurrentFrame = len(record.CallStack)
	}
	for _, v := range groups(simpleOut, "variables") {
		name, _ := field(v, "name")
		if value, ok := field(v, "value"); ok {
			record.Variables[name] = value
		} else if typ, ok := field(v, "type"); ok {
			record.Variables[name] = typ
		}
	}
	for _, v := range groups(localsOut, "locals") {
		name, _ := field(v, "name")
		if value, ok := field(v, "value"); ok {
			record.Variables[name] = value
		}
	}
	for _, w := range g.sortedWatches() {
		value, ok, err := g.evaluateExpression(w.expr)
		switch {
		case err != nil:
			return err
		case ok:
			record.Variables[w.expr] = value
		default:
			record.Variables[w.expr] = debuggers.Unevaluated
		}
	}
	return g.sink.UpdateState(g.lang, record)
}

func frameFile(out string) string {
	for _, key := range []string{"fullname", "file", "from"} {
		if v, ok := field(out, key); ok && v != "" {
			return v
		}
	}
	return "??"
}

func frameLabel(frame string) string {
	fn, ok := field(frame, "func")
	if !ok {
		fn = "??"
	}
	if file, ok := field(frame, "file"); ok {
		return fmt.Sprintf("%s at %s:%d", fn, file, intField(frame, "line"))
	}
	if from, ok := field(frame, "from"); ok {
		return fmt.Sprintf("%s from %s", fn, from)
	}
	addr, _ := field(frame, "addr")
	return fmt.Sprintf("%s at %s", fn, addr)
}

func (g *GDB) sortedWatches() []*watch {
	ids := make([]int, 0, len(g.watches))
	for id := range g.watches {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	result := make([]*watch, 0, len(ids))
	for _, id := range ids {
		result = append(result, g.watches[id])
	}
	return result
}

// evaluateExpression returns ok=false when gdb refused the expression.
// must hold lock
func (g *GDB) evaluateExpression(expr string) (string, bool, error) {
	out, err := g.send("-data-evaluate-expression " + quote(expr))
	if err != nil {
		if debuggers.IsProtocolError(err) {
			return "", false, nil
		}
		return "", false, err
	}
	value, ok := field(out, "value")
	return value, ok, nil
}

// number returns the breakpoint number in a reply, or the next number of the
// shared pool if the reply carries none.
func (g *GDB) number(out string) int {
	n := intField(out, "number")
	if n == 0 {
		n = g.maxID + 1
	}
	if n > g.maxID {
		g.maxID = n
	}
	return n
}

func (g *GDB) AddBreakpoint(ctx context.Context, file string, line int) error {
	g.lock.Lock()
	defer g.lock.Unlock()
	bp := debuggers.Breakpoint{File: file, Line: line}
	if _, ok := g.breakpoints[bp]; ok {
		return nil
	}
	out, err := g.send("-break-insert " + quote(fmt.Sprintf("%s:%d", file, line)))
	if err != nil {
		return err
	}
	g.breakpoints[bp] = g.number(out)
	return nil
}

func (g *GDB) RemoveBreakpoint(ctx context.Context, file string, line int) error {
	g.lock.Lock()
	defer g.lock.Unlock()
	bp := debuggers.Breakpoint{File: file, Line: line}
	n, ok := g.breakpoints[bp]
	if !ok {
		return nil
	}
	delete(g.breakpoints, bp)
	_, err := g.send("-break-delete " + strconv.Itoa(n))
	return err
}

// AddWatch registers expr for display and, unless noBreak, as a watchpoint.
// Watching the same expression twice is not supported: gdb would hand out two
// indistinguishable watchpoints.
func (g *GDB) AddWatch(ctx context.Context, expr string, id int, noBreak bool) error {
	g.lock.Lock()
	defer g.lock.Unlock()
	for _, w := range g.watches {
		if w.expr == expr {
			return debuggers.ErrDuplicateWatch
		}
	}
	w := &watch{expr: expr, noBreak: noBreak}
	g.watches[id] = w
	if noBreak {
		return nil
	}
	out, err := g.send("-break-watch " + quote(expr))
	if err != nil {
		return err
	}
	w.number = g.number(out)
	return nil
}

func (g *GDB) RemoveWatch(ctx context.Context, expr string, id int) error {
	g.lock.Lock()
	defer g.lock.Unlock()
	w, ok := g.watches[id]
	if !ok {
		return nil
	}
	delete(g.watches, id)
	if w.number == 0 {
		return nil
	}
	_, err := g.send("-break-delete " + strconv.Itoa(w.number))
	return err
}

func (g *GDB) SetFrame(ctx context.Context, level int) error {
	g.lock.Lock()
	defer g.lock.Unlock()
	if _, err := g.send("-stack-select-frame " + strconv.Itoa(level-1)); err != nil {
		return err
	}
	g.level = level - 1
	return g.refresh()
}

func (g *GDB) Inspect(ctx context.Context, symbol string) (string, bool, error) {
	g.lock.Lock()
	defer g.lock.Unlock()
	return g.evaluateExpression(symbol)
}

// Evaluate runs text as a gdb console command and returns what it printed.
func (g *GDB) Evaluate(ctx context.Context, text string) (string, bool, error) {
	g.lock.Lock()
	defer g.lock.Unlock()
	out, err := g.send("-interpreter-exec console " + strconv.Quote(text))
	if err != nil {
		if pe, ok := errors.Cause(err).(*debuggers.ProtocolError); ok {
			return pe.Msg, true, nil
		}
		return "", false, err
	}
	console := streams(out, '~')
	return strings.TrimRight(console, "\n"), console != "", nil
}
