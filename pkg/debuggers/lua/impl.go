// Package lua debugs Lua programs through the MobDebug remote protocol. The
// debuggee connects to us; run type commands are multiplexed onto the host
// loop so the caller never blocks while the program runs.
package lua

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/solo-io/dbgmux/pkg/debuggers"
	"github.com/solo-io/dbgmux/pkg/hostloop"
	"github.com/solo-io/dbgmux/pkg/utils"
	glua "github.com/yuin/gopher-lua"
)

// Process is the part of a spawned debuggee the adapter needs.
type Process interface {
	Kill() error
}

type Options struct {
	Host string
	Port int
	// LuaPath is the interpreter used to launch programs. Defaults to "lua".
	LuaPath string
	// AcceptTimeout is the default rendezvous timeout.
	AcceptTimeout time.Duration
	// PollInterval is how often the host loop polls the socket.
	PollInterval time.Duration
	// RequestTimeout bounds commands that answer immediately.
	RequestTimeout time.Duration
	Scheduler      hostloop.Scheduler
	Pretty         Pretty
	Spawn          func(name string, args []string, opts utils.SpawnOptions) (Process, error)
}

type watch struct {
	expr string
	// backend index, 0 for display only watches
	index int
}

type Lua struct {
	opts   Options
	logger *log.Entry
	lang   string
	sink   debuggers.StateSink
	target debuggers.Target

	lock        sync.Mutex
	mux         *Mux
	proc        Process
	level       int
	breakpoints map[debuggers.Breakpoint]bool
	watches     map[int]*watch
}

func NewLua(opts Options) *Lua {
	if opts.Host == "" {
		opts.Host = "127.0.0.1"
	}
	if opts.Port == 0 {
		opts.Port = 8172
	}
	if opts.LuaPath == "" {
		opts.LuaPath = "lua"
	}
	if opts.AcceptTimeout == 0 {
		opts.AcceptTimeout = 5 * time.Second
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = 20 * time.Millisecond
	}
	if opts.RequestTimeout == 0 {
		opts.RequestTimeout = 5 * time.Second
	}
	if opts.Scheduler == nil {
		opts.Scheduler = hostloop.NewTickerScheduler()
	}
	if opts.Pretty == (Pretty{}) {
		opts.Pretty = Pretty{MaxLength: 100, MaxLines: 19}
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
	return &Lua{
		opts:        opts,
		logger:      log.WithField("debugger", "lua"),
		breakpoints: make(map[debuggers.Breakpoint]bool),
		watches:     make(map[int]*watch),
	}
}

// Start listens for the debuggee and, unless the program is "-" or empty,
// launches it with MobDebug pointed at us. Exactly one connection is accepted.
func (l *Lua) Start(ctx context.Context, lang string, target debuggers.Target, sink debuggers.StateSink) error {
	l.lang = lang
	l.sink = sink
	l.target = target
	l.logger = l.logger.WithField("lang", lang)
	if err := l.connect(target); err != nil {
		return &debuggers.StartFailure{Language: lang, Timeout: errors.Cause(err) == utils.ErrAcceptTimeout, Err: err}
	}
	return nil
}

func (l *Lua) connect(target debuggers.Target) error {
	addr := fmt.Sprintf("%s:%d", l.opts.Host, l.opts.Port)
	listener, err := utils.Listen(addr)
	if err != nil {
		return errors.Wrapf(err, "listening on %s", addr)
	}
	defer listener.Close()
	l.logger.WithField("addr", addr).Info("waiting for debuggee")

	var proc Process
	if target.Program != "" && target.Program != "-" {
		start := fmt.Sprintf("require('mobdebug').start('%s', %d)", l.opts.Host, l.opts.Port)
		args := append([]string{"-e", start, target.Program}, target.Args...)
		proc, err = l.opts.Spawn(l.opts.LuaPath, args, utils.SpawnOptions{
			Cwd: target.Cwd,
			Env: target.Env,
			OnOutput: func(line string) {
				if l.sink != nil {
					l.sink.Output(l.lang, line+"\n")
				}
			},
		})
		if err != nil {
			return errors.Wrapf(err, "launching %s", target.Program)
		}
	}

	timeout := target.AcceptTimeout
	if timeout == 0 {
		timeout = l.opts.AcceptTimeout
	}
	conn, err := utils.AcceptTimeout(listener, timeout)
	if err != nil {
		if proc != nil {
			proc.Kill()
		}
		return err
	}
	l.logger.WithField("remote", conn.RemoteAddr().String()).Info("debuggee connected")

	l.lock.Lock()
	l.mux = NewMux(conn, l.opts.Scheduler, l.opts.PollInterval, l.opts.RequestTimeout)
	l.proc = proc
	l.level = 1
	l.lock.Unlock()
	return nil
}

func (l *Lua) currentMux() *Mux {
	l.lock.Lock()
	defer l.lock.Unlock()
	return l.mux
}

func (l *Lua) do(name string, action Action) (interface{}, error) {
	mux := l.currentMux()
	if mux == nil {
		return nil, debuggers.ErrTargetExited
	}
	return mux.Do(name, action)
}

func (l *Lua) output(text string) {
	if l.sink != nil {
		l.sink.Output(l.lang, text)
	}
}

// resume dispatches a run type command. It returns as soon as the command is
// on the wire; the state update follows from the host loop.
func (l *Lua) resume(cmd string) error {
	mux := l.currentMux()
	if mux == nil {
		return debuggers.ErrTargetExited
	}
	return mux.Dispatch(cmd, run(cmd, l.output), func(result interface{}, err error) {
		l.onPaused(cmd, result, err)
	})
}

func (l *Lua) onPaused(cmd string, result interface{}, err error) {
	if err == nil {
		p := result.(*paused)
		l.logger.WithFields(log.Fields{"file": p.File, "line": p.Line, "watch": p.Watch}).Debug("debuggee paused")
		l.lock.Lock()
		l.level = 1
		l.lock.Unlock()
		err = l.refresh(p)
	}
	switch {
	case err == nil:
	case errors.Is(err, debuggers.ErrTargetExited):
		l.sink.TargetExited(l.lang)
	default:
		l.logger.WithFields(log.Fields{"cmd": cmd, "err": err}).Warn("run command failed")
		l.sink.OperationFailed(l.lang, cmd, err)
	}
}

func (l *Lua) Continue(ctx context.Context) error {
	return l.resume("RUN")
}

func (l *Lua) StepInto(ctx context.Context) error {
	return l.resume("STEP")
}

func (l *Lua) StepOver(ctx context.Context) error {
	return l.resume("OVER")
}

func (l *Lua) StepOut(ctx context.Context) error {
	return l.resume("OUT")
}

// Pause asks the running debuggee to suspend. The reply ends the run command
// in flight.
func (l *Lua) Pause(ctx context.Context) error {
	mux := l.currentMux()
	if mux == nil || !mux.Busy() {
		return nil
	}
	return mux.SendOutOfBand("SUSPEND")
}

// Restart relaunches the program and applies the breakpoints and watches to
// the new debuggee. A debuggee that was not launched by us cannot be
// restarted.
func (l *Lua) Restart(ctx context.Context) error {
	if l.target.Program == "" || l.target.Program == "-" {
		return debuggers.NewProtocolError("restart", "debuggee was not launched by the debugger")
	}
	if err := l.teardown(); err != nil {
		l.logger.WithField("err", err).Warn("teardown before restart")
	}
	if err := l.connect(l.target); err != nil {
		return errors.Wrap(debuggers.ErrTargetExited, err.Error())
	}

	l.lock.Lock()
	bps := make([]debuggers.Breakpoint, 0, len(l.breakpoints))
	for bp := range l.breakpoints {
		bps = append(bps, bp)
	}
	l.lock.Unlock()
	sort.Slice(bps, func(i, j int) bool {
		if bps[i].File != bps[j].File {
			return bps[i].File < bps[j].File
		}
		return bps[i].Line < bps[j].Line
	})
	for _, bp := range bps {
		if _, err := l.do("SETB", setBreakpoint(bp.File, bp.Line)); err != nil {
			return err
		}
	}
	for _, w := range l.sortedWatches() {
		if w.index == 0 {
			continue
		}
		index, err := l.do("SETW", setWatch(w.expr))
		if err != nil {
			return err
		}
		l.lock.Lock()
		w.index = index.(int)
		l.lock.Unlock()
	}
	return l.refresh(nil)
}

func (l *Lua) Stop(ctx context.Context) error {
	mux := l.currentMux()
	if mux != nil && !mux.Busy() {
		if _, err := mux.Do("EXIT", exit()); err != nil {
			l.logger.WithField("err", err).Debug("debuggee did not acknowledge exit")
		}
	}
	return l.teardown()
}

func (l *Lua) teardown() error {
	l.lock.Lock()
	mux, proc := l.mux, l.proc
	l.mux, l.proc = nil, nil
	l.lock.Unlock()

	var result *multierror.Error
	if mux != nil {
		if err := mux.Close(); err != nil {
			result = multierror.Append(result, errors.Wrap(err, "closing connection"))
		}
	}
	if proc != nil {
		if err := proc.Kill(); err != nil {
			result = multierror.Append(result, errors.Wrap(err, "killing debuggee"))
		}
	}
	return result.ErrorOrNil()
}

type frame struct {
	label     string
	file      string
	line      int
	variables map[string]string
}

// refresh asks for the stack and pushes the state of the selected frame.
// Watches are only evaluated in the innermost frame; elsewhere they show
// debuggers.Unevaluated.
func (l *Lua) refresh(p *paused) error {
	frames, err := l.stack()
	if err != nil {
		return err
	}
	l.lock.Lock()
	level := l.level
	l.lock.Unlock()
	if level > len(frames) {
		level = len(frames)
	}

	record := &debuggers.StateRecord{
		CurrentFrame: level,
		Variables:    make(map[string]string),
	}
	for _, f := range frames {
		record.CallStack = append(record.CallStack, debuggers.Frame{Label: f.label})
	}
	if level >= 1 {
		selected := frames[level-1]
		record.File, record.Line = selected.file, selected.line
		for name, value := range selected.variables {
			record.Variables[name] = value
		}
	}
	if p != nil && (record.File == "" || level <= 1) {
		record.File, record.Line = p.File, p.Line
	}
	if len(record.CallStack) == 0 {
		record.CallStack = []debuggers.Frame{{Label: fmt.Sprintf("%s:%d", record.File, record.Line)}}
		record.CurrentFrame = 1
	}

	for _, w := range l.sortedWatches() {
		if level > 1 {
			record.Variables[w.expr] = debuggers.Unevaluated
			continue
		}
		value, ok, err := l.evaluate("return " + w.expr)
		switch {
		case err != nil && errors.Is(err, debuggers.ErrTargetExited):
			return err
		case err != nil || !ok:
			record.Variables[w.expr] = debuggers.Unevaluated
		default:
			record.Variables[w.expr] = value
		}
	}
	return l.sink.UpdateState(l.lang, record)
}

func (l *Lua) stack() ([]frame, error) {
	result, err := l.do("STACK", stack())
	if err != nil {
		return nil, err
	}
	value, err := decode(result.(string))
	if err != nil {
		return nil, debuggers.NewProtocolError("STACK", "%v", err)
	}
	t, ok := value.(*glua.LTable)
	if !ok {
		return nil, debuggers.NewProtocolError("STACK", "stack is a %s", value.Type())
	}
	var frames []frame
	for i := 1; i <= t.Len(); i++ {
		ft, ok := t.RawGetInt(i).(*glua.LTable)
		if !ok {
			continue
		}
		frames = append(frames, l.frame(ft))
	}
	return frames, nil
}

// frame reads one stack entry: {info, locals, upvalues}, where info is
// {name, source, linedefined, currentline, what, namewhat, short_src} and
// variables map names to {value, tostring(value)}.
func (l *Lua) frame(t *glua.LTable) frame {
	f := frame{variables: make(map[string]string)}
	if info, ok := t.RawGetInt(1).(*glua.LTable); ok {
		name := info.RawGetInt(1)
		src := strings.TrimPrefix(glua.LVAsString(info.RawGetInt(2)), "@")
		f.file = src
		f.line = int(glua.LVAsNumber(info.RawGetInt(4)))
		short := glua.LVAsString(info.RawGetInt(7))
		if short == "" {
			short = src
		}
		fn := "main chunk"
		if name != glua.LNil {
			fn = glua.LVAsString(name)
		}
		f.label = fmt.Sprintf("%s at %s:%d", fn, short, f.line)
	}
	// upvalues first so locals shadow them
	for _, idx := range []int{3, 2} {
		vars, ok := t.RawGetInt(idx).(*glua.LTable)
		if !ok {
			continue
		}
		vars.ForEach(func(k, v glua.LValue) {
			name, ok := k.(glua.LString)
			if !ok {
				return
			}
			if pair, ok := v.(*glua.LTable); ok {
				v = pair.RawGetInt(1)
			}
			f.variables[string(name)] = l.opts.Pretty.Render(v)
		})
	}
	return f
}

// evaluate executes chunk in the innermost frame and renders what it returned.
func (l *Lua) evaluate(chunk string) (string, bool, error) {
	result, err := l.do("EXEC", exec(chunk))
	if err != nil {
		if debuggers.IsProtocolError(err) {
			var pe *debuggers.ProtocolError
			errors.As(err, &pe)
			return pe.Msg, false, nil
		}
		return "", false, err
	}
	serialized := result.(string)
	if serialized == "" {
		return "nil", true, nil
	}
	value, err := decode(serialized)
	if err != nil {
		return "", false, nil
	}
	t, ok := value.(*glua.LTable)
	if !ok {
		return l.opts.Pretty.Render(value), true, nil
	}
	n := t.Len()
	if n == 0 {
		return "nil", true, nil
	}
	values := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		values = append(values, l.opts.Pretty.Render(t.RawGetInt(i)))
	}
	return strings.Join(values, ", "), true, nil
}

func (l *Lua) sortedWatches() []*watch {
	l.lock.Lock()
	defer l.lock.Unlock()
	ids := make([]int, 0, len(l.watches))
	for id := range l.watches {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	result := make([]*watch, 0, len(ids))
	for _, id := range ids {
		result = append(result, l.watches[id])
	}
	return result
}

func (l *Lua) AddBreakpoint(ctx context.Context, file string, line int) error {
	key := debuggers.Breakpoint{File: file, Line: line}
	l.lock.Lock()
	exists := l.breakpoints[key]
	l.lock.Unlock()
	if exists {
		return nil
	}
	if _, err := l.do("SETB", setBreakpoint(file, line)); err != nil {
		return err
	}
	l.lock.Lock()
	l.breakpoints[key] = true
	l.lock.Unlock()
	return nil
}

func (l *Lua) RemoveBreakpoint(ctx context.Context, file string, line int) error {
	key := debuggers.Breakpoint{File: file, Line: line}
	l.lock.Lock()
	exists := l.breakpoints[key]
	delete(l.breakpoints, key)
	l.lock.Unlock()
	if !exists {
		return nil
	}
	_, err := l.do("DELB", deleteBreakpoint(file, line))
	return err
}

// AddWatch registers expr for display. Unless noBreak, it is also set as a
// MobDebug watch, which pauses the debuggee when the expression is true.
func (l *Lua) AddWatch(ctx context.Context, expr string, id int, noBreak bool) error {
	w := &watch{expr: expr}
	if !noBreak {
		index, err := l.do("SETW", setWatch(expr))
		if err != nil {
			return err
		}
		w.index = index.(int)
	}
	l.lock.Lock()
	l.watches[id] = w
	l.lock.Unlock()
	return nil
}

func (l *Lua) RemoveWatch(ctx context.Context, expr string, id int) error {
	l.lock.Lock()
	w, ok := l.watches[id]
	delete(l.watches, id)
	l.lock.Unlock()
	if !ok || w.index == 0 {
		return nil
	}
	_, err := l.do("DELW", deleteWatch(w.index))
	return err
}

func (l *Lua) SetFrame(ctx context.Context, level int) error {
	l.lock.Lock()
	l.level = level
	l.lock.Unlock()
	return l.refresh(nil)
}

// Inspect looks symbol up in the selected frame, falling back to evaluating
// it when the innermost frame is selected.
func (l *Lua) Inspect(ctx context.Context, symbol string) (string, bool, error) {
	frames, err := l.stack()
	if err != nil {
		return "", false, err
	}
	l.lock.Lock()
	level := l.level
	l.lock.Unlock()
	if level >= 1 && level <= len(frames) {
		if v, ok := frames[level-1].variables[symbol]; ok {
			return v, true, nil
		}
	}
	if level > 1 {
		return "", false, nil
	}
	value, ok, err := l.evaluate("return " + symbol)
	if err != nil || !ok {
		return "", false, err
	}
	return value, true, nil
}

// Evaluate runs text as a Lua chunk in the innermost frame. An expression
// without "return" is evaluated as one.
func (l *Lua) Evaluate(ctx context.Context, text string) (string, bool, error) {
	value, ok, err := l.evaluate("return " + text)
	if err == nil && !ok {
		value, ok, err = l.evaluate(text)
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}
