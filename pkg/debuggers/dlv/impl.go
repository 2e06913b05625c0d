// Package dlv drives a headless delve over its JSON-RPC api (version 2).
package dlv

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-delve/delve/service/api"
	"github.com/go-delve/delve/service/rpc2"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/solo-io/dbgmux/pkg/debuggers"
	"github.com/solo-io/dbgmux/pkg/utils"
)

// Process is the part of a spawned dlv the adapter needs.
type Process interface {
	Stdout() io.Reader
	Kill() error
}

type Options struct {
	// Path of the dlv executable. Defaults to "dlv".
	Path string
	// Spawn starts dlv. Defaults to utils.Spawn.
	Spawn func(name string, args []string, opts utils.SpawnOptions) (Process, error)
	// ListenTimeout bounds the wait for dlv to print its address, which
	// includes building the target. Defaults to one minute.
	ListenTimeout time.Duration
	// StackDepth is the number of frames requested per refresh.
	StackDepth int
	Render     RenderOptions
}

// launch modes, tried in order
var modes = []string{"debug", "test"}

var listeningRegexp = regexp.MustCompile(`API server listening at:\s*(\S+)`)

var loadConfig = api.LoadConfig{
	FollowPointers:     true,
	MaxVariableRecurse: 1,
	MaxStringLen:       256,
	MaxArrayValues:     64,
	MaxStructFields:    -1,
}

type DLV struct {
	opts   Options
	logger *log.Entry
	lang   string
	sink   debuggers.StateSink

	// one request at a time, except Halt
	lock   sync.Mutex
	proc   Process
	client *rpc2.RPCClient
	level  int

	breakpoints map[debuggers.Breakpoint]int
	watches     map[int]*watch
}

type watch struct {
	expr string
	// watchpoint id, 0 for display only watches
	id int
}

func NewDLV(opts Options) *DLV {
	if opts.Path == "" {
		opts.Path = "dlv"
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
	if opts.ListenTimeout == 0 {
		opts.ListenTimeout = time.Minute
	}
	if opts.StackDepth == 0 {
		opts.StackDepth = 50
	}
	return &DLV{
		opts:        opts,
		logger:      log.WithField("debugger", "dlv"),
		breakpoints: make(map[debuggers.Breakpoint]int),
		watches:     make(map[int]*watch),
	}
}

// Start launches the target with "dlv debug" and falls back to "dlv test" if
// that does not produce a reachable server.
func (d *DLV) Start(ctx context.Context, lang string, target debuggers.Target, sink debuggers.StateSink) error {
	d.lang = lang
	d.sink = sink
	d.logger = d.logger.WithField("lang", lang)

	var result *multierror.Error
	for _, mode := range modes {
		err := d.launch(ctx, mode, target)
		if err == nil {
			return nil
		}
		d.logger.WithFields(log.Fields{"mode": mode, "err": err}).Debug("dlv launch failed")
		result = multierror.Append(result, errors.Wrap(err, mode))
	}
	return &debuggers.StartFailure{Language: lang, Err: result.ErrorOrNil()}
}

func (d *DLV) launch(ctx context.Context, mode string, target debuggers.Target) error {
	args := []string{mode, "--headless", "--api-version=2", "--listen=127.0.0.1:0"}
	if target.Program != "" {
		args = append(args, target.Program)
	}
	if len(target.Args) > 0 {
		args = append(append(args, "--"), target.Args...)
	}
	proc, err := d.opts.Spawn(d.opts.Path, args, utils.SpawnOptions{Cwd: target.Cwd, Env: target.Env})
	if err != nil {
		return err
	}

	out := bufio.NewReader(proc.Stdout())
	addr, err := readAddress(ctx, out, d.opts.ListenTimeout)
	if err != nil {
		proc.Kill()
		return err
	}
	conn, err := net.DialTimeout("tcp", addr, d.opts.ListenTimeout)
	if err != nil {
		proc.Kill()
		return errors.Wrapf(err, "connecting to %s", addr)
	}
	d.logger.WithFields(log.Fields{"mode": mode, "addr": addr}).Info("connected to dlv")

	d.proc = proc
	d.client = rpc2.NewClientFromConn(conn)
	go d.forward(out)
	return nil
}

// readAddress waits for the server address dlv prints on its first line.
func readAddress(ctx context.Context, out *bufio.Reader, timeout time.Duration) (string, error) {
	type result struct {
		line string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		line, err := out.ReadString('\n')
		ch <- result{line, err}
	}()
	select {
	case r := <-ch:
		if m := listeningRegexp.FindStringSubmatch(r.line); m != nil {
			return m[1], nil
		}
		if r.err != nil {
			return "", errors.Wrapf(r.err, "dlv exited: %q", strings.TrimSpace(r.line))
		}
		return "", errors.Errorf("unexpected dlv output: %q", strings.TrimSpace(r.line))
	case <-time.After(timeout):
		return "", errors.New("timed out waiting for dlv to listen")
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (d *DLV) forward(out *bufio.Reader) {
	for {
		line, err := out.ReadString('\n')
		if line != "" && d.sink != nil {
			d.sink.Output(d.lang, line)
		}
		if err != nil {
			return
		}
	}
}

func (d *DLV) Continue(ctx context.Context) error {
	d.lock.Lock()
	defer d.lock.Unlock()
	// the channel yields once per tracepoint hit and closes on the real stop
	var state *api.DebuggerState
	for s := range d.client.Continue() {
		state = s
	}
	if state == nil {
		return debuggers.ErrTargetExited
	}
	return d.stopped(state, state.Err)
}

func (d *DLV) StepInto(ctx context.Context) error {
	return d.step((*rpc2.RPCClient).Step)
}

func (d *DLV) StepOver(ctx context.Context) error {
	return d.step((*rpc2.RPCClient).Next)
}

func (d *DLV) StepOut(ctx context.Context) error {
	return d.step((*rpc2.RPCClient).StepOut)
}

func (d *DLV) step(cmd func(*rpc2.RPCClient) (*api.DebuggerState, error)) error {
	d.lock.Lock()
	defer d.lock.Unlock()
	state, err := cmd(d.client)
	return d.stopped(state, err)
}

// must hold lock
func (d *DLV) stopped(state *api.DebuggerState, err error) error {
	if state != nil && state.Exited {
		d.logger.WithField("status", state.ExitStatus).Info("target exited")
		return debuggers.ErrTargetExited
	}
	if err != nil {
		if exited(err) {
			return debuggers.ErrTargetExited
		}
		return &debuggers.ProtocolError{Op: "command", Msg: err.Error()}
	}
	d.level = 0
	return d.refresh(state)
}

func exited(err error) bool {
	if err == io.ErrUnexpectedEOF || err == io.EOF {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "has exited with status") || strings.Contains(msg, "connection is shut down")
}

// Pause sends halt outside the request lock; the pending continue returns
// with the new state.
func (d *DLV) Pause(ctx context.Context) error {
	_, err := d.client.Halt()
	return err
}

// Restart rebuilds the target. Watchpoints dlv discards are set again in
// the new scope; a watch that cannot be set stays display only.
func (d *DLV) Restart(ctx context.Context) error {
	d.lock.Lock()
	defer d.lock.Unlock()
	discarded, err := d.client.Restart(false)
	if err != nil {
		if exited(err) {
			return debuggers.ErrTargetExited
		}
		return &debuggers.ProtocolError{Op: "restart", Msg: err.Error()}
	}
	for _, dbp := range discarded {
		if dbp.Breakpoint == nil {
			continue
		}
		d.dropDiscarded(dbp.Breakpoint.ID, dbp.Reason)
	}
	d.level = 0
	return d.refresh(nil)
}

// must hold lock
func (d *DLV) dropDiscarded(id int, reason string) {
	logger := d.logger.WithFields(log.Fields{"id": id, "reason": reason})
	for bp, bid := range d.breakpoints {
		if bid == id {
			delete(d.breakpoints, bp)
			logger.WithField("breakpoint", bp).Warn("breakpoint discarded on restart")
			return
		}
	}
	for _, w := range d.watches {
		if w.id != id {
			continue
		}
		w.id = 0
		bp, err := d.client.CreateWatchpoint(d.scope(), w.expr, api.WatchWrite)
		if err != nil {
			logger.WithFields(log.Fields{"expr": w.expr, "err": err}).Warn("watchpoint kept as display only")
			return
		}
		w.id = bp.ID
		return
	}
	logger.Warn("unknown breakpoint discarded on restart")
}

func (d *DLV) Stop(ctx context.Context) error {
	var result *multierror.Error
	if d.client != nil {
		if err := d.client.Detach(true); err != nil && !exited(err) {
			result = multierror.Append(result, errors.Wrap(err, "detaching"))
		}
	}
	if d.proc != nil {
		if err := d.proc.Kill(); err != nil {
			result = multierror.Append(result, errors.Wrap(err, "killing dlv"))
		}
	}
	return result.ErrorOrNil()
}

func (d *DLV) scope() api.EvalScope {
	return api.EvalScope{GoroutineID: -1, Frame: d.level}
}

// refresh builds a StateRecord for the selected frame. Locals and arguments
// are listed by name, then each one is evaluated on its own.
// must hold lock
func (d *DLV) refresh(state *api.DebuggerState) error {
	frames, err := d.client.Stacktrace(-1, d.opts.StackDepth, 0, nil)
	if err != nil {
		return &debuggers.ProtocolError{Op: "stacktrace", Msg: err.Error()}
	}
	record := &debuggers.StateRecord{
		CurrentFrame: d.level + 1,
		Variables:    make(map[string]string),
	}
	for _, f := range frames {
		record.CallStack = append(record.CallStack, debuggers.Frame{Label: frameLabel(f.Location)})
	}
	switch {
	case d.level < len(frames):
		record.File, record.Line = frames[d.level].File, frames[d.level].Line
	case state != nil && state.CurrentThread != nil:
		record.File, record.Line = state.CurrentThread.File, state.CurrentThread.Line
	}
	if len(record.CallStack) == 0 {
		record.CallStack = []debuggers.Frame{{Label: fmt.Sprintf("%s:%d", record.File, record.Line)}}
		record.CurrentFrame = 1
	}

	scope := d.scope()
	locals, err := d.client.ListLocalVariables(scope, loadConfig)
	if err != nil {
		return &debuggers.ProtocolError{Op: "locals", Msg: err.Error()}
	}
	args, err := d.client.ListFunctionArgs(scope, loadConfig)
	if err != nil {
		return &debuggers.ProtocolError{Op: "args", Msg: err.Error()}
	}
	for _, v := range append(args, locals...) {
		record.Variables[v.Name] = d.eval(scope, v.Name)
	}
	for _, w := range d.sortedWatches() {
		record.Variables[w.expr] = d.eval(scope, w.expr)
	}
	return d.sink.UpdateState(d.lang, record)
}

// must hold lock
func (d *DLV) eval(scope api.EvalScope, expr string) string {
	v, err := d.client.EvalVariable(scope, expr, loadConfig)
	if err != nil {
		d.logger.WithFields(log.Fields{"expr": expr, "err": err}).Debug("evaluation failed")
		return debuggers.Unevaluated
	}
	return Render(v, d.opts.Render)
}

func frameLabel(loc api.Location) string {
	fn := "??"
	if loc.Function != nil {
		fn = loc.Function.Name()
	}
	return fmt.Sprintf("%s at %s:%d", fn, loc.File, loc.Line)
}

func (d *DLV) sortedWatches() []*watch {
	ids := make([]int, 0, len(d.watches))
	for id := range d.watches {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	result := make([]*watch, 0, len(ids))
	for _, id := range ids {
		result = append(result, d.watches[id])
	}
	return result
}

func (d *DLV) AddBreakpoint(ctx context.Context, file string, line int) error {
	d.lock.Lock()
	defer d.lock.Unlock()
	key := debuggers.Breakpoint{File: file, Line: line}
	if _, ok := d.breakpoints[key]; ok {
		return nil
	}
	bp, err := d.client.CreateBreakpoint(&api.Breakpoint{File: file, Line: line})
	if err != nil {
		return &debuggers.ProtocolError{Op: "create breakpoint", Msg: err.Error()}
	}
	d.breakpoints[key] = bp.ID
	return nil
}

func (d *DLV) RemoveBreakpoint(ctx context.Context, file string, line int) error {
	d.lock.Lock()
	defer d.lock.Unlock()
	key := debuggers.Breakpoint{File: file, Line: line}
	id, ok := d.breakpoints[key]
	if !ok {
		return nil
	}
	delete(d.breakpoints, key)
	if _, err := d.client.ClearBreakpoint(id); err != nil {
		return &debuggers.ProtocolError{Op: "clear breakpoint", Msg: err.Error()}
	}
	return nil
}

// AddWatch always displays expr on refresh. Unless noBreak, a write
// watchpoint is also set in the current scope.
func (d *DLV) AddWatch(ctx context.Context, expr string, id int, noBreak bool) error {
	d.lock.Lock()
	defer d.lock.Unlock()
	w := &watch{expr: expr}
	d.watches[id] = w
	if noBreak {
		return nil
	}
	bp, err := d.client.CreateWatchpoint(d.scope(), expr, api.WatchWrite)
	if err != nil {
		return &debuggers.ProtocolError{Op: "create watchpoint", Msg: err.Error()}
	}
	w.id = bp.ID
	return nil
}

func (d *DLV) RemoveWatch(ctx context.Context, expr string, id int) error {
	d.lock.Lock()
	defer d.lock.Unlock()
	w, ok := d.watches[id]
	if !ok {
		return nil
	}
	delete(d.watches, id)
	if w.id == 0 {
		return nil
	}
	if _, err := d.client.ClearBreakpoint(w.id); err != nil {
		return &debuggers.ProtocolError{Op: "clear watchpoint", Msg: err.Error()}
	}
	return nil
}

func (d *DLV) SetFrame(ctx context.Context, level int) error {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.level = level - 1
	return d.refresh(nil)
}

func (d *DLV) Inspect(ctx context.Context, symbol string) (string, bool, error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	v, err := d.client.EvalVariable(d.scope(), symbol, loadConfig)
	if err != nil {
		return "", false, nil
	}
	return Render(v, d.opts.Render), true, nil
}

func (d *DLV) Evaluate(ctx context.Context, text string) (string, bool, error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	v, err := d.client.EvalVariable(d.scope(), text, loadConfig)
	if err != nil {
		return err.Error(), true, nil
	}
	return Render(v, d.opts.Render), true, nil
}
