package debuggers

import (
	"context"
	"sync"

	"github.com/davecgh/go-spew/spew"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Session is the live debugging context of one language.
type Session struct {
	ID        string
	Language  string
	Executing bool
	LastState *StateRecord

	debugger Debugger
}

// DebugController is the session state machine. It owns one Session per
// language, the breakpoint/watch registry, and forwards operations to the
// Debugger registered for the language.
type DebugController struct {
	debugger  func(string) Debugger
	presenter Presenter
	registry  *Registry

	lock       sync.Mutex
	sessions   map[string]*Session
	starting   map[string]bool
	lastTarget map[string]Target
	current    string
}

// NewDebugController creates a controller. debugger maps a language tag to a
// fresh Debugger, or nil if the language is not supported.
func NewDebugController(debugger func(string) Debugger, registry *Registry, presenter Presenter) *DebugController {
	if registry == nil {
		registry = NewRegistry()
	}
	if presenter == nil {
		presenter = NopPresenter{}
	}
	return &DebugController{
		debugger:   debugger,
		presenter:  presenter,
		registry:   registry,
		sessions:   make(map[string]*Session),
		starting:   make(map[string]bool),
		lastTarget: make(map[string]Target),
	}
}

func (d *DebugController) Registry() *Registry {
	return d.registry
}

// Current returns the language of the most recently started session.
func (d *DebugController) Current() string {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.current
}

// Sessions returns the languages that have a live session.
func (d *DebugController) Sessions() []string {
	d.lock.Lock()
	defer d.lock.Unlock()
	langs := make([]string, 0, len(d.sessions))
	for lang := range d.sessions {
		langs = append(langs, lang)
	}
	return langs
}

// HasSession reports whether lang ("" for the current language) has a session.
func (d *DebugController) HasSession(lang string) bool {
	d.lock.Lock()
	defer d.lock.Unlock()
	_, ok := d.sessions[d.resolve(lang)]
	return ok
}

// Executing reports whether the language's target is running.
func (d *DebugController) Executing(lang string) bool {
	d.lock.Lock()
	defer d.lock.Unlock()
	sess, ok := d.sessions[d.resolve(lang)]
	return ok && sess.Executing
}

// State returns the last StateRecord of the language's session.
func (d *DebugController) State(lang string) (*StateRecord, bool) {
	d.lock.Lock()
	defer d.lock.Unlock()
	sess, ok := d.sessions[d.resolve(lang)]
	if !ok || sess.LastState == nil {
		return nil, false
	}
	return sess.LastState, true
}

// Breakpoints returns the registered breakpoints of lang ("" for the current
// language), with or without a session.
func (d *DebugController) Breakpoints(lang string) []Breakpoint {
	d.lock.Lock()
	lang = d.resolve(lang)
	d.lock.Unlock()
	return d.registry.Breakpoints(lang)
}

func (d *DebugController) Watches(lang string) []Watch {
	d.lock.Lock()
	lang = d.resolve(lang)
	d.lock.Unlock()
	return d.registry.Watches(lang)
}

// SetTarget records what an implicit start (from Continue/Step) launches.
func (d *DebugController) SetTarget(lang string, target Target) {
	d.lock.Lock()
	d.lastTarget[lang] = target
	d.lock.Unlock()
}

// must hold lock
func (d *DebugController) resolve(lang string) string {
	if lang == "" {
		return d.current
	}
	return lang
}

func (d *DebugController) logger(sess *Session) *log.Entry {
	return log.WithFields(log.Fields{"lang": sess.Language, "session": sess.ID})
}

// Start launches the language's debugger and replays the queued breakpoints
// and watches. It does not resume the target.
func (d *DebugController) Start(ctx context.Context, lang string, target Target) error {
	d.lock.Lock()
	if _, ok := d.sessions[lang]; ok || d.starting[lang] {
		d.lock.Unlock()
		return invalid("start", ErrSessionExists)
	}
	dbg := d.debugger(lang)
	if dbg == nil {
		d.lock.Unlock()
		return invalid("start", errors.Wrap(ErrUnknownLanguage, lang))
	}
	d.starting[lang] = true
	d.lastTarget[lang] = target
	d.lock.Unlock()

	log.WithFields(log.Fields{"lang": lang, "program": target.Program, "args": target.Args}).Info("starting debugger")
	if err := dbg.Start(ctx, lang, target, d); err != nil {
		d.lock.Lock()
		delete(d.starting, lang)
		d.lock.Unlock()
		log.WithFields(log.Fields{"lang": lang, "err": err}).Error("debugger failed to start")
		if IsStartFailure(err) {
			return err
		}
		return &StartFailure{Language: lang, Err: err}
	}

	sess := &Session{
		ID:       uuid.New().String(),
		Language: lang,
		debugger: dbg,
	}
	d.lock.Lock()
	delete(d.starting, lang)
	d.sessions[lang] = sess
	d.current = lang
	d.lock.Unlock()

	d.replay(ctx, sess)
	d.logger(sess).Info("debug session started")
	return nil
}

func (d *DebugController) replay(ctx context.Context, sess *Session) {
	logger := d.logger(sess)
	for _, bp := range d.registry.Breakpoints(sess.Language) {
		if err := sess.debugger.AddBreakpoint(ctx, bp.File, bp.Line); err != nil {
			logger.WithFields(log.Fields{"file": bp.File, "line": bp.Line, "err": err}).Warn("could not replay breakpoint")
		}
	}
	for _, w := range d.registry.Watches(sess.Language) {
		if err := sess.debugger.AddWatch(ctx, w.Expr, w.ID, w.NoBreak); err != nil {
			logger.WithFields(log.Fields{"expr": w.Expr, "id": w.ID, "err": err}).Warn("could not replay watch")
		}
	}
}

// Continue resumes the target, starting a session first if there is none.
// It is a no-op while the target is executing.
func (d *DebugController) Continue(ctx context.Context, lang string) error {
	return d.resume(ctx, "continue", lang, true, Debugger.Continue)
}

func (d *DebugController) StepInto(ctx context.Context, lang string) error {
	return d.resume(ctx, "step into", lang, true, Debugger.StepInto)
}

func (d *DebugController) StepOver(ctx context.Context, lang string) error {
	return d.resume(ctx, "step over", lang, true, Debugger.StepOver)
}

// StepOut never starts a session: stepping out presupposes a call in progress.
func (d *DebugController) StepOut(ctx context.Context, lang string) error {
	return d.resume(ctx, "step out", lang, false, Debugger.StepOut)
}

func (d *DebugController) resume(ctx context.Context, op, lang string, implicitStart bool, action func(Debugger, context.Context) error) error {
	d.lock.Lock()
	lang = d.resolve(lang)
	_, ok := d.sessions[lang]
	target := d.lastTarget[lang]
	d.lock.Unlock()

	if !ok {
		if !implicitStart || lang == "" {
			return invalid(op, ErrNoSession)
		}
		if err := d.Start(ctx, lang, target); err != nil {
			return err
		}
	}

	d.lock.Lock()
	sess, ok := d.sessions[lang]
	if !ok {
		d.lock.Unlock()
		return invalid(op, ErrNoSession)
	}
	if sess.Executing {
		d.lock.Unlock()
		return nil
	}
	sess.Executing = true
	d.lock.Unlock()

	d.logger(sess).WithField("op", op).Debug("resuming target")
	err := action(sess.debugger, ctx)
	if err != nil {
		d.handleFailure(ctx, sess, op, err)
	}
	return nil
}

// handleFailure applies the failure policy for errors returned after a session
// is established: target exit stops the session, anything else is logged and
// the operation is treated as having had no visible effect.
func (d *DebugController) handleFailure(ctx context.Context, sess *Session, op string, err error) {
	if errors.Is(err, ErrTargetExited) {
		d.logger(sess).WithField("op", op).Info("target exited")
		d.stopSession(ctx, sess)
		return
	}
	d.logger(sess).WithFields(log.Fields{"op": op, "err": err}).Warn("debugger operation failed")
	d.lock.Lock()
	if d.sessions[sess.Language] == sess {
		sess.Executing = false
	}
	d.lock.Unlock()
}

// Pause asks the target to stop. Success is only known once the debugger
// pushes a new state.
func (d *DebugController) Pause(ctx context.Context, lang string) error {
	d.lock.Lock()
	sess, ok := d.sessions[d.resolve(lang)]
	if !ok {
		d.lock.Unlock()
		return invalid("pause", ErrNoSession)
	}
	if !sess.Executing {
		d.lock.Unlock()
		return invalid("pause", ErrNotExecuting)
	}
	d.lock.Unlock()

	if err := sess.debugger.Pause(ctx); err != nil {
		if errors.Is(err, ErrTargetExited) {
			d.stopSession(ctx, sess)
			return nil
		}
		d.logger(sess).WithField("err", err).Warn("pause request failed")
	}
	return nil
}

// Restart forwards to the debugger. Breakpoints and watches are kept.
func (d *DebugController) Restart(ctx context.Context, lang string) error {
	sess, err := d.pausedSession("restart", lang)
	if err != nil {
		return err
	}
	if err := sess.debugger.Restart(ctx); err != nil {
		d.handleFailure(ctx, sess, "restart", err)
	}
	return nil
}

// Stop tears the backend down and destroys the session, even if the teardown
// reports an error.
func (d *DebugController) Stop(ctx context.Context, lang string) error {
	d.lock.Lock()
	sess, ok := d.sessions[d.resolve(lang)]
	d.lock.Unlock()
	if !ok {
		return invalid("stop", ErrNoSession)
	}
	d.stopSession(ctx, sess)
	return nil
}

func (d *DebugController) stopSession(ctx context.Context, sess *Session) {
	d.lock.Lock()
	if d.sessions[sess.Language] != sess {
		// already stopped
		d.lock.Unlock()
		return
	}
	delete(d.sessions, sess.Language)
	if d.current == sess.Language {
		d.current = ""
	}
	d.lock.Unlock()

	if err := sess.debugger.Stop(ctx); err != nil {
		d.logger(sess).WithField("err", err).Warn("debugger teardown reported an error")
	}
	d.logger(sess).Info("debug session stopped")
	d.presenter.OnStopped(sess.Language)
}

// must be called without lock. Returns the session if it exists and is
// paused.
func (d *DebugController) pausedSession(op, lang string) (*Session, error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	sess, ok := d.sessions[d.resolve(lang)]
	if !ok {
		return nil, invalid(op, ErrNoSession)
	}
	if sess.Executing {
		return nil, invalid(op, ErrExecuting)
	}
	return sess, nil
}

// sessionForMutation returns the session (nil if there is none) unless the
// target is executing.
func (d *DebugController) sessionForMutation(op, lang string) (*Session, string, error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	lang = d.resolve(lang)
	if lang == "" {
		return nil, "", invalid(op, ErrNoSession)
	}
	sess := d.sessions[lang]
	if sess != nil && sess.Executing {
		return nil, lang, invalid(op, ErrExecuting)
	}
	return sess, lang, nil
}

// ToggleBreakpoint sets the breakpoint if it is absent, clears it otherwise.
// Without a session only the registry changes. It returns whether the
// breakpoint is now set.
func (d *DebugController) ToggleBreakpoint(ctx context.Context, lang, file string, line int) (bool, error) {
	sess, lang, err := d.sessionForMutation("toggle breakpoint", lang)
	if err != nil {
		return false, err
	}
	set := d.registry.ToggleBreakpoint(lang, file, line)
	if sess == nil {
		return set, nil
	}
	if set {
		err = sess.debugger.AddBreakpoint(ctx, file, line)
	} else {
		err = sess.debugger.RemoveBreakpoint(ctx, file, line)
	}
	if err != nil {
		d.handleFailure(ctx, sess, "toggle breakpoint", err)
	}
	return set, nil
}

func (d *DebugController) RemoveBreakpoint(ctx context.Context, lang, file string, line int) error {
	sess, lang, err := d.sessionForMutation("remove breakpoint", lang)
	if err != nil {
		return err
	}
	if !d.registry.RemoveBreakpoint(lang, file, line) || sess == nil {
		return nil
	}
	if err := sess.debugger.RemoveBreakpoint(ctx, file, line); err != nil {
		d.handleFailure(ctx, sess, "remove breakpoint", err)
	}
	return nil
}

// SetWatch registers a watch expression and returns its id. noBreak watches
// are only displayed; the others also stop the target when the value changes.
func (d *DebugController) SetWatch(ctx context.Context, lang, expr string, noBreak bool) (int, error) {
	sess, lang, err := d.sessionForMutation("set watch", lang)
	if err != nil {
		return 0, err
	}
	id, err := d.registry.AddWatch(lang, expr, noBreak)
	if err != nil {
		return 0, invalid("set watch", err)
	}
	if sess != nil {
		if err := sess.debugger.AddWatch(ctx, expr, id, noBreak); err != nil {
			d.handleFailure(ctx, sess, "set watch", err)
		}
	}
	return id, nil
}

func (d *DebugController) RemoveWatch(ctx context.Context, lang string, id int) error {
	sess, lang, err := d.sessionForMutation("remove watch", lang)
	if err != nil {
		return err
	}
	w, ok := d.registry.RemoveWatch(lang, id)
	if !ok {
		return invalid("remove watch", errors.Wrapf(ErrUnknownWatch, "id %d", id))
	}
	if sess != nil {
		if err := sess.debugger.RemoveWatch(ctx, w.Expr, id); err != nil {
			d.handleFailure(ctx, sess, "remove watch", err)
		}
	}
	return nil
}

// SetFrame selects a stack frame. level is clamped into the current call
// stack.
func (d *DebugController) SetFrame(ctx context.Context, lang string, level int) error {
	sess, err := d.pausedSession("set frame", lang)
	if err != nil {
		return err
	}
	d.lock.Lock()
	state := sess.LastState
	d.lock.Unlock()
	if state == nil {
		return invalid("set frame", ErrNoState)
	}
	level = clamp(level, 1, len(state.CallStack))
	if err := sess.debugger.SetFrame(ctx, level); err != nil {
		d.handleFailure(ctx, sess, "set frame", err)
	}
	return nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Inspect resolves symbol in the paused target. ok is false when the backend
// had no value for it.
func (d *DebugController) Inspect(ctx context.Context, lang, symbol string) (string, bool, error) {
	return d.query(ctx, "inspect", lang, symbol, Debugger.Inspect)
}

func (d *DebugController) Evaluate(ctx context.Context, lang, text string) (string, bool, error) {
	return d.query(ctx, "evaluate", lang, text, Debugger.Evaluate)
}

func (d *DebugController) query(ctx context.Context, op, lang, text string,
	q func(Debugger, context.Context, string) (string, bool, error)) (string, bool, error) {
	sess, err := d.pausedSession(op, lang)
	if err != nil {
		return "", false, err
	}
	value, ok, err := q(sess.debugger, ctx, text)
	if err != nil {
		d.handleFailure(ctx, sess, op, err)
		return "", false, nil
	}
	return value, ok, nil
}

// UpdateState is called by debuggers. It stores record as the session's last
// state, marks the target paused and notifies the presenter.
func (d *DebugController) UpdateState(lang string, record *StateRecord) error {
	if err := record.Validate(); err != nil {
		log.WithFields(log.Fields{"lang": lang, "err": err}).Warn("rejecting malformed state record")
		return err
	}
	d.lock.Lock()
	sess, ok := d.sessions[lang]
	if !ok {
		d.lock.Unlock()
		return ErrNoSession
	}
	sess.LastState = record
	sess.Executing = false
	d.lock.Unlock()

	d.logger(sess).WithField("state", spew.Sdump(record)).Debug("state updated")
	d.presenter.OnState(lang, record)
	return nil
}

// TargetExited forces an implicit stop.
func (d *DebugController) TargetExited(lang string) {
	d.lock.Lock()
	sess, ok := d.sessions[lang]
	d.lock.Unlock()
	if !ok {
		return
	}
	d.logger(sess).Info("target exited")
	d.stopSession(context.Background(), sess)
}

// OperationFailed applies the failure policy to an operation that failed
// after the debugger call returned.
func (d *DebugController) OperationFailed(lang string, op string, err error) {
	d.lock.Lock()
	sess, ok := d.sessions[lang]
	d.lock.Unlock()
	if !ok {
		return
	}
	d.handleFailure(context.Background(), sess, op, err)
}

func (d *DebugController) Output(lang string, text string) {
	d.presenter.OnOutput(lang, text)
}
