package debuggers

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// Unevaluated is the value shown for a watch or variable the backend could not
// evaluate.
const Unevaluated = "<unable to evaluate>"

/// Frame is one entry of a call stack as the backend reports it.
type Frame struct {
	Label string `json:"label" yaml:"label"`
}

/// StateRecord is the normalized snapshot pushed by a debugger after every
/// state changing operation. It replaces the session's previous record as a
/// whole and must not be modified after it is handed to UpdateState.
type StateRecord struct {
	File         string            `json:"file" yaml:"file"`
	Line         int               `json:"line" yaml:"line"`
	CallStack    []Frame           `json:"callStack" yaml:"callStack"`
	CurrentFrame int               `json:"currentFrameIndex" yaml:"currentFrameIndex"`
	Variables    map[string]string `json:"variables" yaml:"variables"`
}

// Validate checks the shape required by the controller: a file, a line >= 1,
// a non empty call stack and a 1-based frame index inside it.
func (r *StateRecord) Validate() error {
	if r == nil {
		return errors.Errorf("nil state record")
	}
	if r.File == "" {
		return errors.Errorf("state record has no file")
	}
	if r.Line < 1 {
		return errors.Errorf("state record line %d out of range", r.Line)
	}
	if len(r.CallStack) == 0 {
		return errors.Errorf("state record has an empty call stack")
	}
	if r.CurrentFrame < 1 || r.CurrentFrame > len(r.CallStack) {
		return errors.Errorf("frame index %d not in [1, %d]", r.CurrentFrame, len(r.CallStack))
	}
	return nil
}

/// Target describes what a debugger should launch or wait for.
type Target struct {
	// Program is the file to debug. For the lua debugger "-" (or "") means
	// don't spawn anything and wait for a debuggee to connect.
	Program string
	Args    []string
	Cwd     string
	Env     []string
	// AcceptTimeout bounds the connection rendezvous in Start. Zero means the
	// debugger's default.
	AcceptTimeout time.Duration
}

/// StateSink receives what debuggers push back. DebugController implements it.
type StateSink interface {
	UpdateState(lang string, record *StateRecord) error
	/// TargetExited forces an implicit stop of the language's session.
	TargetExited(lang string)
	/// Output forwards debuggee output.
	Output(lang string, text string)
	/// OperationFailed reports a failure that happened after the method that
	/// started the operation returned, e.g. a refresh after an async stop.
	OperationFailed(lang string, op string, err error)
}

/// Debugger interface. implement this to add a new backend.
/// Every method except Start is only called while a session exists. Methods
/// that change the target state must eventually call StateSink.UpdateState, or
/// return ErrTargetExited / call StateSink.TargetExited.
type Debugger interface {
	/// Launch or connect to the backend. Returns a StartFailure on error.
	Start(ctx context.Context, lang string, target Target, sink StateSink) error

	Continue(ctx context.Context) error
	StepInto(ctx context.Context) error
	StepOver(ctx context.Context) error
	StepOut(ctx context.Context) error
	/// Pause is best effort; success is only known from the next UpdateState.
	Pause(ctx context.Context) error
	Restart(ctx context.Context) error
	/// Stop tears down the backend connection and any spawned process.
	Stop(ctx context.Context) error

	AddBreakpoint(ctx context.Context, file string, line int) error
	RemoveBreakpoint(ctx context.Context, file string, line int) error
	AddWatch(ctx context.Context, expr string, id int, noBreak bool) error
	RemoveWatch(ctx context.Context, expr string, id int) error

	/// SetFrame selects a 1-based frame and pushes a new StateRecord for it.
	SetFrame(ctx context.Context, level int) error
	/// Inspect returns the value of a symbol; ok is false when there is none.
	Inspect(ctx context.Context, symbol string) (value string, ok bool, err error)
	Evaluate(ctx context.Context, text string) (value string, ok bool, err error)
}

/// Presenter consumes the state notifications. Rendering is up to the host.
type Presenter interface {
	OnState(lang string, record *StateRecord)
	OnStopped(lang string)
	OnOutput(lang string, text string)
}

// NopPresenter drops every notification.
type NopPresenter struct{}

func (NopPresenter) OnState(string, *StateRecord) {}
func (NopPresenter) OnStopped(string)             {}
func (NopPresenter) OnOutput(string, string)      {}
