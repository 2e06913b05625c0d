package dbgctl

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"text/tabwriter"

	"github.com/solo-io/dbgmux/pkg/debuggers"
)

// Console presents debugger notifications on a terminal, as text or as one
// JSON object per line.
type Console struct {
	lock sync.Mutex
	out  io.Writer
	json bool
}

func NewConsole(out io.Writer, json bool) *Console {
	return &Console{out: out, json: json}
}

type event struct {
	Event string                 `json:"event"`
	Lang  string                 `json:"lang"`
	State *debuggers.StateRecord `json:"state,omitempty"`
	Text  string                 `json:"text,omitempty"`
}

func (c *Console) emit(e event) {
	json.NewEncoder(c.out).Encode(e)
}

func (c *Console) OnState(lang string, record *debuggers.StateRecord) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.json {
		c.emit(event{Event: "state", Lang: lang, State: record})
		return
	}
	fmt.Fprintf(c.out, "[%s] stopped at %s:%d\n", lang, record.File, record.Line)
	if record.CurrentFrame >= 1 && record.CurrentFrame <= len(record.CallStack) {
		fmt.Fprintf(c.out, "  #%d %s\n", record.CurrentFrame, record.CallStack[record.CurrentFrame-1].Label)
	}
	c.variables(record.Variables)
}

func (c *Console) variables(vars map[string]string) {
	names := make([]string, 0, len(vars))
	for name := range vars {
		names = append(names, name)
	}
	sort.Strings(names)
	w := tabwriter.NewWriter(c.out, 0, 0, 1, ' ', 0)
	for _, name := range names {
		value := strings.Replace(vars[name], "\n", "\n\t", -1)
		fmt.Fprintf(w, "  %s\t= %s\n", name, value)
	}
	w.Flush()
}

func (c *Console) OnStopped(lang string) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.json {
		c.emit(event{Event: "stopped", Lang: lang})
		return
	}
	fmt.Fprintf(c.out, "[%s] debug session ended\n", lang)
}

func (c *Console) OnOutput(lang string, text string) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.json {
		c.emit(event{Event: "output", Lang: lang, Text: text})
		return
	}
	io.WriteString(c.out, text)
}

// Backtrace prints the call stack, marking the selected frame.
func (c *Console) Backtrace(record *debuggers.StateRecord) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.json {
		json.NewEncoder(c.out).Encode(record.CallStack)
		return
	}
	for i, frame := range record.CallStack {
		marker := " "
		if i+1 == record.CurrentFrame {
			marker = "*"
		}
		fmt.Fprintf(c.out, "%s #%d %s\n", marker, i+1, frame.Label)
	}
}

// Value prints the answer to an inspect or evaluate.
func (c *Console) Value(text string, value string, ok bool) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.json {
		json.NewEncoder(c.out).Encode(map[string]interface{}{"expr": text, "value": value, "ok": ok})
		return
	}
	if !ok {
		if value == "" {
			value = "no value"
		}
		fmt.Fprintf(c.out, "%s: %s\n", text, value)
		return
	}
	fmt.Fprintf(c.out, "%s = %s\n", text, value)
}

// Registry prints breakpoints and watches.
func (c *Console) Registry(bps []debuggers.Breakpoint, watches []debuggers.Watch) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.json {
		json.NewEncoder(c.out).Encode(map[string]interface{}{"breakpoints": bps, "watches": watches})
		return
	}
	w := tabwriter.NewWriter(c.out, 0, 0, 1, ' ', tabwriter.Debug)
	fmt.Fprintf(w, "Kind\tID\tWhere\n")
	for _, bp := range bps {
		fmt.Fprintf(w, "breakpoint\t\t%s:%d\n", bp.File, bp.Line)
	}
	for _, watch := range watches {
		kind := "watch"
		if watch.NoBreak {
			kind = "display"
		}
		fmt.Fprintf(w, "%s\t%d\t%s\n", kind, watch.ID, watch.Expr)
	}
	w.Flush()
}

// Message prints a line for the user. It is dropped in json mode.
func (c *Console) Message(format string, args ...interface{}) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.json {
		return
	}
	fmt.Fprintf(c.out, format+"\n", args...)
}

// Error prints a failed command.
func (c *Console) Error(err error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.json {
		c.emit(event{Event: "error", Text: err.Error()})
		return
	}
	fmt.Fprintf(c.out, "error: %v\n", err)
}
