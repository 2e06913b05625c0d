package dbgctl

import (
	"io"

	"github.com/solo-io/dbgmux/pkg/config"
	"github.com/solo-io/dbgmux/pkg/debuggers"
)

type Options struct {
	Config *config.Config

	// ConfigFile overrides ~/.dbgmux/config.yaml
	ConfigFile string

	// Debugger is the language tag to debug with. Detected from the program
	// when empty.
	Debugger        string
	NoGuessDebugger bool
	Cwd             string
	Env             []string

	// NoState disables loading and saving breakpoints and watches
	NoState bool

	controller *debuggers.DebugController
	presenter  *Console
	in         io.Reader
	out        io.Writer
}
