package dbgctl

import (
	"github.com/spf13/pflag"
)

// applyConfigFlags registers the flags that override config keys. Their names
// are the keys with "-" for "_".
func applyConfigFlags(f *pflag.FlagSet) {
	f.String("log-level", "info", "log level (debug, info, warn, error)")
	f.BoolP("verbose", "v", false, "log debugger traffic")
	f.Bool("json", false, "output json format")
	f.Duration("accept-timeout", 0, "how long to wait for a debugger or debuggee to connect")
	f.Int("lua-port", 0, "port to wait for MobDebug debuggees on")
	f.String("lua-host", "", "address to wait for MobDebug debuggees on")
	f.String("gdb-path", "", "gdb executable")
	f.String("dlv-path", "", "dlv executable")
	f.String("lua-path", "", "lua interpreter")
	f.String("state-file", "", "where breakpoints and watches are kept between runs")
}

func applyFlags(o *Options, f *pflag.FlagSet) {
	f.StringVar(&o.ConfigFile, "config", "", "config file (default ~/.dbgmux/config.yaml)")
	f.StringVarP(&o.Debugger, "debugger", "d", "", "debugger to use: dlv, gdb or lua (detected from the program when not set)")
	f.BoolVar(&o.NoGuessDebugger, "no-guess-debugger", false, "don't auto detect debugger to use")
	f.StringVar(&o.Cwd, "cwd", "", "working directory of the program")
	f.StringArrayVarP(&o.Env, "env", "e", nil, "environment variable for the program, as NAME=VALUE")
	f.BoolVar(&o.NoState, "no-state", false, "don't restore or save breakpoints and watches")
}
