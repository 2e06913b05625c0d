package dbgctl

import (
	"github.com/solo-io/dbgmux/pkg/config"
	"github.com/solo-io/dbgmux/pkg/debuggers"
	"github.com/solo-io/dbgmux/pkg/debuggers/dlv"
	"github.com/solo-io/dbgmux/pkg/debuggers/gdb"
	"github.com/solo-io/dbgmux/pkg/debuggers/lua"
	"github.com/solo-io/dbgmux/pkg/hostloop"
	"github.com/solo-io/dbgmux/pkg/options"
)

// DebuggerFactory returns a fresh Debugger for a language tag, or nil if the
// language is not supported. Every lua session shares scheduler.
func DebuggerFactory(cfg *config.Config, scheduler hostloop.Scheduler) func(string) debuggers.Debugger {
	return func(lang string) debuggers.Debugger {
		switch lang {
		case options.LangGdb:
			return gdb.NewGDB(gdb.Options{Path: cfg.GdbPath})
		case options.LangDlv:
			return dlv.NewDLV(dlv.Options{Path: cfg.DlvPath})
		case options.LangLua:
			return lua.NewLua(lua.Options{
				Host:          cfg.LuaHost,
				Port:          cfg.LuaPort,
				LuaPath:       cfg.LuaPath,
				AcceptTimeout: cfg.AcceptTimeout,
				PollInterval:  cfg.PollInterval,
				Scheduler:     scheduler,
				Pretty:        lua.Pretty{MaxLength: cfg.PrettyMaxLength, MaxLines: cfg.PrettyMaxLines},
			})
		}
		return nil
	}
}
