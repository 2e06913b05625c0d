package options

import (
	"path/filepath"
	"strings"
	"time"
)

var (
	// How long a debugger waits for its backend or debuggee to connect
	AcceptTimeout = 5 * time.Second

	// How often the host loop polls a debuggee socket while it runs
	PollInterval = 20 * time.Millisecond

	// Where the lua debugger waits for MobDebug debuggees
	// ( the port MobDebug's start() connects to by default )
	LuaHost = "127.0.0.1"
	LuaPort = 8172

	// Limits for rendered values
	PrettyMaxLength = 100
	PrettyMaxLines  = 19

	GdbPath = "gdb"
	DlvPath = "dlv"
	LuaPath = "lua"

	// Language tags, also the names of the debuggers that serve them
	LangGdb = "gdb"
	LangDlv = "dlv"
	LangLua = "lua"

	AvailableDebuggers = []string{LangDlv, LangGdb, LangLua}

	// The directory, under the user's home, holding the config and state files
	ConfigDirName   = ".dbgmux"
	ConfigFileName  = "config.yaml"
	StateFileName   = "state.yaml"
	EnvPrefix       = "DBGMUX"
	DefaultLogLevel = "info"
)

var gdbExtensions = map[string]bool{
	".c": true, ".h": true, ".cc": true, ".cpp": true, ".cxx": true, ".hpp": true,
	".f": true, ".f90": true, ".f95": true, ".rs": true, ".s": true,
}

// DetectLanguage guesses the language tag from a program or source file name.
// It returns "" when it cannot tell.
func DetectLanguage(program string) string {
	ext := strings.ToLower(filepath.Ext(program))
	switch {
	case ext == ".lua":
		return LangLua
	case ext == ".go":
		return LangDlv
	case gdbExtensions[ext]:
		return LangGdb
	}
	return ""
}
