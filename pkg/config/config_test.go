package config_test

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/solo-io/dbgmux/pkg/config"
	"github.com/solo-io/dbgmux/pkg/debuggers"
	"github.com/spf13/pflag"
)

var _ = Describe("Config", func() {
	var (
		dir     string
		cfgFile string
	)

	BeforeEach(func() {
		var err error
		dir, err = ioutil.TempDir("", "dbgmux")
		Expect(err).NotTo(HaveOccurred())
		cfgFile = filepath.Join(dir, "config.yaml")
	})

	AfterEach(func() {
		os.RemoveAll(dir)
		os.Unsetenv("DBGMUX_LUA_PORT")
	})

	It("falls back to defaults for keys the file leaves out", func() {
		Expect(ioutil.WriteFile(cfgFile, []byte("gdb_path: /opt/gdb\n"), 0644)).To(Succeed())
		cfg, err := config.Load(cfgFile, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(cfg.GdbPath).To(Equal("/opt/gdb"))
		Expect(cfg.DlvPath).To(Equal("dlv"))
		Expect(cfg.LuaPort).To(Equal(8172))
		Expect(cfg.AcceptTimeout).To(Equal(5 * time.Second))
		Expect(cfg.PrettyMaxLines).To(Equal(19))
		Expect(cfg.StateFile).To(HaveSuffix(filepath.Join(".dbgmux", "state.yaml")))
	})

	It("reads durations from the file", func() {
		Expect(ioutil.WriteFile(cfgFile, []byte("accept_timeout: 2s\npoll_interval: 50ms\n"), 0644)).To(Succeed())
		cfg, err := config.Load(cfgFile, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(cfg.AcceptTimeout).To(Equal(2 * time.Second))
		Expect(cfg.PollInterval).To(Equal(50 * time.Millisecond))
	})

	It("lets the environment and then flags override the file", func() {
		Expect(ioutil.WriteFile(cfgFile, []byte("lua_port: 9000\nlua_path: luajit\n"), 0644)).To(Succeed())
		os.Setenv("DBGMUX_LUA_PORT", "9100")

		flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
		flags.String("lua-path", "lua", "")
		flags.Bool("verbose", false, "")
		Expect(flags.Parse([]string{"--verbose"})).To(Succeed())

		cfg, err := config.Load(cfgFile, flags)
		Expect(err).NotTo(HaveOccurred())
		Expect(cfg.LuaPort).To(Equal(9100))
		Expect(cfg.LuaPath).To(Equal("luajit"))
		Expect(cfg.Verbose).To(BeTrue())

		Expect(flags.Parse([]string{"--lua-path", "lua5.1"})).To(Succeed())
		cfg, err = config.Load(cfgFile, flags)
		Expect(err).NotTo(HaveOccurred())
		Expect(cfg.LuaPath).To(Equal("lua5.1"))
	})

	It("rejects unknown log levels", func() {
		cfg := &config.Config{LogLevel: "chatty"}
		Expect(cfg.ApplyLogging()).NotTo(Succeed())
	})
})

var _ = Describe("State", func() {
	It("round trips a registry", func() {
		dir, err := ioutil.TempDir("", "dbgmux")
		Expect(err).NotTo(HaveOccurred())
		defer os.RemoveAll(dir)
		path := filepath.Join(dir, "nested", "state.yaml")

		empty, err := config.LoadState(path)
		Expect(err).NotTo(HaveOccurred())
		Expect(empty.Breakpoints).To(BeEmpty())

		r := debuggers.NewRegistry()
		r.ToggleBreakpoint("lua", "main.lua", 4)
		r.AddWatch("lua", "count", true)
		r.AddWatch("lua", "total", false)
		r.RemoveWatch("lua", 2)
		Expect(config.SaveState(path, r.Snapshot())).To(Succeed())

		state, err := config.LoadState(path)
		Expect(err).NotTo(HaveOccurred())
		restored := debuggers.NewRegistry()
		restored.Restore(state)
		Expect(restored.Breakpoints("lua")).To(Equal([]debuggers.Breakpoint{{File: "main.lua", Line: 4}}))
		Expect(restored.Watches("lua")).To(Equal([]debuggers.Watch{{Expr: "count", ID: 1, NoBreak: true}}))
		id, err := restored.AddWatch("lua", "total", false)
		Expect(err).NotTo(HaveOccurred())
		Expect(id).To(Equal(3))
	})
})
