package gdb_test

import (
	"bufio"
	"context"
	"io"
	"strings"
	"sync"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/solo-io/dbgmux/pkg/debuggers"
	"github.com/solo-io/dbgmux/pkg/debuggers/gdb"
	"github.com/solo-io/dbgmux/pkg/utils"
)

const (
	frameInfo   = `^done,frame={level="0",addr="0x1139",func="add",file="hello.c",fullname="/src/hello.c",line="3"}`
	frameList   = `^done,stack=[frame={level="0",addr="0x1139",func="add",file="hello.c",fullname="/src/hello.c",line="3"},frame={level="1",addr="0x1150",func="main",file="hello.c",fullname="/src/hello.c",line="9"}]`
	simpleVars  = `^done,variables=[{name="a",arg="1",type="int",value="1"},{name="buf",type="char [8]"}]`
	localValues = `^done,locals=[{name="buf",value="\"hi\\n\""}]`
	runReply    = "=thread-group-started,id=\"i1\",pid=\"4242\"\n^running\n*running,thread-id=\"all\"\n(gdb)\nhello from the program\n*stopped,reason=\"breakpoint-hit\",bkptno=\"1\",thread-id=\"1\""
)

// fakeProcess plays gdb on a pair of pipes. Every command line read from stdin
// is answered by reply followed by the sentinel.
type fakeProcess struct {
	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter

	lock     sync.Mutex
	reply    func(cmd string) string
	commands []string
	args     []string
	killed   bool
}

func newFakeProcess(reply func(cmd string) string) *fakeProcess {
	f := &fakeProcess{reply: reply}
	f.stdinR, f.stdinW = io.Pipe()
	f.stdoutR, f.stdoutW = io.Pipe()
	return f
}

func (f *fakeProcess) serve() {
	defer GinkgoRecover()
	io.WriteString(f.stdoutW, "=thread-group-added,id=\"i1\"\n~\"GNU gdb 12.1\\n\"\n(gdb)\n")
	scanner := bufio.NewScanner(f.stdinR)
	for scanner.Scan() {
		cmd := scanner.Text()
		f.lock.Lock()
		f.commands = append(f.commands, cmd)
		reply := f.reply
		f.lock.Unlock()
		if cmd == "-gdb-exit" {
			f.stdoutW.Close()
			return
		}
		if _, err := io.WriteString(f.stdoutW, reply(cmd)+"\n(gdb)\n"); err != nil {
			return
		}
	}
}

func (f *fakeProcess) Pid() int { return 4000 }
func (f *fakeProcess) Stdin() io.Writer { return f.stdinW }
func (f *fakeProcess) Stdout() io.Reader { return f.stdoutR }
func (f *fakeProcess) Kill() error {
	f.lock.Lock()
	f.killed = true
	f.lock.Unlock()
	f.stdinW.Close()
	f.stdoutW.Close()
	return nil
}

func (f *fakeProcess) wasKilled() bool {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.killed
}

func (f *fakeProcess) Commands() []string {
	f.lock.Lock()
	defer f.lock.Unlock()
	return append([]string(nil), f.commands...)
}

func (f *fakeProcess) setReply(reply func(cmd string) string) {
	f.lock.Lock()
	f.reply = reply
	f.lock.Unlock()
}

func paused(cmd string) string {
	switch {
	case strings.HasPrefix(cmd, "-exec-"):
		return runReply
	case cmd == "-stack-info-frame":
		return frameInfo
	case cmd == "-stack-list-frames":
		return frameList
	case strings.HasPrefix(cmd, "-stack-list-variables"):
		return simpleVars
	case strings.HasPrefix(cmd, "-stack-list-locals"):
		return localValues
	case cmd == "-break-insert hello.c:3":
		return `^done,bkpt={number="1",type="breakpoint",file="hello.c",line="3"}`
	case strings.HasPrefix(cmd, "-break-watch"):
		return `^done,wpt={number="2",exp="total"}`
	case cmd == "-data-evaluate-expression x":
		return `^done,value="42"`
	case strings.HasPrefix(cmd, "-data-evaluate-expression"):
		return `^error,msg="No symbol in current context."`
	case strings.HasPrefix(cmd, "-interpreter-exec"):
		return "~\"$1 = 7\\n\"\n^done"
	}
	return "^done"
}

type recordingSink struct {
	lock   sync.Mutex
	states []*debuggers.StateRecord
	output []string
	exited int
}

func (s *recordingSink) UpdateState(lang string, record *debuggers.StateRecord) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.states = append(s.states, record)
	return nil
}

func (s *recordingSink) TargetExited(lang string) {
	s.lock.Lock()
	s.exited++
	s.lock.Unlock()
}

func (s *recordingSink) OperationFailed(lang string, op string, err error) {}

func (s *recordingSink) Output(lang string, text string) {
	s.lock.Lock()
	s.output = append(s.output, text)
	s.lock.Unlock()
}

func (s *recordingSink) last() *debuggers.StateRecord {
	s.lock.Lock()
	defer s.lock.Unlock()
	if len(s.states) == 0 {
		return nil
	}
	return s.states[len(s.states)-1]
}

var _ = Describe("GDB", func() {
	var (
		ctx         context.Context
		proc        *fakeProcess
		sink        *recordingSink
		interrupted []int
		onInterrupt func()
		g           *gdb.GDB
	)

	BeforeEach(func() {
		ctx = context.Background()
		proc = newFakeProcess(paused)
		sink = &recordingSink{}
		interrupted = nil
		onInterrupt = nil
		g = gdb.NewGDB(gdb.Options{
			Spawn: func(name string, args []string, opts utils.SpawnOptions) (gdb.Process, error) {
				proc.args = append([]string{name}, args...)
				go proc.serve()
				return proc, nil
			},
			Interrupt: func(pid int) error {
				interrupted = append(interrupted, pid)
				if onInterrupt != nil {
					onInterrupt()
				}
				return nil
			},
		})
	})

	start := func() {
		err := g.Start(ctx, "c", debuggers.Target{Program: "./hello", Args: []string{"-v"}}, sink)
		Expect(err).NotTo(HaveOccurred())
	}

	It("launches gdb under the machine interface and discards the banner", func() {
		start()
		Expect(proc.args).To(Equal([]string{"gdb", "--interpreter=mi2", "--quiet", "--args", "./hello", "-v"}))
		Expect(proc.Commands()).To(Equal([]string{"-gdb-set confirm off", "-enable-pretty-printing"}))
		Expect(sink.output).To(BeEmpty())
	})

	It("refuses to start without a program", func() {
		err := g.Start(ctx, "c", debuggers.Target{}, sink)
		Expect(debuggers.IsStartFailure(err)).To(BeTrue())
	})

	It("runs to the first stop and pushes the state", func() {
		start()
		Expect(g.Continue(ctx)).To(Succeed())
		Expect(proc.Commands()).To(ContainElement("-exec-run"))

		state := sink.last()
		Expect(state).NotTo(BeNil())
		Expect(state.File).To(Equal("/src/hello.c"))
		Expect(state.Line).To(Equal(3))
		Expect(state.CurrentFrame).To(Equal(1))
		Expect(state.CallStack).To(Equal([]debuggers.Frame{
			{Label: "add at hello.c:3"},
			{Label: "main at hello.c:9"},
		}))
		Expect(state.Variables).To(HaveKeyWithValue("a", "1"))
		Expect(state.Variables).To(HaveKeyWithValue("buf", `"hi\n"`))
		Expect(sink.output).To(ContainElement("hello from the program\n"))

		Expect(g.Continue(ctx)).To(Succeed())
		Expect(proc.Commands()).To(ContainElement("-exec-continue"))
	})

	It("interrupts the debuggee while a run command waits for it", func() {
		start()
		Expect(g.Pause(ctx)).To(Succeed())
		Expect(interrupted).To(BeEmpty())

		proc.setReply(func(cmd string) string {
			if cmd == "-exec-run" {
				return "=thread-group-started,id=\"i1\",pid=\"4242\"\n^running\n*running,thread-id=\"all\""
			}
			return paused(cmd)
		})
		var once sync.Once
		onInterrupt = func() {
			once.Do(func() {
				go io.WriteString(proc.stdoutW, "*stopped,reason=\"signal-received\",signal-name=\"SIGINT\"\n(gdb)\n")
			})
		}

		done := make(chan error, 1)
		go func() { done <- g.Continue(ctx) }()
		Eventually(func() []int {
			Expect(g.Pause(ctx)).To(Succeed())
			return interrupted
		}).Should(ContainElement(4242))
		Eventually(done).Should(Receive(BeNil()))
		Expect(sink.last()).NotTo(BeNil())
		Expect(sink.last().Line).To(Equal(3))
	})

	It("refuses to step out before the program runs", func() {
		start()
		err := g.StepOut(ctx)
		Expect(debuggers.IsProtocolError(err)).To(BeTrue())
		Expect(proc.Commands()).NotTo(ContainElement("-exec-finish"))

		Expect(g.Continue(ctx)).To(Succeed())
		Expect(g.StepOut(ctx)).To(Succeed())
		Expect(proc.Commands()).To(ContainElement("-exec-finish"))
	})

	It("reports an exited target when the frame query fails", func() {
		start()
		proc.setReply(func(cmd string) string {
			switch {
			case strings.HasPrefix(cmd, "-exec-"):
				return "^running\n(gdb)\n*stopped,reason=\"exited-normally\""
			case cmd == "-stack-info-frame":
				return `^error,msg="No registers."`
			}
			return paused(cmd)
		})
		Expect(g.Continue(ctx)).To(MatchError(debuggers.ErrTargetExited))
		Expect(sink.states).To(BeEmpty())
	})

	It("shares one number pool between breakpoints and watchpoints", func() {
		start()
		Expect(g.AddBreakpoint(ctx, "hello.c", 3)).To(Succeed())
		Expect(g.AddWatch(ctx, "total", 1, false)).To(Succeed())
		Expect(g.AddWatch(ctx, "x", 2, true)).To(Succeed())
		Expect(g.AddWatch(ctx, "x", 3, true)).To(MatchError(debuggers.ErrDuplicateWatch))

		Expect(g.RemoveWatch(ctx, "total", 1)).To(Succeed())
		Expect(g.RemoveBreakpoint(ctx, "hello.c", 3)).To(Succeed())
		Expect(g.RemoveWatch(ctx, "x", 2)).To(Succeed())

		Expect(proc.Commands()).To(Equal([]string{
			"-gdb-set confirm off",
			"-enable-pretty-printing",
			"-break-insert hello.c:3",
			"-break-watch total",
			"-break-delete 2",
			"-break-delete 1",
		}))
	})

	It("evaluates display watches on every stop", func() {
		start()
		Expect(g.AddWatch(ctx, "x", 1, true)).To(Succeed())
		Expect(g.AddWatch(ctx, "missing", 2, true)).To(Succeed())
		Expect(g.Continue(ctx)).To(Succeed())
		Expect(sink.last().Variables).To(HaveKeyWithValue("x", "42"))
		Expect(sink.last().Variables).To(HaveKeyWithValue("missing", debuggers.Unevaluated))
	})

	It("selects frames and answers queries", func() {
		start()
		Expect(g.Continue(ctx)).To(Succeed())
		Expect(g.SetFrame(ctx, 2)).To(Succeed())
		Expect(proc.Commands()).To(ContainElement("-stack-select-frame 1"))
		Expect(sink.last().CurrentFrame).To(Equal(2))

		v, ok, err := g.Inspect(ctx, "x")
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeTrue())
		Expect(v).To(Equal("42"))

		_, ok, err = g.Inspect(ctx, "nope")
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeFalse())

		v, ok, err = g.Evaluate(ctx, "print a + 6")
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeTrue())
		Expect(v).To(Equal("$1 = 7"))
		Expect(proc.Commands()).To(ContainElement(`-interpreter-exec console "print a + 6"`))
	})

	It("asks gdb to exit and kills it on stop", func() {
		start()
		Expect(g.Stop(ctx)).To(Succeed())
		Eventually(proc.Commands).Should(ContainElement("-gdb-exit"))
		Expect(proc.wasKilled()).To(BeTrue())
	})

	It("kills gdb when stopped while the target runs", func() {
		start()
		proc.setReply(func(cmd string) string {
			if cmd == "-exec-run" {
				return "^running\n*running,thread-id=\"all\""
			}
			return paused(cmd)
		})
		done := make(chan error, 1)
		go func() { done <- g.Continue(ctx) }()
		Eventually(proc.Commands).Should(ContainElement("-exec-run"))

		Expect(g.Stop(ctx)).To(Succeed())
		Expect(proc.wasKilled()).To(BeTrue())
		Eventually(done).Should(Receive(MatchError(debuggers.ErrTargetExited)))
		Expect(proc.Commands()).NotTo(ContainElement("-gdb-exit"))
	})

	Context("driven by the controller", func() {
		It("destroys the session when the target runs to exit", func() {
			proc.reply = func(cmd string) string {
				switch {
				case strings.HasPrefix(cmd, "-exec-"):
					return "=thread-group-started,id=\"i1\",pid=\"4242\"\n^running\n(gdb)\n*stopped,reason=\"exited-normally\""
				case cmd == "-stack-info-frame":
					return `^error,msg="No registers."`
				}
				return paused(cmd)
			}
			ctrl := debuggers.NewDebugController(func(string) debuggers.Debugger { return g }, nil, nil)
			Expect(ctrl.Start(ctx, "c", debuggers.Target{Program: "./hello"})).To(Succeed())
			Expect(ctrl.HasSession("c")).To(BeTrue())

			Expect(ctrl.Continue(ctx, "c")).To(Succeed())
			Expect(ctrl.HasSession("c")).To(BeFalse())
			_, ok := ctrl.State("c")
			Expect(ok).To(BeFalse())
		})

		It("keeps the session when stepping out before the program runs", func() {
			ctrl := debuggers.NewDebugController(func(string) debuggers.Debugger { return g }, nil, nil)
			Expect(ctrl.Start(ctx, "c", debuggers.Target{Program: "./hello"})).To(Succeed())
			Expect(ctrl.StepOut(ctx, "c")).To(Succeed())
			Expect(ctrl.HasSession("c")).To(BeTrue())
			Expect(ctrl.Executing("c")).To(BeFalse())
		})
	})
})
