package lua_test

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/solo-io/dbgmux/pkg/debuggers"
	"github.com/solo-io/dbgmux/pkg/debuggers/lua"
	"github.com/solo-io/dbgmux/pkg/utils"
)

const stackReply = `{{{"add", "@main.lua", 1, 5, "Lua", "global", "main.lua"}, {a = {1, "1"}, t = {{1, 2}, "table: 0x1"}}, {}}, ` +
	`{{nil, "@main.lua", 0, 12, "main", "", "main.lua"}, {s = {"hi", "hi"}}, {}}}`

// mobdebug plays a debuggee started with require('mobdebug').start().
type mobdebug struct {
	lock      sync.Mutex
	conn      net.Conn
	commands  []string
	nextWatch int
	// onRun is "pause" (default), "exit" or "hang"
	onRun string
	// stack queries fail with a runtime error
	stackErr bool
}

func (m *mobdebug) connect(port int) {
	defer GinkgoRecover()
	var conn net.Conn
	err := utils.Retry(100, 20*time.Millisecond, func() error {
		c, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		conn = c
		return err
	})
	Expect(err).NotTo(HaveOccurred())
	m.lock.Lock()
	m.conn = conn
	m.lock.Unlock()
	m.serve(bufio.NewReader(conn))
}

func (m *mobdebug) serve(r *bufio.Reader) {
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		cmd := strings.TrimSpace(line)
		m.lock.Lock()
		m.commands = append(m.commands, cmd)
		onRun, stackErr := m.onRun, m.stackErr
		m.lock.Unlock()

		var reply string
		switch {
		case strings.HasPrefix(cmd, "SETW"):
			m.lock.Lock()
			m.nextWatch++
			reply = fmt.Sprintf("200 OK %d\n", m.nextWatch)
			m.lock.Unlock()
		case cmd == "STACK" && stackErr:
			reply = "401 Error in Execution 3\nbad"
		case cmd == "STACK":
			reply = "200 OK " + stackReply + "\n"
		case cmd == "EXEC return x":
			payload := "do local _ = {42}; return _; end"
			reply = fmt.Sprintf("200 OK %d\n%s", len(payload), payload)
		case cmd == "EXEC return t[1]":
			reply = "200 OK 3\n{1}"
		case strings.HasPrefix(cmd, "EXEC"):
			msg := "attempt to index a nil value"
			reply = fmt.Sprintf("401 Error in Expression %d\n%s", len(msg), msg)
		case cmd == "SUSPEND":
			reply = "202 Paused main.lua 9\n"
		case cmd == "RUN" || cmd == "STEP" || cmd == "OVER" || cmd == "OUT":
			switch onRun {
			case "exit":
				io.WriteString(m.conn, "200 OK\n")
				m.conn.Close()
				return
			case "hang":
				reply = "200 OK\n"
			default:
				reply = "200 OK\n204 Output stdout 3\nhi\n202 Paused main.lua 5\n"
			}
		case cmd == "EXIT":
			io.WriteString(m.conn, "200 OK\n")
			m.conn.Close()
			return
		default:
			reply = "200 OK\n"
		}
		if _, err := io.WriteString(m.conn, reply); err != nil {
			return
		}
	}
}

func (m *mobdebug) Commands() []string {
	m.lock.Lock()
	defer m.lock.Unlock()
	return append([]string(nil), m.commands...)
}

type recordingPresenter struct {
	lock    sync.Mutex
	states  []*debuggers.StateRecord
	stopped int
	output  string
}

func (p *recordingPresenter) OnState(lang string, record *debuggers.StateRecord) {
	p.lock.Lock()
	p.states = append(p.states, record)
	p.lock.Unlock()
}

func (p *recordingPresenter) OnStopped(lang string) {
	p.lock.Lock()
	p.stopped++
	p.lock.Unlock()
}

func (p *recordingPresenter) OnOutput(lang string, text string) {
	p.lock.Lock()
	p.output += text
	p.lock.Unlock()
}

func (p *recordingPresenter) Output() string {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.output
}

var _ = Describe("Lua", func() {
	var (
		ctx        context.Context
		port       int
		peer       *mobdebug
		presenter  *recordingPresenter
		controller *debuggers.DebugController
	)

	BeforeEach(func() {
		ctx = context.Background()
		Expect(utils.FindAnyFreePort(&port)).To(Succeed())
		peer = &mobdebug{}
		presenter = &recordingPresenter{}
		controller = debuggers.NewDebugController(func(lang string) debuggers.Debugger {
			if lang != "lua" {
				return nil
			}
			return lua.NewLua(lua.Options{Port: port, PollInterval: 5 * time.Millisecond, RequestTimeout: time.Second})
		}, nil, presenter)
	})

	AfterEach(func() {
		if controller.HasSession("lua") {
			controller.Stop(ctx, "lua")
		}
	})

	start := func() {
		go peer.connect(port)
		err := controller.Start(ctx, "lua", debuggers.Target{Program: "-", AcceptTimeout: 5 * time.Second})
		ExpectWithOffset(1, err).NotTo(HaveOccurred())
	}

	state := func() *debuggers.StateRecord {
		s, _ := controller.State("lua")
		return s
	}

	It("fails to start when no debuggee connects and frees the port", func() {
		err := controller.Start(ctx, "lua", debuggers.Target{Program: "-", AcceptTimeout: 200 * time.Millisecond})
		Expect(debuggers.IsStartFailure(err)).To(BeTrue())
		var failure *debuggers.StartFailure
		Expect(err).To(BeAssignableToTypeOf(failure))
		Expect(err.(*debuggers.StartFailure).Timeout).To(BeTrue())
		Expect(controller.HasSession("lua")).To(BeFalse())
		Expect(utils.ExpectPortToBeFree(port)).To(Succeed())
	})

	It("replays breakpoints queued before the debuggee connected", func() {
		_, err := controller.ToggleBreakpoint(ctx, "lua", "main.lua", 5)
		Expect(err).NotTo(HaveOccurred())
		start()
		Expect(peer.Commands()).To(Equal([]string{"SETB main.lua 5"}))

		set, err := controller.ToggleBreakpoint(ctx, "lua", "main.lua", 5)
		Expect(err).NotTo(HaveOccurred())
		Expect(set).To(BeFalse())
		Expect(peer.Commands()).To(Equal([]string{"SETB main.lua 5", "DELB main.lua 5"}))
	})

	It("returns from continue right away and updates the state when paused", func() {
		start()
		Expect(controller.Continue(ctx, "lua")).To(Succeed())

		Eventually(func() *debuggers.StateRecord { return state() }, time.Second).ShouldNot(BeNil())
		Expect(controller.Executing("lua")).To(BeFalse())
		s := state()
		Expect(s.File).To(Equal("main.lua"))
		Expect(s.Line).To(Equal(5))
		Expect(s.CurrentFrame).To(Equal(1))
		Expect(s.CallStack).To(Equal([]debuggers.Frame{
			{Label: "add at main.lua:5"},
			{Label: "main chunk at main.lua:12"},
		}))
		Expect(s.Variables).To(HaveKeyWithValue("a", "1"))
		Expect(s.Variables).To(HaveKeyWithValue("t", "{1, 2}"))
		Expect(presenter.Output()).To(Equal("hi\n"))
	})

	It("evaluates watches in the innermost frame only", func() {
		start()
		_, err := controller.SetWatch(ctx, "lua", "x", true)
		Expect(err).NotTo(HaveOccurred())
		_, err = controller.SetWatch(ctx, "lua", "nope.field", false)
		Expect(err).NotTo(HaveOccurred())
		Expect(peer.Commands()).To(Equal([]string{"SETW nope.field"}))

		Expect(controller.StepOver(ctx, "lua")).To(Succeed())
		Eventually(func() *debuggers.StateRecord { return state() }, time.Second).ShouldNot(BeNil())
		Expect(state().Variables).To(HaveKeyWithValue("x", "42"))
		Expect(state().Variables).To(HaveKeyWithValue("nope.field", debuggers.Unevaluated))

		Expect(controller.SetFrame(ctx, "lua", 5)).To(Succeed())
		s := state()
		Expect(s.CurrentFrame).To(Equal(2))
		Expect(s.Line).To(Equal(12))
		Expect(s.Variables).To(HaveKeyWithValue("s", `"hi"`))
		Expect(s.Variables).To(HaveKeyWithValue("x", debuggers.Unevaluated))
		Expect(s.Variables).NotTo(HaveKey("a"))
	})

	It("inspects and evaluates", func() {
		start()
		Expect(controller.Continue(ctx, "lua")).To(Succeed())
		Eventually(func() *debuggers.StateRecord { return state() }, time.Second).ShouldNot(BeNil())

		value, ok, err := controller.Inspect(ctx, "lua", "a")
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeTrue())
		Expect(value).To(Equal("1"))

		value, ok, err = controller.Evaluate(ctx, "lua", "t[1]")
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeTrue())
		Expect(value).To(Equal("1"))

		_, ok, err = controller.Inspect(ctx, "lua", "missing")
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeFalse())
	})

	It("suspends a running debuggee", func() {
		peer.onRun = "hang"
		start()
		Expect(controller.Continue(ctx, "lua")).To(Succeed())
		Eventually(func() []string { return peer.Commands() }, time.Second).Should(ContainElement("RUN"))
		Expect(controller.Executing("lua")).To(BeTrue())

		_, err := controller.SetWatch(ctx, "lua", "y", true)
		Expect(debuggers.IsInvalidOperation(err)).To(BeTrue())

		Expect(controller.Pause(ctx, "lua")).To(Succeed())
		Eventually(func() bool { return controller.Executing("lua") }, time.Second).Should(BeFalse())
		Expect(state().Line).To(Equal(9))
	})

	It("stops executing when the state after a pause cannot be read", func() {
		peer.stackErr = true
		start()
		Expect(controller.Continue(ctx, "lua")).To(Succeed())
		Eventually(func() []string { return peer.Commands() }, time.Second).Should(ContainElement("STACK"))
		Eventually(func() bool { return controller.Executing("lua") }, time.Second).Should(BeFalse())
		Expect(controller.HasSession("lua")).To(BeTrue())
		Expect(state()).To(BeNil())

		Expect(controller.Continue(ctx, "lua")).To(Succeed())
		Eventually(func() int {
			n := 0
			for _, cmd := range peer.Commands() {
				if cmd == "RUN" {
					n++
				}
			}
			return n
		}, time.Second).Should(Equal(2))
	})

	It("destroys the session when the debuggee finishes", func() {
		peer.onRun = "exit"
		start()
		Expect(controller.Continue(ctx, "lua")).To(Succeed())
		Eventually(func() bool { return controller.HasSession("lua") }, time.Second).Should(BeFalse())
		Expect(utils.ExpectPortToBeFree(port)).To(Succeed())
	})

	It("says goodbye on stop", func() {
		start()
		Expect(controller.Stop(ctx, "lua")).To(Succeed())
		Expect(controller.HasSession("lua")).To(BeFalse())
		Eventually(func() []string { return peer.Commands() }, time.Second).Should(ContainElement("EXIT"))
	})

	It("cannot restart a debuggee it did not launch", func() {
		start()
		Expect(controller.Continue(ctx, "lua")).To(Succeed())
		Eventually(func() *debuggers.StateRecord { return state() }, time.Second).ShouldNot(BeNil())

		Expect(controller.Restart(ctx, "lua")).To(Succeed())
		Expect(controller.HasSession("lua")).To(BeTrue())
	})
})
