package lua

import (
	"bytes"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/solo-io/dbgmux/pkg/coroutine"
	"github.com/solo-io/dbgmux/pkg/debuggers"
	"github.com/solo-io/dbgmux/pkg/hostloop"
	"github.com/solo-io/dbgmux/pkg/utils"
)

// request is what a protocol routine waits for: one line, or n bytes.
type request struct {
	line bool
	n    int
}

// reply resumes a routine. waiting means nothing complete arrived yet.
type reply struct {
	data    string
	err     error
	waiting bool
}

type task = coroutine.Coroutine[reply, request, interface{}]

// Action is a protocol routine. It is written as if Wire.Receive blocked; it
// actually suspends the routine until the multiplexer has the data.
type Action func(w *Wire) (interface{}, error)

// Wire is the connection as seen from inside a routine.
type Wire struct {
	mux   *Mux
	yield coroutine.Yield[reply, request]
}

func (w *Wire) Send(line string) error {
	return w.mux.send(line)
}

// ReceiveLine returns the next line without its terminator.
func (w *Wire) ReceiveLine() (string, error) {
	return w.receive(request{line: true})
}

// Receive returns exactly n bytes.
func (w *Wire) Receive(n int) (string, error) {
	if n <= 0 {
		return "", nil
	}
	return w.receive(request{n: n})
}

func (w *Wire) receive(req request) (string, error) {
	for {
		r, err := w.yield(req)
		if err != nil {
			return "", err
		}
		if r.waiting {
			continue
		}
		return r.data, r.err
	}
}

// Mux runs protocol routines over one connection, one at a time, feeding
// their reads from a socket polled on the host loop.
type Mux struct {
	conn      net.Conn
	scheduler hostloop.Scheduler
	interval  time.Duration
	timeout   time.Duration
	logger    *log.Entry

	writeLock sync.Mutex

	// guards everything below and every Resume
	lock     sync.Mutex
	inflight *task
	name     string
	cancel   func()
	buf      []byte
	closed   bool
}

func NewMux(conn net.Conn, scheduler hostloop.Scheduler, interval, timeout time.Duration) *Mux {
	return &Mux{
		conn:      conn,
		scheduler: scheduler,
		interval:  interval,
		timeout:   timeout,
		logger:    log.WithField("remote", conn.RemoteAddr().String()),
	}
}

func (m *Mux) send(line string) error {
	m.writeLock.Lock()
	defer m.writeLock.Unlock()
	m.logger.WithField("cmd", line).Debug("sending command to mobdebug")
	_, err := io.WriteString(m.conn, line+"\n")
	return err
}

// SendOutOfBand writes a command while a routine may be in flight. The
// routine sees the reply, if any.
func (m *Mux) SendOutOfBand(line string) error {
	return m.send(line)
}

// Busy reports whether a routine is in flight.
func (m *Mux) Busy() bool {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.inflight != nil
}

// must hold lock
func (m *Mux) begin(name string, action Action) (*task, error) {
	if m.closed {
		return nil, debuggers.ErrTargetExited
	}
	if m.inflight != nil {
		m.logger.WithFields(log.Fields{"action": name, "inflight": m.name}).Debug("rejecting action")
		return nil, debuggers.ErrBusy
	}
	co := coroutine.New(func(yield coroutine.Yield[reply, request]) (interface{}, error) {
		return action(&Wire{mux: m, yield: yield})
	})
	m.inflight = co
	m.name = name
	return co, nil
}

// must hold lock
func (m *Mux) finish() {
	m.inflight = nil
	m.name = ""
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
}

// Do runs action to completion, polling inline. Use it for commands that
// answer immediately.
func (m *Mux) Do(name string, action Action) (interface{}, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	co, err := m.begin(name, action)
	if err != nil {
		return nil, err
	}
	defer m.finish()

	deadline := time.Now().Add(m.timeout)
	req, done := co.Resume(reply{})
	for !done {
		r := m.poll(req, m.interval)
		if r.waiting && time.Now().After(deadline) {
			co.Kill()
			return nil, debuggers.NewProtocolError(name, "no reply within %v", m.timeout)
		}
		req, done = co.Resume(r)
	}
	return co.Result()
}

// Dispatch starts action and returns once it first waits for input. The host
// loop then polls the socket every interval and resumes the action until it
// finishes; onDone gets the result on the host loop.
func (m *Mux) Dispatch(name string, action Action, onDone func(interface{}, error)) error {
	m.lock.Lock()
	co, err := m.begin(name, action)
	if err != nil {
		m.lock.Unlock()
		return err
	}
	req, done := co.Resume(reply{})
	if done {
		m.finish()
		m.lock.Unlock()
		onDone(co.Result())
		return nil
	}
	m.cancel = m.scheduler.Every(m.interval, func() bool {
		m.lock.Lock()
		if m.inflight != co {
			// closed underneath us
			m.lock.Unlock()
			return false
		}
		r := m.poll(req, time.Millisecond)
		req, done = co.Resume(r)
		if !done {
			m.lock.Unlock()
			return true
		}
		m.finish()
		m.lock.Unlock()
		onDone(co.Result())
		return false
	})
	m.lock.Unlock()
	return nil
}

// poll completes req from buffered data or from what the socket delivers
// within wait. Partial data stays buffered for the next poll.
// must hold lock
func (m *Mux) poll(req request, wait time.Duration) reply {
	if r, ok := m.take(req); ok {
		return r
	}
	if err := m.conn.SetReadDeadline(time.Now().Add(wait)); err != nil {
		return reply{err: err}
	}
	chunk := make([]byte, 4096)
	n, err := m.conn.Read(chunk)
	m.buf = append(m.buf, chunk[:n]...)
	if r, ok := m.take(req); ok {
		return r
	}
	if err != nil && !utils.IsTimeout(err) {
		if err == io.EOF {
			err = debuggers.ErrTargetExited
		}
		return reply{err: err}
	}
	return reply{waiting: true}
}

// must hold lock
func (m *Mux) take(req request) (reply, bool) {
	if req.line {
		i := bytes.IndexByte(m.buf, '\n')
		if i < 0 {
			return reply{}, false
		}
		line := strings.TrimSuffix(string(m.buf[:i]), "\r")
		m.buf = m.buf[i+1:]
		return reply{data: line}, true
	}
	if len(m.buf) < req.n {
		return reply{}, false
	}
	data := string(m.buf[:req.n])
	m.buf = m.buf[req.n:]
	return reply{data: data}, true
}

// Close kills the routine in flight, if any, and closes the connection.
func (m *Mux) Close() error {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	if m.inflight != nil {
		m.inflight.Kill()
		m.finish()
	}
	return m.conn.Close()
}
