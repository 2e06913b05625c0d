package utils

import (
	"bufio"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// SpawnOptions configures Spawn.
type SpawnOptions struct {
	Cwd string
	// Env is added to the current environment.
	Env []string
	// OnOutput, when set, receives stdout and stderr line by line from a
	// background reader. When nil the caller reads Stdout itself and stderr is
	// merged into it.
	OnOutput func(line string)
}

// Process is a spawned child with piped standard streams.
type Process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader

	done    chan struct{}
	waitErr error
	once    sync.Once
}

// Spawn starts name with args.
func Spawn(name string, args []string, opts SpawnOptions) (*Process, error) {
	cmd := exec.Command(name, args...)
	cmd.Dir = opts.Cwd
	cmd.Env = append(os.Environ(), opts.Env...)
	// own process group so an interrupt meant for the debuggee does not hit us
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.Wrap(err, "stdin pipe")
	}
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	log.WithFields(log.Fields{"cmd": name, "args": args, "cwd": opts.Cwd}).Debug("spawning process")
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "starting %s", name)
	}

	p := &Process{
		cmd:    cmd,
		stdin:  stdin,
		stdout: pr,
		done:   make(chan struct{}),
	}
	go func() {
		p.waitErr = cmd.Wait()
		pw.CloseWithError(io.EOF)
		close(p.done)
	}()
	if opts.OnOutput != nil {
		go func() {
			scanner := bufio.NewScanner(pr)
			for scanner.Scan() {
				opts.OnOutput(scanner.Text())
			}
		}()
	}
	return p, nil
}

func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

func (p *Process) Stdin() io.Writer {
	return p.stdin
}

// Stdout is only usable when the process was spawned without OnOutput.
func (p *Process) Stdout() io.Reader {
	return p.stdout
}

func (p *Process) Signal(sig os.Signal) error {
	return p.cmd.Process.Signal(sig)
}

// Exited is closed once the process has been reaped.
func (p *Process) Exited() <-chan struct{} {
	return p.done
}

// Kill kills the process if it is still running and waits for it.
func (p *Process) Kill() error {
	var err error
	p.once.Do(func() {
		p.stdin.Close()
		select {
		case <-p.done:
			return
		default:
		}
		if kerr := p.cmd.Process.Kill(); kerr != nil {
			err = kerr
		}
		<-p.done
	})
	return err
}

// Wait blocks until the process exits.
func (p *Process) Wait() error {
	<-p.done
	return p.waitErr
}
