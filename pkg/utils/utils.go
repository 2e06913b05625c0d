package utils

import (
	"fmt"
	"net"
	"time"

	"github.com/pkg/errors"
)

// FindAnyFreePort returns a random port that is not in use.
// It does so by claiming a random open port, then closing it.
func FindAnyFreePort(port *int) error {
	addr, err := net.ResolveTCPAddr("tcp", "localhost:0")
	if err != nil {
		return err
	}

	tmpListener, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return err
	}

	*port = tmpListener.Addr().(*net.TCPAddr).Port
	return tmpListener.Close()
}

// ExpectPortToBeFree returns an error if something listens on port.
func ExpectPortToBeFree(port int) error {
	l, err := net.Listen("tcp", fmt.Sprintf("localhost:%d", port))
	if err != nil {
		return errors.Wrapf(err, "port %d is not free", port)
	}
	return l.Close()
}

// Retry calls f up to tries times, sleeping delay between attempts, and
// returns the last error.
func Retry(tries int, delay time.Duration, f func() error) error {
	for i := 0; i < (tries - 1); i++ {
		if err := f(); err == nil {
			return nil
		}
		time.Sleep(delay)
	}
	return f()
}

// ErrAcceptTimeout is returned by AcceptTimeout when nobody connected in time.
var ErrAcceptTimeout = errors.New("timed out waiting for a connection")

// Listen opens a TCP listener on address ("host:port", port 0 for any).
func Listen(address string) (*net.TCPListener, error) {
	addr, err := net.ResolveTCPAddr("tcp", address)
	if err != nil {
		return nil, err
	}
	return net.ListenTCP("tcp", addr)
}

// AcceptTimeout accepts exactly one connection or fails after timeout.
func AcceptTimeout(l *net.TCPListener, timeout time.Duration) (net.Conn, error) {
	if err := l.SetDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	conn, err := l.Accept()
	if err != nil {
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			return nil, ErrAcceptTimeout
		}
		return nil, err
	}
	return conn, nil
}

// IsTimeout reports whether err is a network timeout.
func IsTimeout(err error) bool {
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}
