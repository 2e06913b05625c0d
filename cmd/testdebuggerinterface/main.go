package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/solo-io/dbgmux/pkg/config"
	"github.com/solo-io/dbgmux/pkg/dbgctl"
	"github.com/solo-io/dbgmux/pkg/debuggers"
	"github.com/solo-io/dbgmux/pkg/hostloop"
)

// usage: testdebuggerinterface LANG PROGRAM FILE:LINE
//
// starts a session, stops at the breakpoint, prints the state and exits.
func main() {
	log.SetLevel(log.DebugLevel)

	customFormatter := new(log.TextFormatter)
	log.SetFormatter(customFormatter)

	if len(os.Args) != 4 {
		fmt.Fprintln(os.Stderr, "usage: testdebuggerinterface LANG PROGRAM FILE:LINE")
		os.Exit(2)
	}
	lang, program, location := os.Args[1], os.Args[2], os.Args[3]
	i := strings.LastIndex(location, ":")
	if i <= 0 {
		panic("bad location " + location)
	}
	line, err := strconv.Atoi(location[i+1:])
	if err != nil {
		panic(err)
	}

	cfg, err := config.Load("", nil)
	if err != nil {
		panic(err)
	}

	stopped := make(chan struct{}, 1)
	console := dbgctl.NewConsole(os.Stdout, cfg.JSON)
	controller := debuggers.NewDebugController(
		dbgctl.DebuggerFactory(cfg, hostloop.NewTickerScheduler()),
		nil,
		notifier{Console: console, stopped: stopped},
	)

	ctx := context.Background()
	if _, err := controller.ToggleBreakpoint(ctx, lang, location[:i], line); err != nil {
		panic(err)
	}
	controller.SetTarget(lang, debuggers.Target{Program: program})
	if err := controller.Continue(ctx, lang); err != nil {
		panic(err)
	}

	select {
	case <-stopped:
	case <-time.After(30 * time.Second):
		log.Warn("no stop after 30s")
	}
	if state, ok := controller.State(lang); ok {
		console.Backtrace(state)
	}
	if controller.HasSession(lang) {
		if err := controller.Stop(ctx, lang); err != nil {
			panic(err)
		}
	}
}

type notifier struct {
	*dbgctl.Console
	stopped chan struct{}
}

func (n notifier) OnState(lang string, record *debuggers.StateRecord) {
	n.Console.OnState(lang, record)
	select {
	case n.stopped <- struct{}{}:
	default:
	}
}

func (n notifier) OnStopped(lang string) {
	n.Console.OnStopped(lang)
	select {
	case n.stopped <- struct{}{}:
	default:
	}
}
