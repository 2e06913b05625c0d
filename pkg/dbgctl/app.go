package dbgctl

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/solo-io/dbgmux/pkg/config"
	"github.com/solo-io/dbgmux/pkg/debuggers"
	"github.com/solo-io/dbgmux/pkg/hostloop"
	"github.com/solo-io/dbgmux/pkg/options"
	"github.com/spf13/cobra"
	"gopkg.in/AlecAivazis/survey.v1"
)

const descriptionUsage = `dbgmux debugs a program with the debugger that fits its language:
gdb for native programs, dlv for go and MobDebug for lua.
Breakpoints and watches are kept between runs.
Use "-" as the program with --debugger lua to wait for a lua program
started elsewhere with require('mobdebug').start().
`

func App(version string) (*cobra.Command, error) {
	opts := &Options{in: os.Stdin, out: os.Stdout}
	app := &cobra.Command{
		Use:     "dbgmux PROGRAM [-- ARGS...]",
		Short:   "debug programs with gdb, dlv or MobDebug",
		Long:    descriptionUsage,
		Version: version,
		Args:    cobra.MinimumNArgs(1),
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.loadConfig(cmd)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.debug(context.Background(), args[0], args[1:])
		},
	}

	app.SuggestionsMinimumDistance = 1
	// everything after PROGRAM belongs to the program
	app.Flags().SetInterspersed(false)
	app.AddCommand(
		ListCmd(opts),
		completionCmd(),
	)

	applyConfigFlags(app.PersistentFlags())
	applyFlags(opts, app.PersistentFlags())
	return app, nil
}

func (o *Options) loadConfig(cmd *cobra.Command) error {
	cfg, err := config.Load(o.ConfigFile, cmd.Flags())
	if err != nil {
		return err
	}
	if err := cfg.ApplyLogging(); err != nil {
		return err
	}
	o.Config = cfg
	return nil
}

func (o *Options) debug(ctx context.Context, program string, args []string) error {
	lang, err := o.chooseDebugger(program)
	if err != nil {
		return err
	}
	logger := log.WithFields(log.Fields{"lang": lang, "program": program})

	o.presenter = NewConsole(o.out, o.Config.JSON)
	registry := debuggers.NewRegistry()
	if !o.NoState {
		state, err := config.LoadState(o.Config.StateFile)
		if err != nil {
			logger.WithField("err", err).Warn("could not restore breakpoints and watches")
		} else {
			registry.Restore(state)
		}
	}
	o.controller = debuggers.NewDebugController(DebuggerFactory(o.Config, hostloop.NewTickerScheduler()), registry, o.presenter)
	o.controller.SetTarget(lang, debuggers.Target{
		Program:       program,
		Args:          args,
		Cwd:           o.Cwd,
		Env:           o.Env,
		AcceptTimeout: o.Config.AcceptTimeout,
	})

	stopInterrupts := o.pauseOnInterrupt(ctx, lang)
	defer stopInterrupts()

	o.presenter.Message("debugging %s with %s, type help for commands", program, lang)
	err = NewREPL(o.controller, o.presenter, lang).Run(ctx, o.in)

	if o.controller.HasSession(lang) {
		o.controller.Stop(ctx, lang)
	}
	if !o.NoState {
		if serr := config.SaveState(o.Config.StateFile, registry.Snapshot()); serr != nil {
			logger.WithField("err", serr).Warn("could not save breakpoints and watches")
		}
	}
	return err
}

// pauseOnInterrupt turns ^C into a pause while the program runs.
func (o *Options) pauseOnInterrupt(ctx context.Context, lang string) func() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case <-ch:
				if !o.controller.Executing(lang) {
					continue
				}
				if err := o.controller.Pause(ctx, lang); err != nil {
					o.presenter.Error(err)
				}
			}
		}
	}()
	return func() {
		signal.Stop(ch)
		close(done)
	}
}

func (o *Options) chooseDebugger(program string) (string, error) {
	if o.Debugger != "" {
		for _, d := range options.AvailableDebuggers {
			if d == o.Debugger {
				return d, nil
			}
		}
		return "", errors.Wrap(debuggers.ErrUnknownLanguage, o.Debugger)
	}

	debugger := o.detectLang(program)
	if debugger == "" {
		question := &survey.Select{
			Message: "Select a debugger",
			Options: options.AvailableDebuggers,
		}
		var choice string
		if err := survey.AskOne(question, &choice, survey.Required); err != nil {
			return "", err
		}
		debugger = choice
	}
	o.Debugger = debugger
	return debugger, nil
}

func (o *Options) detectLang(program string) string {
	if o.NoGuessDebugger {
		// manual mode
		return ""
	}
	return options.DetectLanguage(program)
}
