package dbgctl

import (
	"os"
	"sort"

	"github.com/pkg/errors"
	"github.com/solo-io/dbgmux/pkg/config"
	"github.com/spf13/cobra"
)

func ListCmd(o *Options) *cobra.Command {
	listCmd := &cobra.Command{
		Use:     "list [lang]",
		Short:   "lists the saved breakpoints and watches",
		Aliases: []string{"ls"},
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			lang := ""
			if len(args) == 1 {
				lang = args[0]
			}
			return o.listState(lang)
		},
	}
	return listCmd
}

func (o *Options) listState(lang string) error {
	state, err := config.LoadState(o.Config.StateFile)
	if err != nil {
		return err
	}
	out := o.out
	if out == nil {
		out = os.Stdout
	}
	console := NewConsole(out, o.Config.JSON)

	langs := make(map[string]bool)
	for l := range state.Breakpoints {
		langs[l] = true
	}
	for l := range state.Watches {
		langs[l] = true
	}
	if lang != "" {
		if !langs[lang] {
			return errors.Errorf("nothing saved for %v", lang)
		}
		langs = map[string]bool{lang: true}
	}
	sorted := make([]string, 0, len(langs))
	for l := range langs {
		sorted = append(sorted, l)
	}
	sort.Strings(sorted)

	for _, l := range sorted {
		console.Message("%s:", l)
		console.Registry(state.Breakpoints[l], state.Watches[l])
	}
	return nil
}
