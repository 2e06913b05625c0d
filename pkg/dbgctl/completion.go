package dbgctl

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var (
	completionLong = `
	Print a completion script for bash or zsh. It completes dbgmux
	subcommands and flags. zsh needs version 5.2 or later.`

	completionExample = `
	# try it in the current bash session
	    source <(dbgmux completion bash)
	# install it for every bash session
	    dbgmux completion bash | sudo tee /etc/bash_completion.d/dbgmux > /dev/null
	# install it for zsh, in a directory listed in $fpath
	    dbgmux completion zsh > "${fpath[1]}/_dbgmux"`
)

func completionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:       "completion SHELL",
		Short:     "print a shell completion script",
		Long:      completionLong,
		Example:   completionExample,
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"bash", "zsh"},
		RunE: func(c *cobra.Command, a []string) error {
			out := c.OutOrStdout()
			switch strings.ToLower(a[0]) {
			case "bash":
				return c.Root().GenBashCompletion(out)
			case "zsh":
				return c.Root().GenZshCompletion(out)
			}
			return errors.Errorf("unsupported shell %q, use bash or zsh", a[0])
		},
	}
	return cmd
}
