package main

import (
	"fmt"
	"os"

	"github.com/solo-io/dbgmux/pkg/dbgctl"
	"github.com/solo-io/dbgmux/pkg/version"
)

func main() {
	app, err := dbgctl.App(version.Version)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}

	if err := app.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
