package main

import (
	"flag"
	"fmt"
	"log"
	"path/filepath"
	"strings"

	"github.com/solo-io/dbgmux/pkg/dbgctl"
	"github.com/solo-io/dbgmux/pkg/version"
	"github.com/spf13/cobra"
	"github.com/spf13/cobra/doc"
)

// writes one markdown page per dbgmux command
func main() {
	dir := flag.String("dir", "./docs/cli", "output directory")
	flag.Parse()

	app, err := dbgctl.App(version.Version)
	if err != nil {
		log.Fatal(err)
	}

	disableAutoGenTag(app)

	linkHandler := func(s string) string {
		if strings.HasSuffix(s, ".md") {
			return filepath.Join("..", strings.TrimSuffix(s, ".md"))
		}
		return s
	}
	if err := doc.GenMarkdownTreeCustom(app, *dir, frontMatter, linkHandler); err != nil {
		log.Fatal(err)
	}
}

func frontMatter(filename string) string {
	name := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))
	return fmt.Sprintf("---\ntitle: %q\nweight: 5\n---\n", strings.Replace(name, "_", " ", -1))
}

func disableAutoGenTag(c *cobra.Command) {
	c.DisableAutoGenTag = true
	for _, c := range c.Commands() {
		disableAutoGenTag(c)
	}
}
