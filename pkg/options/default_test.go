package options_test

import (
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/solo-io/dbgmux/pkg/options"
)

var _ = Describe("DetectLanguage", func() {
	It("maps file extensions to debuggers", func() {
		Expect(options.DetectLanguage("scripts/main.lua")).To(Equal("lua"))
		Expect(options.DetectLanguage("cmd/server/main.go")).To(Equal("dlv"))
		Expect(options.DetectLanguage("hello.C")).To(Equal("gdb"))
		Expect(options.DetectLanguage("lib.rs")).To(Equal("gdb"))
	})

	It("gives up on what it does not know", func() {
		Expect(options.DetectLanguage("a.out")).To(Equal(""))
		Expect(options.DetectLanguage("Makefile")).To(Equal(""))
	})
})
