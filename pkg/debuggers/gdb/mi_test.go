package gdb

import (
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("MI parsing", func() {
	It("extracts fields", func() {
		out := `^done,frame={level="0",func="main",file="a.c",fullname="/src/a.c",line="12"}`
		Expect(resultClass(out)).To(Equal("done"))
		file, _ := field(out, "file")
		Expect(file).To(Equal("a.c"))
		Expect(intField(out, "line")).To(Equal(12))
		_, ok := field(out, "reason")
		Expect(ok).To(BeFalse())
	})

	It("unescapes values", func() {
		out := `^done,value="\"a\\nb\" \"tab\tx\""`
		v, ok := field(out, "value")
		Expect(ok).To(BeTrue())
		Expect(v).To(Equal(`"a\nb" "tab` + "\t" + `x"`))
	})

	It("splits tuple lists without being fooled by quoted braces", func() {
		out := `^done,locals=[{name="s",value="\"}{]\""},{name="n",value="3"}]`
		gs := groups(out, "locals")
		Expect(gs).To(HaveLen(2))
		v, _ := field(gs[0], "value")
		Expect(v).To(Equal(`"}{]"`))
		name, _ := field(gs[1], "name")
		Expect(name).To(Equal("n"))
	})

	It("collects stream records", func() {
		out := "~\"line one\\n\"\n&\"log\\n\"\n~\"line two\\n\"\n^done"
		Expect(streams(out, '~')).To(Equal("line one\nline two\n"))
		Expect(streams(out, '&')).To(Equal("log\n"))
	})

	It("recognizes records", func() {
		Expect(isRecord("^done")).To(BeTrue())
		Expect(isRecord("*stopped,reason=\"exited\"")).To(BeTrue())
		Expect(isRecord("hello from the program")).To(BeFalse())
		Expect(isRecord("")).To(BeFalse())
	})

	It("quotes arguments only when needed", func() {
		Expect(quote("a.c:3")).To(Equal("a.c:3"))
		Expect(quote("x + y")).To(Equal(`"x + y"`))
	})
})
