package lua

import (
	"unicode/utf8"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	glua "github.com/yuin/gopher-lua"
)

var _ = Describe("serialized values", func() {
	pretty := Pretty{MaxLength: 100, MaxLines: 19}

	render := func(serialized string) string {
		v, err := decode(serialized)
		Expect(err).NotTo(HaveOccurred())
		return pretty.Render(v)
	}

	It("renders scalars", func() {
		Expect(render(`42`)).To(Equal("42"))
		Expect(render(`"a\nb"`)).To(Equal(`"a\nb"`))
		Expect(render(`true`)).To(Equal("true"))
		Expect(render(`nil`)).To(Equal("nil"))
	})

	It("renders flat tables inline, array part first", func() {
		Expect(render(`{10, 20, n = 2}`)).To(Equal(`{10, 20, n = 2}`))
		Expect(render(`{z = 1, ["a b"] = 2}`)).To(Equal(`{["a b"] = 2, z = 1}`))
		Expect(render(`{}`)).To(Equal(`{}`))
	})

	It("breaks nested tables over lines", func() {
		Expect(render(`{a = {1}, b = "x"}`)).To(Equal("{\n  a = {1},\n  b = \"x\"\n}"))
	})

	It("accepts chunks returning a value", func() {
		Expect(render(`do local _ = {1, 2}; return _; end`)).To(Equal(`{1, 2}`))
	})

	It("survives cycles", func() {
		Expect(render(`(function() local t = {} t.self = t return t end)()`)).To(Equal("{\n  self = {...}\n}"))
	})

	It("cuts long output", func() {
		short := Pretty{MaxLength: 10}
		Expect(short.Render(glua.LString("abcdefghijklmnop"))).To(Equal(`"abcdefghi...`))

		// "é" is two bytes; the cut lands between them
		tight := Pretty{MaxLength: 2}
		out := tight.Render(glua.LString("éé"))
		Expect(out).To(Equal(`"...`))
		Expect(utf8.ValidString(out)).To(BeTrue())
		Expect(Pretty{MaxLength: 3}.Render(glua.LString("éé"))).To(Equal(`"é...`))

		few := Pretty{MaxLines: 3}
		v, err := decode(`{a = {1}, b = {2}, c = {3}, d = {4}}`)
		Expect(err).NotTo(HaveOccurred())
		Expect(few.Render(v)).To(Equal("{\n  a = {1},\n  b = {2},\n..."))
	})

	It("only offers the math library", func() {
		v, err := decode(`math.huge`)
		Expect(err).NotTo(HaveOccurred())
		Expect(v.Type()).To(Equal(glua.LTNumber))

		_, err = decode(`os.exit(1)`)
		Expect(err).To(HaveOccurred())
	})

	It("rejects garbage", func() {
		_, err := decode(`{1,`)
		Expect(err).To(HaveOccurred())
	})

	It("gives up on payloads that never finish", func() {
		_, err := decode(`(function() while true do end end)()`)
		Expect(err).To(HaveOccurred())
	})
})
