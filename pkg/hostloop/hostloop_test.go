package hostloop_test

import (
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/solo-io/dbgmux/pkg/hostloop"
)

var _ = Describe("TickerScheduler", func() {
	It("runs a task until it declines", func() {
		s := hostloop.NewTickerScheduler()
		var runs int32
		s.Every(time.Millisecond, func() bool {
			return atomic.AddInt32(&runs, 1) < 3
		})
		Eventually(func() int32 { return atomic.LoadInt32(&runs) }).Should(Equal(int32(3)))
		Consistently(func() int32 { return atomic.LoadInt32(&runs) }, 50*time.Millisecond).Should(Equal(int32(3)))
	})

	It("stops on cancel", func() {
		s := hostloop.NewTickerScheduler()
		var runs int32
		cancel := s.Every(time.Millisecond, func() bool {
			atomic.AddInt32(&runs, 1)
			return true
		})
		Eventually(func() int32 { return atomic.LoadInt32(&runs) }).Should(BeNumerically(">", 0))
		cancel()
		cancel()
		time.Sleep(10 * time.Millisecond)
		after := atomic.LoadInt32(&runs)
		Consistently(func() int32 { return atomic.LoadInt32(&runs) }, 50*time.Millisecond).Should(Equal(after))
	})
})

var _ = Describe("ManualScheduler", func() {
	It("runs tasks only on tick, in registration order", func() {
		s := hostloop.NewManualScheduler()
		var order []string
		s.Every(time.Second, func() bool {
			order = append(order, "first")
			return false
		})
		s.Every(time.Second, func() bool {
			order = append(order, "second")
			return true
		})
		Expect(order).To(BeEmpty())
		Expect(s.Pending()).To(Equal(2))

		s.Tick()
		Expect(order).To(Equal([]string{"first", "second"}))
		Expect(s.Pending()).To(Equal(1))

		s.Tick()
		Expect(order).To(Equal([]string{"first", "second", "second"}))
	})

	It("lets a task cancel itself", func() {
		s := hostloop.NewManualScheduler()
		var cancel func()
		cancel = s.Every(time.Second, func() bool {
			cancel()
			return true
		})
		s.Tick()
		Expect(s.Pending()).To(Equal(0))
	})
})
