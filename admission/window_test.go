package admission_test

import (
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/aistore-labs/worldcore/admission"
	"github.com/aistore-labs/worldcore/cmn/config"
)

// Describes the admission window rollover behaviors.
var _ = Describe("Admission window behavior", func() {
	var f *admission.Filter
	var clock time.Time

	BeforeEach(func() {
		var err error
		f, err = admission.New(config.Admission{
			Enabled:       true,
			MaxPerSource:  1_000_000,
			RateLimit:     3,
			WindowSeconds: 10,
		}, nil, "")
		Expect(err).NotTo(HaveOccurred())
		clock = time.Now()
		f.SetClock(func() time.Time { return clock })
	})

	AfterEach(func() {
		Expect(f.Close()).To(Succeed())
	})

	When("fewer opens than the rate limit occur inside one window", func() {
		It("accepts all of them", func() {
			for i := 0; i < 3; i++ {
				Expect(f.ShouldReject("src")).To(BeFalse())
			}
		})
	})

	When("more opens than the rate limit occur inside one window", func() {
		It("rejects the overflow", func() {
			for i := 0; i < 3; i++ {
				Expect(f.ShouldReject("src")).To(BeFalse())
			}
			Expect(f.ShouldReject("src")).To(BeTrue())
		})
	})

	When("the window has fully elapsed", func() {
		It("admits fresh opens again without waiting for OnClose", func() {
			for i := 0; i < 3; i++ {
				f.ShouldReject("src")
				f.OnClose("src") // isolate the rate check from the concurrency cap
			}
			Expect(f.ShouldReject("src")).To(BeTrue())

			clock = clock.Add(11 * time.Second)
			Expect(f.ShouldReject("src")).To(BeFalse())
		})
	})
})
