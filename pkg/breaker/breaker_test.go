package breaker_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/maestro-hive/kernel/internal/apperror"
	"github.com/maestro-hive/kernel/pkg/breaker"
)

func TestBreaker(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Breaker Suite")
}

var _ = Describe("Manager", func() {
	It("starts closed and trips after K consecutive failures", func() {
		mgr := breaker.NewManager(breaker.Config{ConsecutiveFailureThreshold: 3, Cooldown: time.Minute})

		for i := 0; i < 2; i++ {
			_, err := mgr.Execute(context.Background(), "backend_developer", "n1", i+1, func(context.Context) error {
				return apperror.New(apperror.TypeExecutorError, "boom")
			})
			Expect(err).To(HaveOccurred())
		}
		Expect(mgr.Snapshot("backend_developer").State).To(Equal(breaker.StateClosed))

		_, err := mgr.Execute(context.Background(), "backend_developer", "n1", 3, func(context.Context) error {
			return apperror.New(apperror.TypeExecutorError, "boom")
		})
		Expect(err).To(HaveOccurred())
		Expect(mgr.Snapshot("backend_developer").State).To(Equal(breaker.StateOpen))
	})

	It("rejects calls without invoking fn once open", func() {
		mgr := breaker.NewManager(breaker.Config{ConsecutiveFailureThreshold: 2, Cooldown: time.Minute})

		for i := 0; i < 2; i++ {
			_, _ = mgr.Execute(context.Background(), "qa_engineer", "n1", i+1, func(context.Context) error {
				return apperror.New(apperror.TypeExecutorError, "boom")
			})
		}
		Expect(mgr.Snapshot("qa_engineer").State).To(Equal(breaker.StateOpen))

		called := false
		_, err := mgr.Execute(context.Background(), "qa_engineer", "n1", 3, func(context.Context) error {
			called = true
			return nil
		})
		Expect(err).To(HaveOccurred())
		Expect(apperror.IsType(err, apperror.TypeBreakerOpen)).To(BeTrue())
		Expect(called).To(BeFalse())
	})

	It("half-opens after cooldown and closes on a successful probe", func() {
		mgr := breaker.NewManager(breaker.Config{ConsecutiveFailureThreshold: 2, Cooldown: 10 * time.Millisecond})

		for i := 0; i < 2; i++ {
			_, _ = mgr.Execute(context.Background(), "backend_developer", "n1", i+1, func(context.Context) error {
				return apperror.New(apperror.TypeExecutorError, "boom")
			})
		}
		Expect(mgr.Snapshot("backend_developer").State).To(Equal(breaker.StateOpen))

		time.Sleep(20 * time.Millisecond)

		_, err := mgr.Execute(context.Background(), "backend_developer", "n1", 3, func(context.Context) error {
			return nil
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(mgr.Snapshot("backend_developer").State).To(Equal(breaker.StateClosed))
	})

	It("scopes breakers independently per persona", func() {
		mgr := breaker.NewManager(breaker.Config{ConsecutiveFailureThreshold: 1, Cooldown: time.Minute})

		_, _ = mgr.Execute(context.Background(), "backend_developer", "n1", 1, func(context.Context) error {
			return apperror.New(apperror.TypeExecutorError, "boom")
		})
		Expect(mgr.Snapshot("backend_developer").State).To(Equal(breaker.StateOpen))
		Expect(mgr.Snapshot("qa_engineer").State).To(Equal(breaker.StateClosed))
	})
})

var _ = Describe("Do", func() {
	It("retries a recoverable error until it succeeds", func() {
		attempts := 0
		err, total := breaker.Do(context.Background(), breaker.RetryPolicy{MaxRetries: 3, BaseDelay: time.Millisecond}, func(_ context.Context, attempt int) error {
			attempts++
			if attempt < 3 {
				return apperror.New(apperror.TypeExecutorError, "transient")
			}
			return nil
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(attempts).To(Equal(3))
		Expect(total).To(Equal(3))
	})

	It("stops immediately on a non-recoverable error", func() {
		attempts := 0
		err, _ := breaker.Do(context.Background(), breaker.RetryPolicy{MaxRetries: 5, BaseDelay: time.Millisecond}, func(_ context.Context, attempt int) error {
			attempts++
			return apperror.New(apperror.TypeWorkflowCycle, fmt.Sprintf("fatal %d", attempt))
		})
		Expect(err).To(HaveOccurred())
		Expect(attempts).To(Equal(1))
	})

	It("gives up after max retries exhausted", func() {
		err, attempts := breaker.Do(context.Background(), breaker.RetryPolicy{MaxRetries: 2, BaseDelay: time.Millisecond}, func(_ context.Context, attempt int) error {
			return apperror.New(apperror.TypeExecutorError, "always fails")
		})
		Expect(err).To(HaveOccurred())
		Expect(attempts).To(Equal(3)) // initial attempt + 2 retries
	})
})
