package plancache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/samcharles93/streamdecode/internal/decode"
)

func fakePlans() decode.Plans {
	return decode.Plans{Prime: &decode.PrimePlan{}, Interval: &decode.IntervalPlan{}}
}

func TestEnsureMissThenHit(t *testing.T) {
	t.Parallel()

	var builds int
	var recorded []time.Duration
	c := New(Options{OnBuild: func(_ Key, d time.Duration, err error) {
		if err == nil {
			recorded = append(recorded, d)
		}
	}})
	key := Key{BatchSize: 2, PromptLength: 8, Instance: "a"}
	build := func(context.Context, Key) (decode.Plans, error) {
		builds++
		time.Sleep(time.Millisecond)
		return fakePlans(), nil
	}

	_, outcome, err := c.Ensure(context.Background(), key, build)
	if err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}
	if outcome != Built {
		t.Fatalf("first outcome = %v, want built", outcome)
	}
	if len(recorded) != 1 || recorded[0] <= 0 {
		t.Fatalf("expected one non-zero build time, got %v", recorded)
	}

	_, outcome, err = c.Ensure(context.Background(), key, build)
	if err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}
	if outcome != Hit {
		t.Fatalf("second outcome = %v, want hit", outcome)
	}
	if builds != 1 || len(recorded) != 1 {
		t.Fatalf("builds = %d, recorded = %d, want 1/1", builds, len(recorded))
	}
	if !c.Ready(key) || c.Len() != 1 {
		t.Fatalf("expected one ready key")
	}
}

func TestEnsureSingleFlight(t *testing.T) {
	t.Parallel()

	c := New(Options{})
	key := Key{BatchSize: 1, PromptLength: 16, Instance: "a"}

	var builds atomic.Int32
	release := make(chan struct{})
	build := func(context.Context, Key) (decode.Plans, error) {
		builds.Add(1)
		<-release
		return fakePlans(), nil
	}

	const n = 32
	var wg sync.WaitGroup
	results := make([]decode.Plans, n)
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], _, errs[i] = c.Ensure(context.Background(), key, build)
		}()
	}

	// Wait for the build to start before releasing it.
	deadline := time.Now().Add(5 * time.Second)
	for !c.Building(key) && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	close(release)
	wg.Wait()

	if got := builds.Load(); got != 1 {
		t.Fatalf("build ran %d times, want 1", got)
	}
	for i := range n {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if results[i].Prime != results[0].Prime || results[i].Interval != results[0].Interval {
			t.Fatalf("caller %d got a different plan pair", i)
		}
	}
	if c.Building(key) {
		t.Fatal("key still marked building")
	}
}

func TestEnsureFailureRevertsAndPropagates(t *testing.T) {
	t.Parallel()

	c := New(Options{})
	key := Key{BatchSize: 1, PromptLength: 4, Instance: "a"}
	cause := errors.New("compiler exploded")

	release := make(chan struct{})
	var attempts atomic.Int32
	failing := func(context.Context, Key) (decode.Plans, error) {
		attempts.Add(1)
		<-release
		return decode.Plans{}, cause
	}

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, errs[i] = c.Ensure(context.Background(), key, failing)
		}()
	}
	deadline := time.Now().Add(5 * time.Second)
	for !c.Building(key) && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	close(release)
	wg.Wait()

	for i, err := range errs {
		if !errors.Is(err, ErrBuild) || !errors.Is(err, cause) {
			t.Fatalf("caller %d: expected build error wrapping cause, got %v", i, err)
		}
		var be *BuildError
		if !errors.As(err, &be) || be.Key != key {
			t.Fatalf("caller %d: expected *BuildError for %v, got %v", i, key, err)
		}
	}
	if c.Ready(key) || c.Building(key) {
		t.Fatal("failed key must revert to absent")
	}

	_, outcome, err := c.Ensure(context.Background(), key, func(context.Context, Key) (decode.Plans, error) {
		return fakePlans(), nil
	})
	if err != nil || outcome != Built {
		t.Fatalf("retry: outcome=%v err=%v", outcome, err)
	}
}

func TestEnsureConvertsPanic(t *testing.T) {
	t.Parallel()

	c := New(Options{})
	key := Key{BatchSize: 1, PromptLength: 2}
	_, _, err := c.Ensure(context.Background(), key, func(context.Context, Key) (decode.Plans, error) {
		panic("boom")
	})
	if !errors.Is(err, ErrBuild) {
		t.Fatalf("expected build error, got %v", err)
	}
	if c.Building(key) || c.Ready(key) {
		t.Fatal("panicking build left state behind")
	}
}

func TestEnsureRejectsIncompletePlans(t *testing.T) {
	t.Parallel()

	c := New(Options{})
	_, _, err := c.Ensure(context.Background(), Key{BatchSize: 1, PromptLength: 1}, func(context.Context, Key) (decode.Plans, error) {
		return decode.Plans{Prime: &decode.PrimePlan{}}, nil
	})
	if !errors.Is(err, ErrBuild) {
		t.Fatalf("expected build error, got %v", err)
	}
}

func TestEnsureWaitTimeout(t *testing.T) {
	t.Parallel()

	c := New(Options{WaitTimeout: 20 * time.Millisecond})
	key := Key{BatchSize: 1, PromptLength: 3}
	release := make(chan struct{})
	defer close(release)

	_, _, err := c.Ensure(context.Background(), key, func(context.Context, Key) (decode.Plans, error) {
		<-release
		return fakePlans(), nil
	})
	if !errors.Is(err, ErrWaitTimeout) {
		t.Fatalf("expected ErrWaitTimeout, got %v", err)
	}
}

func TestEnsureCallerCancelDoesNotCancelBuild(t *testing.T) {
	t.Parallel()

	c := New(Options{})
	key := Key{BatchSize: 4, PromptLength: 4}
	release := make(chan struct{})
	var buildCtxErr atomic.Value

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, _, err := c.Ensure(ctx, key, func(bctx context.Context, _ Key) (decode.Plans, error) {
			<-release
			if err := bctx.Err(); err != nil {
				buildCtxErr.Store(err)
			}
			return fakePlans(), nil
		})
		done <- err
	}()

	deadline := time.Now().Add(5 * time.Second)
	for !c.Building(key) && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	close(release)

	deadline = time.Now().Add(5 * time.Second)
	for !c.Ready(key) && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if !c.Ready(key) {
		t.Fatal("build did not complete after the caller left")
	}
	if v := buildCtxErr.Load(); v != nil {
		t.Fatalf("build context was cancelled: %v", v)
	}
}

func TestKeysSorted(t *testing.T) {
	t.Parallel()

	c := New(Options{})
	for _, k := range []Key{{BatchSize: 2, PromptLength: 8}, {BatchSize: 1, PromptLength: 16}, {BatchSize: 1, PromptLength: 4}} {
		if _, _, err := c.Ensure(context.Background(), k, func(context.Context, Key) (decode.Plans, error) {
			return fakePlans(), nil
		}); err != nil {
			t.Fatalf("Ensure(%v) error = %v", k, err)
		}
	}
	keys := c.Keys()
	want := []Key{{BatchSize: 1, PromptLength: 4}, {BatchSize: 1, PromptLength: 16}, {BatchSize: 2, PromptLength: 8}}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("Keys() = %v, want %v", keys, want)
		}
	}
	if got := (Key{BatchSize: 2, PromptLength: 8, Instance: "x"}).String(); got != "Bx2-Sx8-UUIDx" {
		t.Fatalf("String() = %q", got)
	}
}
