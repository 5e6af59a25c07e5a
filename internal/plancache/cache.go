// Package plancache stores specialized plan pairs per request shape and makes
// sure each shape is built at most once at a time.
package plancache

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/samcharles93/streamdecode/internal/decode"
	"github.com/samcharles93/streamdecode/internal/logger"
)

// DefaultWaitTimeout bounds how long a caller waits on a build started by
// someone else.
const DefaultWaitTimeout = 10 * time.Minute

var (
	// ErrBuild is matched by every *BuildError.
	ErrBuild = errors.New("plan build failed")
	// ErrWaitTimeout is returned to a caller whose wait for an in-flight build
	// exceeded Options.WaitTimeout. The build itself is not cancelled.
	ErrWaitTimeout = errors.New("timed out waiting for plan build")
)

// BuildError carries the key and cause of a failed build. Every caller that
// was waiting on the same flight receives the same error.
type BuildError struct {
	Key Key
	Err error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("build plans %s: %v", e.Key, e.Err)
}

func (e *BuildError) Unwrap() []error {
	return []error{ErrBuild, e.Err}
}

// Key identifies one cache entry.
type Key struct {
	BatchSize    int
	PromptLength int
	Instance     string
}

func (k Key) Shape() decode.Shape {
	return decode.Shape{BatchSize: k.BatchSize, PromptLength: k.PromptLength}
}

func (k Key) String() string {
	return fmt.Sprintf("Bx%d-Sx%d-UUID%s", k.BatchSize, k.PromptLength, k.Instance)
}

// Outcome describes how Ensure obtained its plans.
type Outcome int

const (
	// Hit means the plans were already ready.
	Hit Outcome = iota
	// Built means this caller ran the build.
	Built
	// Shared means this caller waited on a build started by another caller.
	Shared
)

func (o Outcome) String() string {
	switch o {
	case Hit:
		return "hit"
	case Built:
		return "built"
	case Shared:
		return "shared"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// BuildFunc constructs the plan pair for a key.
type BuildFunc func(ctx context.Context, key Key) (decode.Plans, error)

// Options configures a Cache.
type Options struct {
	WaitTimeout time.Duration
	Logger      logger.Logger
	// OnBuild is called after every build attempt with its duration.
	OnBuild func(key Key, d time.Duration, err error)
}

// Cache is a single-flight map from Key to plans. Entries are never evicted;
// the set of shapes an engine serves is expected to be small.
type Cache struct {
	opts Options

	ready    sync.Map // Key -> decode.Plans
	flights  singleflight.Group
	mu       sync.Mutex
	building map[Key]struct{}
}

// New returns an empty cache.
func New(opts Options) *Cache {
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = DefaultWaitTimeout
	}
	if opts.Logger == nil {
		opts.Logger = logger.Discard()
	}
	return &Cache{
		opts:     opts,
		building: make(map[Key]struct{}),
	}
}

// Get returns the plans for key if they are ready.
func (c *Cache) Get(key Key) (decode.Plans, bool) {
	v, ok := c.ready.Load(key)
	if !ok {
		return decode.Plans{}, false
	}
	return v.(decode.Plans), true
}

// Ready reports whether key has a stored plan pair.
func (c *Cache) Ready(key Key) bool {
	_, ok := c.ready.Load(key)
	return ok
}

// Building reports whether a build for key is in flight.
func (c *Cache) Building(key Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.building[key]
	return ok
}

// Keys lists the ready keys ordered by batch size then prompt length.
func (c *Cache) Keys() []Key {
	var keys []Key
	c.ready.Range(func(k, _ any) bool {
		keys = append(keys, k.(Key))
		return true
	})
	slices.SortFunc(keys, func(a, b Key) int {
		if n := cmp.Compare(a.BatchSize, b.BatchSize); n != 0 {
			return n
		}
		if n := cmp.Compare(a.PromptLength, b.PromptLength); n != 0 {
			return n
		}
		return cmp.Compare(a.Instance, b.Instance)
	})
	return keys
}

// Len returns the number of ready entries.
func (c *Cache) Len() int {
	return len(c.Keys())
}

// Ensure returns the plans for key, running build if no entry exists and no
// build is in flight. Concurrent callers for the same key share one build and
// observe the same result. A failed build leaves no entry behind, so a later
// call retries.
//
// The build runs detached from ctx cancellation; ctx and WaitTimeout only
// bound how long this caller waits.
func (c *Cache) Ensure(ctx context.Context, key Key, build BuildFunc) (decode.Plans, Outcome, error) {
	if plans, ok := c.Get(key); ok {
		return plans, Hit, nil
	}

	buildCtx := context.WithoutCancel(ctx)
	// outcome is written by the flight goroutine only when this caller's
	// function is the one the group runs; the channel receive orders it.
	outcome := Shared
	ch := c.flights.DoChan(key.String(), func() (any, error) {
		// Double-check: a flight for this key may have completed between the
		// fast-path miss and joining the group.
		if plans, ok := c.Get(key); ok {
			outcome = Hit
			return plans, nil
		}
		outcome = Built
		return c.build(buildCtx, key, build)
	})

	timer := time.NewTimer(c.opts.WaitTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.Err != nil {
			return decode.Plans{}, outcome, res.Err
		}
		return res.Val.(decode.Plans), outcome, nil
	case <-ctx.Done():
		return decode.Plans{}, Shared, ctx.Err()
	case <-timer.C:
		c.opts.Logger.Warn("gave up waiting for plan build", "key", key.String(), "timeout", c.opts.WaitTimeout)
		return decode.Plans{}, Shared, fmt.Errorf("%w: %s after %s", ErrWaitTimeout, key, c.opts.WaitTimeout)
	}
}

func (c *Cache) build(ctx context.Context, key Key, build BuildFunc) (plans decode.Plans, err error) {
	c.mu.Lock()
	c.building[key] = struct{}{}
	c.mu.Unlock()

	start := time.Now()
	log := c.opts.Logger.With("key", key.String())
	log.Info("building plans")

	defer func() {
		if rec := recover(); rec != nil {
			err = &BuildError{Key: key, Err: fmt.Errorf("panic in build: %v", rec)}
		}
		elapsed := time.Since(start)
		if err == nil {
			c.ready.Store(key, plans)
			log.Info("plans ready", "elapsed", elapsed)
		} else {
			log.Error("plan build failed", "elapsed", elapsed, "error", err)
		}
		c.mu.Lock()
		delete(c.building, key)
		c.mu.Unlock()
		if c.opts.OnBuild != nil {
			c.opts.OnBuild(key, elapsed, err)
		}
	}()

	plans, err = build(ctx, key)
	if err != nil {
		return decode.Plans{}, &BuildError{Key: key, Err: err}
	}
	if plans.Prime == nil || plans.Interval == nil {
		return decode.Plans{}, &BuildError{Key: key, Err: errors.New("builder returned an incomplete plan pair")}
	}
	return plans, nil
}
