package markers

import (
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultPollInterval is how often story-complete is checked when no
// filesystem notification arrives.
const DefaultPollInterval = 2 * time.Second

// Coordinator arms and disarms the markers around one worker invocation.
type Coordinator struct {
	store Store
	now   func() time.Time
}

// NewCoordinator creates a coordinator over store.
func NewCoordinator(store Store) *Coordinator {
	return &Coordinator{store: store, now: time.Now}
}

// Store returns the underlying marker store.
func (c *Coordinator) Store() Store {
	return c.store
}

// Arm marks an iteration as in flight with passes completed tasks. A
// story-complete left over from an earlier invocation is removed first so it
// cannot end the new one.
func (c *Coordinator) Arm(passes int) error {
	if err := c.store.Remove(StoryComplete); err != nil {
		return err
	}
	if err := c.store.Write(PassesCount, []byte(strconv.Itoa(passes)+"\n")); err != nil {
		return err
	}
	stamp := c.now().UTC().Format(time.RFC3339)
	return c.store.Write(Active, []byte(stamp+"\n"))
}

// PollEarlyCompletion reports whether the worker has written story-complete.
// Read errors count as not complete.
func (c *Coordinator) PollEarlyCompletion() bool {
	ok, err := c.store.Exists(StoryComplete)
	return err == nil && ok
}

// Disarm removes all three markers. Every removal is attempted even if one
// fails.
func (c *Coordinator) Disarm() error {
	var errs []error
	for _, name := range []string{Active, PassesCount, StoryComplete} {
		if err := c.store.Remove(name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ClearStale removes markers left by a supervisor that did not exit cleanly.
// A leftover active marker is never evidence of a live iteration; the
// instance lock covers that. Returns true when something was cleared.
func (c *Coordinator) ClearStale() (bool, error) {
	stale := false
	for _, name := range []string{Active, PassesCount, StoryComplete} {
		ok, err := c.store.Exists(name)
		if err != nil {
			return false, err
		}
		stale = stale || ok
	}
	if !stale {
		return false, nil
	}
	return true, c.Disarm()
}

// WithEarlyCompletion returns a context derived from parent that is cancelled
// as soon as story-complete appears. For an FSStore the state directory is
// watched with fsnotify; every store is also polled at poll so a missed
// event only delays detection. The returned stop function releases the
// watcher and must be called once the invocation returns.
func (c *Coordinator) WithEarlyCompletion(parent context.Context, poll time.Duration) (context.Context, func()) {
	if poll <= 0 {
		poll = DefaultPollInterval
	}

	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})

	var events <-chan fsnotify.Event
	var watchErrs <-chan error
	var watcher *fsnotify.Watcher
	if fs, ok := c.store.(*FSStore); ok {
		if w, err := fsnotify.NewWatcher(); err == nil {
			if err := w.Add(fs.Dir); err == nil {
				watcher = w
				events = w.Events
				watchErrs = w.Errors
			} else {
				w.Close()
			}
		}
	}

	go func() {
		defer close(done)
		ticker := time.NewTicker(poll)
		defer ticker.Stop()

		for {
			if c.PollEarlyCompletion() {
				cancel()
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			case ev, ok := <-events:
				if !ok {
					events = nil
					continue
				}
				if filepath.Base(ev.Name) != StoryComplete {
					continue
				}
			case _, ok := <-watchErrs:
				// Polling still covers detection.
				if !ok {
					watchErrs = nil
				}
			}
		}
	}()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			<-done
			if watcher != nil {
				watcher.Close()
			}
		})
	}
	return ctx, stop
}
