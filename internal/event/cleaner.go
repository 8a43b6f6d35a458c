package event

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/life-stream-dev/life-stream-go-bayeux/internal/logger"
)

const (
	cleanerTimeout        = 10 * time.Second
	loggerShutdownTimeout = 3 * time.Second
)

type Callable interface {
	Invoke(ctx context.Context) error
}

// CallableFunc adapts a plain function to Callable.
type CallableFunc func(ctx context.Context) error

func (f CallableFunc) Invoke(ctx context.Context) error {
	return f(ctx)
}

// Cleaner runs the registered shutdown callbacks in registration order, once,
// either on SIGINT/SIGTERM or when Clean is called.
type Cleaner struct {
	cleaners       []Callable
	mu             sync.Mutex
	initOnce       sync.Once
	cleanOnce      sync.Once
	cleaning       bool
	loggerShutdown Callable
	done           chan struct{}
	err            error
}

var cleanerInstance = NewLocalCleaner()

func NewCleaner() *Cleaner {
	return cleanerInstance
}

// NewLocalCleaner returns a cleaner independent of the process-wide one.
func NewLocalCleaner() *Cleaner {
	return &Cleaner{done: make(chan struct{})}
}

func (c *Cleaner) Add(callable Callable) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cleaning {
		logger.Debug("Cleaner is already shutting down, ignoring new cleaner")
		return
	}
	c.cleaners = append(c.cleaners, callable)
}

// Init starts waiting for a termination signal. loggerShutdown runs after every
// other callback so their logs are still written.
func (c *Cleaner) Init(loggerShutdown Callable) {
	c.initOnce.Do(func() {
		c.mu.Lock()
		c.loggerShutdown = loggerShutdown
		c.mu.Unlock()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		go func() {
			defer stop()
			select {
			case <-ctx.Done():
				logger.Info("Received interrupt signal, shutting down")
				_ = c.Clean()
			case <-c.done:
			}
		}()
	})
}

// Done is closed once cleanup has finished.
func (c *Cleaner) Done() <-chan struct{} {
	return c.done
}

// Clean invokes every callback with its own timeout and returns their joined
// errors. Later calls return the result of the first one.
func (c *Cleaner) Clean() error {
	c.cleanOnce.Do(func() {
		c.mu.Lock()
		c.cleaning = true
		cleanersCopy := make([]Callable, len(c.cleaners))
		copy(cleanersCopy, c.cleaners)
		loggerShutdown := c.loggerShutdown
		c.mu.Unlock()

		logger.DebugF("Starting cleanup of %d registered functions", len(cleanersCopy))

		var errs []error
		for i, callable := range cleanersCopy {
			if err := invoke(i, callable); err != nil {
				errs = append(errs, err)
			}
		}

		if len(errs) > 0 {
			logger.ErrorF("%d errors occurred during cleanup", len(errs))
		} else {
			logger.Debug("All cleaners executed successfully")
		}
		logger.Info("Cleanup finished, server offline")
		c.err = errors.Join(errs...)

		if loggerShutdown != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), loggerShutdownTimeout)
			if err := loggerShutdown.Invoke(shutdownCtx); err != nil {
				fmt.Fprintf(os.Stderr, "LOGGER SHUTDOWN ERROR: %v\n", err)
			}
			cancel()
		}
		close(c.done)
	})
	<-c.done
	return c.err
}

func invoke(idx int, callable Callable) (err error) {
	logger.DebugF("Invoking cleaner #%d (%T)", idx+1, callable)
	ctx, cancel := context.WithTimeout(context.Background(), cleanerTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cleaner #%d (%T) panicked: %v", idx+1, callable, r)
		}
		if err != nil {
			logger.ErrorF("Cleaner #%d (%T) failed: %v", idx+1, callable, err)
		}
	}()
	return callable.Invoke(ctx)
}
