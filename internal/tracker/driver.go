package tracker

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Ngocphuc1910/make10000hours-sub017/internal/clock"
)

// Driver invokes a callback on a fixed interval, passing the clock's view of
// now. It is the only scheduler in the engine; everything time-driven hangs
// off one of these so tests can call the callbacks directly instead.
type Driver struct {
	name     string
	interval time.Duration
	clk      clock.Clock
	fn       func(now time.Time)
	stop     chan struct{}
	once     sync.Once
	logger   zerolog.Logger
}

// NewDriver creates a driver; Start begins the loop.
func NewDriver(name string, interval time.Duration, clk clock.Clock, fn func(now time.Time), logger zerolog.Logger) *Driver {
	return &Driver{
		name:     name,
		interval: interval,
		clk:      clk,
		fn:       fn,
		stop:     make(chan struct{}),
		logger:   logger.With().Str("component", "driver").Str("driver", name).Logger(),
	}
}

// Start launches the interval loop.
func (d *Driver) Start() {
	d.logger.Debug().Dur("interval", d.interval).Msg("Driver started")

	go func() {
		ticker := time.NewTicker(d.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				d.fn(d.clk.Now())
			case <-d.stop:
				return
			}
		}
	}()
}

// Stop halts the loop. Safe to call more than once.
func (d *Driver) Stop() {
	d.once.Do(func() {
		close(d.stop)
		d.logger.Debug().Msg("Driver stopped")
	})
}
