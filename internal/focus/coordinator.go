// Package focus coordinates the on/off focus mode. Each enabled stretch is
// recorded as a regular tracked session under a reserved subject key, so
// focus time flows through the same persistence and lease machinery as any
// other subject.
package focus

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Ngocphuc1910/make10000hours-sub017/internal/clock"
	"github.com/Ngocphuc1910/make10000hours-sub017/internal/metrics"
	"github.com/Ngocphuc1910/make10000hours-sub017/internal/tracker"
)

// SubjectKey is the reserved subject focus stretches are filed under.
const SubjectKey = "__focus__"

// State is the focus mode state.
type State string

const (
	StateOff State = "off"
	StateOn  State = "on"
)

// Transition describes one focus mode change.
type Transition struct {
	State     State     `json:"state"`
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`
}

// subscriber delivery waits this long before giving up on a full channel.
const deliveryWait = 100 * time.Millisecond

// Coordinator is the focus mode state machine. Transitions apply
// synchronously; subscriber notification happens afterwards and may be
// dropped for a subscriber that stays unresponsive.
type Coordinator struct {
	mu        sync.Mutex
	state     State
	sessionID string
	subs      []chan Transition

	tracker        *tracker.Tracker
	clk            clock.Clock
	overrideExpiry time.Duration
	expiryTimer    clock.Timer
	logger         zerolog.Logger
}

// NewCoordinator creates a coordinator in the off state. A non-zero
// overrideExpiry disables focus mode automatically after that long.
func NewCoordinator(trk *tracker.Tracker, clk clock.Clock, overrideExpiry time.Duration, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		state:          StateOff,
		tracker:        trk,
		clk:            clk,
		overrideExpiry: overrideExpiry,
		logger:         logger.With().Str("component", "focus-coordinator").Logger(),
	}
}

// State returns the current state and, while on, the focus session ID.
func (c *Coordinator) State() (State, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.sessionID
}

// Subscribe registers for transition notifications.
func (c *Coordinator) Subscribe() <-chan Transition {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan Transition, 8)
	c.subs = append(c.subs, ch)
	return ch
}

// Enable turns focus mode on and opens its session. Enabling while already
// on returns the running session ID without opening another.
func (c *Coordinator) Enable(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateOn {
		return c.sessionID, nil
	}

	session, err := c.tracker.Start(ctx, SubjectKey)
	if err != nil {
		return "", err
	}

	c.state = StateOn
	c.sessionID = session.ID

	if c.overrideExpiry > 0 {
		c.expiryTimer = c.clk.AfterFunc(c.overrideExpiry, func() {
			c.logger.Info().Dur("override_expiry", c.overrideExpiry).Msg("Focus override expired")
			if err := c.Disable(context.Background()); err != nil {
				c.logger.Error().Err(err).Msg("Failed to disable focus mode on expiry")
			}
		})
	}

	transition := Transition{State: StateOn, SessionID: session.ID, Timestamp: c.clk.Now()}
	go c.broadcast(transition)

	c.logger.Info().Str("session_id", session.ID).Msg("Focus mode enabled")
	return session.ID, nil
}

// Disable turns focus mode off and finalizes its session. Disabling while
// already off is a no-op.
func (c *Coordinator) Disable(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateOff {
		return nil
	}

	if err := c.tracker.Stop(ctx, SubjectKey); err != nil {
		return err
	}

	if c.expiryTimer != nil {
		c.expiryTimer.Stop()
		c.expiryTimer = nil
	}

	sessionID := c.sessionID
	c.state = StateOff
	c.sessionID = ""

	transition := Transition{State: StateOff, SessionID: sessionID, Timestamp: c.clk.Now()}
	go c.broadcast(transition)

	c.logger.Info().Str("session_id", sessionID).Msg("Focus mode disabled")
	return nil
}

// broadcast delivers a transition to every subscriber, waiting briefly for
// a full channel before dropping.
func (c *Coordinator) broadcast(transition Transition) {
	c.mu.Lock()
	subs := make([]chan Transition, len(c.subs))
	copy(subs, c.subs)
	c.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- transition:
		case <-time.After(deliveryWait):
			metrics.EventsDropped.WithLabelValues("focus").Inc()
			c.logger.Warn().
				Str("state", string(transition.State)).
				Msg("Dropped focus transition, subscriber unresponsive")
		}
	}
}
