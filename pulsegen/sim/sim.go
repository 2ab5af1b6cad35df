// Package sim is a goroutine/channel-driven software pulse generator, used
// in place of real timer hardware for development and for the executor's
// own test suite.
package sim

import (
	"sync"
	"time"

	"cncmotion.dev/core/kinematics"
	"cncmotion.dev/core/pulsegen"
)

type cmd struct {
	kind    cmdKind
	period  uint16
	onPulse pulsegen.PulseFunc
	done    chan struct{}
}

type cmdKind int

const (
	cmdStart cmdKind = iota
	cmdSetPeriod
	cmdSinglePulse
	cmdStop
)

// Channel is a simulated pulse channel for one axis, clocked by a
// time.Ticker rather than real silicon.
type Channel struct {
	axis kinematics.AxisID

	mu       sync.Mutex
	cmds     chan cmd
	running  bool
	period   uint16
	negative bool

	wg sync.WaitGroup
}

// New constructs a simulated channel for axis. It has no background
// goroutine until the first Start/ArmSinglePulse call.
func New(axis kinematics.AxisID) *Channel {
	return &Channel{axis: axis, cmds: make(chan cmd, 4)}
}

func (c *Channel) SetDirection(negative bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.negative = negative
}

func (c *Channel) Start(periodCounts uint16, onPulse pulsegen.PulseFunc) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return c.SetPeriod(periodCounts)
	}
	c.running = true
	c.period = periodCounts
	c.mu.Unlock()

	c.wg.Add(1)
	go c.run(periodCounts, onPulse)
	return nil
}

func (c *Channel) run(periodCounts uint16, onPulse pulsegen.PulseFunc) {
	defer c.wg.Done()
	ticker := time.NewTicker(countsToDuration(periodCounts))
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			// Dispatched on its own goroutine, never the run loop's own, so
			// a callback that stops or reprograms this same channel (as the
			// dominant axis's segment-completion path does) can never
			// deadlock waiting for this loop to notice.
			if onPulse != nil {
				go onPulse(c.axis)
			}
		case cm := <-c.cmds:
			switch cm.kind {
			case cmdSetPeriod:
				ticker.Reset(countsToDuration(cm.period))
			case cmdStop:
				if cm.done != nil {
					close(cm.done)
				}
				return
			}
		}
	}
}

func (c *Channel) SetPeriod(periodCounts uint16) error {
	c.mu.Lock()
	running := c.running
	c.period = periodCounts
	c.mu.Unlock()
	if !running {
		return nil
	}
	c.cmds <- cmd{kind: cmdSetPeriod, period: periodCounts}
	return nil
}

// ArmSinglePulse fires one pulse at the channel's last known period and
// does not leave a background goroutine running.
func (c *Channel) ArmSinglePulse(onPulse pulsegen.PulseFunc) error {
	c.mu.Lock()
	period := c.period
	c.mu.Unlock()
	time.AfterFunc(countsToDuration(period), func() {
		if onPulse != nil {
			onPulse(c.axis)
		}
	})
	return nil
}

func (c *Channel) Stop() error {
	c.mu.Lock()
	running := c.running
	c.running = false
	c.mu.Unlock()
	if !running {
		return nil
	}
	done := make(chan struct{})
	c.cmds <- cmd{kind: cmdStop, done: done}
	<-done
	c.wg.Wait()
	return nil
}

// timerClockHz is the simulated timer's notional clock; it only needs to be
// a plausible value, since the simulator's wall-clock timing is for
// development convenience, not cycle-accurate emulation.
const timerClockHz = 1_562_500

func countsToDuration(counts uint16) time.Duration {
	if counts == 0 {
		counts = 1
	}
	seconds := float64(counts) / float64(timerClockHz)
	return time.Duration(seconds * float64(time.Second))
}
