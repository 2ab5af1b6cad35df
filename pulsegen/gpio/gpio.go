// Package gpio drives real stepper-driver step/direction lines through
// periph.io, toggling a GPIO pin in a dedicated goroutine in place of a
// hardware timer peripheral on platforms without general-purpose timer
// channels.
package gpio

import (
	"fmt"
	"sync"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"

	"cncmotion.dev/core/kinematics"
	"cncmotion.dev/core/pulsegen"
)

var hostInitOnce sync.Once
var hostInitErr error

// InitHost performs the one-time periph.io host driver registration; callers
// must invoke it before Open.
func InitHost() error {
	hostInitOnce.Do(func() {
		_, hostInitErr = host.Init()
	})
	return hostInitErr
}

// Channel is a real step/direction pair bound to named GPIO pins.
type Channel struct {
	axis kinematics.AxisID
	step gpio.PinOut
	dir  gpio.PinOut

	mu      sync.Mutex
	stop    chan struct{}
	wg      sync.WaitGroup
	period  uint16
	running bool
}

// Open resolves stepPinName/dirPinName through gpioreg and returns a ready
// Channel.
func Open(axis kinematics.AxisID, stepPinName, dirPinName string) (*Channel, error) {
	step := gpioreg.ByName(stepPinName)
	if step == nil {
		return nil, fmt.Errorf("gpio: step pin %q not found", stepPinName)
	}
	dir := gpioreg.ByName(dirPinName)
	if dir == nil {
		return nil, fmt.Errorf("gpio: direction pin %q not found", dirPinName)
	}
	if err := step.Out(gpio.Low); err != nil {
		return nil, fmt.Errorf("gpio: init step pin: %w", err)
	}
	if err := dir.Out(gpio.Low); err != nil {
		return nil, fmt.Errorf("gpio: init direction pin: %w", err)
	}
	return &Channel{axis: axis, step: step, dir: dir}, nil
}

func (c *Channel) SetDirection(negative bool) {
	level := gpio.Low
	if negative {
		level = gpio.High
	}
	_ = c.dir.Out(level)
}

func (c *Channel) Start(periodCounts uint16, onPulse pulsegen.PulseFunc) error {
	c.mu.Lock()
	if c.running {
		c.period = periodCounts
		c.mu.Unlock()
		return nil
	}
	c.running = true
	c.period = periodCounts
	c.stop = make(chan struct{})
	stop := c.stop
	c.mu.Unlock()

	c.wg.Add(1)
	go c.run(stop, onPulse)
	return nil
}

func (c *Channel) run(stop chan struct{}, onPulse pulsegen.PulseFunc) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.periodDuration())
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.pulse()
			// Dispatched on its own goroutine: a callback that stops or
			// reprograms this same channel must never wait on this loop
			// noticing, or the two would deadlock against each other.
			if onPulse != nil {
				go onPulse(c.axis)
			}
			c.mu.Lock()
			ticker.Reset(c.periodDuration())
			c.mu.Unlock()
		}
	}
}

func (c *Channel) pulse() {
	_ = c.step.Out(gpio.High)
	_ = c.step.Out(gpio.Low)
}

func (c *Channel) periodDuration() time.Duration {
	c.mu.Lock()
	counts := c.period
	c.mu.Unlock()
	if counts == 0 {
		counts = 1
	}
	seconds := float64(counts) / float64(timerClockHz)
	return time.Duration(seconds * float64(time.Second))
}

// timerClockHz mirrors the reference timer frequency used to derive
// PeriodCounts values upstream.
const timerClockHz = 1_562_500

func (c *Channel) SetPeriod(periodCounts uint16) error {
	c.mu.Lock()
	c.period = periodCounts
	c.mu.Unlock()
	return nil
}

// ArmSinglePulse fires immediately and reports completion on its own
// goroutine, never on the caller's, so a caller holding its own lock while
// arming a one-shot pulse can never deadlock against onPulse.
func (c *Channel) ArmSinglePulse(onPulse pulsegen.PulseFunc) error {
	c.pulse()
	if onPulse != nil {
		go onPulse(c.axis)
	}
	return nil
}

func (c *Channel) Stop() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	stop := c.stop
	c.mu.Unlock()
	close(stop)
	c.wg.Wait()
	return nil
}
