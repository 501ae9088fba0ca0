package deployer

import (
	"github.com/rs/zerolog"
)

// compensation is one undo step pushed after its forward step succeeds.
type compensation struct {
	name string
	fn   func() error
}

// compensations is the undo stack of a multi-step operation. On failure
// the steps run in reverse order; their own errors are logged and
// suppressed so the original failure propagates.
type compensations struct {
	stack []compensation
}

func (c *compensations) push(name string, fn func() error) {
	c.stack = append(c.stack, compensation{name: name, fn: fn})
}

func (c *compensations) run(log zerolog.Logger) {
	for i := len(c.stack) - 1; i >= 0; i-- {
		step := c.stack[i]
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error().Str("step", step.name).Interface("panic", r).Msg("Compensation panicked")
				}
			}()
			if err := step.fn(); err != nil {
				log.Error().Err(err).Str("step", step.name).Msg("Compensation failed")
			}
		}()
	}
	c.stack = nil
}
