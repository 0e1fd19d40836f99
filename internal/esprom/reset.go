package esprom

import "time"

// enterBootloader drives DTR/RTS according to mode. DTR is wired to IO0 and
// RTS to EN on the usual auto-program circuit, both inverted.
func (c *Chip) enterBootloader(mode ResetMode) error {
	switch mode {
	case ResetNone, ResetNoSync:
		return nil
	case ResetHard:
		if err := c.hardReset(); err != nil {
			return err
		}
	}
	return c.classicReset()
}

func (c *Chip) classicReset() error {
	steps := []func() error{
		func() error { return c.conn.SetDTR(false) }, // IO0 high
		func() error { return c.conn.SetRTS(true) },  // EN low, chip held in reset
		func() error { c.loader.pause(100 * time.Millisecond); return nil },
		func() error { return c.conn.SetDTR(true) },  // IO0 low
		func() error { return c.conn.SetRTS(false) }, // EN high, boots into the loader
		func() error { c.loader.pause(50 * time.Millisecond); return nil },
		func() error { return c.conn.SetDTR(false) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
	}
	return nil
}

// hardReset pulses EN with IO0 released so the chip boots its application
func (c *Chip) hardReset() error {
	if err := c.conn.SetRTS(true); err != nil {
		return err
	}
	c.loader.pause(100 * time.Millisecond)
	return c.conn.SetRTS(false)
}
