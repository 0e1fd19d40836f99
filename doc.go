// Package espserial finds Espressif microcontrollers on serial ports and
// manages the link to them during automated test runs.
//
// A Device binds one chip to one port. While the device is idle a
// LogSession forwards the chip's serial output line by line. Chip-level
// operations (entering the ROM loader, running the flasher stub, resetting)
// need the port to themselves, so they run inside an exclusive session that
// suspends forwarding and restores it afterwards.
//
// This library targets Linux (x86_64 and ARM); ports are driven through
// termios.
//
// # Basic Usage
//
// Find the first ESP32-S3 on the host and follow its log:
//
//	dev, err := espserial.NewDevice(ctx,
//	    espserial.WithTarget("esp32s3"),
//	    espserial.WithOutput(os.Stdout),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer dev.Close()
//
//	fmt.Println(dev.Port(), dev.ChipName())
//
//	// Reboot the chip, the log keeps flowing afterwards
//	err = dev.HardReset(ctx)
//
// # Discovery
//
// Without WithPort the candidate ports come from the chip protocol's port
// enumeration minus the ports other devices in this process already hold
// (see PortRegistry). Candidates are tried in ascending order, except that
// ports an AffinityCache last bound to the requested target go first. Share
// one cache between devices to make repeated discovery cheap:
//
//	cache := espserial.NewAffinityCache()
//	a, err := espserial.NewDevice(ctx, espserial.WithTarget("esp32"), espserial.WithPortTargetCache(cache))
//	b, err := espserial.NewDevice(ctx, espserial.WithTarget("esp32c3"), espserial.WithPortTargetCache(cache))
//
// The cache is only a hint. The chip answering on a port always decides.
//
// # Exclusive Sessions
//
// Exclusive runs an operation with the loader running on the chip:
//
//	err := dev.Exclusive(ctx, func(ctx context.Context, stub espserial.StubHandle) error {
//	    // talk to the stub
//	    return nil
//	})
//
// Whatever the operation returns, the chip is hard reset, the port settings
// captured when the raw connection opened are reapplied, and the log
// session is resumed exactly once. Cleanup failures are reported as
// *CleanupError alongside the operation's own *PrivilegedOperationError.
// Sessions on the same port run one at a time; different ports proceed in
// parallel.
//
// # Loader Generations
//
// NewProtocol selects the chip protocol profile. LoaderV3 still knows the
// ESP32-S3 beta silicon, LoaderV4 adds the ESP32-C6 and ESP32-H2:
//
//	proto, err := espserial.NewProtocol(espserial.LoaderV3, espserial.WithStubDir("./stubs"))
//	dev, err := espserial.NewDevice(ctx, espserial.WithProtocol(proto), espserial.WithBetaTarget("esp32s3beta2"))
//
// # Raw Ports
//
// The termios layer is usable on its own:
//
//	port, err := espserial.Open("/dev/ttyUSB0",
//	    espserial.WithBaudRate(115200),
//	    espserial.WithReadTimeout(500*time.Millisecond),
//	)
//	snapshot, err := port.Settings()
//	// ...
//	err = port.ApplySettings(snapshot)
//
// # Error Handling
//
// The library defines sentinel errors for common failure modes:
//
//	dev, err := espserial.NewDevice(ctx, espserial.WithTarget("esp32p4"))
//	if errors.Is(err, espserial.ErrUnsupportedTarget) {
//	    // the loader does not know this chip
//	}
//	if errors.Is(err, espserial.ErrDeviceNotFound) {
//	    // no candidate port answered
//	}
//	if errors.Is(err, espserial.ErrDeviceInUse) {
//	    // another device holds the port
//	}
package espserial
