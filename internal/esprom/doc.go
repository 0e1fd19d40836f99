// Package esprom talks to the serial bootloader in the mask ROM of
// Espressif chips.
//
// It implements the subset of the loader protocol needed to identify and
// reset a chip: DTR/RTS bootloader entry, SYNC, READ_REG of the chip
// detection register, uploading the flasher stub into RAM and the final
// hard reset back into the application.
//
// # Wire format
//
// Every command and response is a SLIP frame (0xC0 delimited, 0xDB
// escaped). A command packet is
//
//	0x00 | op | size (u16 LE) | checksum (u32 LE) | data
//
// and a response is
//
//	0x01 | op | size (u16 LE) | value (u32 LE) | data
//
// where the leading data bytes carry the status (0 = success) and error code.
//
// # Loader generations
//
// The set of chips a loader understands grows over time. A Profile captures
// one generation (ProfileV3, ProfileV4); pick it when building the Loader.
//
// # Stub
//
// RunStub uploads a stub image when a StubSource provides one for the
// detected target, in the JSON layout used by the upstream flasher stubs.
// Without an image the ROM loader stays in charge and the returned Stub
// reports IsStub() == false.
package esprom
