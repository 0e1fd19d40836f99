package esprom

import (
	"fmt"
	"strings"
)

// chipDetectMagicRegAddr holds a per-chip constant readable from the ROM loader
const chipDetectMagicRegAddr = 0x40001000

// Target describes one chip family
type Target struct {
	ID       string   // "esp32s3"
	ChipName string   // "ESP32-S3"
	Magic    []uint32 // values of the detection register
	StubName string   // suffix of the stub_flasher_<name>.json image
}

var (
	targetESP8266 = Target{ID: "esp8266", ChipName: "ESP8266", Magic: []uint32{0xfff0c101}, StubName: "8266"}
	targetESP32   = Target{ID: "esp32", ChipName: "ESP32", Magic: []uint32{0x00f01d83}, StubName: "32"}
	targetESP32S2 = Target{ID: "esp32s2", ChipName: "ESP32-S2", Magic: []uint32{0x000007c6}, StubName: "32s2"}
	targetESP32S3 = Target{ID: "esp32s3", ChipName: "ESP32-S3", Magic: []uint32{0x00000009}, StubName: "32s3"}
	targetESP32C3 = Target{ID: "esp32c3", ChipName: "ESP32-C3", Magic: []uint32{0x6921506f, 0x1b31506f, 0x4881606f, 0x4361606f}, StubName: "32c3"}
	targetESP32C2 = Target{ID: "esp32c2", ChipName: "ESP32-C2", Magic: []uint32{0x6f51306f, 0x7c41a06f}, StubName: "32c2"}
	targetESP32C6 = Target{ID: "esp32c6", ChipName: "ESP32-C6", Magic: []uint32{0x2ce0806f}, StubName: "32c6"}
	targetESP32H2 = Target{ID: "esp32h2", ChipName: "ESP32-H2", Magic: []uint32{0xd7b73e80}, StubName: "32h2"}

	targetESP32S3Beta2 = Target{ID: "esp32s3beta2", ChipName: "ESP32-S3(beta2)", Magic: []uint32{0xeb004136}, StubName: "32s3beta2"}
)

// Profile is the set of chips one loader generation understands
type Profile struct {
	Version string
	Targets []Target
}

var (
	// ProfileV3 includes the early ESP32-S3 beta silicon
	ProfileV3 = Profile{
		Version: "v3",
		Targets: []Target{
			targetESP8266, targetESP32, targetESP32S2, targetESP32S3Beta2,
			targetESP32S3, targetESP32C3, targetESP32C2,
		},
	}

	// ProfileV4 drops the S3 beta and adds the C6 and H2
	ProfileV4 = Profile{
		Version: "v4",
		Targets: []Target{
			targetESP8266, targetESP32, targetESP32S2, targetESP32S3,
			targetESP32C3, targetESP32C2, targetESP32C6, targetESP32H2,
		},
	}
)

// ProfileFor maps a loader version string ("v3", "4", ...) to its profile.
// An empty version selects the newest profile.
func ProfileFor(version string) (Profile, error) {
	switch strings.TrimPrefix(strings.ToLower(strings.TrimSpace(version)), "v") {
	case "", "4":
		return ProfileV4, nil
	case "3":
		return ProfileV3, nil
	default:
		return Profile{}, fmt.Errorf("unknown loader version %q", version)
	}
}

// IDs returns the target identifiers in profile order
func (p Profile) IDs() []string {
	ids := make([]string, len(p.Targets))
	for i, t := range p.Targets {
		ids[i] = t.ID
	}
	return ids
}

// ByID looks up a target by identifier
func (p Profile) ByID(id string) (Target, bool) {
	for _, t := range p.Targets {
		if t.ID == id {
			return t, true
		}
	}
	return Target{}, false
}

// ByMagic looks up the target whose detection register reads value
func (p Profile) ByMagic(value uint32) (Target, bool) {
	for _, t := range p.Targets {
		for _, m := range t.Magic {
			if m == value {
				return t, true
			}
		}
	}
	return Target{}, false
}
