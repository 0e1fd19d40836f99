package esprom

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeChip emulates a ROM loader behind a serial line
type fakeChip struct {
	mu      sync.Mutex
	magic   uint32
	silent  bool
	in      []byte
	out     bytes.Buffer
	lines   []string
	ops     []byte
	memData int
	closed  bool
	baud    int
}

func (f *fakeChip) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.in = append(f.in, p...)
	for {
		frame, rest, ok, err := nextFrame(f.in)
		f.in = append([]byte(nil), rest...)
		if !ok {
			break
		}
		if err == nil {
			f.handle(frame)
		}
	}
	return len(p), nil
}

func (f *fakeChip) handle(frame []byte) {
	if f.silent || len(frame) < 8 {
		return
	}
	op := frame[1]
	f.ops = append(f.ops, op)
	switch op {
	case opSync:
		f.respond(op, 0)
		f.respond(op, 0)
	case opReadReg:
		f.respond(op, f.magic)
	case opMemData:
		f.memData++
		f.respond(op, 0)
	case opMemEnd:
		f.respond(op, 0)
		f.out.Write(slipEncode([]byte("OHAI")))
	default:
		f.respond(op, 0)
	}
}

func (f *fakeChip) respond(op byte, value uint32) {
	pkt := make([]byte, 8, 10)
	pkt[0] = directionResponse
	pkt[1] = op
	binary.LittleEndian.PutUint16(pkt[2:4], 2)
	binary.LittleEndian.PutUint32(pkt[4:8], value)
	pkt = append(pkt, 0, 0)
	f.out.Write(slipEncode(pkt))
}

func (f *fakeChip) Read(p []byte) (int, error) {
	f.mu.Lock()
	if f.out.Len() == 0 {
		f.mu.Unlock()
		time.Sleep(time.Millisecond)
		return 0, nil
	}
	defer f.mu.Unlock()
	return f.out.Read(p)
}

func (f *fakeChip) SetDTR(v bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lines = append(f.lines, fmt.Sprintf("dtr=%t", v))
	return nil
}

func (f *fakeChip) SetRTS(v bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lines = append(f.lines, fmt.Sprintf("rts=%t", v))
	return nil
}

func (f *fakeChip) SetBaudRate(rate int) error {
	f.baud = rate
	return nil
}

func (f *fakeChip) SetReadTimeout(time.Duration) error { return nil }
func (f *fakeChip) FlushInput() error                  { return nil }

func (f *fakeChip) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeChip) controlLines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.lines...)
}

func testLoader(profile Profile, chips map[string]*fakeChip) *Loader {
	return &Loader{
		Profile: profile,
		Open: func(name string, baud int) (Transport, error) {
			chip, ok := chips[name]
			if !ok {
				return nil, os.ErrNotExist
			}
			return chip, nil
		},
		sleep: func(time.Duration) {},
	}
}

func TestSlipEncodeEscapes(t *testing.T) {
	packet := []byte{0x01, slipEnd, 0x02, slipEsc, 0x03}
	encoded := slipEncode(packet)

	assert.Equal(t, []byte{slipEnd, 0x01, slipEsc, slipEscEnd, 0x02, slipEsc, slipEscEsc, 0x03, slipEnd}, encoded)

	frame, rest, ok, err := nextFrame(append([]byte("boot noise"), encoded...))
	require.True(t, ok)
	require.NoError(t, err)
	assert.Equal(t, packet, frame)
	assert.Empty(t, rest)
}

func TestNextFrameIncomplete(t *testing.T) {
	_, rest, ok, err := nextFrame([]byte{0x55, slipEnd, 0x01, 0x02})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, []byte{slipEnd, 0x01, 0x02}, rest)
}

func TestSlipDecodeRejectsBadEscape(t *testing.T) {
	_, err := slipDecode([]byte{0x01, slipEsc, 0x42})
	assert.ErrorIs(t, err, ErrInvalidFrame)
}

func TestProfiles(t *testing.T) {
	v3, err := ProfileFor("v3")
	require.NoError(t, err)
	v4, err := ProfileFor("")
	require.NoError(t, err)

	assert.Contains(t, v3.IDs(), "esp32s3beta2")
	assert.NotContains(t, v3.IDs(), "esp32c6")
	assert.NotContains(t, v4.IDs(), "esp32s3beta2")
	assert.Contains(t, v4.IDs(), "esp32h2")

	target, ok := v4.ByMagic(0x4361606f)
	require.True(t, ok)
	assert.Equal(t, "esp32c3", target.ID)

	_, ok = v3.ByMagic(0x2ce0806f)
	assert.False(t, ok, "C6 is unknown to the v3 loader")

	_, err = ProfileFor("v9")
	assert.Error(t, err)
}

func TestDetectOnIdentifiesChip(t *testing.T) {
	chip := &fakeChip{magic: 0x9}
	l := testLoader(ProfileV4, nil)

	c, err := l.DetectOn(context.Background(), chip, "/dev/ttyUSB0", 460800)
	require.NoError(t, err)

	assert.Equal(t, "ESP32-S3", c.Target().ChipName)
	assert.Equal(t, "/dev/ttyUSB0", c.PortName())
	assert.Equal(t, 460800, chip.baud)
	assert.Equal(t, []string{"dtr=false", "rts=true", "dtr=true", "rts=false", "dtr=false"}, chip.controlLines())

	// DetectOn never owns the connection
	require.NoError(t, c.Close())
	assert.False(t, chip.closed)
}

func TestDetectSkipsOtherTarget(t *testing.T) {
	chips := map[string]*fakeChip{
		"/dev/ttyUSB0": {magic: 0x00f01d83},
		"/dev/ttyUSB1": {magic: 0x9},
	}
	l := testLoader(ProfileV4, chips)

	c, err := l.Detect(context.Background(), DetectOptions{
		Candidates: []string{"/dev/ttyUSB0", "/dev/ttyUSB1"},
		Attempts:   1,
		Target:     "esp32s3",
	})
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyUSB1", c.PortName())
	assert.True(t, chips["/dev/ttyUSB0"].closed)

	require.NoError(t, c.Close())
	assert.True(t, chips["/dev/ttyUSB1"].closed)
}

func TestDetectExplicitPortOnly(t *testing.T) {
	chips := map[string]*fakeChip{
		"/dev/ttyUSB0": {magic: 0x00f01d83},
		"/dev/ttyUSB1": {magic: 0x9},
	}
	l := testLoader(ProfileV4, chips)

	c, err := l.Detect(context.Background(), DetectOptions{
		Candidates: []string{"/dev/ttyUSB0", "/dev/ttyUSB1"},
		Port:       "/dev/ttyUSB1",
		Attempts:   1,
	})
	require.NoError(t, err)
	assert.Equal(t, "esp32s3", c.Target().ID)
	assert.Empty(t, chips["/dev/ttyUSB0"].ops)
}

func TestDetectNoChip(t *testing.T) {
	chips := map[string]*fakeChip{
		"/dev/ttyUSB0": {silent: true},
	}
	l := testLoader(ProfileV4, chips)

	c, err := l.Detect(context.Background(), DetectOptions{
		Candidates: []string{"/dev/ttyUSB0", "/dev/ttyACM9"},
		Attempts:   1,
	})
	assert.Nil(t, c)
	assert.ErrorIs(t, err, ErrNoChip)
	assert.True(t, chips["/dev/ttyUSB0"].closed)
}

func TestDetectUnknownMagic(t *testing.T) {
	chips := map[string]*fakeChip{
		"/dev/ttyUSB0": {magic: 0x2ce0806f},
	}
	l := testLoader(ProfileV3, chips)

	_, err := l.Detect(context.Background(), DetectOptions{
		Candidates: []string{"/dev/ttyUSB0"},
		Attempts:   1,
	})
	assert.ErrorIs(t, err, ErrNoChip)
	assert.ErrorIs(t, err, ErrUnknownChip)
}

func TestDetectCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	l := testLoader(ProfileV4, map[string]*fakeChip{"/dev/ttyUSB0": {magic: 0x9}})
	_, err := l.Detect(ctx, DetectOptions{Candidates: []string{"/dev/ttyUSB0"}})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunStubWithoutImage(t *testing.T) {
	chip := &fakeChip{magic: 0x00f01d83}
	l := testLoader(ProfileV4, nil)

	c, err := l.DetectOn(context.Background(), chip, "/dev/ttyUSB0", 115200)
	require.NoError(t, err)

	stub, err := c.RunStub(context.Background())
	require.NoError(t, err)
	assert.False(t, stub.IsStub())

	before := len(chip.controlLines())
	require.NoError(t, stub.HardReset())
	assert.Equal(t, []string{"rts=true", "rts=false"}, chip.controlLines()[before:])
}

func TestRunStubUploadsImage(t *testing.T) {
	text := bytes.Repeat([]byte{0xa5}, ramBlockSize+16)
	data := []byte{1, 2, 3, 4}

	doc := fmt.Sprintf(`{"entry": 1074521560, "text": %q, "text_start": 1074520064, "data": %q, "data_start": 1073605544}`,
		base64.StdEncoding.EncodeToString(text), base64.StdEncoding.EncodeToString(data))
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stub_flasher_32.json"), []byte(doc), 0o644))

	chip := &fakeChip{magic: 0x00f01d83}
	l := testLoader(ProfileV4, nil)
	l.Stubs = DirStubSource{Dir: dir}

	c, err := l.DetectOn(context.Background(), chip, "/dev/ttyUSB0", 115200)
	require.NoError(t, err)

	stub, err := c.RunStub(context.Background())
	require.NoError(t, err)
	assert.True(t, stub.IsStub())
	assert.Equal(t, 3, chip.memData, "two text blocks and one data block")
	assert.Contains(t, chip.ops, byte(opMemEnd))
}

func TestParseStub(t *testing.T) {
	img, err := ParseStub([]byte(`{"entry": 16, "text": "AQID", "text_start": 32}`))
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, img.Text)
	assert.Equal(t, uint32(16), img.Entry)
	assert.Empty(t, img.Data)

	_, err = ParseStub([]byte(`{"entry": 16}`))
	assert.Error(t, err)
}

func TestDirStubSourceMissingFile(t *testing.T) {
	img, err := DirStubSource{Dir: t.TempDir()}.StubFor(targetESP32C6)
	require.NoError(t, err)
	assert.Nil(t, img)
}

func TestChecksum(t *testing.T) {
	assert.Equal(t, uint32(0xef), checksum(nil))
	assert.Equal(t, uint32(0xef^0x01^0x02), checksum([]byte{0x01, 0x02}))
}

func TestResponseStatus(t *testing.T) {
	frame := []byte{directionResponse, opReadReg, 2, 0, 0, 0, 0, 0, 1, 5}
	resp, err := decodeResponse(frame)
	require.NoError(t, err)

	var cmdErr *CommandError
	require.ErrorAs(t, resp.status(), &cmdErr)
	assert.Equal(t, byte(5), cmdErr.Code)
}
