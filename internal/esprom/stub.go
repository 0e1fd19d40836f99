package esprom

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// StubImage is a flasher stub in the upstream JSON layout
type StubImage struct {
	Entry     uint32 `json:"entry"`
	Text      []byte `json:"text"`
	TextStart uint32 `json:"text_start"`
	Data      []byte `json:"data"`
	DataStart uint32 `json:"data_start"`
}

// ParseStub decodes a stub JSON document. text and data are base64.
func ParseStub(raw []byte) (*StubImage, error) {
	var img StubImage
	// encoding/json decodes base64 strings into []byte fields
	if err := json.Unmarshal(raw, &img); err != nil {
		return nil, fmt.Errorf("failed to parse stub: %w", err)
	}
	if len(img.Text) == 0 {
		return nil, errors.New("stub has no text segment")
	}
	return &img, nil
}

// StubSource provides the stub for a target. A nil image without error
// means there is no stub for that target.
type StubSource interface {
	StubFor(target Target) (*StubImage, error)
}

// DirStubSource loads stub_flasher_<name>.json files from Dir
type DirStubSource struct {
	Dir string
}

func (s DirStubSource) StubFor(target Target) (*StubImage, error) {
	if s.Dir == "" {
		return nil, nil
	}
	path := filepath.Join(s.Dir, "stub_flasher_"+target.StubName+".json")
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return ParseStub(raw)
}

// Stub is the loader left running on the chip by RunStub
type Stub struct {
	chip *Chip
	rom  bool
}

// IsStub reports whether the uploaded stub is running. False means the ROM
// loader is standing in.
func (s *Stub) IsStub() bool { return !s.rom }

// HardReset reboots the chip into its application
func (s *Stub) HardReset() error {
	return s.chip.hardReset()
}

// RunStub uploads and starts the stub for the detected target. Without a
// stub image the ROM loader is returned in its place.
func (c *Chip) RunStub(ctx context.Context) (*Stub, error) {
	var img *StubImage
	if src := c.loader.Stubs; src != nil {
		var err error
		if img, err = src.StubFor(c.target); err != nil {
			return nil, err
		}
	}
	if img == nil {
		c.loader.logger().Debug("no stub image, staying on ROM loader", "chip", c.target.ChipName)
		return &Stub{chip: c, rom: true}, nil
	}

	if err := c.uploadStub(ctx, img); err != nil {
		return nil, err
	}
	c.loader.logger().Debug("stub running", "chip", c.target.ChipName, "port", c.port)
	return &Stub{chip: c}, nil
}

func (c *Chip) uploadStub(ctx context.Context, img *StubImage) error {
	segments := []struct {
		data   []byte
		offset uint32
	}{
		{img.Text, img.TextStart},
		{img.Data, img.DataStart},
	}

	for _, seg := range segments {
		if len(seg.data) == 0 {
			continue
		}
		if err := c.memWrite(ctx, seg.data, seg.offset); err != nil {
			return err
		}
	}

	var noEntry uint32
	if img.Entry == 0 {
		noEntry = 1
	}
	if _, err := c.command(ctx, opMemEnd, le32(noEntry, img.Entry), 0, memEndTimeout); err != nil {
		return fmt.Errorf("failed to start stub: %w", err)
	}

	frame, err := c.reader.readFrame(ctx, time.Now().Add(stubStartTimeout))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStubNotStarted, err)
	}
	if string(frame) != "OHAI" {
		return fmt.Errorf("%w: got %q", ErrStubNotStarted, frame)
	}
	return nil
}

func (c *Chip) memWrite(ctx context.Context, data []byte, offset uint32) error {
	blocks := (len(data) + ramBlockSize - 1) / ramBlockSize
	begin := le32(uint32(len(data)), uint32(blocks), ramBlockSize, offset)
	if _, err := c.command(ctx, opMemBegin, begin, 0, commandTimeout); err != nil {
		return fmt.Errorf("mem begin at 0x%08x: %w", offset, err)
	}

	for seq := 0; seq < blocks; seq++ {
		from := seq * ramBlockSize
		to := min(from+ramBlockSize, len(data))
		chunk := data[from:to]

		payload := append(le32(uint32(len(chunk)), uint32(seq), 0, 0), chunk...)
		if _, err := c.command(ctx, opMemData, payload, checksum(chunk), commandTimeout); err != nil {
			return fmt.Errorf("mem data block %d: %w", seq, err)
		}
	}
	return nil
}
