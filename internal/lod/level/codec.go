package level

import (
	"encoding/binary"
	"errors"
	"fmt"

	"lodcraft.ai/internal/lod/column"
	"lodcraft.ai/internal/lod/pos"
)

// On-disk formats. The version is never stored inside the container bytes; callers learn it from
// where the bytes came from.
const (
	FormatV1      = 1 // heights stored without vertical offset
	FormatV2      = 2
	FormatCurrent = FormatV2

	headerLen = 2
	fullFlag  = 0x80
)

var (
	ErrMalformed      = errors.New("level: malformed container bytes")
	ErrUnknownVersion = errors.New("level: unknown container format version")
)

// Serialize encodes the container as
// [detail][vcap | 0x80 if every cell is populated][size*size*vcap little-endian uint64 words].
func (c *Container) Serialize() []byte {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]byte, headerLen+len(c.data)*8)
	out[0] = byte(c.detail)
	out[1] = byte(c.vcap)
	if c.fullLocked() {
		out[1] |= fullFlag
	}
	b := out[headerLen:]
	for i, d := range c.data {
		binary.LittleEndian.PutUint64(b[i*8:], uint64(d))
	}
	return out
}

// Header reads the detail level, stored vertical cap and full flag without decoding the body.
func Header(b []byte) (detail, verticalCap int, full bool, err error) {
	if len(b) < headerLen {
		return 0, 0, false, fmt.Errorf("%w: %d bytes", ErrMalformed, len(b))
	}
	detail = int(b[0])
	verticalCap = int(b[1] &^ fullFlag)
	full = b[1]&fullFlag != 0
	if detail > pos.MaxDetail {
		return 0, 0, false, fmt.Errorf("%w: detail %d", ErrMalformed, detail)
	}
	if verticalCap == 0 {
		return 0, 0, false, fmt.Errorf("%w: zero vertical cap", ErrMalformed)
	}
	return detail, verticalCap, full, nil
}

// Deserialize decodes bytes written in the given format. When verticalCap > 0 and differs from the
// stored cap, every stack is re-fit with column.Resize. Any error yields no container.
func Deserialize(b []byte, version, verticalCap int) (*Container, error) {
	var offset int
	switch version {
	case FormatV1:
		offset = column.VerticalOffsetV1
	case FormatV2:
		offset = column.VerticalOffset
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownVersion, version)
	}

	detail, storedCap, full, err := Header(b)
	if err != nil {
		return nil, err
	}
	size := pos.ContainerSize(detail)
	want := headerLen + size*size*storedCap*8
	if len(b) != want {
		return nil, fmt.Errorf("%w: detail %d cap %d has %d bytes, want %d", ErrMalformed, detail, storedCap, len(b), want)
	}

	src := New(detail, storedCap)
	body := b[headerLen:]
	for i := range src.data {
		d := column.Data(binary.LittleEndian.Uint64(body[i*8:])).ShiftVertical(offset)
		if err := checkWord(d); err != nil {
			return nil, fmt.Errorf("%w: word %d: %v", ErrMalformed, i, err)
		}
		src.data[i] = d
	}
	if full && !src.fullLocked() {
		return nil, fmt.Errorf("%w: full flag set on partial container", ErrMalformed)
	}

	if verticalCap <= 0 || verticalCap == storedCap {
		return src, nil
	}
	dst := New(detail, verticalCap)
	for x := 0; x < size; x++ {
		for z := 0; z < size; z++ {
			i := src.index(x, z, 0)
			stack := src.data[i : i+storedCap]
			if !stack[0].Exists() {
				continue
			}
			j := dst.index(x, z, 0)
			copy(dst.data[j:j+verticalCap], column.Resize(stack, verticalCap))
		}
	}
	return dst, nil
}

// checkWord accepts Empty and valid runs. Bits without the exists flag are never written.
func checkWord(d column.Data) error {
	if !d.Exists() {
		if d != column.Empty {
			return fmt.Errorf("stray bits %#x without exists flag", uint64(d))
		}
		return nil
	}
	return d.Unpack().Validate()
}
