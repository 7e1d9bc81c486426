// Package encoding packs tile rasters for the observer stream.
package encoding

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"fmt"
)

// MaxCells bounds the decoded length of one raster; a 512x512 detail-0 tile is the largest sent.
const MaxCells = 512 * 512

// EncodeHeights encodes signed heights as base64(varint pairs) of (zigzag height, run_len).
func EncodeHeights(hs []int) string {
	vals := make([]uint64, len(hs))
	for i, h := range hs {
		vals[i] = zigzag(int64(h))
	}
	return encodeRuns(vals)
}

func DecodeHeights(b64 string) ([]int, error) {
	vals, err := decodeRuns(b64)
	if err != nil {
		return nil, err
	}
	out := make([]int, len(vals))
	for i, v := range vals {
		out[i] = int(unzigzag(v))
	}
	return out, nil
}

// EncodeColors encodes ARGB words as base64(varint pairs) of (argb, run_len).
func EncodeColors(cs []uint32) string {
	vals := make([]uint64, len(cs))
	for i, c := range cs {
		vals[i] = uint64(c)
	}
	return encodeRuns(vals)
}

func DecodeColors(b64 string) ([]uint32, error) {
	vals, err := decodeRuns(b64)
	if err != nil {
		return nil, err
	}
	out := make([]uint32, len(vals))
	for i, v := range vals {
		if v > 0xFFFFFFFF {
			return nil, fmt.Errorf("color too large: %d", v)
		}
		out[i] = uint32(v)
	}
	return out, nil
}

func encodeRuns(vals []uint64) string {
	var buf bytes.Buffer
	var tmp [binary.MaxVarintLen64]byte

	i := 0
	for i < len(vals) {
		v := vals[i]
		run := 1
		for j := i + 1; j < len(vals) && vals[j] == v; j++ {
			run++
		}

		n := binary.PutUvarint(tmp[:], v)
		buf.Write(tmp[:n])
		n = binary.PutUvarint(tmp[:], uint64(run))
		buf.Write(tmp[:n])

		i += run
	}

	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

func decodeRuns(b64 string) ([]uint64, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, err
	}
	var out []uint64
	for i := 0; i < len(raw); {
		v, n := binary.Uvarint(raw[i:])
		if n <= 0 {
			return nil, fmt.Errorf("bad varint at %d", i)
		}
		i += n
		run, n := binary.Uvarint(raw[i:])
		if n <= 0 {
			return nil, fmt.Errorf("bad varint at %d", i)
		}
		i += n
		if run == 0 || uint64(len(out))+run > MaxCells {
			return nil, fmt.Errorf("run of %d at %d exceeds %d cells", run, i, MaxCells)
		}
		for k := uint64(0); k < run; k++ {
			out = append(out, v)
		}
	}
	return out, nil
}

func zigzag(v int64) uint64   { return uint64((v << 1) ^ (v >> 63)) }
func unzigzag(u uint64) int64 { return int64(u>>1) ^ -int64(u&1) }
