package column

import (
	"fmt"
	"strings"
)

// Mode is the generation quality ladder. Higher values are more expensive and more accurate;
// a column is only ever replaced by data of an equal or higher mode.
type Mode uint8

const (
	ModeNone Mode = iota
	ModeBiomeOnly
	ModeBiomeOnlySimulateHeight
	ModeSurface
	ModeFeatures
	ModeFull
)

var modeNames = [...]string{
	ModeNone:                    "NONE",
	ModeBiomeOnly:               "BIOME_ONLY",
	ModeBiomeOnlySimulateHeight: "BIOME_ONLY_SIMULATE_HEIGHT",
	ModeSurface:                 "SURFACE",
	ModeFeatures:                "FEATURES",
	ModeFull:                    "FULL",
}

func (m Mode) String() string {
	if int(m) < len(modeNames) {
		return modeNames[m]
	}
	return fmt.Sprintf("Mode(%d)", uint8(m))
}

func (m Mode) Valid() bool { return m <= ModeFull }

func ParseMode(s string) (Mode, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	for i, n := range modeNames {
		if n == s {
			return Mode(i), nil
		}
	}
	return ModeNone, fmt.Errorf("unknown generation mode %q", s)
}

func MinMode(a, b Mode) Mode {
	if a < b {
		return a
	}
	return b
}

func (m Mode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func (m *Mode) UnmarshalText(b []byte) error {
	v, err := ParseMode(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}
