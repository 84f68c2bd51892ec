package types

import (
	"fmt"
	"strings"
)

// flagsSuffix marks a toolchain that honors the experiment's compiler flags
const flagsSuffix = "+rustflags"

// Toolchain identifies one compiler variant under comparison
type Toolchain struct {
	Name      string
	FlagAware bool
}

// ParseToolchain parses "name" or "name+rustflags"
func ParseToolchain(s string) (Toolchain, error) {
	name := s
	flagAware := false

	if idx := strings.IndexByte(s, '+'); idx >= 0 {
		if s[idx:] != flagsSuffix {
			return Toolchain{}, fmt.Errorf("%w: unknown toolchain flag %q in %q", ErrConfig, s[idx:], s)
		}
		name = s[:idx]
		flagAware = true
	}

	if name == "" {
		return Toolchain{}, fmt.Errorf("%w: empty toolchain name in %q", ErrConfig, s)
	}

	return Toolchain{Name: name, FlagAware: flagAware}, nil
}

// MustParseToolchain is ParseToolchain for static values
func MustParseToolchain(s string) Toolchain {
	tc, err := ParseToolchain(s)
	if err != nil {
		panic(err)
	}
	return tc
}

func (t Toolchain) String() string {
	if t.FlagAware {
		return t.Name + flagsSuffix
	}
	return t.Name
}

// MarshalText implements encoding.TextMarshaler
func (t Toolchain) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (t *Toolchain) UnmarshalText(text []byte) error {
	parsed, err := ParseToolchain(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
