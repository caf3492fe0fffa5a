package p2pro

import "fmt"

// Palette is a pseudo-color mode of the thermal core.
type Palette uint8

const (
	WhiteHot Palette = iota + 1
	Reserved
	IronRed
	Rainbow1
	Rainbow2
	Rainbow3
	RedHot
	HotRed
	Rainbow4
	Rainbow5
	BlackHot
)

// DefaultPalette is used when nothing has been stored yet.
const DefaultPalette = Rainbow4

const (
	firstPalette = WhiteHot
	lastPalette  = BlackHot
)

var paletteNames = map[Palette]string{
	WhiteHot: "white-hot",
	Reserved: "reserved",
	IronRed:  "iron-red",
	Rainbow1: "rainbow-1",
	Rainbow2: "rainbow-2",
	Rainbow3: "rainbow-3",
	RedHot:   "red-hot",
	HotRed:   "hot-red",
	Rainbow4: "rainbow-4",
	Rainbow5: "rainbow-5",
	BlackHot: "black-hot",
}

func (p Palette) String() string {
	if name, ok := paletteNames[p]; ok {
		return name
	}
	return fmt.Sprintf("palette(%d)", uint8(p))
}

// Valid reports whether p is one of the 11 device palettes.
func (p Palette) Valid() bool {
	return p >= firstPalette && p <= lastPalette
}

// Next rotates p by delta, wrapping around the palette range.
// An invalid p restarts from DefaultPalette.
func (p Palette) Next(delta int) Palette {
	if !p.Valid() {
		p = DefaultPalette
	}
	n := int(lastPalette-firstPalette) + 1
	idx := (int(p-firstPalette) + delta) % n
	if idx < 0 {
		idx += n
	}
	return firstPalette + Palette(idx)
}

// PaletteDescriptor builds the "set pseudo-color" command for p.
func PaletteDescriptor(p Palette) (Descriptor, error) {
	if !p.Valid() {
		return Descriptor{}, fmt.Errorf("p2pro: invalid palette %d", uint8(p))
	}
	return Descriptor{
		Code:    PseudoColor,
		Dir:     Set,
		Param:   0,
		Payload: []byte{byte(p)},
	}, nil
}
