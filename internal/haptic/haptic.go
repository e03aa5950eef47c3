// Package haptic renders local haptic feedback alongside motor commands.
package haptic

// Pattern is one haptic request: a named program (or "manual") at an
// intensity in [0,100].
type Pattern struct {
	Name      string
	Intensity int
}

// Player plays and stops haptic patterns. Play replaces whatever is playing.
type Player interface {
	Play(p Pattern) error
	Stop() error
}

// Nop is a Player that does nothing.
type Nop struct{}

func (Nop) Play(Pattern) error { return nil }
func (Nop) Stop() error        { return nil }

// gain maps an intensity in [0,100] to a linear amplitude in [0,1].
func gain(intensity int) float32 {
	switch {
	case intensity <= 0:
		return 0
	case intensity >= 100:
		return 1
	}
	return float32(intensity) / 100
}
