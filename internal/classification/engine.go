// Package classification compares and combines sensitivity markings.
//
// The gateway only ever talks to the Engine interface; TLP is the marking
// scheme shipped with the binary.
package classification

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidClassification is returned for markings the engine cannot parse.
var ErrInvalidClassification = errors.New("invalid classification")

// Engine is the marking capability consumed by the dispatch engine.
type Engine interface {
	// Normalize returns the canonical form of marking, long or short.
	Normalize(marking string, long bool) (string, error)
	// IsAccessible reports whether a viewer cleared to viewer may see marking.
	IsAccessible(marking, viewer string) (bool, error)
	// Min returns the less restrictive of a and b.
	Min(a, b string) (string, error)
	// Max returns the more restrictive of a and b.
	Max(a, b string) (string, error)
	// IsValid reports whether marking parses.
	IsValid(marking string) bool
	// Levels lists the long form of every marking, least restrictive first.
	Levels() []string
	// Lowest is the least restrictive marking.
	Lowest() string
}

// Level describes one rung of an ordered marking scheme.
type Level struct {
	Long    string
	Short   string
	Aliases []string
}

// TLPLevels is the Traffic Light Protocol 2.0 scheme. WHITE is accepted as
// an alias of CLEAR.
var TLPLevels = []Level{
	{Long: "TLP:CLEAR", Short: "TLP:C", Aliases: []string{"CLEAR", "TLP:WHITE", "TLP:W", "WHITE"}},
	{Long: "TLP:GREEN", Short: "TLP:G", Aliases: []string{"GREEN"}},
	{Long: "TLP:AMBER", Short: "TLP:A", Aliases: []string{"AMBER"}},
	{Long: "TLP:AMBER+STRICT", Short: "TLP:A+S", Aliases: []string{"AMBER+STRICT"}},
	{Long: "TLP:RED", Short: "TLP:R", Aliases: []string{"RED"}},
}

// Ordered is an Engine over a totally ordered list of levels.
type Ordered struct {
	levels []Level
	index  map[string]int
}

// NewTLP returns the default engine.
func NewTLP() *Ordered {
	o, _ := NewOrdered(TLPLevels)
	return o
}

// NewOrdered builds an engine from levels, least restrictive first.
func NewOrdered(levels []Level) (*Ordered, error) {
	if len(levels) == 0 {
		return nil, fmt.Errorf("%w: no levels configured", ErrInvalidClassification)
	}
	o := &Ordered{levels: levels, index: make(map[string]int)}
	for i, lvl := range levels {
		names := append([]string{lvl.Long, lvl.Short}, lvl.Aliases...)
		for _, name := range names {
			key := canonical(name)
			if key == "" {
				continue
			}
			if prev, ok := o.index[key]; ok && prev != i {
				return nil, fmt.Errorf("%w: %q names two levels", ErrInvalidClassification, name)
			}
			o.index[key] = i
		}
	}
	return o, nil
}

// LevelsFromNames builds a level list from long names alone, as found in
// configuration files.
func LevelsFromNames(names []string) []Level {
	levels := make([]Level, 0, len(names))
	for _, n := range names {
		levels = append(levels, Level{Long: strings.ToUpper(strings.TrimSpace(n))})
	}
	return levels
}

func canonical(marking string) string {
	return strings.ToUpper(strings.Join(strings.Fields(marking), ""))
}

func (o *Ordered) rank(marking string) (int, error) {
	i, ok := o.index[canonical(marking)]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrInvalidClassification, marking)
	}
	return i, nil
}

func (o *Ordered) Normalize(marking string, long bool) (string, error) {
	i, err := o.rank(marking)
	if err != nil {
		return "", err
	}
	if !long && o.levels[i].Short != "" {
		return o.levels[i].Short, nil
	}
	return o.levels[i].Long, nil
}

func (o *Ordered) IsAccessible(marking, viewer string) (bool, error) {
	m, err := o.rank(marking)
	if err != nil {
		return false, err
	}
	v, err := o.rank(viewer)
	if err != nil {
		return false, err
	}
	return m <= v, nil
}

func (o *Ordered) Min(a, b string) (string, error) {
	ra, err := o.rank(a)
	if err != nil {
		return "", err
	}
	rb, err := o.rank(b)
	if err != nil {
		return "", err
	}
	if rb < ra {
		ra = rb
	}
	return o.levels[ra].Long, nil
}

func (o *Ordered) Max(a, b string) (string, error) {
	ra, err := o.rank(a)
	if err != nil {
		return "", err
	}
	rb, err := o.rank(b)
	if err != nil {
		return "", err
	}
	if rb > ra {
		ra = rb
	}
	return o.levels[ra].Long, nil
}

func (o *Ordered) IsValid(marking string) bool {
	_, err := o.rank(marking)
	return err == nil
}

func (o *Ordered) Levels() []string {
	out := make([]string, len(o.levels))
	for i, lvl := range o.levels {
		out[i] = lvl.Long
	}
	return out
}

func (o *Ordered) Lowest() string {
	return o.levels[0].Long
}
