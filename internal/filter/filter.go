// Package filter resolves date-range presets into concrete calendar bounds
// and holds the active filter selection.
package filter

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"caixa/internal/core"
)

// Preset names a date-range filter.
type Preset string

const (
	All          Preset = "all"
	Today        Preset = "today"
	Last7        Preset = "last7"
	Last15       Preset = "last15"
	CurrentMonth Preset = "currentMonth"
	Custom       Preset = "custom"
)

var (
	ErrUnknownPreset = errors.New("unknown filter preset")
	ErrNotCustom     = errors.New("bounds can only be set with the custom preset")
	ErrNotResolvable = errors.New("custom preset has no computed range")
)

// aliases are the option values used by the web client's filter drop-down.
var aliases = map[string]Preset{
	"tudo":          All,
	"hoje":          Today,
	"7dias":         Last7,
	"15dias":        Last15,
	"mes_atual":     CurrentMonth,
	"personalizado": Custom,
}

// Presets lists every preset in menu order.
func Presets() []Preset {
	return []Preset{All, Today, Last7, Last15, CurrentMonth, Custom}
}

// ParsePreset accepts canonical names case-insensitively and the legacy
// Portuguese option values.
func ParsePreset(s string) (Preset, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	for _, p := range Presets() {
		if key == strings.ToLower(string(p)) {
			return p, nil
		}
	}
	if p, ok := aliases[key]; ok {
		return p, nil
	}
	return "", fmt.Errorf("%w %q", ErrUnknownPreset, s)
}

func (p Preset) String() string {
	return string(p)
}

// Resolve computes the range of a non-custom preset relative to today.
// Only the calendar date of today is used.
func Resolve(p Preset, today time.Time) (core.Range, error) {
	d := core.DateOf(today)
	switch p {
	case All:
		return core.Range{}, nil
	case Today:
		return core.Range{Start: d, End: d}, nil
	case Last7:
		return core.Range{Start: d.AddDays(-7), End: d}, nil
	case Last15:
		return core.Range{Start: d.AddDays(-15), End: d}, nil
	case CurrentMonth:
		first := core.NewDate(d.Year(), int(d.Month()), 1)
		last := core.NewDate(d.Year(), int(d.Month())+1, 0)
		return core.Range{Start: first, End: last}, nil
	case Custom:
		return core.Range{}, ErrNotResolvable
	default:
		return core.Range{}, fmt.Errorf("%w %q", ErrUnknownPreset, string(p))
	}
}

// State is the active filter selection. For every preset except Custom the
// bounds are derived from the preset; for Custom they are whatever the user
// entered, with no ordering enforced.
type State struct {
	mu     sync.Mutex
	preset Preset
	rng    core.Range
	clock  func() time.Time
}

// NewState starts at preset p, resolved against clock.
func NewState(p Preset, clock func() time.Time) (*State, error) {
	if clock == nil {
		clock = time.Now
	}
	s := &State{preset: All, clock: clock}
	if _, err := s.SetPreset(p); err != nil {
		return nil, err
	}
	return s, nil
}

// SetPreset selects p and recomputes the bounds synchronously. Selecting
// Custom keeps the current bounds. The result reports whether the range
// changed.
func (s *State) SetPreset(p Preset) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p == Custom {
		s.preset = Custom
		return false, nil
	}
	rng, err := Resolve(p, s.clock())
	if err != nil {
		return false, err
	}
	changed := !rng.Equal(s.rng)
	s.preset = p
	s.rng = rng
	return changed, nil
}

// SetBounds stores user-entered bounds. Either may be empty.
func (s *State) SetBounds(start, end core.Date) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.preset != Custom {
		return false, ErrNotCustom
	}
	rng := core.Range{Start: start, End: end}
	changed := !rng.Equal(s.rng)
	s.rng = rng
	return changed, nil
}

// Refresh recomputes a non-custom preset against the current clock, for a
// client left running across midnight.
func (s *State) Refresh() (bool, error) {
	s.mu.Lock()
	p := s.preset
	s.mu.Unlock()
	if p == Custom {
		return false, nil
	}
	return s.SetPreset(p)
}

func (s *State) Preset() Preset {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.preset
}

func (s *State) Range() core.Range {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng
}
