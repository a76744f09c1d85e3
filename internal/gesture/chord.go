// Package gesture recognizes the key chord that triggers "show desktop".
package gesture

import (
	"fmt"
	"strconv"
	"strings"
)

// VKey is a Win32 virtual-key code as reported by the low-level keyboard hook.
type VKey uint32

const (
	vkShift    VKey = 0x10
	vkControl  VKey = 0x11
	vkMenu     VKey = 0x12
	vkLWin     VKey = 0x5B
	vkRWin     VKey = 0x5C
	vkLShift   VKey = 0xA0
	vkRShift   VKey = 0xA1
	vkLControl VKey = 0xA2
	vkRControl VKey = 0xA3
	vkLMenu    VKey = 0xA4
	vkRMenu    VKey = 0xA5

	vkTab    VKey = 0x09
	vkReturn VKey = 0x0D
	vkEscape VKey = 0x1B
	vkSpace  VKey = 0x20
	vkLeft   VKey = 0x25
	vkUp     VKey = 0x26
	vkRight  VKey = 0x27
	vkDown   VKey = 0x28
	vkDelete VKey = 0x2E
	vkComma  VKey = 0xBC
	vkF1     VKey = 0x70
)

// DefaultChord is the platform's show-desktop shortcut.
const DefaultChord = "Win+D"

type modifierGroup struct {
	name string
	keys []VKey
}

func (g modifierGroup) contains(k VKey) bool {
	for _, key := range g.keys {
		if key == k {
			return true
		}
	}
	return false
}

var (
	groupWin   = modifierGroup{name: "Win", keys: []VKey{vkLWin, vkRWin}}
	groupCtrl  = modifierGroup{name: "Ctrl", keys: []VKey{vkControl, vkLControl, vkRControl}}
	groupAlt   = modifierGroup{name: "Alt", keys: []VKey{vkMenu, vkLMenu, vkRMenu}}
	groupShift = modifierGroup{name: "Shift", keys: []VKey{vkShift, vkLShift, vkRShift}}
)

var modifierByName = map[string]modifierGroup{
	"WIN":     groupWin,
	"SUPER":   groupWin,
	"META":    groupWin,
	"CTRL":    groupCtrl,
	"CONTROL": groupCtrl,
	"ALT":     groupAlt,
	"SHIFT":   groupShift,
}

var keyByName = map[string]VKey{
	"SPACE":  vkSpace,
	"TAB":    vkTab,
	"ENTER":  vkReturn,
	"RETURN": vkReturn,
	"ESC":    vkEscape,
	"ESCAPE": vkEscape,
	"DELETE": vkDelete,
	"LEFT":   vkLeft,
	"RIGHT":  vkRight,
	"UP":     vkUp,
	"DOWN":   vkDown,
	"COMMA":  vkComma,
	",":      vkComma,
}

// Chord is a parsed modifier+trigger combination. Construct only via
// ParseChord.
type Chord struct {
	groups     []modifierGroup
	trigger    VKey
	normalized string
}

// Trigger returns the trigger key.
func (c Chord) Trigger() VKey { return c.trigger }

// String returns the canonical form, e.g. "Win+D".
func (c Chord) String() string { return c.normalized }

// UsesWin reports whether the chord holds a Windows key, whose lone release
// would otherwise open the Start menu.
func (c Chord) UsesWin() bool {
	for _, g := range c.groups {
		if g.name == groupWin.name {
			return true
		}
	}
	return false
}

func (c Chord) isModifier(k VKey) bool {
	for _, g := range c.groups {
		if g.contains(k) {
			return true
		}
	}
	return false
}

// ParseChord parses a chord like "Win+D" or "Ctrl+Alt+F12".
func ParseChord(spec string) (Chord, error) {
	raw := strings.TrimSpace(spec)
	if raw == "" {
		return Chord{}, fmt.Errorf("chord spec is empty")
	}

	parts := strings.Split(raw, "+")
	if len(parts) < 2 {
		return Chord{}, fmt.Errorf("chord must include modifiers and key: %s", raw)
	}

	var groups []modifierGroup
	seen := map[string]struct{}{}
	var names []string
	for _, token := range parts[:len(parts)-1] {
		name := strings.ToUpper(strings.TrimSpace(token))
		group, ok := modifierByName[name]
		if !ok {
			return Chord{}, fmt.Errorf("unknown modifier %q in chord %q", token, raw)
		}
		if _, dup := seen[group.name]; dup {
			continue
		}
		seen[group.name] = struct{}{}
		groups = append(groups, group)
		names = append(names, group.name)
	}

	key, keyName, err := parseKey(parts[len(parts)-1])
	if err != nil {
		return Chord{}, err
	}
	for _, g := range groups {
		if g.contains(key) {
			return Chord{}, fmt.Errorf("trigger %q is one of the chord's modifiers", keyName)
		}
	}

	return Chord{
		groups:     groups,
		trigger:    key,
		normalized: strings.Join(append(names, keyName), "+"),
	}, nil
}

// MustParseChord is ParseChord for compile-time constants.
func MustParseChord(spec string) Chord {
	c, err := ParseChord(spec)
	if err != nil {
		panic(err)
	}
	return c
}

func parseKey(raw string) (VKey, string, error) {
	token := strings.ToUpper(strings.TrimSpace(raw))
	if token == "" {
		return 0, "", fmt.Errorf("missing chord key token")
	}

	if key, ok := keyByName[token]; ok {
		return key, token, nil
	}

	if len(token) == 1 {
		ch := token[0]
		if (ch >= 'A' && ch <= 'Z') || (ch >= '0' && ch <= '9') {
			return VKey(ch), token, nil
		}
	}

	if len(token) > 1 && token[0] == 'F' {
		if n, err := strconv.Atoi(token[1:]); err == nil {
			if n < 1 || n > 24 {
				return 0, "", fmt.Errorf("function key out of range: %q", raw)
			}
			return vkF1 + VKey(n-1), token, nil
		}
	}

	if strings.HasPrefix(token, "0X") {
		value, err := strconv.ParseUint(token[2:], 16, 8)
		if err != nil || value == 0 {
			return 0, "", fmt.Errorf("invalid hex key %q", raw)
		}
		return VKey(value), token, nil
	}

	return 0, "", fmt.Errorf("unknown key %q in chord spec", raw)
}
