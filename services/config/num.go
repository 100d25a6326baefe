package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Num is an integer that may be written as a number or a numeric string.
type Num int64

func (n *Num) UnmarshalJSON(b []byte) error {
	return n.set(unquote(b), 10)
}

func (n *Num) UnmarshalYAML(v *yaml.Node) error { return n.set(v.Value, 10) }
func (n *Num) UnmarshalText(b []byte) error     { return n.set(string(b), 10) }

func (n *Num) set(s string, base int) error {
	v, err := parseInt(s, base)
	if err != nil {
		return err
	}
	*n = Num(v)
	return nil
}

// Hex is an integer written in hexadecimal when given as a string ("4b",
// "0x4b"); plain numbers are taken as they are.
type Hex uint16

func (h *Hex) UnmarshalJSON(b []byte) error {
	base := 10
	if len(b) > 0 && b[0] == '"' {
		base = 16
	}
	return h.set(unquote(b), base)
}

func (h *Hex) UnmarshalYAML(v *yaml.Node) error {
	base := 10
	if v.ShortTag() == "!!str" {
		base = 16
	}
	return h.set(v.Value, base)
}

// UnmarshalText is used by the TOML decoder for every value kind, so bare
// TOML integers are read as hex too.
func (h *Hex) UnmarshalText(b []byte) error { return h.set(string(b), 16) }

func (h Hex) MarshalYAML() (any, error) { return fmt.Sprintf("0x%02x", uint16(h)), nil }

func (h *Hex) set(s string, base int) error {
	v, err := parseInt(s, base)
	if err != nil {
		return err
	}
	if v < 0 || v > 0xffff {
		return fmt.Errorf("address %q out of range", s)
	}
	*h = Hex(v)
	return nil
}

// Bool accepts true/false, "true"/"false" and "1"/"0".
type Bool bool

func (b *Bool) UnmarshalJSON(p []byte) error    { return b.set(unquote(p)) }
func (b *Bool) UnmarshalYAML(v *yaml.Node) error { return b.set(v.Value) }
func (b *Bool) UnmarshalText(p []byte) error    { return b.set(string(p)) }

func (b *Bool) set(s string) error {
	if s == "" {
		*b = false
		return nil
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		return fmt.Errorf("invalid boolean %q", s)
	}
	*b = Bool(v)
	return nil
}

func unquote(b []byte) string {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if json.Unmarshal(b, &s) == nil {
			return s
		}
	}
	if string(b) == "null" {
		return ""
	}
	return string(b)
}

func parseInt(s string, base int) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if base == 16 || strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
		base = 16
	}
	v, err := strconv.ParseInt(s, base, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", s)
	}
	return v, nil
}
