package digest

import (
	"bytes"
	"debug/elf"
	"slices"
	"strings"
)

// Rule removes one class of environment-dependent bytes. Rules never modify
// their input slice and must be idempotent.
type Rule interface {
	Name() string
	Apply(raw []byte) []byte
}

// Canonicalizer applies an ordered rule list.
type Canonicalizer struct {
	rules []Rule
}

// NewCanonicalizer builds a canonicalizer from rules applied in order.
func NewCanonicalizer(rules ...Rule) *Canonicalizer {
	return &Canonicalizer{rules: append([]Rule(nil), rules...)}
}

// Default trims the zero padding the loader appends to program data.
func Default() *Canonicalizer {
	return NewCanonicalizer(TrimTrailingZeros{})
}

// FromPolicy zeroes the named ELF sections before trimming padding. An empty
// section list yields Default.
func FromPolicy(sections []string) *Canonicalizer {
	cleaned := make([]string, 0, len(sections))
	for _, name := range sections {
		if name = strings.TrimSpace(name); name != "" {
			cleaned = append(cleaned, name)
		}
	}
	if len(cleaned) == 0 {
		return Default()
	}
	slices.Sort(cleaned)
	return NewCanonicalizer(ZeroELFSections{Sections: slices.Compact(cleaned)}, TrimTrailingZeros{})
}

// Rules returns the rule names in application order.
func (c *Canonicalizer) Rules() []string {
	names := make([]string, 0, len(c.rules))
	for _, rule := range c.rules {
		names = append(names, rule.Name())
	}
	return names
}

// Canonicalize applies every rule in order.
func (c *Canonicalizer) Canonicalize(raw []byte) []byte {
	out := raw
	for _, rule := range c.rules {
		out = rule.Apply(out)
	}
	return out
}

// CanonicalizeAndHash returns the canonical bytes and their digest.
func (c *Canonicalizer) CanonicalizeAndHash(raw []byte) ([]byte, Digest) {
	canonical := c.Canonicalize(raw)
	return canonical, Sum(canonical)
}

// TrimTrailingZeros drops trailing NUL bytes.
type TrimTrailingZeros struct{}

func (TrimTrailingZeros) Name() string { return "trim-trailing-zeros" }

func (TrimTrailingZeros) Apply(raw []byte) []byte {
	return bytes.TrimRight(raw, "\x00")
}

// ZeroELFSections overwrites the contents of named sections with zeros.
// Input that does not parse as ELF is returned unchanged.
type ZeroELFSections struct {
	Sections []string
}

func (r ZeroELFSections) Name() string {
	return "zero-elf-sections(" + strings.Join(r.Sections, ",") + ")"
}

func (r ZeroELFSections) Apply(raw []byte) []byte {
	if len(r.Sections) == 0 {
		return raw
	}
	file, err := elf.NewFile(bytes.NewReader(raw))
	if err != nil {
		return raw
	}
	defer file.Close()

	var out []byte
	for _, section := range file.Sections {
		if section.Type == elf.SHT_NOBITS || !slices.Contains(r.Sections, section.Name) {
			continue
		}
		start := section.Offset
		end := start + section.FileSize
		if start >= uint64(len(raw)) {
			continue
		}
		if end > uint64(len(raw)) {
			end = uint64(len(raw))
		}
		region := raw[start:end]
		if isZero(region) {
			continue
		}
		if out == nil {
			out = bytes.Clone(raw)
		}
		clear(out[start:end])
	}
	if out == nil {
		return raw
	}
	return out
}

func isZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}
