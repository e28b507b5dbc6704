package digest

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTrimTrailingZerosIgnoresPadding(t *testing.T) {
	program := []byte{0x7f, 'E', 'L', 'F', 0x01, 0x00, 0x02}
	padded := append(bytes.Clone(program), make([]byte, 4096)...)

	c := Default()
	canonical, d1 := c.CanonicalizeAndHash(program)
	_, d2 := c.CanonicalizeAndHash(padded)

	require.Equal(t, program, canonical)
	require.Equal(t, d1, d2)
}

func TestCanonicalizationIsFixedPoint(t *testing.T) {
	inputs := map[string][]byte{
		"empty":    nil,
		"zeros":    make([]byte, 64),
		"padded":   append([]byte("program"), make([]byte, 10)...),
		"elf":      buildELF(t, []byte("text-section"), []byte("rustc 1.75.0")),
		"elf+pad":  append(buildELF(t, []byte("text"), []byte("rustc")), make([]byte, 512)...),
		"not-elf":  []byte("\x7fELFgarbage"),
		"trailing": []byte{1, 2, 3, 0, 0, 4, 0},
	}
	policies := map[string]*Canonicalizer{
		"default":  Default(),
		"sections": FromPolicy([]string{".comment", ".note.gnu.build-id"}),
	}

	for policyName, c := range policies {
		for name, raw := range inputs {
			t.Run(policyName+"/"+name, func(t *testing.T) {
				once, d1 := c.CanonicalizeAndHash(raw)
				twice, d2 := c.CanonicalizeAndHash(once)
				require.Equal(t, once, twice)
				require.Equal(t, d1, d2)
			})
		}
	}
}

func TestZeroELFSectionsMasksEnvironmentBytes(t *testing.T) {
	a := buildELF(t, []byte("identical-code"), []byte("built on host-a"))
	b := buildELF(t, []byte("identical-code"), []byte("built on host-b"))

	_, defaultA := Default().CanonicalizeAndHash(a)
	_, defaultB := Default().CanonicalizeAndHash(b)
	require.NotEqual(t, defaultA, defaultB)

	policy := FromPolicy([]string{" .comment ", ".comment", ""})
	require.Equal(t, []string{"zero-elf-sections(.comment)", "trim-trailing-zeros"}, policy.Rules())

	_, maskedA := policy.CanonicalizeAndHash(a)
	_, maskedB := policy.CanonicalizeAndHash(b)
	require.Equal(t, maskedA, maskedB)
}

func TestZeroELFSectionsKeepsCode(t *testing.T) {
	a := buildELF(t, []byte("code-version-1"), []byte("same"))
	b := buildELF(t, []byte("code-version-2"), []byte("same"))

	policy := FromPolicy([]string{".comment"})
	_, da := policy.CanonicalizeAndHash(a)
	_, db := policy.CanonicalizeAndHash(b)
	require.NotEqual(t, da, db)
}

func TestZeroELFSectionsDoesNotMutateInput(t *testing.T) {
	raw := buildELF(t, []byte("code"), []byte("comment"))
	original := bytes.Clone(raw)

	ZeroELFSections{Sections: []string{".comment"}}.Apply(raw)

	require.Equal(t, original, raw)
}

func TestDigestTextRoundTrip(t *testing.T) {
	d := Sum([]byte("program"))

	parsed, err := Parse("sha256:" + d.String())
	require.NoError(t, err)
	require.Equal(t, d, parsed)

	_, err = Parse("abcd")
	require.Error(t, err)
	require.False(t, d.IsZero())
	require.True(t, Digest{}.IsZero())
}

func TestFileDigestMatchesInMemory(t *testing.T) {
	raw := append([]byte("deployable"), make([]byte, 32)...)
	path := filepath.Join(t.TempDir(), "program.so")
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	d, size, err := File(Default(), path)
	require.NoError(t, err)
	require.Equal(t, int64(len(raw)), size)
	require.Equal(t, Sum([]byte("deployable")), d)
}

// buildELF assembles a minimal little-endian ELF64 file with .text, .comment
// and .shstrtab sections.
func buildELF(t *testing.T, text, comment []byte) []byte {
	t.Helper()

	shstrtab := []byte("\x00.text\x00.comment\x00.shstrtab\x00")
	const headerSize = 64
	textOff := uint64(headerSize)
	commentOff := textOff + uint64(len(text))
	strOff := commentOff + uint64(len(comment))
	shOff := strOff + uint64(len(shstrtab))
	if rem := shOff % 8; rem != 0 {
		shOff += 8 - rem
	}

	var buf bytes.Buffer
	header := elf.Header64{
		Type:      uint16(elf.ET_DYN),
		Machine:   uint16(elf.EM_BPF),
		Version:   uint32(elf.EV_CURRENT),
		Shoff:     shOff,
		Ehsize:    headerSize,
		Phentsize: 56,
		Shentsize: 64,
		Shnum:     4,
		Shstrndx:  3,
	}
	copy(header.Ident[:], elf.ELFMAG)
	header.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	header.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	header.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, header))

	buf.Write(text)
	buf.Write(comment)
	buf.Write(shstrtab)
	for uint64(buf.Len()) < shOff {
		buf.WriteByte(0)
	}

	sections := []elf.Section64{
		{},
		{Name: 1, Type: uint32(elf.SHT_PROGBITS), Flags: uint64(elf.SHF_ALLOC | elf.SHF_EXECINSTR), Off: textOff, Size: uint64(len(text)), Addralign: 1},
		{Name: 7, Type: uint32(elf.SHT_PROGBITS), Off: commentOff, Size: uint64(len(comment)), Addralign: 1},
		{Name: 16, Type: uint32(elf.SHT_STRTAB), Off: strOff, Size: uint64(len(shstrtab)), Addralign: 1},
	}
	for _, section := range sections {
		require.NoError(t, binary.Write(&buf, binary.LittleEndian, section))
	}
	return buf.Bytes()
}
