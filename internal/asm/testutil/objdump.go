package testutil

import (
	"bufio"
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"testing"
)

// MachineAArch64 is the ELF e_machine value for AArch64.
const MachineAArch64 = uint16(elf.EM_AARCH64)

// DisasmLine represents a single instruction line emitted by objdump.
type DisasmLine struct {
	Text       string
	Normalized string
	Mnemonic   string
}

// Contains reports whether the normalized instruction text contains the provided substring.
func (l DisasmLine) Contains(substr string) bool {
	return strings.Contains(l.Normalized, substr)
}

// DisassembleAArch64 disassembles only the first textLen bytes of a snippet
// blob with llvm-objdump, so inline constant tables are not decoded as
// instructions.
func DisassembleAArch64(t *testing.T, blob []byte, textLen int) []DisasmLine {
	t.Helper()
	if textLen > len(blob) {
		textLen = len(blob)
	}
	return DisassembleWithTool(t, "llvm-objdump", blob[:textLen], MachineAArch64,
		"-d", "--no-show-raw-insn", "--mattr=+fullfp16")
}

// Mnemonics returns the mnemonic column of lines.
func Mnemonics(lines []DisasmLine) []string {
	out := make([]string, len(lines))
	for i, line := range lines {
		out[i] = line.Mnemonic
	}
	return out
}

// DisassembleWithTool wraps the provided code bytes into a minimal ELF for the
// supplied machine type and invokes the requested disassembler.
func DisassembleWithTool(t *testing.T, tool string, code []byte, machine uint16, args ...string) []DisasmLine {
	t.Helper()

	toolPath, err := exec.LookPath(tool)
	if err != nil {
		t.Skipf("%s not found: %v", tool, err)
	}

	elf := buildMinimalELF(code, machine)

	tmp, err := os.CreateTemp("", "snippets-objdump-*.elf")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	defer func() {
		_ = os.Remove(tmp.Name())
	}()

	if _, err := tmp.Write(elf); err != nil {
		t.Fatalf("write temp ELF: %v", err)
	}
	if err := tmp.Close(); err != nil {
		t.Fatalf("close temp ELF: %v", err)
	}

	cmdArgs := append([]string{}, args...)
	cmdArgs = append(cmdArgs, tmp.Name())
	cmd := exec.Command(toolPath, cmdArgs...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("%s failed: %v\n\n%s", tool, err, output)
	}

	lines, err := parseObjdumpOutput(string(output))
	if err != nil {
		t.Fatalf("parse objdump output: %v", err)
	}
	if len(lines) == 0 {
		t.Fatalf("objdump produced no instructions:\n%s", output)
	}
	if len(lines) < 5 {
		t.Logf("objdump output:\n%s", output)
	}
	return lines
}

// buildMinimalELF lays out an ELF64 header, the code as .text, a section
// name table and the three section headers, in that order.
func buildMinimalELF(code []byte, machine uint16) []byte {
	const textAlign = 16
	names := []byte("\x00.text\x00.shstrtab\x00")

	hdrSize := binary.Size(elf.Header64{})
	shSize := binary.Size(elf.Section64{})
	textOff := hdrSize
	namesOff := align(textOff+len(code), textAlign)
	shOff := align(namesOff+len(names), 8)

	var buf bytes.Buffer
	hdr := elf.Header64{
		Type:      uint16(elf.ET_EXEC),
		Machine:   machine,
		Version:   uint32(elf.EV_CURRENT),
		Shoff:     uint64(shOff),
		Ehsize:    uint16(hdrSize),
		Shentsize: uint16(shSize),
		Shnum:     3,
		Shstrndx:  2,
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	binary.Write(&buf, binary.LittleEndian, &hdr)

	buf.Write(code)
	buf.Write(make([]byte, namesOff-buf.Len()))
	buf.Write(names)
	buf.Write(make([]byte, shOff-buf.Len()))

	sections := []elf.Section64{
		{},
		{
			Name:      1,
			Type:      uint32(elf.SHT_PROGBITS),
			Flags:     uint64(elf.SHF_ALLOC | elf.SHF_EXECINSTR),
			Off:       uint64(textOff),
			Size:      uint64(len(code)),
			Addralign: textAlign,
		},
		{
			Name:      uint32(len("\x00.text\x00")),
			Type:      uint32(elf.SHT_STRTAB),
			Off:       uint64(namesOff),
			Size:      uint64(len(names)),
			Addralign: 1,
		},
	}
	binary.Write(&buf, binary.LittleEndian, sections)
	return buf.Bytes()
}

func parseObjdumpOutput(out string) ([]DisasmLine, error) {
	scanner := bufio.NewScanner(strings.NewReader(out))
	var lines []DisasmLine
	for scanner.Scan() {
		line := scanner.Text()
		colon := strings.IndexRune(line, ':')
		if colon == -1 {
			continue
		}
		text := strings.TrimSpace(line[colon+1:])
		if text == "" || strings.HasPrefix(text, "<") {
			continue
		}
		if strings.HasPrefix(text, ".") || strings.HasPrefix(text, "file format") {
			continue
		}
		fields := strings.Fields(text)
		if len(fields) == 0 {
			continue
		}
		normalized := strings.Join(fields, " ")
		lines = append(lines, DisasmLine{
			Text:       text,
			Normalized: normalized,
			Mnemonic:   strings.ToLower(fields[0]),
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanner error: %w", err)
	}
	return lines, nil
}

func align(value int, boundary int) int {
	if boundary <= 0 {
		return value
	}
	rem := value % boundary
	if rem == 0 {
		return value
	}
	return value + boundary - rem
}
