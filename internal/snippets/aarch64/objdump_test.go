package aarch64

import (
	"bytes"
	"testing"

	arm64asm "github.com/tinyrange/snippets/internal/asm/arm64"
	"github.com/tinyrange/snippets/internal/asm/testutil"
	"github.com/tinyrange/snippets/internal/element"
	"github.com/tinyrange/snippets/internal/snippets/op"
)

// textLen is the offset just past the first ret, where inline data begins.
func textLen(t *testing.T, code []byte) int {
	t.Helper()
	at := bytes.Index(code, encode(t, arm64asm.Ret()))
	if at < 0 {
		t.Fatalf("no ret in program")
	}
	return at + 4
}

func TestAddLoopDisassembly(t *testing.T) {
	lir := buildAddLoop(t, op.Shape{16}, nil)
	code := generate(t, newTestTarget(), lir).Program.Bytes()

	lines := testutil.DisassembleAArch64(t, code, textLen(t, code))
	testutil.VerifySubsequence(t, lines, []testutil.Expectation{
		{Name: "save_frame", Mnemonic: "stp"},
		{Name: "load_a", Mnemonic: "ldr"},
		{Name: "add", Mnemonic: "fadd", Contains: []string{".4s"}},
		{Name: "store", Mnemonic: "str", Contains: []string{"q"}},
		{Name: "restore_frame", Mnemonic: "ldp"},
		{Name: "return", Mnemonic: "ret"},
	})
	if m := testutil.Mnemonics(lines); m[len(m)-1] != "ret" {
		t.Fatalf("kernel ends with %q", m[len(m)-1])
	}
}

func TestCompareDisassemblyStopsAtData(t *testing.T) {
	lir := buildBinary(t, op.New(op.Less, "", element.F32))
	code := generate(t, newTestTarget(), lir).Program.Bytes()
	n := textLen(t, code)
	if n == len(code) {
		t.Fatalf("compare kernel emitted no data")
	}

	lines := testutil.DisassembleAArch64(t, code, n)
	testutil.VerifySubsequence(t, lines, []testutil.Expectation{
		{Name: "compare", Mnemonic: "fcmgt", Contains: []string{".4s"}},
		{Name: "mask", Mnemonic: "and", Contains: []string{".16b"}},
		{Name: "return", Mnemonic: "ret"},
	})
}
