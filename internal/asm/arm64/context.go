package arm64

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/snippets/internal/asm"
)

// Context accumulates one function's instructions and inline data. Constants
// registered with AddConstant are pooled after the text and addressed
// PC-relatively, so a finalized program is position independent.
type Context struct {
	text           []byte
	constData      []byte
	constLocations map[asm.Variable]int
	labels         map[asm.Label]int
	branches       []branchPatch
	pcrel          []pcrelPatch
}

type branchKind uint8

const (
	branchB branchKind = iota
	branchBL
	branchCond
)

type branchPatch struct {
	label asm.Label
	pos   int
	kind  branchKind
	cond  condition
}

type pcrelKind uint8

const (
	// pcrelLiteral is LDR (literal): imm19 words at bit 5.
	pcrelLiteral pcrelKind = iota
	// pcrelADR is ADR: immhi at bit 5, immlo at bit 29.
	pcrelADR
)

type pcrelPatch struct {
	pos      int
	kind     pcrelKind
	label    asm.Label
	constant asm.Variable
	isConst  bool
}

func NewContext() *Context {
	return &Context{
		constLocations: make(map[asm.Variable]int),
		labels:         make(map[asm.Label]int),
	}
}

// Emit lowers fragments into the context in order.
func (c *Context) Emit(frags ...asm.Fragment) error {
	return asm.Group(frags).Emit(c)
}

func (c *Context) EmitBytes(data []byte) {
	c.text = append(c.text, data...)
}

func (c *Context) Offset() int {
	return len(c.text)
}

func (c *Context) emit32(word uint32) int {
	pos := len(c.text)
	c.text = binary.LittleEndian.AppendUint32(c.text, word)
	return pos
}

func (c *Context) SetLabel(label asm.Label) {
	c.labels[label] = len(c.text)
}

func (c *Context) GetLabel(label asm.Label) (int, bool) {
	pos, ok := c.labels[label]
	return pos, ok
}

func (c *Context) AddConstant(target asm.Variable, data []byte) {
	const constAlign = 16
	offset := alignTo(len(c.constData), constAlign)
	if offset > len(c.constData) {
		c.constData = append(c.constData, make([]byte, offset-len(c.constData))...)
	}
	c.constLocations[target] = offset
	c.constData = append(c.constData, data...)
}

func (c *Context) hasConstant(v asm.Variable) bool {
	_, ok := c.constLocations[v]
	return ok
}

func (c *Context) emitLabelRef(word uint32, kind pcrelKind, label asm.Label) {
	pos := c.emit32(word)
	c.pcrel = append(c.pcrel, pcrelPatch{pos: pos, kind: kind, label: label})
}

func (c *Context) emitConstRef(word uint32, kind pcrelKind, constant asm.Variable) {
	pos := c.emit32(word)
	c.pcrel = append(c.pcrel, pcrelPatch{pos: pos, kind: kind, constant: constant, isConst: true})
}

// Finalize resolves every pending branch and PC-relative reference and
// returns the program. The context must not be reused afterwards.
func (c *Context) Finalize() (asm.Program, error) {
	// Vector literals need 16-byte alignment; plain code only word alignment.
	align := 4
	if len(c.constLocations) > 0 {
		align = 16
	}
	dataBase := alignTo(len(c.text), align)
	if dataBase > len(c.text) {
		c.text = append(c.text, make([]byte, dataBase-len(c.text))...)
	}

	for _, p := range c.pcrel {
		var target int
		if p.isConst {
			off, ok := c.constLocations[p.constant]
			if !ok {
				return asm.Program{}, fmt.Errorf("arm64 asm: constant %v not defined", p.constant)
			}
			target = dataBase + off
		} else {
			pos, ok := c.labels[p.label]
			if !ok {
				return asm.Program{}, fmt.Errorf("arm64 asm: undefined label %q", p.label)
			}
			target = pos
		}
		if err := c.patchPCRel(p, target); err != nil {
			return asm.Program{}, err
		}
	}

	for _, br := range c.branches {
		if err := c.patchBranch(br); err != nil {
			return asm.Program{}, err
		}
	}

	code := append(c.text, c.constData...)
	return asm.NewProgram(code, nil), nil
}

func (c *Context) patchPCRel(p pcrelPatch, target int) error {
	if p.pos+4 > len(c.text) {
		return fmt.Errorf("arm64 asm: pc-relative patch out of range")
	}
	rel := target - p.pos
	word := binary.LittleEndian.Uint32(c.text[p.pos : p.pos+4])
	switch p.kind {
	case pcrelLiteral:
		if rel%4 != 0 {
			return fmt.Errorf("arm64 asm: literal at %d is not word aligned", target)
		}
		if rel < -(1<<20) || rel >= (1<<20) {
			return fmt.Errorf("arm64 asm: literal out of range")
		}
		imm := uint32((rel >> 2) & 0x7FFFF)
		word = (word &^ (0x7FFFF << 5)) | (imm << 5)
	case pcrelADR:
		if rel < -(1<<20) || rel >= (1<<20) {
			return fmt.Errorf("arm64 asm: adr target out of range")
		}
		imm := uint32(rel) & 0x1FFFFF
		word = (word &^ (0x7FFFF<<5 | 3<<29)) | (imm&3)<<29 | (imm>>2)<<5
	default:
		return fmt.Errorf("arm64 asm: unsupported pc-relative kind %d", p.kind)
	}
	binary.LittleEndian.PutUint32(c.text[p.pos:p.pos+4], word)
	return nil
}

func (c *Context) patchBranch(p branchPatch) error {
	target, ok := c.labels[p.label]
	if !ok {
		return fmt.Errorf("arm64 asm: undefined label %q", p.label)
	}
	rel := target - p.pos
	if rel%4 != 0 {
		return fmt.Errorf("arm64 asm: branch offset must be multiple of 4")
	}
	imm := rel / 4
	word := binary.LittleEndian.Uint32(c.text[p.pos : p.pos+4])
	switch p.kind {
	case branchB, branchBL:
		if imm < minBranchImm || imm > maxBranchImm {
			return fmt.Errorf("arm64 asm: branch target out of range")
		}
		word = (word &^ ((1 << 26) - 1)) | (uint32(imm) & 0x03FFFFFF)
	case branchCond:
		if imm < -(1<<18) || imm >= (1<<18) {
			return fmt.Errorf("arm64 asm: conditional branch out of range")
		}
		word = (word &^ (0x7FFFF << 5)) | (uint32(imm)&0x7FFFF)<<5
		word = (word &^ 0xF) | uint32(p.cond&0xF)
	default:
		return fmt.Errorf("arm64 asm: unsupported branch kind %d", p.kind)
	}
	binary.LittleEndian.PutUint32(c.text[p.pos:p.pos+4], word)
	return nil
}

const (
	minBranchImm = -(1 << 25)
	maxBranchImm = (1 << 25) - 1
)

func (c *Context) emitBranch(label asm.Label, kind branchKind, cond condition) {
	var base uint32
	switch kind {
	case branchB:
		base = 0x14000000
	case branchBL:
		base = 0x94000000
	case branchCond:
		base = 0x54000000 | uint32(cond&0xF)
	}
	pos := c.emit32(base)
	c.branches = append(c.branches, branchPatch{
		label: label,
		pos:   pos,
		kind:  kind,
		cond:  cond,
	})
}

func alignTo(value, align int) int {
	if align <= 0 {
		return value
	}
	if rem := value % align; rem != 0 {
		return value + (align - rem)
	}
	return value
}

// condition defines the condition code field used by conditional branches.
type condition uint8

const (
	condGE condition = 0xA
	condLT condition = 0xB
)
