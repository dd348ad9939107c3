package main

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/snippets/internal/snippetfile"
	"github.com/tinyrange/snippets/internal/snippets"
)

// Report describes one compiled blob.
type Report struct {
	Name    string `yaml:"name"`
	Source  string `yaml:"source"`
	ID      string `yaml:"id"`
	Arch    string `yaml:"arch"`
	Dynamic bool   `yaml:"dynamic"`

	Bytes           int `yaml:"bytes"`
	Relocations     int `yaml:"relocations,omitempty"`
	RuntimeArgsSize int `yaml:"runtimeArgsSize"`

	Executors []string `yaml:"executors,omitempty,flow"`
	Pending   []string `yaml:"pending,omitempty,flow"`
	Retained  int      `yaml:"retained,omitempty"`

	Bound *RuntimeConfigReport `yaml:"bound,omitempty"`
}

// RuntimeConfigReport is the configuration computed for the shapes a file
// binds.
type RuntimeConfigReport struct {
	IOShapes       []string `yaml:"ioShapes,flow"`
	IOSizes        []int64  `yaml:"ioSizes,flow"`
	ScratchpadSize int64    `yaml:"scratchpadSize"`
	RuntimeArgs    []int64  `yaml:"runtimeArgs,omitempty,flow"`
}

func newReport(f *snippetfile.File, path string, arch snippets.Arch, res *snippets.LoweringResult) *Report {
	return &Report{
		Name:            f.Name,
		Source:          path,
		ID:              res.ID.String(),
		Arch:            string(arch),
		Dynamic:         res.Dynamic,
		Bytes:           res.Program.Len(),
		Relocations:     len(res.Program.Relocations()),
		RuntimeArgsSize: res.RuntimeArgsSize,
		Executors:       res.Table.Keys(),
		Pending:         res.Table.Pending(),
		Retained:        len(res.RetainedEmitters),
	}
}

func newRuntimeConfigReport(rc *snippets.RuntimeConfig) *RuntimeConfigReport {
	out := &RuntimeConfigReport{
		IOSizes:        rc.IOSizes,
		ScratchpadSize: rc.BufferScratchpadSize,
		RuntimeArgs:    rc.RuntimeArgs,
	}
	for _, s := range rc.IOShapes {
		out.IOShapes = append(out.IOShapes, s.String())
	}
	return out
}

func (r *Report) write(path string) error {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(r); err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}
