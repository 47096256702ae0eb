// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ux provides terminal output styling for the pipeflow CLI.
package ux

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

// Palette
var (
	ColorTealBright  = lipgloss.Color("#2CD7C7") // highlights
	ColorTealPrimary = lipgloss.Color("#20B9B4")
	ColorTealDeep    = lipgloss.Color("#16858E") // borders
	ColorSlate       = lipgloss.Color("#2C4A54") // muted text

	ColorSuccess = lipgloss.Color("#2CD7C7")
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
)

// Styles provides pre-configured lipgloss styles.
var Styles = struct {
	Title    lipgloss.Style
	Bold     lipgloss.Style
	Muted    lipgloss.Style
	Success  lipgloss.Style
	Warning  lipgloss.Style
	Error    lipgloss.Style
	Box      lipgloss.Style
	ErrorBox lipgloss.Style
}{
	Title:   lipgloss.NewStyle().Bold(true).Foreground(ColorTealBright),
	Bold:    lipgloss.NewStyle().Bold(true),
	Muted:   lipgloss.NewStyle().Foreground(ColorSlate),
	Success: lipgloss.NewStyle().Foreground(ColorSuccess),
	Warning: lipgloss.NewStyle().Foreground(ColorWarning),
	Error:   lipgloss.NewStyle().Foreground(ColorError),
	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorTealDeep).
		Padding(0, 1),
	ErrorBox: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorError).
		Padding(0, 1),
}

// Icon is a status glyph.
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconPending Icon = "○"
	IconArrow   Icon = "→"
)

// plainIcon is the ASCII form used when styling is off.
func (i Icon) plain() string {
	switch i {
	case IconSuccess:
		return "OK"
	case IconWarning:
		return "WARN"
	case IconError:
		return "FAIL"
	case IconPending:
		return "--"
	default:
		return string(i)
	}
}

func (i Icon) render() string {
	switch i {
	case IconSuccess:
		return Styles.Success.Render(string(i))
	case IconWarning:
		return Styles.Warning.Render(string(i))
	case IconError:
		return Styles.Error.Render(string(i))
	case IconPending:
		return Styles.Muted.Render(string(i))
	default:
		return string(i)
	}
}

// IsTerminal reports whether f is attached to a terminal.
func IsTerminal(f *os.File) bool {
	if f == nil {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// Printer writes styled or plain lines to a writer.
//
// Plain output has no ANSI sequences and is meant for pipes and scripts.
type Printer struct {
	w     io.Writer
	plain bool
}

// NewPrinter creates a Printer. plain disables all styling.
func NewPrinter(w io.Writer, plain bool) *Printer {
	return &Printer{w: w, plain: plain}
}

// Stdout returns a Printer for os.Stdout, plain unless it is a terminal.
func Stdout() *Printer {
	return NewPrinter(os.Stdout, !IsTerminal(os.Stdout))
}

// Plain reports whether styling is off.
func (p *Printer) Plain() bool { return p.plain }

func (p *Printer) style(s lipgloss.Style, text string) string {
	if p.plain {
		return text
	}
	return s.Render(text)
}

// Title prints a heading.
func (p *Printer) Title(text string) {
	fmt.Fprintln(p.w, p.style(Styles.Title, text))
}

// Line prints an icon, a bold label and optional muted detail.
func (p *Printer) Line(icon Icon, label, detail string) {
	glyph := icon.render()
	if p.plain {
		glyph = fmt.Sprintf("%-4s", icon.plain())
	}
	if detail == "" {
		fmt.Fprintf(p.w, "%s %s\n", glyph, p.style(Styles.Bold, label))
		return
	}
	fmt.Fprintf(p.w, "%s %s %s\n", glyph, p.style(Styles.Bold, label), p.style(Styles.Muted, detail))
}

// Success prints a success message.
func (p *Printer) Success(text string) { p.Line(IconSuccess, text, "") }

// Warning prints a warning message.
func (p *Printer) Warning(text string) { p.Line(IconWarning, text, "") }

// Error prints an error message.
func (p *Printer) Error(text string) { p.Line(IconError, text, "") }

// Muted prints secondary text.
func (p *Printer) Muted(text string) {
	fmt.Fprintln(p.w, p.style(Styles.Muted, text))
}

// KeyValues prints aligned key: value pairs in a box.
func (p *Printer) KeyValues(pairs [][2]string, failed bool) {
	width := 0
	for _, kv := range pairs {
		width = max(width, len(kv[0]))
	}
	lines := make([]string, 0, len(pairs))
	for _, kv := range pairs {
		lines = append(lines, fmt.Sprintf("%-*s  %s", width, kv[0]+":", kv[1]))
	}
	body := strings.Join(lines, "\n")
	if p.plain {
		fmt.Fprintln(p.w, body)
		return
	}
	box := Styles.Box
	if failed {
		box = Styles.ErrorBox
	}
	fmt.Fprintln(p.w, box.Render(body))
}
