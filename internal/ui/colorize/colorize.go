// Package colorize renders addresses, IR and disassembly for the terminal.
package colorize

import (
	"fmt"
	"os"
	"strings"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/formatters"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"
	"github.com/charmbracelet/lipgloss"
)

// IsDisabled returns true if colors are disabled via environment
func IsDisabled() bool {
	return os.Getenv("LIFTBRIDGE_NO_COLOR") != "" || os.Getenv("NO_COLOR") != ""
}

func firstLexer(names ...string) chroma.Lexer {
	for _, name := range names {
		if lexer := lexers.Get(name); lexer != nil {
			return lexer
		}
	}
	return nil
}

func style() *chroma.Style {
	if s := styles.Get("lift-dark"); s != nil {
		return s
	}
	return styles.Fallback
}

func formatter() chroma.Formatter {
	for _, name := range []string{"terminal16m", "terminal256"} {
		if f := formatters.Get(name); f != nil {
			return f
		}
	}
	return formatters.Fallback
}

func highlight(lexer chroma.Lexer, src string) string {
	if IsDisabled() || lexer == nil {
		return src
	}
	iterator, err := lexer.Tokenise(nil, src)
	if err != nil {
		return src
	}
	var buf strings.Builder
	if err := formatter().Format(&buf, style(), iterator); err != nil {
		return src
	}
	return strings.TrimSuffix(buf.String(), "\n")
}

// Instruction colorizes one disassembled instruction.
func Instruction(insn string) string {
	return highlight(firstLexer("armasm", "gas", "nasm"), insn)
}

// IR colorizes textual LLVM IR.
func IR(src string) string {
	return highlight(firstLexer("llvm", "LLVM"), src)
}

func paint(color, s string) string {
	if IsDisabled() {
		return s
	}
	return lipgloss.NewStyle().Foreground(lipgloss.Color(color)).Render(s)
}

// Address formats an address in yellow
func Address(addr uint64) string {
	return paint(ColorAddress, fmt.Sprintf("%08X", addr))
}

// Tag formats a hashtag in light pink
func Tag(tag string) string { return paint(ColorTag, tag) }

// FuncName formats a function name in yellow
func FuncName(name string) string { return paint(ColorAddress, name) }

// Detail formats detail text in light gray
func Detail(detail string) string { return paint(ColorDetail, detail) }

// Border formats border characters in dark gray
func Border(s string) string { return paint(ColorBorder, s) }

// Error formats error messages in pink
func Error(s string) string { return paint(ColorNumber, s) }

// OK formats success counts in green
func OK(s string) string { return paint(ColorOK, s) }

// Header renders a bold section header.
func Header(s string) string {
	if IsDisabled() {
		return s
	}
	return lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(ColorHeader)).Render(s)
}

// Table renders rows as left-aligned columns separated by two spaces.
// The first row is the header.
func Table(rows [][]string) string {
	if len(rows) == 0 {
		return ""
	}
	widths := make([]int, len(rows[0]))
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) {
				widths[i] = max(widths[i], lipgloss.Width(cell))
			}
		}
	}
	var b strings.Builder
	for r, row := range rows {
		cells := make([]string, len(row))
		for i, cell := range row {
			w := 0
			if i < len(widths) {
				w = widths[i]
			}
			cells[i] = cell + strings.Repeat(" ", w-lipgloss.Width(cell))
		}
		line := strings.TrimRight(strings.Join(cells, "  "), " ")
		if r == 0 {
			line = Header(line)
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}
