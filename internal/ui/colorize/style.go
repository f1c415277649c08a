package colorize

import (
	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/styles"
)

// Palette shared by the lipgloss helpers and the chroma style.
const (
	ColorAddress  = "#FFC800"
	ColorRegister = "#87CEEB"
	ColorNumber   = "#FF80C0"
	ColorComment  = "#FF8000"
	ColorString   = "#00FF00"
	ColorDetail   = "#B4B4B4"
	ColorBorder   = "#505050"
	ColorHeader   = "#569CD6"
	ColorTag      = "#FFB4C8"
	ColorOK       = "#87D787"
)

// LiftDark highlights both disassembly and LLVM IR.
var LiftDark = styles.Register(chroma.MustNewStyle("lift-dark", chroma.StyleEntries{
	chroma.Text:       "#FFFFFF",
	chroma.Background: "bg:#000000",
	chroma.Comment:    ColorComment,

	chroma.Keyword:       "#FFFFFF",
	chroma.KeywordType:   ColorRegister,
	chroma.KeywordPseudo: "#FFFFFF",
	chroma.Name:          ColorRegister,
	chroma.NameBuiltin:   ColorRegister,
	chroma.NameVariable:  ColorRegister,
	chroma.NameLabel:     ColorAddress,
	chroma.NameFunction:  ColorAddress,

	chroma.LiteralNumber:        ColorNumber,
	chroma.LiteralNumberHex:     ColorNumber,
	chroma.LiteralNumberInteger: ColorNumber,

	chroma.Operator:    "#FFFFFF",
	chroma.Punctuation: "#FFFFFF",
	chroma.String:      ColorString,
}))
