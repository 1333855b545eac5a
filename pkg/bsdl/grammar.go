package bsdl

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"
)

// bsdlLexer tokenises the VHDL subset BSDL is written in. Keywords are
// case-insensitive and must precede Ident.
var bsdlLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Comment", Pattern: `--[^\n]*`},
	{Name: "Whitespace", Pattern: `\s+`},

	{Name: "KwEntity", Pattern: `(?i)\bENTITY\b`},
	{Name: "KwIs", Pattern: `(?i)\bIS\b`},
	{Name: "KwEnd", Pattern: `(?i)\bEND\b`},
	{Name: "KwGeneric", Pattern: `(?i)\bGENERIC\b`},
	{Name: "KwPort", Pattern: `(?i)\bPORT\b`},
	{Name: "KwUse", Pattern: `(?i)\bUSE\b`},
	{Name: "KwAll", Pattern: `(?i)\bALL\b`},
	{Name: "KwAttribute", Pattern: `(?i)\bATTRIBUTE\b`},
	{Name: "KwOf", Pattern: `(?i)\bOF\b`},
	{Name: "KwConstant", Pattern: `(?i)\bCONSTANT\b`},
	{Name: "KwMode", Pattern: `(?i)\b(INOUT|IN|OUT|BUFFER|LINKAGE)\b`},
	{Name: "KwType", Pattern: `(?i)\b(BIT_VECTOR|BIT|STRING|INTEGER|REAL|BOOLEAN)\b`},
	{Name: "KwTrue", Pattern: `(?i)\bTRUE\b`},
	{Name: "KwFalse", Pattern: `(?i)\bFALSE\b`},

	{Name: "Assign", Pattern: `:=`},
	{Name: "Arrow", Pattern: `=>`},
	{Name: "Punct", Pattern: `[:;,.&()\[\]*]`},

	{Name: "String", Pattern: `"(?:[^"\\]|\\.)*"`},
	{Name: "Real", Pattern: `[-+]?[0-9]+\.[0-9]+([eE][-+]?[0-9]+)?`},
	{Name: "Integer", Pattern: `[-+]?[0-9]+`},
	{Name: "Ident", Pattern: `[a-zA-Z][a-zA-Z0-9_]*`},
})

// File is a parsed BSDL description. Real files hold exactly one entity.
type File struct {
	Entity *Entity `@@`
}

// Entity is `entity NAME is ... end NAME;`.
type Entity struct {
	Name    string         `KwEntity @Ident KwIs`
	Generic *GenericClause `@@?`
	Port    *PortClause    `@@?`
	Decls   []*Decl        `@@*`
	EndName string         `KwEnd KwEntity? @Ident? ";"`
}

type Decl struct {
	Use       *UseClause         `  @@`
	Constant  *ConstantAttribute `| @@`
	Attribute *AttributeSpec     `| @@`
}

type GenericClause struct {
	Generics []*Generic `KwGeneric "(" ( @@ ( ";" @@ )* )? ")" ";"`
}

type Generic struct {
	Name    string  `@Ident`
	Type    string  `":" @( Ident | KwType )`
	Default *String `( Assign @@ )?`
}

type PortClause struct {
	Ports []*Port `KwPort "(" ( @@ ( ";" @@ )* ";"? )? ")" ";"`
}

// Port is one `NAME : mode type` line; vectors carry a range.
type Port struct {
	Names []string   `@Ident ( "," @Ident )*`
	Mode  string     `":" @KwMode`
	Type  string     `@KwType`
	Range *RangeSpec `@@?`
}

type RangeSpec struct {
	From      int    `"(" @Integer`
	Direction string `@Ident`
	To        int    `@Integer ")"`
}

type UseClause struct {
	Package string `KwUse @Ident`
	Member  string `"." @( Ident | KwAll ) ";"`
}

// ConstantAttribute holds constants such as PIN_MAP_STRING tables.
type ConstantAttribute struct {
	Name  string      `KwConstant @Ident`
	Type  string      `":" @Ident`
	Value *Expression `Assign @@ ";"`
}

// AttributeSpec is `attribute NAME of TARGET : class is VALUE;`.
type AttributeSpec struct {
	Name  string      `KwAttribute @Ident`
	Of    string      `KwOf @Ident`
	Class string      `":" @( Ident | KwEntity | KwConstant )`
	Value *Expression `KwIs @@ ";"`
}

// Expression is a `&`-concatenation of terms.
type Expression struct {
	Terms []*Term `@@ ( "&" @@ )*`
}

type Term struct {
	String  *String  `  @@`
	Real    *float64 `| @Real`
	Integer *int     `| @Integer`
	Ident   *string  `| @Ident`
	Tuple   *Tuple   `| @@`
	Boolean *bool    `| ( @KwTrue | KwFalse )`
}

// Tuple is a parenthesised list, e.g. TAP_SCAN_CLOCK's (10.0e6, BOTH).
type Tuple struct {
	Values []*Expression `"(" @@ ( "," @@ )* ")"`
}

type String struct {
	Quoted string `@String`
}

// Text returns the literal without its quotes.
func (s *String) Text() string {
	return strings.Trim(s.Quoted, `"`)
}

// Text concatenates the string terms of e.
func (e *Expression) Text() string {
	var b strings.Builder
	for _, t := range e.Terms {
		if t.String != nil {
			b.WriteString(t.String.Text())
		}
	}
	return b.String()
}

// Int returns the value of an expression made of a single integer.
func (e *Expression) Int() (int, bool) {
	if e == nil || len(e.Terms) != 1 || e.Terms[0].Integer == nil {
		return 0, false
	}
	return *e.Terms[0].Integer, true
}

// Attribute returns the named attribute specification, matched
// case-insensitively.
func (e *Entity) Attribute(name string) *AttributeSpec {
	for _, d := range e.Decls {
		if d.Attribute != nil && strings.EqualFold(d.Attribute.Name, name) {
			return d.Attribute
		}
	}
	return nil
}

// Standard returns the package named by the first use clause, such as
// STD_1149_1_2001.
func (e *Entity) Standard() string {
	for _, d := range e.Decls {
		if d.Use != nil {
			return d.Use.Package
		}
	}
	return ""
}

// Parser wraps the participle parser; it is safe for concurrent use.
type Parser struct {
	parser *participle.Parser[File]
}

// NewParser builds the BSDL grammar.
func NewParser() (*Parser, error) {
	p, err := participle.Build[File](
		participle.Lexer(bsdlLexer),
		participle.Elide("Comment", "Whitespace"),
		participle.UseLookahead(2),
	)
	if err != nil {
		return nil, fmt.Errorf("bsdl: build parser: %w", err)
	}
	return &Parser{parser: p}, nil
}

// Parse reads one BSDL description.
func (p *Parser) Parse(name string, r io.Reader) (*File, error) {
	f, err := p.parser.Parse(name, r)
	if err != nil {
		return nil, fmt.Errorf("bsdl: parse %s: %w", name, err)
	}
	return f, nil
}

// ParseString parses an in-memory description.
func (p *Parser) ParseString(input string) (*File, error) {
	f, err := p.parser.ParseString("", input)
	if err != nil {
		return nil, fmt.Errorf("bsdl: parse: %w", err)
	}
	return f, nil
}

// ParseFile parses the description stored at path.
func (p *Parser) ParseFile(path string) (*File, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("bsdl: open: %w", err)
	}
	defer file.Close()
	return p.Parse(path, file)
}
