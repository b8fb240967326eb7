// Package filter evaluates display filter expressions against stored
// packets using expr-lang/expr.
package filter

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/pktvault/pktvault/pkg/model"
)

// PacketEnv is the expression environment. Field names follow the
// packet columns plus convenience aliases.
type PacketEnv struct {
	ID        int64   `expr:"id"`
	SessionID int64   `expr:"session_id"`
	Timestamp float64 `expr:"timestamp"`
	SrcIP     string  `expr:"src_ip"`
	DstIP     string  `expr:"dst_ip"`
	SrcPort   int     `expr:"src_port"`
	DstPort   int     `expr:"dst_port"`
	Protocol  string  `expr:"protocol"`
	Length    int     `expr:"length"`

	// Protocol shorthands so "tcp && length > 100" works.
	IsTCP  bool `expr:"is_tcp"`
	IsUDP  bool `expr:"is_udp"`
	IsICMP bool `expr:"is_icmp"`
}

// Filter is a compiled packet predicate.
type Filter struct {
	source  string
	program *vm.Program
}

// Compile compiles a filter expression. Standalone protocol names
// (tcp, udp, icmp) are accepted as boolean shorthands.
func Compile(source string) (*Filter, error) {
	processed := preprocess(source)

	program, err := expr.Compile(processed, expr.Env(PacketEnv{}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compile filter %q: %w", source, err)
	}
	return &Filter{source: source, program: program}, nil
}

// Match reports whether p satisfies the filter. Evaluation errors
// count as non-matches.
func (f *Filter) Match(p *model.Packet) bool {
	result, err := expr.Run(f.program, envFor(p))
	if err != nil {
		return false
	}
	b, ok := result.(bool)
	return ok && b
}

// Apply returns the packets of in that satisfy the filter.
func (f *Filter) Apply(in []*model.Packet) []*model.Packet {
	out := make([]*model.Packet, 0, len(in))
	for _, p := range in {
		if f.Match(p) {
			out = append(out, p)
		}
	}
	return out
}

// String returns the original filter source.
func (f *Filter) String() string {
	return f.source
}

func envFor(p *model.Packet) PacketEnv {
	return PacketEnv{
		ID:        p.ID,
		SessionID: p.SessionID,
		Timestamp: p.Timestamp,
		SrcIP:     p.SrcIP,
		DstIP:     p.DstIP,
		SrcPort:   p.SrcPort,
		DstPort:   p.DstPort,
		Protocol:  p.Protocol,
		Length:    p.Length,
		IsTCP:     p.Protocol == model.ProtocolTCP,
		IsUDP:     p.Protocol == model.ProtocolUDP,
		IsICMP:    p.Protocol == model.ProtocolICMP,
	}
}

var protocolShorthand = map[string]string{
	"tcp":  "is_tcp",
	"udp":  "is_udp",
	"icmp": "is_icmp",
}

var (
	ipEqRe   = regexp.MustCompile(`\bip\s*==\s*("[^"]*"|'[^']*')`)
	portEqRe = regexp.MustCompile(`\bport\s*==\s*(\d+)`)
)

// preprocess rewrites standalone protocol names to their boolean
// shorthand fields and expands direction-agnostic comparisons:
// ip == "x" matches either endpoint, port == n either port. Field
// references like src_ip are left alone.
func preprocess(source string) string {
	out := ipEqRe.ReplaceAllString(source, "(src_ip == $1 || dst_ip == $1)")
	out = portEqRe.ReplaceAllString(out, "(src_port == $1 || dst_port == $1)")

	fields := strings.FieldsFunc(out, func(r rune) bool {
		return r == ' ' || r == '\t' || r == '(' || r == ')' || r == '!' ||
			r == '&' || r == '|' || r == '=' || r == '<' || r == '>'
	})

	for _, f := range fields {
		if shorthand, ok := protocolShorthand[strings.ToLower(f)]; ok {
			out = replaceWord(out, f, shorthand)
		}
	}
	return out
}

// replaceWord substitutes whole-word occurrences only, so a filter
// comparing protocol == "tcp" keeps its string literal.
func replaceWord(s, word, repl string) string {
	var b strings.Builder
	for i := 0; i < len(s); {
		j := strings.Index(s[i:], word)
		if j < 0 {
			b.WriteString(s[i:])
			break
		}
		j += i
		before := j == 0 || !isWordChar(s[j-1])
		afterIdx := j + len(word)
		after := afterIdx >= len(s) || !isWordChar(s[afterIdx])
		quoted := j > 0 && (s[j-1] == '"' || s[j-1] == '\'')
		b.WriteString(s[i:j])
		if before && after && !quoted {
			b.WriteString(repl)
		} else {
			b.WriteString(word)
		}
		i = afterIdx
	}
	return b.String()
}

func isWordChar(c byte) bool {
	return c == '_' || c == '.' ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}
