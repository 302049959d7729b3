package header

import "strings"

// FoldOpts controls Authentication-Results layout.
type FoldOpts struct {
	IndentStyle string // "entry" (default) or "none"
	IndentBy    int    // spaces per fragment line, default 4
	FoldAt      int    // soft wrap column, 0 = no extra folding
}

func (o FoldOpts) normalized() FoldOpts {
	if o.IndentStyle == "" {
		o.IndentStyle = "entry"
	}
	if o.IndentBy <= 0 {
		o.IndentBy = 4
	}
	return o
}

// Serialize renders the Authentication-Results value: the first folded
// line carries the authserv-id (our hostname), then one fragment per
// line. When any fragment is a legacy string the whole value falls back
// to the joined-string form the older handlers produced.
func Serialize(hostname string, frags []Fragment, opts FoldOpts) string {
	opts = opts.normalized()

	if len(frags) == 0 {
		return hostname + "; none"
	}

	legacy := false
	for _, f := range frags {
		if _, ok := f.(Legacy); ok {
			legacy = true
			break
		}
	}

	indent := strings.Repeat(" ", opts.IndentBy)
	sep := ";\n" + indent
	if opts.IndentStyle == "none" {
		sep = "; "
	}

	var b strings.Builder
	b.WriteString(hostname)
	for _, f := range frags {
		b.WriteString(sep)
		if legacy || opts.FoldAt <= 0 {
			b.WriteString(f.String())
		} else {
			b.WriteString(foldLine(f.String(), indent, opts.FoldAt))
		}
	}
	return b.String()
}

// foldLine soft-wraps one fragment line at spaces once it passes the
// fold column, indenting continuations one extra level.
func foldLine(s, indent string, col int) string {
	if len(indent)+len(s) <= col {
		return s
	}
	words := strings.Split(s, " ")
	var b strings.Builder
	lineLen := len(indent)
	for i, w := range words {
		if i == 0 {
			b.WriteString(w)
			lineLen += len(w)
			continue
		}
		if lineLen+1+len(w) > col {
			b.WriteString("\n" + indent + indent)
			lineLen = 2 * len(indent)
		} else {
			b.WriteString(" ")
			lineLen++
		}
		b.WriteString(w)
		lineLen += len(w)
	}
	return b.String()
}
