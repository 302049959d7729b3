// Package header accumulates per-connection and per-message
// authentication fragments and serializes the Authentication-Results
// trace header the gateway emits.
package header

import (
	"fmt"
	"sort"
	"strings"

	"github.com/emersion/go-msgauth/authres"
)

// Fragment is one handler's contribution to Authentication-Results.
type Fragment interface {
	// Key is the method name the fragment reports on ("spf", "dkim", ...).
	Key() string
	// Identifier distinguishes fragments of the same method, e.g. the
	// signing domain of one DKIM signature.
	Identifier() string
	String() string
}

// Legacy is an opaque pre-rendered fragment string. Deprecated: new
// handlers should produce *Entry values; Legacy is kept so older
// handler code keeps working and forces the serializer into the
// joined-string output mode.
type Legacy string

func (l Legacy) Key() string {
	s := string(l)
	if i := strings.IndexByte(s, '='); i > 0 {
		return strings.ToLower(strings.TrimSpace(s[:i]))
	}
	return strings.ToLower(strings.TrimSpace(s))
}

func (l Legacy) Identifier() string { return string(l) }

func (l Legacy) String() string { return string(l) }

// Prop is one ptype.property=value pair of a structured fragment.
type Prop struct {
	Type  string
	Name  string
	Value string
}

// Entry is a structured fragment.
type Entry struct {
	Method  string
	Value   authres.ResultValue
	Reason  string
	Props   []Prop
	Comment string
}

func (e *Entry) Key() string { return strings.ToLower(e.Method) }

func (e *Entry) Identifier() string {
	if len(e.Props) > 0 {
		return e.Props[0].Value
	}
	return e.Comment
}

func (e *Entry) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s=%s", e.Method, e.Value)
	if e.Reason != "" {
		fmt.Fprintf(&b, " reason=%q", e.Reason)
	}
	if e.Comment != "" {
		fmt.Fprintf(&b, " (%s)", e.Comment)
	}
	for _, p := range e.Props {
		fmt.Fprintf(&b, " %s.%s=%s", p.Type, p.Name, p.Value)
	}
	return b.String()
}

// FromAuthRes adapts an engine-produced authres result into an Entry.
func FromAuthRes(r authres.Result) *Entry {
	switch v := r.(type) {
	case *authres.SPFResult:
		e := &Entry{Method: "spf", Value: v.Value, Reason: v.Reason}
		if v.From != "" {
			e.Props = append(e.Props, Prop{"smtp", "mailfrom", v.From})
		}
		if v.Helo != "" {
			e.Props = append(e.Props, Prop{"smtp", "helo", v.Helo})
		}
		return e
	case *authres.DKIMResult:
		e := &Entry{Method: "dkim", Value: v.Value, Reason: v.Reason}
		if v.Domain != "" {
			e.Props = append(e.Props, Prop{"header", "d", v.Domain})
		}
		if v.Identifier != "" {
			e.Props = append(e.Props, Prop{"header", "i", v.Identifier})
		}
		return e
	case *authres.DMARCResult:
		e := &Entry{Method: "dmarc", Value: v.Value, Reason: v.Reason}
		if v.From != "" {
			e.Props = append(e.Props, Prop{"header", "from", v.From})
		}
		return e
	case *authres.AuthResult:
		e := &Entry{Method: "auth", Value: v.Value, Reason: v.Reason}
		if v.Auth != "" {
			e.Props = append(e.Props, Prop{"smtp", "auth", v.Auth})
		}
		return e
	case *authres.GenericResult:
		e := &Entry{Method: v.Method, Value: v.Value}
		names := make([]string, 0, len(v.Params))
		for n := range v.Params {
			names = append(names, n)
		}
		sort.Strings(names)
		for _, n := range names {
			typ, name := "policy", n
			if i := strings.IndexByte(n, '.'); i > 0 {
				typ, name = n[:i], n[i+1:]
			}
			e.Props = append(e.Props, Prop{typ, name, v.Params[n]})
		}
		return e
	default:
		return &Entry{Method: "x-unknown", Value: authres.ResultNone}
	}
}
