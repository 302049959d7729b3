package header

import (
	"strings"
	"testing"

	"github.com/emersion/go-msgauth/authres"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntryString(t *testing.T) {
	e := &Entry{
		Method: "spf",
		Value:  authres.ResultPass,
		Props:  []Prop{{Type: "smtp", Name: "mailfrom", Value: "example.com"}},
	}
	assert.Equal(t, "spf=pass smtp.mailfrom=example.com", e.String())

	e = &Entry{
		Method:  "iprev",
		Value:   authres.ResultPass,
		Props:   []Prop{{Type: "policy", Name: "iprev", Value: "192.0.2.10"}},
		Comment: "mail.example.com",
	}
	assert.Equal(t, "iprev=pass (mail.example.com) policy.iprev=192.0.2.10", e.String())
}

func TestFromAuthRes(t *testing.T) {
	e := FromAuthRes(&authres.SPFResult{Value: authres.ResultPass, From: "example.com"})
	assert.Equal(t, "spf", e.Key())
	assert.Contains(t, e.String(), "smtp.mailfrom=example.com")

	e = FromAuthRes(&authres.DKIMResult{Value: authres.ResultFail, Domain: "example.org"})
	assert.Equal(t, "dkim", e.Key())
	assert.Contains(t, e.String(), "header.d=example.org")
}

func TestLegacyKey(t *testing.T) {
	assert.Equal(t, "spf", Legacy("spf=pass smtp.mailfrom=example.com").Key())
	assert.Equal(t, "odd fragment", Legacy("odd fragment").Key())
}

func TestSerializeNone(t *testing.T) {
	assert.Equal(t, "mx.example.com; none", Serialize("mx.example.com", nil, FoldOpts{}))
}

func TestSerializeStructured(t *testing.T) {
	frags := []Fragment{
		&Entry{Method: "iprev", Value: authres.ResultPass},
		&Entry{Method: "spf", Value: authres.ResultPass},
	}
	got := Serialize("mx.example.com", frags, FoldOpts{})
	want := "mx.example.com;\n    iprev=pass;\n    spf=pass"
	assert.Equal(t, want, got)

	lines := strings.Split(got, "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "mx.example.com;", lines[0], "first folded line is the hostname")
	for _, l := range lines[1:] {
		assert.True(t, strings.HasPrefix(l, "    "), "fragments indented by four spaces")
	}
}

func TestSerializeLegacyMode(t *testing.T) {
	frags := []Fragment{
		Legacy("spf=pass smtp.mailfrom=example.com"),
		&Entry{Method: "dkim", Value: authres.ResultPass},
	}
	got := Serialize("mx.example.com", frags, FoldOpts{})
	// One legacy fragment forces joined-string output for all.
	assert.Equal(t,
		"mx.example.com;\n    spf=pass smtp.mailfrom=example.com;\n    dkim=pass", got)
}

func TestSortFragmentsLexical(t *testing.T) {
	frags := []Fragment{
		&Entry{Method: "spf", Value: authres.ResultPass},
		&Entry{Method: "dkim", Value: authres.ResultPass},
		&Entry{Method: "iprev", Value: authres.ResultPass},
	}
	sorted := SortFragments(frags, nil)
	require.Len(t, sorted, 3)
	assert.Equal(t, "dkim", sorted[0].Key())
	assert.Equal(t, "iprev", sorted[1].Key())
	assert.Equal(t, "spf", sorted[2].Key())
}

func TestSortFragmentsDedup(t *testing.T) {
	frags := []Fragment{
		&Entry{Method: "dkim", Value: authres.ResultPass,
			Props: []Prop{{Type: "header", Name: "d", Value: "example.com"}}},
		&Entry{Method: "dkim", Value: authres.ResultPass,
			Props: []Prop{{Type: "header", Name: "d", Value: "example.com"}}},
		&Entry{Method: "dkim", Value: authres.ResultPass,
			Props: []Prop{{Type: "header", Name: "d", Value: "example.org"}}},
	}
	sorted := SortFragments(frags, nil)
	assert.Len(t, sorted, 2, "one fragment per (key, identifier) survives")
}

type fakeSorter struct{}

func (fakeSorter) FragmentCmp(key string) func(a, b string) int {
	if key != "dkim" {
		return nil
	}
	// Reverse lexical, to prove the handler comparator is consulted.
	return func(a, b string) int { return strings.Compare(b, a) }
}

func TestSortFragmentsHandlerOwned(t *testing.T) {
	frags := []Fragment{
		&Entry{Method: "dkim", Value: authres.ResultPass,
			Props: []Prop{{Type: "header", Name: "d", Value: "aaa.example"}}},
		&Entry{Method: "dkim", Value: authres.ResultPass,
			Props: []Prop{{Type: "header", Name: "d", Value: "zzz.example"}}},
	}
	sorted := SortFragments(frags, fakeSorter{})
	require.Len(t, sorted, 2)
	assert.Contains(t, sorted[0].String(), "zzz.example")
	assert.Contains(t, sorted[1].String(), "aaa.example")
}

func TestAccumulatorScopes(t *testing.T) {
	a := NewAccumulator()
	a.AddConnFragment(&Entry{Method: "iprev", Value: authres.ResultPass})
	a.AddFragment(&Entry{Method: "spf", Value: authres.ResultPass})
	a.PrependHeader("X-One", "1")
	a.AppendHeader("X-Two", "2")
	a.DeleteHeader("Authentication-Results", 1)

	require.Len(t, a.Fragments(), 2)

	a.ResetMessage()
	frags := a.Fragments()
	require.Len(t, frags, 1, "connection-scope fragment survives the message")
	assert.Equal(t, "iprev", frags[0].Key())
	assert.Empty(t, a.PreHeaders())
	assert.Empty(t, a.AddHeaders())
	assert.Empty(t, a.Deletes())
}

func TestAccumulatorInsertFront(t *testing.T) {
	a := NewAccumulator()
	a.PrependHeader("X-One", "1")
	a.InsertFront(Field{Name: "Authentication-Results", Value: "host; none"})
	a.InsertAfterFront(Field{Name: "X-Disposition-Quarantine", Value: "junk"})

	pre := a.PreHeaders()
	require.Len(t, pre, 3)
	assert.Equal(t, "Authentication-Results", pre[0].Name)
	assert.Equal(t, "X-Disposition-Quarantine", pre[1].Name)
	assert.Equal(t, "X-One", pre[2].Name)
}

func TestFoldLongLine(t *testing.T) {
	frags := []Fragment{
		&Entry{Method: "dkim", Value: authres.ResultPass, Props: []Prop{
			{Type: "header", Name: "d", Value: "a-very-long-domain-name.example.com"},
			{Type: "header", Name: "i", Value: "@a-very-long-domain-name.example.com"},
		}},
	}
	got := Serialize("mx.example.com", frags, FoldOpts{FoldAt: 40})
	for _, line := range strings.Split(got, "\n") {
		assert.LessOrEqual(t, len(line), 78, "folded lines stay reasonable")
	}
	assert.Contains(t, got, "\n        ", "continuations indent one extra level")
}
