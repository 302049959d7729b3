package smtpproxy

import (
	"bufio"
	"strings"
	"testing"

	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-smtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webitel/mail-auth-gateway/internal/domain/header"
)

func TestSMTPErrFromReason(t *testing.T) {
	e := smtpErrFromReason("553 5.7.1 go away", "550 5.0.0 Message rejected")
	assert.Equal(t, 553, e.Code)
	assert.Equal(t, smtp.EnhancedCode{5, 7, 1}, e.EnhancedCode)
	assert.Equal(t, "go away", e.Message)

	e = smtpErrFromReason("", "450 4.0.0 Message deferred")
	assert.Equal(t, 450, e.Code)
	assert.Equal(t, smtp.EnhancedCode{4, 0, 0}, e.EnhancedCode)

	e = smtpErrFromReason("garbage", "550 5.0.0 Message rejected")
	assert.Equal(t, 550, e.Code)
	assert.Equal(t, "Message rejected", e.Message)
}

func TestWriteMergedHeader(t *testing.T) {
	raw := "Authentication-Results: forged.example; spf=pass\r\n" +
		"Subject: hello\r\n" +
		"From: a@example.com\r\n\r\n"
	hdr, err := textproto.ReadHeader(bufio.NewReader(strings.NewReader(raw)))
	require.NoError(t, err)

	acc := header.NewAccumulator()
	acc.DeleteHeader("Authentication-Results", 1)
	acc.PrependHeader("X-One", "1")
	acc.InsertFront(header.Field{Name: "Authentication-Results", Value: "mx.example; none"})
	acc.AppendHeader("X-Last", "tail")

	var out strings.Builder
	require.NoError(t, writeMergedHeader(&out, hdr, acc))
	got := out.String()

	want := "Authentication-Results: mx.example; none\r\n" +
		"X-One: 1\r\n" +
		"Subject: hello\r\n" +
		"From: a@example.com\r\n" +
		"X-Last: tail\r\n\r\n"
	assert.Equal(t, want, got, "forged instance dropped, ours on top, adds at the bottom")
}

func TestWriteFieldFoldsWithCRLF(t *testing.T) {
	var out strings.Builder
	require.NoError(t, writeField(&out, "Authentication-Results",
		"mx.example;\n    spf=pass"))
	assert.Equal(t, "Authentication-Results: mx.example;\r\n    spf=pass\r\n", out.String())
}

func TestTLSVersionName(t *testing.T) {
	assert.Equal(t, "TLSv1.3", tlsVersionName(0x0304))
	assert.Equal(t, "TLSv1.2", tlsVersionName(0x0303))
	assert.Equal(t, "unknown", tlsVersionName(0x0000))
}
