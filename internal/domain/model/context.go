// Package model holds the per-connection and per-message state the
// pipeline operates on: symbol table, object store, disposition
// register, header accumulator and peer identity.
package model

import (
	"context"
	"log/slog"
	"net/netip"

	"github.com/google/uuid"
	"github.com/webitel/mail-auth-gateway/internal/domain/header"
)

// LogLine is one buffered per-connection log item.
type LogLine struct {
	Level slog.Level
	Key   string
	Value string
}

// ConnContext is the state of one MTA connection. It is owned by a
// single goroutine; nothing in it is safe for concurrent use.
type ConnContext struct {
	ID uuid.UUID

	// Peer identity, before and after ip_map remapping.
	RawIP   netip.Addr
	IP      netip.Addr
	Port    uint16
	Host    string // peer hostname as reported by the MTA
	RawHelo string
	Helo    string
	// HeloSeen marks that the first HELO was processed; later HELOs on
	// the same connection are ignored.
	HeloSeen bool

	// ConnCount is this child's running connection counter.
	ConnCount uint64

	Symbols     *SymbolTable
	Objects     *ObjectStore
	Headers     *header.Accumulator
	Disposition *Disposition

	// Private is per-handler state keyed by handler name.
	Private map[string]any

	// Status is the current pipeline status label.
	Status string

	// ExitOnClose makes the transport refuse the next MAIL FROM on this
	// connection: 421 on the SMTP path, a dropped milter connection on
	// the milter path.
	ExitOnClose bool

	queueID   string
	synthetic string

	debugLog []LogLine

	Msg *MsgContext
}

// MsgContext is the state of one message transaction, MAIL FROM through
// end-of-message or abort.
type MsgContext struct {
	Sender string
	// Rcpts keeps envelope recipients in arrival order; duplicates are
	// allowed.
	Rcpts []string
	// Private is per-handler message-scoped state keyed by handler
	// name. It dies with the transaction, unlike ConnContext.Private.
	Private map[string]any
}

func NewConnContext(connCount uint64, logger *slog.Logger) *ConnContext {
	return &ConnContext{
		ID:          uuid.New(),
		ConnCount:   connCount,
		Symbols:     NewSymbolTable(),
		Objects:     NewObjectStore(),
		Headers:     header.NewAccumulator(),
		Disposition: NewDisposition(logger),
		Private:     make(map[string]any),
	}
}

// SetQueueID records the MTA-supplied queue id (milter macro i).
func (c *ConnContext) SetQueueID(id string) {
	if id != "" {
		c.queueID = id
	}
}

// QueueID returns the MTA queue id, or a synthetic NOQUEUE id minted on
// first use when none is known yet.
func (c *ConnContext) QueueID() string {
	if c.queueID != "" {
		return c.queueID
	}
	if c.synthetic == "" {
		c.synthetic = SyntheticQueueID()
	}
	return c.synthetic
}

// Log buffers one queue-id-prefixed line for this connection.
func (c *ConnContext) Log(level slog.Level, key, value string) {
	c.debugLog = append(c.debugLog, LogLine{Level: level, Key: key, Value: value})
}

// FlushLog emits and drops the buffered lines, each prefixed by the
// queue id the way syslog consumers expect.
func (c *ConnContext) FlushLog(logger *slog.Logger) {
	qid := c.QueueID()
	for _, l := range c.debugLog {
		logger.Log(context.Background(), l.Level, qid+": "+l.Key+": "+l.Value,
			slog.String("queue_id", qid))
	}
	c.debugLog = nil
}

// BeginMessage opens a new message transaction.
func (c *ConnContext) BeginMessage(sender string) {
	c.Msg = &MsgContext{Sender: sender, Private: make(map[string]any)}
	c.Disposition.Reset()
	c.queueID = ""
	c.synthetic = ""
}

// DropMessage ends the transaction: message context, message-scope
// headers, destroyable objects and post-connect symbols all go away.
func (c *ConnContext) DropMessage() {
	c.Msg = nil
	c.Headers.ResetMessage()
	c.Objects.ReapDestroyable()
	c.Symbols.ClearSymbols()
}
