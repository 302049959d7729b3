package header

// Field is one queued header mutation (name plus pre-folded value).
type Field struct {
	Name  string
	Value string
}

// Delete asks the transport to remove an existing header instance.
// Occurrence counts instances of Name from the top of the message,
// starting at 1.
type Delete struct {
	Name       string
	Occurrence int
}

// Accumulator gathers authentication fragments and queued header
// mutations for one connection. Connection-scope fragments are emitted
// on every message; everything else is reset between messages.
type Accumulator struct {
	connFragments []Fragment // emitted on every message of the connection
	msgFragments  []Fragment
	preHeaders    []Field // inserted at index 1, in order
	addHeaders    []Field // appended after existing headers
	deletes       []Delete
}

func NewAccumulator() *Accumulator {
	return &Accumulator{}
}

// AddConnFragment records a connection-scope fragment (IPrev and other
// connect-time verdicts that hold for every message).
func (a *Accumulator) AddConnFragment(f Fragment) {
	a.connFragments = append(a.connFragments, f)
}

// AddFragment records a message-scope fragment.
func (a *Accumulator) AddFragment(f Fragment) {
	a.msgFragments = append(a.msgFragments, f)
}

// PrependHeader queues a header for insertion at the top of the
// message (milter insert index 1).
func (a *Accumulator) PrependHeader(name, value string) {
	a.preHeaders = append(a.preHeaders, Field{Name: name, Value: value})
}

// AppendHeader queues a header for appending after existing ones.
func (a *Accumulator) AppendHeader(name, value string) {
	a.addHeaders = append(a.addHeaders, Field{Name: name, Value: value})
}

// DeleteHeader queues removal of the n-th instance of name.
func (a *Accumulator) DeleteHeader(name string, occurrence int) {
	a.deletes = append(a.deletes, Delete{Name: name, Occurrence: occurrence})
}

// Fragments returns connection-scope fragments followed by
// message-scope ones, unsorted.
func (a *Accumulator) Fragments() []Fragment {
	out := make([]Fragment, 0, len(a.connFragments)+len(a.msgFragments))
	out = append(out, a.connFragments...)
	out = append(out, a.msgFragments...)
	return out
}

func (a *Accumulator) PreHeaders() []Field { return a.preHeaders }

func (a *Accumulator) AddHeaders() []Field { return a.addHeaders }

func (a *Accumulator) Deletes() []Delete { return a.deletes }

// InsertFront places a field before all queued pre-headers. Used for
// Authentication-Results, which must be the first inserted header.
func (a *Accumulator) InsertFront(f Field) {
	a.preHeaders = append([]Field{f}, a.preHeaders...)
}

// InsertAfterFront places a field directly after the front one, keeping
// Authentication-Results first.
func (a *Accumulator) InsertAfterFront(f Field) {
	if len(a.preHeaders) == 0 {
		a.preHeaders = []Field{f}
		return
	}
	rest := append([]Field{f}, a.preHeaders[1:]...)
	a.preHeaders = append(a.preHeaders[:1:1], rest...)
}

// ResetMessage drops message-scope state, keeping connection-scope
// fragments for the next transaction.
func (a *Accumulator) ResetMessage() {
	a.msgFragments = nil
	a.preHeaders = nil
	a.addHeaders = nil
	a.deletes = nil
}
