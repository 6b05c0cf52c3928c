package xdm

// This file is the Command Queue & Deferred Results component (C): an
// append-only sequence of scheduled JTAG shifts plus a store of results
// resolved once a batch flushes.

// ResultKind distinguishes the payload a Result carries.
type ResultKind int

const (
	// ResultNone means the command's capture was consumed only for its
	// side effect (a NAR status check, a write acknowledgement).
	ResultNone ResultKind = iota
	// ResultU32 carries a 32-bit decoded register value.
	ResultU32
)

// Result is the decoded outcome of one scheduled Command, produced by
// its Transform once a batch flush has captured its response bits.
type Result struct {
	Kind  ResultKind
	Value uint32
}

// TransformFunc interprets the bits captured for a scheduled command
// and turns them into a typed Result, or fails with a *RegisterError or
// *ExecError (see errors.go).
type TransformFunc func(cmd Command, captured []byte) (Result, error)

// Command is one scheduled JTAG shift, carrying everything the
// transport needs to perform it and to decode its response.
type Command struct {
	IRCode uint32
	Data   []byte // DR payload, little-endian
	Bits   uint32 // DR width in bits

	// RequireCapture asks the transport to capture this command's
	// response even when no Handle ever reads it. NAR status scans and
	// DSR polls need this: the Transform's side effect (possibly
	// failing the whole batch) matters even when the decoded value
	// itself is discarded.
	RequireCapture bool

	Transform TransformFunc
}

// Handle is an opaque token referencing one scheduled command's
// eventual Result. A Handle is only meaningful against the
// Queue/DeferredResults pair that produced it.
type Handle struct {
	idx int
}

// Queue is the ordered, append-only sequence of scheduled JTAG
// commands for one XDM session. Handle indices are absolute across the
// queue's lifetime so that Consume-ing retired commands never
// invalidates a Handle issued earlier in the same epoch.
type Queue struct {
	commands []Command
	offset   int
}

// NewQueue returns an empty command queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Schedule appends cmd and returns a Handle for its eventual result.
// Scheduling never performs I/O.
func (q *Queue) Schedule(cmd Command) Handle {
	idx := q.offset + len(q.commands)
	q.commands = append(q.commands, cmd)
	return Handle{idx: idx}
}

// Len reports how many commands are still queued (not yet consumed).
func (q *Queue) Len() int { return len(q.commands) }

// Commands returns the currently queued commands, in schedule order.
func (q *Queue) Commands() []Command { return q.commands }

// Offset reports the absolute index of Commands()[0], for merging
// results back into a DeferredResults keyed by absolute Handle index.
func (q *Queue) Offset() int { return q.offset }

// Consume removes the first n commands — e.g. because they have
// already executed as part of a retry — and advances the queue's base
// offset so later Schedule calls keep issuing fresh absolute indices.
func (q *Queue) Consume(n int) {
	if n <= 0 {
		return
	}
	if n >= len(q.commands) {
		q.offset += len(q.commands)
		q.commands = nil
		return
	}
	q.offset += n
	q.commands = append([]Command(nil), q.commands[n:]...)
}

// Reset discards every queued command and rewinds the absolute index
// counter. Used when a session starts a fresh epoch (EnterDebugMode).
func (q *Queue) Reset() {
	q.commands = nil
	q.offset = 0
}

// DeferredResults stores results merged in from flushed batches, keyed
// by the absolute Handle index of the command that produced them.
type DeferredResults struct {
	results map[int]Result
}

// NewDeferredResults returns an empty deferred result set.
func NewDeferredResults() *DeferredResults {
	return &DeferredResults{results: make(map[int]Result)}
}

// MergeFrom records results for the commands starting at startIdx
// (inclusive), in order.
func (d *DeferredResults) MergeFrom(startIdx int, results []Result) {
	for i, r := range results {
		d.results[startIdx+i] = r
	}
}

// Take looks up the result for h. The second return value is false if
// the owning command has not been flushed yet (or its batch failed
// before reaching it).
func (d *DeferredResults) Take(h Handle) (Result, bool) {
	r, ok := d.results[h.idx]
	return r, ok
}

// Reset discards every stored result. Used when a session starts a
// fresh epoch.
func (d *DeferredResults) Reset() {
	d.results = make(map[int]Result)
}
