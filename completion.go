package rxr

// Completion is the application-visible record of a finished operation.
type Completion struct {
	// Ctx is the context value supplied when the operation was posted.
	Ctx  interface{}
	Op   OpKind
	Peer PeerAddr
	Tag  uint64
	// Data is the remote completion data, when the sender attached any.
	Data uint64
	// Len is the number of bytes transferred.
	Len uint64
	// MultiRecvClosed marks the completion that retires a multi-receive
	// buffer: no further messages will land in it.
	MultiRecvClosed bool
	Canceled        bool
	// Err is nil on success; operation-fatal failures carry a
	// *TransportError or a protocol error such as ErrTruncated.
	Err error
}

// resource-management bits, set while the completion queue is full and
// writes are being deferred.
const (
	rmTxCQFull uint8 = 1 << iota
	rmRxCQFull
)

// completionQueue is the bounded ring finished entries are reported through.
// Error completions go through a small reserved ring so an operation-fatal
// failure can still be reported when the main ring is full; if even that
// ring is full the caller must treat the notification as undeliverable.
type completionQueue struct {
	buf   []Completion
	head  int
	count int

	errBuf   []Completion
	errHead  int
	errCount int
}

func newCompletionQueue(size int) *completionQueue {
	errSize := size / 16
	if errSize < 8 {
		errSize = 8
	}
	return &completionQueue{
		buf:    make([]Completion, size),
		errBuf: make([]Completion, errSize),
	}
}

func (q *completionQueue) full() bool {
	return q.count == len(q.buf)
}

func (q *completionQueue) push(c Completion) bool {
	if q.full() {
		return false
	}
	q.buf[(q.head+q.count)%len(q.buf)] = c
	q.count++
	return true
}

func (q *completionQueue) pushErr(c Completion) bool {
	if q.errCount == len(q.errBuf) {
		return false
	}
	q.errBuf[(q.errHead+q.errCount)%len(q.errBuf)] = c
	q.errCount++
	return true
}

// pop returns the next completion, error records first.
func (q *completionQueue) pop() (Completion, bool) {
	if q.errCount > 0 {
		c := q.errBuf[q.errHead]
		q.errBuf[q.errHead] = Completion{}
		q.errHead = (q.errHead + 1) % len(q.errBuf)
		q.errCount--
		return c, true
	}
	if q.count == 0 {
		return Completion{}, false
	}
	c := q.buf[q.head]
	q.buf[q.head] = Completion{}
	q.head = (q.head + 1) % len(q.buf)
	q.count--
	return c, true
}
