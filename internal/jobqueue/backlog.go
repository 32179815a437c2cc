package jobqueue

const initialBacklogCapacity = 64

// backlog is a growable ring buffer holding jobs in admission order.
// Not safe for concurrent use; Queue guards it with its mutex.
type backlog struct {
	buf        []*queuedJob
	head, tail int // read/write indices
	size       int
}

func newBacklog(capacity int) *backlog {
	if capacity <= 0 {
		capacity = initialBacklogCapacity
	}
	return &backlog{buf: make([]*queuedJob, capacity)}
}

func (b *backlog) Len() int { return b.size }

// Push appends j at the tail, growing the buffer when full.
func (b *backlog) Push(j *queuedJob) {
	if b.size == len(b.buf) {
		b.grow()
	}
	b.buf[b.tail] = j
	b.tail = (b.tail + 1) % len(b.buf)
	b.size++
}

// Pop removes and returns the oldest job.
func (b *backlog) Pop() (*queuedJob, bool) {
	if b.size == 0 {
		return nil, false
	}
	j := b.buf[b.head]
	b.buf[b.head] = nil
	b.head = (b.head + 1) % len(b.buf)
	b.size--
	return j, true
}

// Drain empties the backlog and returns its jobs oldest first.
func (b *backlog) Drain() []*queuedJob {
	out := make([]*queuedJob, 0, b.size)
	for {
		j, ok := b.Pop()
		if !ok {
			break
		}
		out = append(out, j)
	}
	b.head, b.tail = 0, 0
	return out
}

func (b *backlog) grow() {
	n := len(b.buf) * 2
	if n == 0 {
		n = initialBacklogCapacity
	}
	buf := make([]*queuedJob, n)
	for i := 0; i < b.size; i++ {
		buf[i] = b.buf[(b.head+i)%len(b.buf)]
	}
	b.buf = buf
	b.head = 0
	b.tail = b.size
}
