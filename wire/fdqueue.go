package wire

import "golang.org/x/sys/unix"

// FDQueue holds received file descriptors until a decoded message claims
// them. It is owned by one connection and is not safe for concurrent use.
type FDQueue struct {
	fds []int
}

// Push appends descriptors in arrival order.
func (q *FDQueue) Push(fds ...int) {
	q.fds = append(q.fds, fds...)
}

// NextFD implements FDSource.
func (q *FDQueue) NextFD() (int, bool) {
	if len(q.fds) == 0 {
		return -1, false
	}
	fd := q.fds[0]
	q.fds = q.fds[1:]
	if len(q.fds) == 0 {
		q.fds = nil
	}
	return fd, true
}

// Len returns the number of queued descriptors.
func (q *FDQueue) Len() int {
	return len(q.fds)
}

// Drop closes the next n queued descriptors.
func (q *FDQueue) Drop(n int) {
	for ; n > 0; n-- {
		fd, ok := q.NextFD()
		if !ok {
			return
		}
		_ = unix.Close(fd)
	}
}

// Close closes every queued descriptor.
func (q *FDQueue) Close() {
	q.Drop(len(q.fds))
}
