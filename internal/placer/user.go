package placer

import "sort"

// speedSamples is the window of the placing-speed moving average.
const speedSamples = 5

// userState is guarded by Service.mu.
type userState struct {
	queue []Entry
	head  int

	jobs map[int]Job

	locked   bool
	informed bool

	speed    float64
	maxDepth int
}

func newUserState() *userState {
	return &userState{jobs: map[int]Job{}}
}

func (u *userState) depth() int { return len(u.queue) - u.head }

func (u *userState) push(e Entry) {
	u.queue = append(u.queue, e)
	if d := u.depth(); d > u.maxDepth {
		u.maxDepth = d
	}
}

func (u *userState) pop() (Entry, bool) {
	if u.head >= len(u.queue) {
		return nil, false
	}
	e := u.queue[u.head]
	u.queue[u.head] = nil
	u.head++
	switch {
	case u.head == len(u.queue):
		u.queue = u.queue[:0]
		u.head = 0
		u.maxDepth = 0
	case u.head >= 1024 && u.head*2 >= len(u.queue):
		n := copy(u.queue, u.queue[u.head:])
		clear(u.queue[n:])
		u.queue = u.queue[:n]
		u.head = 0
	}
	return e, true
}

func (u *userState) drop() int {
	n := u.depth()
	clear(u.queue)
	u.queue = nil
	u.head = 0
	u.maxDepth = 0
	return n
}

func (u *userState) updateSpeed(blocks int, seconds float64) {
	if seconds <= 0 || blocks < 0 {
		return
	}
	rate := float64(blocks) / seconds
	u.speed = (u.speed*(speedSamples-1) + rate) / speedSamples
}

// progress is the share of the current queue lifetime already drained.
func (u *userState) progress() float64 {
	if u.maxDepth <= 0 {
		return 1
	}
	return 1 - float64(u.depth())/float64(u.maxDepth)
}

func (u *userState) nextJobID() int {
	if len(u.jobs) == 0 {
		return 0
	}
	hi := -1
	for id := range u.jobs {
		if id > hi {
			hi = id
		}
	}
	return hi + 1
}

func (u *userState) sortedJobs() []Job {
	out := make([]Job, 0, len(u.jobs))
	for _, j := range u.jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID() < out[k].ID() })
	return out
}
