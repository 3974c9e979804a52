package eventloop

import "sync"

// Manual is a deterministic Loop for tests. Post runs the task inline
// unless a task is already running, in which case it is queued and runs
// right after the current one. Spawned work is held until RunBackground.
type Manual struct {
	mu         sync.Mutex
	running    bool
	queue      []func()
	background []func()
}

// NewManual returns an idle Manual loop.
func NewManual() *Manual { return &Manual{} }

// Post implements Loop.
func (m *Manual) Post(task func()) {
	m.mu.Lock()
	if m.running {
		m.queue = append(m.queue, task)
		m.mu.Unlock()
		return
	}
	m.running = true
	m.mu.Unlock()

	task()
	for {
		m.mu.Lock()
		if len(m.queue) == 0 {
			m.running = false
			m.mu.Unlock()
			return
		}
		next := m.queue[0]
		m.queue = m.queue[1:]
		m.mu.Unlock()
		next()
	}
}

// Spawn implements Loop.
func (m *Manual) Spawn(work func()) {
	m.mu.Lock()
	m.background = append(m.background, work)
	m.mu.Unlock()
}

// PendingBackground returns how many spawned functions are waiting.
func (m *Manual) PendingBackground() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.background)
}

// RunBackground runs spawned work in spawn order until none is left,
// including work spawned while it runs. It returns how many ran.
func (m *Manual) RunBackground() int {
	n := 0
	for m.RunNext() {
		n++
	}
	return n
}

// RunNext runs the oldest spawned function. It reports false when there
// was nothing to run.
func (m *Manual) RunNext() bool {
	m.mu.Lock()
	if len(m.background) == 0 {
		m.mu.Unlock()
		return false
	}
	work := m.background[0]
	m.background = m.background[1:]
	m.mu.Unlock()
	work()
	return true
}

// TakeBackground removes and returns all pending spawned work without
// running it, so a test can run it out of order.
func (m *Manual) TakeBackground() []func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	work := m.background
	m.background = nil
	return work
}
