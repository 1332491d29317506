package database

import (
	"sync"

	"pbk-go/internal/pbk"
)

// changeFeed fans ChangeEvents out to per-folder subscribers. Each subscriber
// has its own unbounded queue so publishing never blocks a writer and no
// event is dropped.
type changeFeed struct {
	mu   sync.Mutex
	seq  uint64
	subs map[pbk.FolderKey]map[*subscription]struct{}
}

func newChangeFeed() *changeFeed {
	return &changeFeed{subs: make(map[pbk.FolderKey]map[*subscription]struct{})}
}

func (f *changeFeed) subscribe(key pbk.FolderKey) *subscription {
	s := &subscription{
		feed:   f,
		key:    key,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
		out:    make(chan pbk.ChangeEvent),
	}

	f.mu.Lock()
	if f.subs[key] == nil {
		f.subs[key] = make(map[*subscription]struct{})
	}
	f.subs[key][s] = struct{}{}
	f.mu.Unlock()

	go s.pump()
	return s
}

// publish must be called in commit order; callers hold the store's write lock.
func (f *changeFeed) publish(ev pbk.ChangeEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.seq++
	ev.Seq = f.seq
	for s := range f.subs[ev.Folder] {
		s.enqueue(ev)
	}
}

func (f *changeFeed) remove(s *subscription) {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.subs[s.key], s)
	if len(f.subs[s.key]) == 0 {
		delete(f.subs, s.key)
	}
}

// closeAll ends every subscription, used when the store closes.
func (f *changeFeed) closeAll() {
	f.mu.Lock()
	var all []*subscription
	for _, set := range f.subs {
		for s := range set {
			all = append(all, s)
		}
	}
	f.mu.Unlock()

	for _, s := range all {
		s.Close()
	}
}

type subscription struct {
	feed *changeFeed
	key  pbk.FolderKey

	mu    sync.Mutex
	queue []pbk.ChangeEvent

	notify    chan struct{}
	done      chan struct{}
	out       chan pbk.ChangeEvent
	closeOnce sync.Once
}

var _ pbk.Subscription = (*subscription)(nil)

func (s *subscription) Events() <-chan pbk.ChangeEvent {
	return s.out
}

func (s *subscription) Close() {
	s.closeOnce.Do(func() {
		s.feed.remove(s)
		close(s.done)
	})
}

func (s *subscription) enqueue(ev pbk.ChangeEvent) {
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// pump delivers queued events in order until the subscription is closed.
func (s *subscription) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.notify:
				continue
			case <-s.done:
				return
			}
		}
		ev := s.queue[0]
		s.queue[0] = pbk.ChangeEvent{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- ev:
		case <-s.done:
			return
		}
	}
}
