package reconcile

import "sync"

// Event is an advisory progress update. The run's Summary is authoritative, not the events
type Event struct {
	Percent int
	Step    string
	Log     string `json:",omitempty"`
}

// Progress receives events. Must not block
type Progress func(Event)

// ChannelProgress sends events to ch, dropping them when ch isn't ready
func ChannelProgress(ch chan<- Event) Progress {
	return func(e Event) {
		select {
		case ch <- e:
		default:
		}
	}
}

// tracker converts per-account completion into percentages
type tracker struct {
	mu       sync.Mutex
	progress Progress
	total    int
	done     int
}

func newTracker(progress Progress, total int) *tracker {
	return &tracker{progress: progress, total: total}
}

func (t *tracker) percent() int {
	if t.total == 0 {
		return 100
	}
	return t.done * 100 / t.total
}

// report sends an event at the current percentage
func (t *tracker) report(step, log string) {
	if t.progress == nil {
		return
	}
	t.mu.Lock()
	percent := t.percent()
	t.mu.Unlock()
	t.progress(Event{Percent: percent, Step: step, Log: log})
}

// finish marks one account done
func (t *tracker) finish(step, log string) {
	t.mu.Lock()
	t.done++
	percent := t.percent()
	t.mu.Unlock()
	if t.progress != nil {
		t.progress(Event{Percent: percent, Step: step, Log: log})
	}
}
