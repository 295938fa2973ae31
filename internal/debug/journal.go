package debug

import (
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultJournalSize is the number of records kept before the oldest are dropped.
const DefaultJournalSize = 5000

// componentKey is the logrus field that marks an entry as a journal record.
const (
	componentKey = "component"
	detailsKey   = "details"
)

// Record is one row of the log stream shown by the UI log view.
type Record struct {
	Seq       uint64    `json:"seq"`
	Time      time.Time `json:"time"`
	Level     string    `json:"level"`
	Component string    `json:"component"`
	Message   string    `json:"message"`
	Details   string    `json:"details,omitempty"`
}

// Journal is an ordered, append-only record store. It doubles as a logrus
// hook so that component entries logged through any logger end up here.
type Journal struct {
	mu       sync.RWMutex
	records  []Record
	capacity int
	next     uint64
	subs     map[chan Record]struct{}
}

// NewJournal creates a journal keeping at most capacity records.
func NewJournal(capacity int) *Journal {
	if capacity <= 0 {
		capacity = DefaultJournalSize
	}
	return &Journal{
		capacity: capacity,
		next:     1,
		subs:     make(map[chan Record]struct{}),
	}
}

// Levels implements logrus.Hook.
func (j *Journal) Levels() []logrus.Level {
	return logrus.AllLevels
}

// Fire implements logrus.Hook. Entries without a component field are console
// chatter and are not recorded.
func (j *Journal) Fire(e *logrus.Entry) error {
	component, ok := e.Data[componentKey].(string)
	if !ok {
		return nil
	}
	details, _ := e.Data[detailsKey].(string)
	j.Append(Record{
		Time:      e.Time,
		Level:     strings.ToUpper(e.Level.String()),
		Component: component,
		Message:   e.Message,
		Details:   details,
	})
	return nil
}

// Append stores r, assigning its sequence number, and fans it out to
// subscribers. Slow subscribers miss records rather than block the caller.
func (j *Journal) Append(r Record) Record {
	if r.Time.IsZero() {
		r.Time = time.Now()
	}

	j.mu.Lock()
	r.Seq = j.next
	j.next++
	j.records = append(j.records, r)
	if over := len(j.records) - j.capacity; over > 0 {
		j.records = append(j.records[:0:0], j.records[over:]...)
	}
	for ch := range j.subs {
		select {
		case ch <- r:
		default:
		}
	}
	j.mu.Unlock()
	return r
}

// Records returns a copy of every retained record, oldest first.
func (j *Journal) Records() []Record {
	j.mu.RLock()
	defer j.mu.RUnlock()
	out := make([]Record, len(j.records))
	copy(out, j.records)
	return out
}

// Since returns the retained records with a sequence number greater than seq.
func (j *Journal) Since(seq uint64) []Record {
	j.mu.RLock()
	defer j.mu.RUnlock()
	var out []Record
	for _, r := range j.records {
		if r.Seq > seq {
			out = append(out, r)
		}
	}
	return out
}

// Len returns the number of retained records.
func (j *Journal) Len() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return len(j.records)
}

// Subscribe returns a channel receiving every new record and a cleanup function.
func (j *Journal) Subscribe() (<-chan Record, func()) {
	ch := make(chan Record, 128)
	j.mu.Lock()
	j.subs[ch] = struct{}{}
	j.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			j.mu.Lock()
			delete(j.subs, ch)
			j.mu.Unlock()
			close(ch)
		})
	}
}
