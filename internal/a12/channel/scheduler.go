package channel

import "github.com/arcan-os/a12/internal/a12/codec"

type priorityClass int

// Priority order, highest first: control > event > audio > video > binary.
const (
	classControl priorityClass = iota
	classEvent
	classAudio
	classVideo
	classBinary
	numClasses
)

var classOrder = [numClasses]priorityClass{classControl, classEvent, classAudio, classVideo, classBinary}

// Scheduler polls a Table's channels in strict priority-class order and,
// within a class, round-robins across channels so no single channel
// starves its peers. It never blocks: Next returns ok==false when nothing
// is ready to send.
type Scheduler struct {
	table  *Table
	cursor [numClasses]int // round-robin position per class, indexes into Table.All()
}

// NewScheduler creates a scheduler bound to table.
func NewScheduler(table *Table) *Scheduler {
	return &Scheduler{table: table}
}

// Next returns the next outbound frame to send, or ok==false if every
// channel's queues are empty.
func (s *Scheduler) Next() (codec.Frame, bool) {
	for _, class := range classOrder {
		if f, ok := s.nextInClass(class); ok {
			return f, true
		}
	}
	return codec.Frame{}, false
}

func (s *Scheduler) nextInClass(class priorityClass) (codec.Frame, bool) {
	chans := s.table.All()
	if len(chans) == 0 {
		return codec.Frame{}, false
	}
	start := s.cursor[class] % len(chans)
	for i := 0; i < len(chans); i++ {
		idx := (start + i) % len(chans)
		ch := chans[idx]
		if f, ok := ch.dequeue(class); ok {
			s.cursor[class] = (idx + 1) % len(chans)
			return f, true
		}
	}
	return codec.Frame{}, false
}

// NextControl returns the next queued control-class frame only, ignoring
// every other class. Used while a rekey round is in flight: the caller must
// hold back every other class until the round completes, so only this
// narrower dequeue is safe to call.
func (s *Scheduler) NextControl() (codec.Frame, bool) {
	return s.nextInClass(classControl)
}

// Drain repeatedly calls Next, invoking sink for each frame, until the
// schedule is empty. sink returning an error stops the drain early.
func (s *Scheduler) Drain(sink func(codec.Frame) error) error {
	for {
		f, ok := s.Next()
		if !ok {
			return nil
		}
		if err := sink(f); err != nil {
			return err
		}
	}
}
