package emit

// Emitter receives observability events from flow execution.
//
// Implementations must be safe for concurrent use: deployed flows run on a
// worker pool and share one emitter. Emit should not block the run and
// should not panic.
type Emitter interface {
	Emit(event Event)
}

// Multi fans one event out to several emitters in order.
type Multi []Emitter

// Emit implements Emitter.
func (m Multi) Emit(event Event) {
	for _, e := range m {
		if e != nil {
			e.Emit(event)
		}
	}
}
