package pipeline

import "stackyn/builder/internal/domain"

// Observer receives the events of a pipeline run in the order they occur.
// OnEvent is called from the goroutine executing the run and must not block
// for long.
type Observer interface {
	OnEvent(event domain.Event)
}

// ObserverFunc adapts a function to the Observer interface
type ObserverFunc func(event domain.Event)

// OnEvent calls f(event)
func (f ObserverFunc) OnEvent(event domain.Event) {
	f(event)
}

type fanout []Observer

func (f fanout) OnEvent(event domain.Event) {
	for _, o := range f {
		o.OnEvent(event)
	}
}

// Fanout returns an observer that passes every event to each of observers in turn.
// Nil observers are ignored.
func Fanout(observers ...Observer) Observer {
	out := make(fanout, 0, len(observers))
	for _, o := range observers {
		if o != nil {
			out = append(out, o)
		}
	}
	return out
}
