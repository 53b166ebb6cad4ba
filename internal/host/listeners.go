package host

// listeners is an ordered set of callbacks. Callers hold the owner's mutex.
type listeners[F any] struct {
	next uint64
	list []listener[F]
}

type listener[F any] struct {
	id uint64
	fn F
}

func (l *listeners[F]) add(fn F) uint64 {
	l.next++
	l.list = append(l.list, listener[F]{id: l.next, fn: fn})
	return l.next
}

func (l *listeners[F]) remove(id uint64) {
	for i, x := range l.list {
		if x.id == id {
			l.list = append(l.list[:i:i], l.list[i+1:]...)
			return
		}
	}
}

// snapshot copies the callbacks so they can run without the lock.
func (l *listeners[F]) snapshot() []F {
	out := make([]F, len(l.list))
	for i, x := range l.list {
		out[i] = x.fn
	}
	return out
}

func (l *listeners[F]) len() int { return len(l.list) }
