package aggregator

// Dedupe remembers the most recent trade ids of one instrument. Once full the
// oldest id is forgotten.
type Dedupe struct {
	seen map[string]struct{}
	ring []string
	next int
}

func NewDedupe(size int) *Dedupe {
	if size <= 0 {
		size = 1
	}
	return &Dedupe{seen: make(map[string]struct{}, size), ring: make([]string, size)}
}

// Seen records id and reports whether it was already present. Empty ids are
// never considered duplicates.
func (d *Dedupe) Seen(id string) bool {
	if id == "" {
		return false
	}
	if _, ok := d.seen[id]; ok {
		return true
	}
	if old := d.ring[d.next]; old != "" {
		delete(d.seen, old)
	}
	d.ring[d.next] = id
	d.seen[id] = struct{}{}
	d.next = (d.next + 1) % len(d.ring)
	return false
}

func (d *Dedupe) Len() int { return len(d.seen) }
