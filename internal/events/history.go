package events

// history is the replay ring. Entries are ordered by id; once full the
// oldest entry is overwritten.
type history struct {
	buf   []Envelope
	start int
	size  int
}

func newHistory(capacity int) *history {
	return &history{buf: make([]Envelope, capacity)}
}

func (h *history) push(env Envelope) {
	if h.size < len(h.buf) {
		h.buf[(h.start+h.size)%len(h.buf)] = env
		h.size++
		return
	}
	h.buf[h.start] = env
	h.start = (h.start + 1) % len(h.buf)
}

// after returns a copy of every retained envelope with id > since.
func (h *history) after(since uint64) []Envelope {
	var out []Envelope
	for i := 0; i < h.size; i++ {
		env := h.buf[(h.start+i)%len(h.buf)]
		if env.ID > since {
			out = append(out, env)
		}
	}
	return out
}
