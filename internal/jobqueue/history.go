package jobqueue

// history keeps the most recent settled jobs for diagnostics.
type history struct {
	size  int
	items []HistoryItem
}

func (h *history) add(it HistoryItem) {
	h.items = append(h.items, it)
	size := h.size
	if size <= 0 {
		size = DefaultHistorySize
	}
	if len(h.items) > size {
		h.items = h.items[len(h.items)-size:]
	}
}

func (h *history) snapshot() []HistoryItem {
	out := make([]HistoryItem, len(h.items))
	copy(out, h.items)
	return out
}
