package pages

// PageEvent is emitted every time a page outcome is reported.
type PageEvent struct {
	Page    int     `json:"page"`
	Outcome Outcome `json:"outcome"`
	// Status is the document status right after the report was applied.
	Status Status `json:"status"`
}

// Subscribe returns a channel that receives an event for every subsequent
// Report, and a cancel func that closes it. Delivery never blocks the
// reporter: when the buffer is full the event is dropped for that subscriber.
func (t *Tracker) Subscribe(buffer int) (<-chan PageEvent, func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.subscribeLocked(buffer)
}

// SubscribeWithHistory is Subscribe plus one event per page already
// reported, in page order. The snapshot and the subscription are taken
// atomically, so no report is missed or seen twice. Replayed events carry
// the document status at subscription time.
func (t *Tracker) SubscribeWithHistory(buffer int) ([]PageEvent, <-chan PageEvent, func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	past := make([]PageEvent, 0, len(t.outcomes))
	for _, page := range sortedKeys(t.outcomes) {
		past = append(past, PageEvent{Page: page, Outcome: t.outcomes[page], Status: t.status})
	}
	ch, cancel := t.subscribeLocked(buffer)
	return past, ch, cancel
}

func (t *Tracker) subscribeLocked(buffer int) (<-chan PageEvent, func()) {
	if buffer <= 0 {
		buffer = t.cfg.TotalPages
	}
	ch := make(chan PageEvent, buffer)
	id := t.nextSubID
	t.nextSubID++
	t.subscribers[id] = ch

	cancel := func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if sub, ok := t.subscribers[id]; ok {
			delete(t.subscribers, id)
			close(sub)
		}
	}
	return ch, cancel
}

// publish must be called with the write lock held.
func (t *Tracker) publish(ev PageEvent) {
	for _, ch := range t.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}
