package viewmodel

// Subscribe registers for change events. The returned channel has room for
// buffer events; when a slow subscriber falls behind, its oldest pending
// event is dropped so the newest state always gets through.
//
// Call the returned cancel function to unsubscribe; it closes the channel.
func (s *Store) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	s.subMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	s.subMu.Unlock()

	cancel := func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		if c, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

func (s *Store) publish(ev Event) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	for _, ch := range s.subs {
		select {
		case ch <- ev:
			continue
		default:
		}
		// Full: drop the oldest pending event and retry once.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- ev:
		default:
			s.logger.Debugf("subscriber full, dropped %s event", ev.Type)
		}
	}
}
