package recorder

import "log/slog"

// logStats writes one stats line. It runs on the cron schedule and once
// more on Stop.
func (s *Service) logStats() {
	st := s.Stats()
	attrs := []any{
		"received", st.Received,
		"dropped", st.Dropped,
		"assembled", st.Assembled,
		"unknown_event_type", st.UnknownEventType,
	}
	for name, ss := range st.Sinks {
		attrs = append(attrs, slog.Group(name,
			"written", ss.Written,
			"duplicate", ss.Duplicate,
			"failed", ss.Failed,
			"dropped", ss.Dropped,
		))
	}
	s.logger.Info("recorder stats", attrs...)
}
