package recorder

import (
	"github.com/puzpuzpuz/xsync/v4"
)

// SinkStats counts write outcomes of one sink.
type SinkStats struct {
	Written   int64 `json:"written"`
	Duplicate int64 `json:"duplicate"`
	Failed    int64 `json:"failed"`
	Dropped   int64 `json:"dropped"`
}

// Stats is a point-in-time snapshot of recorder counters.
type Stats struct {
	Received         int64                `json:"received"`
	Dropped          int64                `json:"dropped"`
	Assembled        int64                `json:"assembled"`
	UnknownEventType int64                `json:"unknown_event_type"`
	Sinks            map[string]SinkStats `json:"sinks"`
}

type sinkCounters struct {
	written   *xsync.Counter
	duplicate *xsync.Counter
	failed    *xsync.Counter
	dropped   *xsync.Counter
}

func newSinkCounters() *sinkCounters {
	return &sinkCounters{
		written:   xsync.NewCounter(),
		duplicate: xsync.NewCounter(),
		failed:    xsync.NewCounter(),
		dropped:   xsync.NewCounter(),
	}
}

func (c *sinkCounters) record(o Outcome) {
	switch o {
	case OutcomeWritten:
		c.written.Inc()
	case OutcomeDuplicate:
		c.duplicate.Inc()
	case OutcomeFailed:
		c.failed.Inc()
	}
}

func (c *sinkCounters) snapshot() SinkStats {
	return SinkStats{
		Written:   c.written.Value(),
		Duplicate: c.duplicate.Value(),
		Failed:    c.failed.Value(),
		Dropped:   c.dropped.Value(),
	}
}

type counters struct {
	received  *xsync.Counter
	dropped   *xsync.Counter
	assembled *xsync.Counter
	unknown   *xsync.Counter
}

func newCounters() counters {
	return counters{
		received:  xsync.NewCounter(),
		dropped:   xsync.NewCounter(),
		assembled: xsync.NewCounter(),
		unknown:   xsync.NewCounter(),
	}
}
