package extract

import (
	"sort"
	"time"
)

type TopicStatus string

const (
	StatusOK          TopicStatus = "ok"
	StatusFailed      TopicStatus = "failed"
	StatusUnsupported TopicStatus = "unsupported"
)

// TopicReport counts what happened to one topic.
type TopicReport struct {
	Topic      string      `cbor:"topic"`
	ChannelID  uint16      `cbor:"channel_id"`
	SchemaName string      `cbor:"schema"`
	Kind       string      `cbor:"kind"`
	Status     TopicStatus `cbor:"status"`
	Records    uint64      `cbor:"records"`
	Written    uint64      `cbor:"written"`
	Malformed  uint64      `cbor:"malformed"`
	// Skipped counts records dropped after the channel was stopped, failed or
	// found unsupported.
	Skipped uint64 `cbor:"skipped"`
	// Corrupt counts skipped chunks whose index listed the channel. Chunks
	// found corrupt during a linear scan are only in Report.CorruptChunks.
	Corrupt uint64 `cbor:"corrupt"`
	// AccessUnits is the number of access units pushed to a video decoder.
	AccessUnits uint64 `cbor:"access_units,omitempty"`
	Error       string `cbor:"error,omitempty"`
}

// Report summarizes one extraction run.
type Report struct {
	RunID         string        `cbor:"run_id"`
	Started       time.Time     `cbor:"started"`
	Finished      time.Time     `cbor:"finished"`
	Indexed       bool          `cbor:"indexed"`
	Cancelled     bool          `cbor:"cancelled"`
	CorruptChunks int           `cbor:"corrupt_chunks"`
	Diagnostics   []string      `cbor:"diagnostics"`
	Topics        []TopicReport `cbor:"topics"`
}

// Topic returns the report of topic.
func (report *Report) Topic(topic string) (TopicReport, bool) {
	for _, t := range report.Topics {
		if t.Topic == topic {
			return t, true
		}
	}
	return TopicReport{}, false
}

// Written returns the number of artifacts written across all topics.
func (report *Report) Written() uint64 {
	var n uint64
	for _, t := range report.Topics {
		n += t.Written
	}
	return n
}

func sortTopics(topics []TopicReport) {
	sort.Slice(topics, func(i, j int) bool {
		if topics[i].Topic != topics[j].Topic {
			return topics[i].Topic < topics[j].Topic
		}
		return topics[i].ChannelID < topics[j].ChannelID
	})
}
