package mcapx

import (
	"errors"
	"io"
)

// TopicSummary describes one channel of a log.
type TopicSummary struct {
	ChannelID       uint16
	Topic           string
	SchemaName      string
	MessageEncoding string
	Encoding        ChannelEncoding
	Kind            SchemaKind
	MessageCount    uint64
	// CountKnown is false when the summary statistics carry no count for the
	// channel.
	CountKnown bool
}

// Summarize lists the channels of a log with their message counts. Indexed
// decoders answer from the summary statistics; otherwise the remaining records
// are read and counted, which consumes the decoder.
func Summarize(dec *Decoder) ([]TopicSummary, error) {
	var counts map[uint16]uint64
	if stats := dec.Statistics(); stats != nil {
		counts = stats.ChannelMessageCounts
	} else {
		counts = make(map[uint16]uint64)
		for {
			record, err := dec.Next()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return nil, err
			}
			counts[record.ChannelID]++
		}
	}

	channels := dec.Registry().Channels()
	summaries := make([]TopicSummary, 0, len(channels))
	for _, desc := range channels {
		count, ok := counts[desc.ID]
		summaries = append(summaries, TopicSummary{
			ChannelID:       desc.ID,
			Topic:           desc.Topic,
			SchemaName:      desc.SchemaName,
			MessageEncoding: desc.MessageEncoding,
			Encoding:        desc.Encoding,
			Kind:            KindOf(desc.SchemaName),
			MessageCount:    count,
			CountKnown:      ok || dec.Statistics() == nil,
		})
	}
	return summaries, nil
}
