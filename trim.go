package mcapx

import (
	"context"
	"errors"
	"io"
)

// Trim copies the records of dec whose log time lies in [start, end] to w. An
// end of 0 leaves the window open. The writer is not closed. Trim returns the
// number of messages copied.
func Trim(ctx context.Context, dec *Decoder, w *Writer, start, end uint64) (uint64, error) {
	var copied uint64
	registry := dec.Registry()

	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}

		record, err := dec.Next()
		if errors.Is(err, io.EOF) {
			return copied, nil
		}
		if err != nil {
			return copied, err
		}

		if record.LogTime < start || (end != 0 && record.LogTime > end) {
			continue
		}

		desc, ok := registry.Lookup(record.ChannelID)
		if !ok {
			continue
		}
		if err := copyChannel(registry, desc, w); err != nil {
			return copied, err
		}

		if err := w.WriteMessage(record); err != nil {
			return copied, err
		}
		copied++
	}
}

func copyChannel(registry *Registry, desc *ChannelDescriptor, w *Writer) error {
	if desc.SchemaID != 0 {
		schema, ok := registry.Schema(desc.SchemaID)
		if !ok {
			return errUnknownSchema
		}
		if err := w.WriteSchema(schema); err != nil {
			return err
		}
	}

	return w.WriteChannel(&RecordChannel{
		ID:              desc.ID,
		SchemaID:        desc.SchemaID,
		Topic:           desc.Topic,
		MessageEncoding: desc.MessageEncoding,
		Metadata:        desc.Metadata,
	})
}
