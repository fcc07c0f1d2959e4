package mcapx

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	ErrChannelConflict = errors.New("channel id registered with different content")
	ErrSchemaConflict  = errors.New("schema id registered with different content")
	ErrRegistryFrozen  = errors.New("registry is frozen")
	errUnknownSchema   = errors.New("channel refers to an unknown schema")
)

type ChannelEncoding uint8

const (
	EncodingRaw ChannelEncoding = iota
	// EncodingCompressedTransport payloads are zstd frames wrapping the CDR bytes.
	EncodingCompressedTransport
)

func (encoding ChannelEncoding) String() string {
	if encoding == EncodingCompressedTransport {
		return "compressed-transport"
	}
	return "raw"
}

// ChannelDescriptor is the resolved view of a channel and its schema. It is never
// mutated after registration.
type ChannelDescriptor struct {
	ID              uint16
	SchemaID        uint16
	Topic           string
	SchemaName      string
	SchemaEncoding  string
	SchemaData      []byte
	MessageEncoding string
	Encoding        ChannelEncoding
	Metadata        map[string]string
}

func (desc *ChannelDescriptor) String() string {
	return fmt.Sprintf("%s (id %d, %s)", desc.Topic, desc.ID, desc.SchemaName)
}

func (desc *ChannelDescriptor) equal(other *ChannelDescriptor) bool {
	if desc.ID != other.ID || desc.SchemaID != other.SchemaID || desc.Topic != other.Topic ||
		desc.SchemaName != other.SchemaName || desc.SchemaEncoding != other.SchemaEncoding ||
		desc.MessageEncoding != other.MessageEncoding || !bytes.Equal(desc.SchemaData, other.SchemaData) {
		return false
	}

	if len(desc.Metadata) != len(other.Metadata) {
		return false
	}
	for k, v := range desc.Metadata {
		if ov, ok := other.Metadata[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

func channelEncoding(messageEncoding string, metadata map[string]string) ChannelEncoding {
	if strings.HasSuffix(messageEncoding, "+zstd") || metadata["compression"] == "zstd" {
		return EncodingCompressedTransport
	}
	return EncodingRaw
}

// Registry maps channel ids to descriptors. It is safe for concurrent use; the
// parser registers while workers look up.
type Registry struct {
	mu       sync.RWMutex
	schemas  map[uint16]*RecordSchema
	channels map[uint16]*ChannelDescriptor
	topics   map[string]*ChannelDescriptor
	frozen   bool
}

func NewRegistry() *Registry {
	return &Registry{
		schemas:  make(map[uint16]*RecordSchema),
		channels: make(map[uint16]*ChannelDescriptor),
		topics:   make(map[string]*ChannelDescriptor),
	}
}

func (registry *Registry) RegisterSchema(schema *RecordSchema) error {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	if cur, ok := registry.schemas[schema.ID]; ok {
		if cur.Name == schema.Name && cur.Encoding == schema.Encoding && bytes.Equal(cur.Data, schema.Data) {
			return nil
		}
		return fmt.Errorf("%w: schema %d (%s)", ErrSchemaConflict, schema.ID, schema.Name)
	}
	if registry.frozen {
		return ErrRegistryFrozen
	}

	registry.schemas[schema.ID] = schema
	return nil
}

// RegisterChannel resolves channel against the known schemas and stores the
// descriptor. Registering identical content twice returns the existing descriptor.
func (registry *Registry) RegisterChannel(channel *RecordChannel) (*ChannelDescriptor, error) {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	desc := &ChannelDescriptor{
		ID:              channel.ID,
		SchemaID:        channel.SchemaID,
		Topic:           channel.Topic,
		MessageEncoding: channel.MessageEncoding,
		Encoding:        channelEncoding(channel.MessageEncoding, channel.Metadata),
		Metadata:        channel.Metadata,
	}

	// schema id 0 means the channel carries schemaless messages
	if channel.SchemaID != 0 {
		schema, ok := registry.schemas[channel.SchemaID]
		if !ok {
			return nil, fmt.Errorf("%w: channel %d refers to schema %d", errUnknownSchema, channel.ID, channel.SchemaID)
		}
		desc.SchemaName = schema.Name
		desc.SchemaEncoding = schema.Encoding
		desc.SchemaData = schema.Data
	}

	if cur, ok := registry.channels[channel.ID]; ok {
		if cur.equal(desc) {
			return cur, nil
		}
		return nil, fmt.Errorf("%w: channel %d (%s)", ErrChannelConflict, channel.ID, channel.Topic)
	}
	if registry.frozen {
		return nil, ErrRegistryFrozen
	}

	registry.channels[desc.ID] = desc
	if _, ok := registry.topics[desc.Topic]; !ok {
		registry.topics[desc.Topic] = desc
	}
	return desc, nil
}

func (registry *Registry) Lookup(id uint16) (*ChannelDescriptor, bool) {
	registry.mu.RLock()
	defer registry.mu.RUnlock()

	desc, ok := registry.channels[id]
	return desc, ok
}

// LookupTopic returns the first channel registered under topic.
func (registry *Registry) LookupTopic(topic string) (*ChannelDescriptor, bool) {
	registry.mu.RLock()
	defer registry.mu.RUnlock()

	desc, ok := registry.topics[topic]
	return desc, ok
}

func (registry *Registry) Schema(id uint16) (*RecordSchema, bool) {
	registry.mu.RLock()
	defer registry.mu.RUnlock()

	schema, ok := registry.schemas[id]
	return schema, ok
}

// Channels returns every descriptor sorted by id.
func (registry *Registry) Channels() []*ChannelDescriptor {
	registry.mu.RLock()
	defer registry.mu.RUnlock()

	descs := make([]*ChannelDescriptor, 0, len(registry.channels))
	for _, desc := range registry.channels {
		descs = append(descs, desc)
	}
	sort.Slice(descs, func(i, j int) bool {
		return descs[i].ID < descs[j].ID
	})
	return descs
}

func (registry *Registry) Schemas() []*RecordSchema {
	registry.mu.RLock()
	defer registry.mu.RUnlock()

	schemas := make([]*RecordSchema, 0, len(registry.schemas))
	for _, schema := range registry.schemas {
		schemas = append(schemas, schema)
	}
	sort.Slice(schemas, func(i, j int) bool {
		return schemas[i].ID < schemas[j].ID
	})
	return schemas
}

// Freeze rejects any new schema or channel. Re-registering identical content is
// still accepted.
func (registry *Registry) Freeze() {
	registry.mu.Lock()
	registry.frozen = true
	registry.mu.Unlock()
}

func (registry *Registry) reset() {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	registry.schemas = make(map[uint16]*RecordSchema)
	registry.channels = make(map[uint16]*ChannelDescriptor)
	registry.topics = make(map[string]*ChannelDescriptor)
	registry.frozen = false
}
