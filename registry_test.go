package mcapx

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestRegistryRegisterChannel(t *testing.T) {
	image := &RecordSchema{ID: 1, Name: "sensor_msgs/msg/Image", Encoding: "ros2msg", Data: []byte("uint32 height")}

	testCases := []struct {
		Name     string
		Channels []*RecordChannel
		Err      error
	}{
		{
			Name: "Identical Registration Is Idempotent",
			Channels: []*RecordChannel{
				{ID: 1, SchemaID: 1, Topic: "/camera", MessageEncoding: "cdr"},
				{ID: 1, SchemaID: 1, Topic: "/camera", MessageEncoding: "cdr"},
			},
		},
		{
			Name: "Same Id Different Topic",
			Channels: []*RecordChannel{
				{ID: 1, SchemaID: 1, Topic: "/camera", MessageEncoding: "cdr"},
				{ID: 1, SchemaID: 1, Topic: "/lidar", MessageEncoding: "cdr"},
			},
			Err: ErrChannelConflict,
		},
		{
			Name: "Same Id Different Metadata",
			Channels: []*RecordChannel{
				{ID: 1, SchemaID: 1, Topic: "/camera", MessageEncoding: "cdr"},
				{ID: 1, SchemaID: 1, Topic: "/camera", MessageEncoding: "cdr", Metadata: map[string]string{"compression": "zstd"}},
			},
			Err: ErrChannelConflict,
		},
		{
			Name: "Unknown Schema",
			Channels: []*RecordChannel{
				{ID: 1, SchemaID: 4, Topic: "/camera", MessageEncoding: "cdr"},
			},
			Err: errUnknownSchema,
		},
	}

	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.Name, func(t *testing.T) {
			registry := NewRegistry()
			must(t, registry.RegisterSchema(image))

			var err error
			var first *ChannelDescriptor
			for _, channel := range testCase.Channels {
				var desc *ChannelDescriptor
				desc, err = registry.RegisterChannel(channel)
				if err != nil {
					break
				}
				if first == nil {
					first = desc
				} else if desc != first {
					t.Fatal("expected the existing descriptor to be returned")
				}
			}

			if testCase.Err == nil {
				must(t, err)
				return
			}
			if !errors.Is(err, testCase.Err) {
				t.Fatalf("expected %v, got %v", testCase.Err, err)
			}
		})
	}
}

func TestRegistryDescriptor(t *testing.T) {
	registry := NewRegistry()
	must(t, registry.RegisterSchema(&RecordSchema{ID: 2, Name: "sensor_msgs/msg/PointCloud2", Encoding: "ros2msg"}))

	channels := []*RecordChannel{
		{ID: 7, SchemaID: 2, Topic: "/lidar/top", MessageEncoding: "cdr", Metadata: map[string]string{"compression": "zstd"}},
		{ID: 3, SchemaID: 2, Topic: "/lidar/front", MessageEncoding: "cdr+zstd"},
		{ID: 5, SchemaID: 2, Topic: "/lidar/rear", MessageEncoding: "cdr"},
	}
	for _, channel := range channels {
		_, err := registry.RegisterChannel(channel)
		must(t, err)
	}

	var ids []uint16
	var encodings []ChannelEncoding
	for _, desc := range registry.Channels() {
		ids = append(ids, desc.ID)
		encodings = append(encodings, desc.Encoding)
	}
	if diff := cmp.Diff([]uint16{3, 5, 7}, ids); diff != "" {
		t.Fatal(diff)
	}
	expectedEncodings := []ChannelEncoding{EncodingCompressedTransport, EncodingRaw, EncodingCompressedTransport}
	if diff := cmp.Diff(expectedEncodings, encodings); diff != "" {
		t.Fatal(diff)
	}

	desc, ok := registry.LookupTopic("/lidar/rear")
	if !ok || desc.ID != 5 || desc.SchemaName != "sensor_msgs/msg/PointCloud2" {
		t.Fatalf("unexpected descriptor %v", desc)
	}
	if _, ok := registry.Lookup(9); ok {
		t.Fatal("expected channel 9 to be unknown")
	}
}

func TestRegistryFreeze(t *testing.T) {
	registry := NewRegistry()
	must(t, registry.RegisterSchema(&RecordSchema{ID: 1, Name: "sensor_msgs/msg/Image"}))
	camera := &RecordChannel{ID: 1, SchemaID: 1, Topic: "/camera", MessageEncoding: "cdr"}
	_, err := registry.RegisterChannel(camera)
	must(t, err)

	registry.Freeze()

	if _, err := registry.RegisterChannel(camera); err != nil {
		t.Fatalf("identical registration after freeze: %v", err)
	}
	if _, err := registry.RegisterChannel(&RecordChannel{ID: 2, SchemaID: 1, Topic: "/other"}); !errors.Is(err, ErrRegistryFrozen) {
		t.Fatalf("expected ErrRegistryFrozen, got %v", err)
	}
	if err := registry.RegisterSchema(&RecordSchema{ID: 2, Name: "x"}); !errors.Is(err, ErrRegistryFrozen) {
		t.Fatalf("expected ErrRegistryFrozen, got %v", err)
	}
}
