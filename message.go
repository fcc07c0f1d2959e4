package mcapx

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrMalformedMessage  = errors.New("malformed message")
	ErrUnsupportedSchema = errors.New("unsupported schema")
)

type SchemaKind uint8

const (
	KindUnsupported SchemaKind = iota
	KindImage
	KindCompressedImage
	KindPointCloud
)

func (kind SchemaKind) String() string {
	switch kind {
	case KindImage:
		return "image"
	case KindCompressedImage:
		return "compressed_image"
	case KindPointCloud:
		return "point_cloud"
	default:
		return "unsupported"
	}
}

var schemaKinds = map[string]SchemaKind{
	"sensor_msgs/msg/Image":           KindImage,
	"sensor_msgs/Image":               KindImage,
	"sensor_msgs/msg/CompressedImage": KindCompressedImage,
	"sensor_msgs/CompressedImage":     KindCompressedImage,
	"sensor_msgs/msg/PointCloud2":     KindPointCloud,
	"sensor_msgs/PointCloud2":         KindPointCloud,
}

func KindOf(schemaName string) SchemaKind {
	return schemaKinds[schemaName]
}

// Message is one of *Image, *CompressedImage or *PointCloud.
type Message interface {
	Kind() SchemaKind
	Time() Stamp
	isMessage()
}

// Image is an uncompressed frame. Data holds Height rows of Step bytes each.
type Image struct {
	Stamp     Stamp
	FrameID   string
	Height    uint32
	Width     uint32
	Encoding  string
	BigEndian bool
	Step      uint32
	Data      []byte
}

func (*Image) Kind() SchemaKind { return KindImage }
func (img *Image) Time() Stamp { return img.Stamp }
func (*Image) isMessage() {}

// CompressedImage carries an encoded frame: a still image (jpeg, png) or a
// fragment of an H.264 stream.
type CompressedImage struct {
	Stamp   Stamp
	FrameID string
	Format  string
	Data    []byte
}

func (*CompressedImage) Kind() SchemaKind { return KindCompressedImage }
func (img *CompressedImage) Time() Stamp { return img.Stamp }
func (*CompressedImage) isMessage() {}

// IsVideo reports whether the payload is an H.264 bitstream fragment.
func (img *CompressedImage) IsVideo() bool {
	format := strings.ToLower(img.Format)
	return strings.Contains(format, "h264") || strings.Contains(format, "h.264")
}

func (*PointCloud) Kind() SchemaKind { return KindPointCloud }
func (pc *PointCloud) Time() Stamp { return pc.Stamp }
func (*PointCloud) isMessage() {}

// SupportedChannel reports the kind of a channel's messages. For ros2msg schemas
// the definition text must declare the expected top-level fields. Callers check a
// channel once and then decode its payloads with DecodeMessage.
func SupportedChannel(desc *ChannelDescriptor) (SchemaKind, error) {
	kind := KindOf(desc.SchemaName)
	if kind == KindUnsupported {
		return kind, fmt.Errorf("%w: %q", ErrUnsupportedSchema, desc.SchemaName)
	}
	if !strings.HasPrefix(desc.MessageEncoding, "cdr") {
		return KindUnsupported, fmt.Errorf("%w: message encoding %q", ErrUnsupportedSchema, desc.MessageEncoding)
	}

	if desc.SchemaEncoding == "ros2msg" && len(desc.SchemaData) > 0 {
		if err := checkLayout(kind, desc.SchemaData); err != nil {
			return KindUnsupported, fmt.Errorf("%w: %s: %v", ErrUnsupportedSchema, desc.SchemaName, err)
		}
	}
	return kind, nil
}

// DecodeMessage unwraps the channel's transport compression and decodes the CDR
// payload. The returned message may alias payload.
func DecodeMessage(desc *ChannelDescriptor, payload []byte) (Message, error) {
	kind := KindOf(desc.SchemaName)
	if kind == KindUnsupported {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedSchema, desc.SchemaName)
	}

	payload, err := unwrapPayload(desc.Encoding, payload)
	if err != nil {
		return nil, fmt.Errorf("%w: decompressing payload: %v", ErrMalformedMessage, err)
	}

	c, err := newCDRCursor(payload)
	if err != nil {
		return nil, err
	}

	switch kind {
	case KindImage:
		return decodeImage(c)
	case KindCompressedImage:
		return decodeCompressedImage(c)
	default:
		return decodePointCloud(c)
	}
}

func decodeImage(c *cursor) (*Image, error) {
	var img Image
	img.Stamp, img.FrameID = c.header()
	img.Height = c.uint32()
	img.Width = c.uint32()
	img.Encoding = c.string()
	img.BigEndian = c.bool()
	img.Step = c.uint32()
	img.Data = c.bytes32()
	if !c.ok {
		return nil, fmt.Errorf("%w: truncated image", ErrMalformedMessage)
	}

	if need := uint64(img.Step) * uint64(img.Height); uint64(len(img.Data)) < need {
		return nil, fmt.Errorf("%w: image has %d bytes, step %d x height %d needs %d",
			ErrMalformedMessage, len(img.Data), img.Step, img.Height, need)
	}
	return &img, nil
}

func decodeCompressedImage(c *cursor) (*CompressedImage, error) {
	var img CompressedImage
	img.Stamp, img.FrameID = c.header()
	img.Format = c.string()
	img.Data = c.bytes32()
	if !c.ok {
		return nil, fmt.Errorf("%w: truncated compressed image", ErrMalformedMessage)
	}
	if len(img.Data) == 0 {
		return nil, fmt.Errorf("%w: empty compressed image", ErrMalformedMessage)
	}
	return &img, nil
}
