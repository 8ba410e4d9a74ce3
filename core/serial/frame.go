package serial

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Frame layout on the wire:
//
//	0x7E | to | from | function | len | data[len] | checksum
//
// checksum is the XOR of every byte from to through the last data byte.
const (
	StartByte  = 0x7E
	headerSize = 5
	frameExtra = headerSize + 1
	maxData    = 0xFF
)

var (
	// ErrShortFrame is returned when fewer bytes than the frame declares are available
	ErrShortFrame = errors.New("short frame")
	// ErrBadStart is returned when a frame does not begin with StartByte
	ErrBadStart = errors.New("missing start byte")
	// ErrChecksum is returned when the trailing checksum does not match
	ErrChecksum = errors.New("checksum mismatch")
)

// LayerTypeFrame is the gopacket layer type of a control frame
var LayerTypeFrame = gopacket.RegisterLayerType(7363, gopacket.LayerTypeMetadata{
	Name:    "MCPFrame",
	Decoder: gopacket.DecodeFunc(decodeFrame),
})

// Frame is a single addressed message between the hub and a door controller
type Frame struct {
	layers.BaseLayer
	To       byte
	From     byte
	Function byte
	Data     []byte
}

func (f *Frame) LayerType() gopacket.LayerType     { return LayerTypeFrame }
func (f *Frame) CanDecode() gopacket.LayerClass    { return LayerTypeFrame }
func (f *Frame) NextLayerType() gopacket.LayerType { return gopacket.LayerTypePayload }

// DecodeFromBytes decodes one frame from the start of data
func (f *Frame) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	if len(data) < frameExtra {
		df.SetTruncated()
		return ErrShortFrame
	}
	if data[0] != StartByte {
		return ErrBadStart
	}

	n := int(data[4])
	total := frameExtra + n
	if len(data) < total {
		df.SetTruncated()
		return ErrShortFrame
	}
	if got, want := data[total-1], checksum(data[1:total-1]); got != want {
		return fmt.Errorf("%w: got %#02x want %#02x", ErrChecksum, got, want)
	}

	f.To = data[1]
	f.From = data[2]
	f.Function = data[3]
	f.Data = append([]byte(nil), data[headerSize:total-1]...)
	f.Contents = data[:total]
	f.Payload = data[total:]
	return nil
}

// SerializeTo writes the frame into b
func (f *Frame) SerializeTo(b gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	if len(f.Data) > maxData {
		return fmt.Errorf("frame data too long: %d bytes", len(f.Data))
	}

	buf, err := b.PrependBytes(frameExtra + len(f.Data))
	if err != nil {
		return err
	}
	buf[0] = StartByte
	buf[1] = f.To
	buf[2] = f.From
	buf[3] = f.Function
	buf[4] = byte(len(f.Data))
	copy(buf[headerSize:], f.Data)
	buf[len(buf)-1] = checksum(buf[1 : len(buf)-1])
	return nil
}

// EventPayload describes the frame as a serial-data-received payload.
// data is the lowercase hex encoding of the frame data.
func (f *Frame) EventPayload() map[string]interface{} {
	return map[string]interface{}{
		"to":       int(f.To),
		"from":     int(f.From),
		"function": int(f.Function),
		"data":     hex.EncodeToString(f.Data),
	}
}

func decodeFrame(data []byte, p gopacket.PacketBuilder) error {
	f := &Frame{}
	if err := f.DecodeFromBytes(data, p); err != nil {
		return err
	}
	p.AddLayer(f)
	return nil
}

// Encode serializes a frame to wire bytes
func Encode(f *Frame) ([]byte, error) {
	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{}, f); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode parses wire bytes into a frame
func Decode(data []byte) (*Frame, error) {
	packet := gopacket.NewPacket(data, LayerTypeFrame, gopacket.NoCopy)
	if errLayer := packet.ErrorLayer(); errLayer != nil {
		return nil, errLayer.Error()
	}
	frame, ok := packet.Layer(LayerTypeFrame).(*Frame)
	if !ok {
		return nil, ErrShortFrame
	}
	return frame, nil
}

func checksum(b []byte) byte {
	var sum byte
	for _, c := range b {
		sum ^= c
	}
	return sum
}
