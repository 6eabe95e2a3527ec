package protocol

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeFrame(t *testing.T) {
	tests := []struct {
		name    string
		frame   Frame
		wantErr bool
	}{
		{
			name: "valid frame - empty payload",
			frame: Frame{
				Version: ProtocolVersion,
				Type:    uint8(TypeWhoElse),
				Payload: []byte{},
			},
		},
		{
			name: "valid frame - with payload",
			frame: Frame{
				Version: ProtocolVersion,
				Type:    uint8(TypeBroadcast),
				Payload: []byte("hello everyone"),
			},
		},
		{
			name: "max payload size (1MB)",
			frame: Frame{
				Version: ProtocolVersion,
				Type:    uint8(TypeMessage),
				Flags:   FlagCompressed, // Mark as already compressed to skip compression attempt
				Payload: make([]byte, MaxFrameSize-3),
			},
		},
		{
			name: "oversized payload (should fail)",
			frame: Frame{
				Version: ProtocolVersion,
				Type:    uint8(TypeMessage),
				Flags:   FlagCompressed,
				Payload: make([]byte, MaxFrameSize),
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := new(bytes.Buffer)
			err := EncodeFrame(buf, &tt.frame)

			if tt.wantErr {
				assert.Equal(t, ErrFrameTooLarge, err)
				return
			}
			require.NoError(t, err)

			if tt.frame.Flags&FlagCompressed != 0 {
				// Pre-flagged payloads are not valid LZ4; only check the header.
				length, err := ReadUint32(buf)
				require.NoError(t, err)
				assert.Equal(t, uint32(3+len(tt.frame.Payload)), length)
				return
			}

			decoded, err := DecodeFrame(buf)
			require.NoError(t, err)
			assert.Equal(t, tt.frame.Version, decoded.Version)
			assert.Equal(t, tt.frame.Type, decoded.Type)
			assert.Equal(t, tt.frame.Flags, decoded.Flags)
			assert.Equal(t, len(tt.frame.Payload), len(decoded.Payload))
		})
	}
}

func TestDecodeFrameErrors(t *testing.T) {
	t.Run("length below header size", func(t *testing.T) {
		buf := new(bytes.Buffer)
		require.NoError(t, WriteUint32(buf, 2))
		buf.Write([]byte{1, 2})

		_, err := DecodeFrame(buf)
		assert.Equal(t, ErrInvalidFrameLength, err)
	})

	t.Run("length above max", func(t *testing.T) {
		buf := new(bytes.Buffer)
		require.NoError(t, WriteUint32(buf, MaxFrameSize+1))

		_, err := DecodeFrame(buf)
		assert.Equal(t, ErrFrameTooLarge, err)
	})

	t.Run("truncated payload", func(t *testing.T) {
		buf := new(bytes.Buffer)
		require.NoError(t, WriteUint32(buf, 10))
		buf.Write([]byte{ProtocolVersion, uint8(TypeServer), 0, 'a'})

		_, err := DecodeFrame(buf)
		assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	})

	t.Run("empty stream", func(t *testing.T) {
		_, err := DecodeFrame(new(bytes.Buffer))
		assert.ErrorIs(t, err, io.EOF)
	})
}

func TestEncodeFrameCompressesLargePayloads(t *testing.T) {
	payload := bytes.Repeat([]byte("the quick brown fox "), 100)
	frame := &Frame{Version: ProtocolVersion, Type: uint8(TypeBroadcast), Payload: payload}

	buf := new(bytes.Buffer)
	require.NoError(t, EncodeFrame(buf, frame))
	assert.Less(t, buf.Len(), len(payload), "repetitive payload should shrink on the wire")
	assert.Equal(t, byte(FlagCompressed), buf.Bytes()[6]&FlagCompressed)

	decoded, err := DecodeFrame(buf)
	require.NoError(t, err)
	assert.Equal(t, uint8(0), decoded.Flags)
	assert.Equal(t, payload, decoded.Payload)
}

func TestEncodeFrameSingleWrite(t *testing.T) {
	w := &countingWriter{}
	frame := &Frame{Version: ProtocolVersion, Type: uint8(TypeServer), Payload: []byte("notice")}

	require.NoError(t, EncodeFrame(w, frame))
	assert.Equal(t, 1, w.writes)
}

type countingWriter struct {
	writes int
	bytes.Buffer
}

func (w *countingWriter) Write(p []byte) (int, error) {
	w.writes++
	return w.Buffer.Write(p)
}

func TestCompressPayloadSkipsIncompressible(t *testing.T) {
	data := []byte{0x01, 0x02, 0x03}
	out, ok := CompressPayload(data)
	assert.False(t, ok)
	assert.Equal(t, data, out)

	_, err := DecompressPayload([]byte{0x00})
	assert.Equal(t, ErrInvalidCompressedLen, err)
}
