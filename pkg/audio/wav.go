// Package audio turns a headerless linear16 PCM stream into something a
// browser can play by prefixing a single streaming WAV header.
package audio

import (
	"encoding/binary"
	"sync/atomic"
)

const (
	HeaderSize = 44

	DefaultBitsPerSample = 16
	DefaultChannels      = 1

	// streamDataSize is the data chunk size declared for an open ended
	// stream. The RIFF size stays consistent with it: 36 + data.
	streamDataSize = 0xFFFFFFFF - 36
)

// Header returns a 44-byte RIFF/WAVE/fmt/data header for PCM audio of
// unknown length.
func Header(sampleRate, channels, bitsPerSample int) []byte {
	byteRate := sampleRate * channels * bitsPerSample / 8
	blockAlign := channels * bitsPerSample / 8

	header := make([]byte, HeaderSize)

	copy(header[0:4], "RIFF")
	binary.LittleEndian.PutUint32(header[4:8], 36+streamDataSize)
	copy(header[8:12], "WAVE")

	copy(header[12:16], "fmt ")
	binary.LittleEndian.PutUint32(header[16:20], 16)
	binary.LittleEndian.PutUint16(header[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(header[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(header[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(header[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(header[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(header[34:36], uint16(bitsPerSample))

	copy(header[36:40], "data")
	binary.LittleEndian.PutUint32(header[40:44], streamDataSize)

	return header
}

// Framer emits the header once per output stream and then copies chunks
// through untouched.
type Framer struct {
	sampleRate    int
	channels      int
	bitsPerSample int
	headerSent    atomic.Bool
}

// NewFramer builds a mono 16-bit framer for the given output rate.
func NewFramer(sampleRate int) *Framer {
	return &Framer{
		sampleRate:    sampleRate,
		channels:      DefaultChannels,
		bitsPerSample: DefaultBitsPerSample,
	}
}

// Frame returns the binary messages to forward for chunk, in order. The
// first call on a stream yields the header ahead of the audio.
func (f *Framer) Frame(chunk []byte) [][]byte {
	if len(chunk) == 0 {
		return nil
	}
	if f.headerSent.CompareAndSwap(false, true) {
		return [][]byte{Header(f.sampleRate, f.channels, f.bitsPerSample), chunk}
	}
	return [][]byte{chunk}
}

// HeaderSent reports whether the header has gone out.
func (f *Framer) HeaderSent() bool { return f.headerSent.Load() }

func (f *Framer) SampleRate() int { return f.sampleRate }
