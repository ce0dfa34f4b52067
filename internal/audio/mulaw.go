// Package audio holds the PCM processing used on the telephony edge:
// G.711 mu-law companding, sample-rate conversion between the 8kHz
// telephony leg and the 24kHz model leg, and inbound gain control.
// Everything in this package is a pure function over sample buffers.
package audio

const (
	mulawBias = 0x84
	mulawClip = 32635

	// TelephonyRate is the PSTN sample rate carried by the media stream.
	TelephonyRate = 8000
	// ModelRate is the PCM rate the realtime model consumes and produces.
	ModelRate = 24000

	// FrameSamples is one 20ms telephony frame at 8kHz.
	FrameSamples = 160
)

var (
	decodeTable [256]int16
	encodeTable [8192]byte
)

func init() {
	for i := 0; i < 256; i++ {
		decodeTable[i] = decodeOne(byte(i))
	}
	// Positive samples quantize to the same code with the low two bits
	// dropped, so a 8192-entry table covers them with one lookup.
	for i := 0; i < 8192; i++ {
		encodeTable[i] = encodeSegment(int16(i << 2))
	}
}

func decodeOne(u byte) int16 {
	u = ^u
	t := int16(((int32(u)&0x0F)<<3 + mulawBias) << ((int32(u) & 0x70) >> 4))
	if u&0x80 != 0 {
		return mulawBias - t
	}
	return t - mulawBias
}

func encodeSegment(sample int16) byte {
	sign := byte(0)
	s := int32(sample)
	if s < 0 {
		s = -s
		sign = 0x80
	}
	if s > mulawClip {
		s = mulawClip
	}
	s += mulawBias

	exponent := byte(7)
	for mask := int32(0x4000); mask != 0 && s&mask == 0; mask >>= 1 {
		exponent--
	}
	mantissa := byte((s >> (exponent + 3)) & 0x0F)
	return ^(sign | exponent<<4 | mantissa)
}

// DecodeSample expands one mu-law code to a linear 16-bit sample.
func DecodeSample(u byte) int16 {
	return decodeTable[u]
}

// EncodeSample compresses one linear 16-bit sample to a mu-law code.
func EncodeSample(s int16) byte {
	if s < 0 {
		// Encode from the magnitude path so the table index stays positive.
		return encodeSegment(s)
	}
	return encodeTable[uint16(s)>>2]
}

// Decode expands a mu-law buffer to linear PCM samples.
func Decode(ulaw []byte) []int16 {
	out := make([]int16, len(ulaw))
	for i, u := range ulaw {
		out[i] = decodeTable[u]
	}
	return out
}

// Encode compresses linear PCM samples to mu-law codes.
func Encode(pcm []int16) []byte {
	out := make([]byte, len(pcm))
	for i, s := range pcm {
		out[i] = EncodeSample(s)
	}
	return out
}

// PCMFromBytes reinterprets little-endian 16-bit bytes as samples.
// A trailing odd byte is dropped.
func PCMFromBytes(b []byte) []int16 {
	n := len(b) / 2
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = int16(uint16(b[2*i]) | uint16(b[2*i+1])<<8)
	}
	return out
}

// PCMToBytes serializes samples as little-endian 16-bit bytes.
func PCMToBytes(pcm []int16) []byte {
	out := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		out[2*i] = byte(uint16(s))
		out[2*i+1] = byte(uint16(s) >> 8)
	}
	return out
}
