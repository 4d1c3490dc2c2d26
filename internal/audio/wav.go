package audio

import (
	"bytes"
	"encoding/binary"
	"time"
)

const (
	pcmChannels = 1
	pcmBitDepth = 16
)

// WAV wraps raw PCM16-LE mono samples in a WAV container so the backend can
// detect the format from the payload alone.
func WAV(pcm []byte, sampleRate int) []byte {
	header := wavHeader(len(pcm), sampleRate, pcmChannels, pcmBitDepth)
	out := make([]byte, 0, len(header)+len(pcm))
	out = append(out, header...)
	out = append(out, pcm...)
	return out
}

// PCMDuration returns how long n bytes of PCM16-LE mono audio play for.
func PCMDuration(n, sampleRate int) time.Duration {
	bytesPerSecond := sampleRate * pcmChannels * pcmBitDepth / 8
	if bytesPerSecond <= 0 || n <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(bytesPerSecond))
}

func wavHeader(dataSize, sampleRate, channels, bitDepth int) []byte {
	byteRate := sampleRate * channels * bitDepth / 8
	blockAlign := channels * bitDepth / 8
	chunkSize := 36 + dataSize

	buf := bytes.NewBuffer(make([]byte, 0, 44))
	buf.WriteString("RIFF")
	binary.Write(buf, binary.LittleEndian, uint32(chunkSize))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(buf, binary.LittleEndian, uint32(16))
	binary.Write(buf, binary.LittleEndian, uint16(1))
	binary.Write(buf, binary.LittleEndian, uint16(channels))
	binary.Write(buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(buf, binary.LittleEndian, uint32(byteRate))
	binary.Write(buf, binary.LittleEndian, uint16(blockAlign))
	binary.Write(buf, binary.LittleEndian, uint16(bitDepth))
	buf.WriteString("data")
	binary.Write(buf, binary.LittleEndian, uint32(dataSize))

	return buf.Bytes()
}
