package audio

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// EncodeWAVPCM16LE wraps raw PCM16LE mono audio bytes in a WAV container.
// Sealed utterances travel on the wire in this format.
func EncodeWAVPCM16LE(pcm []byte, sampleRate int) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteWAVPCM16LETo(&buf, pcm, sampleRate); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteWAVPCM16LETo writes raw PCM16LE mono audio bytes to out as a WAV stream.
func WriteWAVPCM16LETo(out io.Writer, pcm []byte, sampleRate int) error {
	const (
		numChannels   = 1
		bitsPerSample = 16
		audioFormat   = 1 // PCM
	)
	if sampleRate <= 0 {
		sampleRate = 16000
	}

	dataSize := uint32(len(pcm))
	byteRate := uint32(sampleRate * numChannels * bitsPerSample / 8)
	blockAlign := uint16(numChannels * bitsPerSample / 8)

	w := bufio.NewWriter(out)

	// RIFF header.
	if _, err := w.WriteString("RIFF"); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(36)+dataSize); err != nil {
		return err
	}
	if _, err := w.WriteString("WAVE"); err != nil {
		return err
	}

	// fmt chunk.
	if _, err := w.WriteString("fmt "); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(16)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint16(audioFormat)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint16(numChannels)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(sampleRate)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, byteRate); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, blockAlign); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint16(bitsPerSample)); err != nil {
		return err
	}

	// data chunk.
	if _, err := w.WriteString("data"); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, dataSize); err != nil {
		return err
	}
	if _, err := w.Write(pcm); err != nil {
		return err
	}
	return w.Flush()
}

// DecodeWAVPCM16 extracts mono PCM16LE bytes and the sample rate from a WAV
// payload. Multi-channel input is downmixed by averaging.
func DecodeWAVPCM16(data []byte) ([]byte, int, error) {
	if len(data) < 12 {
		return nil, 0, fmt.Errorf("wav too short")
	}
	if string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, 0, fmt.Errorf("unsupported wav header")
	}

	var (
		haveFmt     bool
		audioFormat uint16
		channels    uint16
		sampleRate  int
		bitsPerSamp uint16
		pcmData     []byte
	)
	for off := 12; off+8 <= len(data); {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		off += 8
		if size < 0 || off+size > len(data) {
			return nil, 0, fmt.Errorf("invalid wav chunk size")
		}
		chunk := data[off : off+size]
		switch id {
		case "fmt ":
			if len(chunk) < 16 {
				return nil, 0, fmt.Errorf("invalid wav fmt chunk")
			}
			audioFormat = binary.LittleEndian.Uint16(chunk[0:2])
			channels = binary.LittleEndian.Uint16(chunk[2:4])
			sampleRate = int(binary.LittleEndian.Uint32(chunk[4:8]))
			bitsPerSamp = binary.LittleEndian.Uint16(chunk[14:16])
			haveFmt = true
		case "data":
			pcmData = append(pcmData[:0], chunk...)
		}
		off += size
		if size%2 == 1 {
			off++
		}
	}
	if !haveFmt {
		return nil, 0, fmt.Errorf("wav fmt chunk missing")
	}
	if len(pcmData) == 0 {
		return nil, 0, fmt.Errorf("wav data chunk missing")
	}
	if audioFormat != 1 {
		return nil, 0, fmt.Errorf("unsupported wav audio format %d", audioFormat)
	}
	if bitsPerSamp != 16 {
		return nil, 0, fmt.Errorf("unsupported wav bits_per_sample %d", bitsPerSamp)
	}
	if channels == 0 {
		return nil, 0, fmt.Errorf("invalid wav channels=0")
	}
	if sampleRate <= 0 {
		sampleRate = 16000
	}

	if channels == 1 {
		if len(pcmData)%2 != 0 {
			pcmData = pcmData[:len(pcmData)-1]
		}
		return pcmData, sampleRate, nil
	}

	frameBytes := int(channels) * 2
	if len(pcmData) < frameBytes {
		return nil, 0, fmt.Errorf("invalid wav frame bytes")
	}
	frameCount := len(pcmData) / frameBytes
	mono := make([]byte, frameCount*2)
	for i := 0; i < frameCount; i++ {
		base := i * frameBytes
		sum := 0
		for ch := 0; ch < int(channels); ch++ {
			s := int16(binary.LittleEndian.Uint16(pcmData[base+ch*2 : base+ch*2+2]))
			sum += int(s)
		}
		avg := int16(sum / int(channels))
		binary.LittleEndian.PutUint16(mono[i*2:i*2+2], uint16(avg))
	}
	return mono, sampleRate, nil
}
