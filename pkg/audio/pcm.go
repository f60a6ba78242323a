package audio

import "encoding/binary"

// Downmix averages interleaved channels of pcm into a single mono channel.
// Mono input is returned as is.
func Downmix(pcm []byte, channels int) []byte {
	if channels <= 1 {
		return pcm
	}
	frameBytes := 2 * channels
	frames := len(pcm) / frameBytes
	out := make([]byte, frames*2)
	for i := range frames {
		var sum int32
		for c := range channels {
			off := i*frameBytes + 2*c
			sum += int32(int16(binary.LittleEndian.Uint16(pcm[off:])))
		}
		binary.LittleEndian.PutUint16(out[2*i:], uint16(int16(sum/int32(channels))))
	}
	return out
}

// Resample converts mono pcm from one rate to another by linear
// interpolation. Input is returned unchanged when the rates match or either
// rate is not positive.
func Resample(pcm []byte, from, to int) []byte {
	if from <= 0 || to <= 0 || from == to {
		return pcm
	}
	in := len(pcm) / 2
	if in == 0 {
		return nil
	}
	outN := int(int64(in) * int64(to) / int64(from))
	out := make([]byte, outN*2)
	step := float64(from) / float64(to)
	at := func(i int) float64 {
		if i >= in {
			i = in - 1
		}
		return float64(int16(binary.LittleEndian.Uint16(pcm[2*i:])))
	}
	for i := range outN {
		pos := float64(i) * step
		idx := int(pos)
		frac := pos - float64(idx)
		v := at(idx)*(1-frac) + at(idx+1)*frac
		binary.LittleEndian.PutUint16(out[2*i:], uint16(int16(v)))
	}
	return out
}

// ToMono returns frame as mono PCM at rate. A rate of 0 keeps the frame's
// rate. Frames with an odd byte count are truncated to whole samples.
func ToMono(frame AudioFrame, rate int) AudioFrame {
	data := frame.Data[:len(frame.Data)&^1]
	if rate == 0 {
		rate = frame.SampleRate
	}
	data = Downmix(data, frame.Channels)
	data = Resample(data, frame.SampleRate, rate)
	return AudioFrame{
		Data:       data,
		SampleRate: rate,
		Channels:   1,
		Timestamp:  frame.Timestamp,
	}
}
