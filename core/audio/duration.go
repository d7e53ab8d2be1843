package audio

import "time"

// ChunkDuration estimates how long a raw PCM chunk takes to play under the
// given encoding.
func ChunkDuration(chunk []byte, encodingInfo EncodingInfo) time.Duration {
	if encodingInfo.IsZero() {
		encodingInfo = GetDefaultEncodingInfo()
	}

	byteSize := encodingInfo.Format.ByteSize()
	if byteSize <= 0 {
		byteSize = DefaultFormat.ByteSize()
	}

	samples := len(chunk) / byteSize
	return time.Duration(float64(samples) / float64(encodingInfo.SampleRate) * float64(time.Second))
}

// SamplesFor converts a wall-clock duration into a sample count under the
// given encoding.
func SamplesFor(duration time.Duration, encodingInfo EncodingInfo) int {
	if encodingInfo.IsZero() {
		encodingInfo = GetDefaultEncodingInfo()
	}

	return int(float64(duration) / float64(time.Second) * float64(encodingInfo.SampleRate))
}
