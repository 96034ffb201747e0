// Package vad provides energy-based voice activity detection over 16-bit
// little-endian PCM frames. A frame is active when its RMS energy exceeds the
// configured threshold and it carries at least the minimum number of bytes.
package vad
