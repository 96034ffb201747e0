// Package protocol converts an unframed PCM byte stream into fixed-size,
// sample-aligned audio frames with arrival timestamps. Sources deliver raw
// bytes in arbitrary pieces (UDP datagrams, pipe reads); the Framer re-chunks
// them so every downstream frame has the same size.
package protocol
