// Package pipeline wires the stages together.
//
// Segments from the stream manager are ingested into the conversation
// assembler, archived, persisted, published and queued for transcription.
// Transcripts come back as messages on a channel and run through the
// assembler, the signal detector and the incident correlator. Dispatch
// events open incidents. Every changed entity is fanned out to the
// configured sinks: event publisher, store and live broadcaster.
//
// Sinks are optional. A sink failure is logged and never stops the pipeline.
package pipeline
