// Package transcription sends finished segments to a speech-to-text
// service. The HTTP client uploads the WAV payload as multipart form data,
// retries transient failures with exponential backoff and bounds concurrent
// requests with a semaphore. The google subpackage provides the same
// Transcriber on Cloud Speech-to-Text.
package transcription
