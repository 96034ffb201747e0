// Package server contains the network edges of the service: UDP and pipe
// receivers that frame raw PCM for the stream manager, the REST and
// monitoring API, and the WebSocket live event feed.
package server
