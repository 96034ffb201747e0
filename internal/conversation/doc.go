// Package conversation groups a channel's segments into conversations.
//
// Each channel key has at most one OPEN conversation. A segment joins it
// unless the gap since the window end exceeds the inactivity timeout (the old
// conversation closes) or the joined window would exceed the maximum window
// (the old conversation becomes OVERFLOW with a recommended split time).
// Transcripts attach to segments by id and may arrive before the segment.
package conversation
