// Package distance looks up road distance between a dispatch location and a
// facility address. The HTTP client speaks a distance-matrix style JSON API;
// CachedProvider fronts any Provider with a Redis-backed cache.
package distance
