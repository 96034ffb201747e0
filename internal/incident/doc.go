// Package incident tracks dispatched units from dispatch to hand-off.
//
// A dispatch event names a unit ("Medic 12") and opens an Incident. When a
// conversation on a hospital channel later mentions the same unit, the
// Correlator links the earliest matching dispatch to it, estimates the
// arrival time and moves the incident to EN_ROUTE. Time-driven transitions
// are applied by Advance, which the lifecycle scheduler calls on every sweep.
package incident
