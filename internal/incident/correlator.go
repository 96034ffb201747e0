package incident

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/duderayuh/EMSInsights-sub001/internal/conversation"
	"github.com/duderayuh/EMSInsights-sub001/internal/distance"
	"github.com/duderayuh/EMSInsights-sub001/internal/logging"
	"github.com/duderayuh/EMSInsights-sub001/internal/metrics"
)

// Facility is the hospital served by a channel.
type Facility struct {
	Name     string
	Address  string
	Location distance.Coordinates
}

// Config contains matching and ETA parameters
type Config struct {
	LookBack        time.Duration
	LookAhead       time.Duration
	AverageSpeedMPH float64
	HandlingMinutes int
	CompletionDelay time.Duration
	LookupTimeout   time.Duration
	Facilities      map[string]Facility // by channel key
}

// DispatchEvent is a dispatch announcement from the ingestion side.
type DispatchEvent struct {
	Text     string                `json:"text"`
	Time     time.Time             `json:"time"`
	Location *distance.Coordinates `json:"location,omitempty"`
	Address  string                `json:"address,omitempty"`
}

// Validate checks the fields a producer controls.
func (e DispatchEvent) Validate() error {
	if strings.TrimSpace(e.Text) == "" {
		return errors.New("dispatch text is empty")
	}
	if e.Time.IsZero() {
		return errors.New("dispatch time is required")
	}
	if e.Location != nil && !e.Location.Valid() {
		return fmt.Errorf("dispatch location %s is out of range", e.Location)
	}
	return nil
}

type entry struct {
	mu  sync.Mutex
	inc Incident
}

// Correlator owns the incident table. The map lock guards membership and
// the conversation index; each incident has its own lock. The map lock may
// be taken before an incident lock, never after.
type Correlator struct {
	config   Config
	provider distance.Provider
	logger   zerolog.Logger
	metrics  *metrics.Metrics

	mu             sync.RWMutex
	incidents      map[int64]*entry
	byConversation map[string]int64
	nextID         int64
}

// CorrelatorStats represents correlator statistics
type CorrelatorStats struct {
	Total    int            `json:"total"`
	ByStatus map[Status]int `json:"by_status"`
	Linked   int            `json:"linked"`
}

// NewCorrelator creates an empty correlator. A nil provider always uses the heuristic ETA.
func NewCorrelator(config Config, provider distance.Provider, logger zerolog.Logger, m *metrics.Metrics) (*Correlator, error) {
	if config.LookBack < 0 || config.LookAhead < 0 {
		return nil, fmt.Errorf("look-back and look-ahead cannot be negative")
	}
	if config.AverageSpeedMPH <= 0 {
		return nil, fmt.Errorf("average speed must be positive")
	}
	if config.CompletionDelay <= 0 {
		return nil, fmt.Errorf("completion delay must be positive")
	}
	if config.LookupTimeout <= 0 {
		config.LookupTimeout = 5 * time.Second
	}
	if config.Facilities == nil {
		config.Facilities = make(map[string]Facility)
	}

	return &Correlator{
		config:         config,
		provider:       provider,
		logger:         logging.WithComponent(logger, "incident"),
		metrics:        m,
		incidents:      make(map[int64]*entry),
		byConversation: make(map[string]int64),
	}, nil
}

// ResumeIDs makes new incident ids follow last, the highest id persisted
// by a previous run. It never moves the counter back.
func (c *Correlator) ResumeIDs(last int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if last > c.nextID {
		c.nextID = last
	}
}

// OnDispatchEvent opens a DISPATCHED incident for the unit named in the
// event text. Events without a recognizable unit are ignored.
func (c *Correlator) OnDispatchEvent(ctx context.Context, ev DispatchEvent) (*Incident, bool) {
	unit, ok := ExtractUnit(ev.Text)
	if !ok {
		c.logger.Debug().Str("text", ev.Text).Msg("dispatch without unit id, ignoring")
		return nil, false
	}

	c.mu.Lock()
	c.nextID++
	inc := Incident{
		ID:               c.nextID,
		UnitID:           unit,
		DispatchText:     ev.Text,
		DispatchTime:     ev.Time,
		DispatchLocation: ev.Location,
		DispatchAddress:  ev.Address,
		Status:           StatusDispatched,
		UpdatedAt:        ev.Time,
		History:          []StatusChange{{To: StatusDispatched, At: ev.Time, Reason: "dispatch"}},
	}
	e := &entry{inc: inc}
	c.incidents[inc.ID] = e
	out := e.inc.Clone()
	c.mu.Unlock()

	c.metrics.RecordIncidentCreated()
	incLog := logging.WithIncident(c.logger, out.ID, unit)
	incLog.Info().
		Time("dispatchTime", ev.Time).
		Msg("incident dispatched")

	return &out, true
}

// OnConversationUpdate links the conversation to the earliest matching
// dispatch of the unit it mentions and returns the incidents it changed.
// Re-evaluating an already linked conversation changes nothing.
func (c *Correlator) OnConversationUpdate(ctx context.Context, conv *conversation.Conversation) []Incident {
	if conv == nil || len(conv.Segments) == 0 {
		return nil
	}
	unit, ok := ExtractUnit(conv.Text())
	if !ok {
		return nil
	}
	anchor := conv.WindowStart
	log := c.logger.With().Str("conversationId", conv.ID).Str("unitId", unit).Logger()

	// a concurrent link can take the chosen candidate; try the next one
	for attempt := 0; attempt < 3; attempt++ {
		if c.isLinked(conv.ID) {
			return nil
		}
		cand, ok := c.bestCandidate(unit, conv.ID, anchor)
		if !ok {
			log.Debug().Time("anchor", anchor).Msg("no dispatch matches conversation")
			return nil
		}

		facility, hasFacility := c.config.Facilities[conv.ChannelKey]
		eta, source, miles := c.estimate(ctx, cand, facility, hasFacility, log)

		linked, ok := c.link(cand.ID, conv.ID, unit, anchor, facility.Name, eta, source, miles)
		if !ok {
			continue
		}

		c.metrics.RecordIncidentLinked(source)
		c.metrics.RecordIncidentTransition(string(StatusEnRoute))
		log.Info().
			Int64("incidentId", linked.ID).
			Str("facility", linked.FacilityName).
			Int("etaMinutes", linked.ETAMinutes).
			Str("etaSource", linked.ETASource).
			Msg("incident linked, unit en route")
		return []Incident{linked}
	}
	return nil
}

func (c *Correlator) isLinked(conversationID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.byConversation[conversationID]
	return ok
}

func (c *Correlator) matches(inc *Incident, unit, conversationID string, anchor time.Time) bool {
	if inc.Status != StatusDispatched && inc.Status != StatusEnRoute {
		return false
	}
	if inc.UnitID != unit {
		return false
	}
	if inc.LinkedConversationID != "" && inc.LinkedConversationID != conversationID {
		return false
	}
	from := anchor.Add(-c.config.LookBack)
	to := anchor.Add(c.config.LookAhead)
	return !inc.DispatchTime.Before(from) && !inc.DispatchTime.After(to)
}

// bestCandidate returns the earliest dispatch matching the conversation, lowest id on ties.
func (c *Correlator) bestCandidate(unit, conversationID string, anchor time.Time) (Incident, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var best Incident
	found := false
	for _, e := range c.incidents {
		e.mu.Lock()
		if c.matches(&e.inc, unit, conversationID, anchor) {
			if !found || e.inc.DispatchTime.Before(best.DispatchTime) ||
				(e.inc.DispatchTime.Equal(best.DispatchTime) && e.inc.ID < best.ID) {
				best = e.inc.Clone()
				found = true
			}
		}
		e.mu.Unlock()
	}
	return best, found
}

// estimate runs without any lock held.
func (c *Correlator) estimate(ctx context.Context, inc Incident, facility Facility, hasFacility bool,
	log zerolog.Logger) (int, string, *float64) {

	if c.provider != nil && hasFacility && facility.Address != "" && inc.DispatchLocation != nil {
		lookupCtx, cancel := context.WithTimeout(ctx, c.config.LookupTimeout)
		res, err := c.provider.Lookup(lookupCtx, *inc.DispatchLocation, facility.Address)
		cancel()
		if err == nil {
			c.metrics.RecordDistanceLookup("ok")
			miles := res.Miles
			return EstimateETA(miles, c.config.AverageSpeedMPH, c.config.HandlingMinutes), ETASourceDistance, &miles
		}
		c.metrics.RecordDistanceLookup("error")
		log.Warn().Err(err).Int64("incidentId", inc.ID).Msg("distance lookup failed, using heuristic ETA")
	} else {
		c.metrics.RecordDistanceLookup("skipped")
	}

	eta, kind := HeuristicETA(inc.DispatchText + " " + inc.DispatchAddress)
	log.Debug().Int64("incidentId", inc.ID).Str("locationType", kind).Int("etaMinutes", eta).Msg("heuristic ETA")
	return eta, ETASourceHeuristic, nil
}

// link re-validates the candidate under the locks and applies the link.
func (c *Correlator) link(id int64, conversationID, unit string, anchor time.Time, facilityName string,
	eta int, source string, miles *float64) (Incident, bool) {

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, linked := c.byConversation[conversationID]; linked {
		return Incident{}, false
	}
	e, ok := c.incidents[id]
	if !ok {
		return Incident{}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !c.matches(&e.inc, unit, conversationID, anchor) {
		return Incident{}, false
	}

	inc := &e.inc
	if inc.Status == StatusDispatched {
		if err := inc.transition(StatusEnRoute, anchor, "conversation "+conversationID); err != nil {
			return Incident{}, false
		}
	}
	inc.LinkedConversationID = conversationID
	inc.FacilityName = facilityName
	inc.DistanceMiles = miles
	inc.ETAMinutes = eta
	inc.ETASource = source
	inc.EnRouteAt = anchor
	inc.UpdatedAt = anchor
	c.byConversation[conversationID] = id

	return inc.Clone(), true
}

// Advance applies the time-driven transitions due at now and returns the
// incidents that changed. A sweep that crosses both the arrival and the
// completion threshold records both transitions in order.
func (c *Correlator) Advance(now time.Time) []Incident {
	var changed []Incident
	for _, e := range c.entries() {
		e.mu.Lock()
		inc := &e.inc
		if inc.EnRouteAt.IsZero() {
			e.mu.Unlock()
			continue
		}
		moved := false

		if inc.Status == StatusEnRoute && !now.Before(inc.ArrivalTime()) {
			if err := inc.transition(StatusArrivingShortly, now, "eta reached"); err == nil {
				c.metrics.RecordIncidentTransition(string(StatusArrivingShortly))
				moved = true
			}
		}

		switch inc.Status {
		case StatusEnRoute, StatusArrivingShortly, StatusAtFacility:
			if !now.Before(inc.ArrivalTime().Add(c.config.CompletionDelay)) {
				if err := inc.transition(StatusCompleted, now, "completion delay elapsed"); err == nil {
					c.metrics.RecordIncidentTransition(string(StatusCompleted))
					moved = true
				}
			}
		}

		if moved {
			changed = append(changed, inc.Clone())
			incLog := logging.WithIncident(c.logger, inc.ID, inc.UnitID)
			incLog.Info().
				Str("status", string(inc.Status)).
				Msg("incident advanced")
		}
		e.mu.Unlock()
	}
	sortByID(changed)
	return changed
}

// MarkAtFacility records that the unit arrived.
func (c *Correlator) MarkAtFacility(id int64, at time.Time) (Incident, error) {
	return c.manual(id, StatusAtFacility, at, "marked at facility")
}

// Complete finishes an incident on request.
func (c *Correlator) Complete(id int64, at time.Time) (Incident, error) {
	return c.manual(id, StatusCompleted, at, "completed manually")
}

func (c *Correlator) manual(id int64, to Status, at time.Time, reason string) (Incident, error) {
	c.mu.RLock()
	e, ok := c.incidents[id]
	c.mu.RUnlock()
	if !ok {
		return Incident{}, fmt.Errorf("incident %d: %w", id, ErrIncidentNotFound)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if to == StatusAtFacility && e.inc.LinkedConversationID == "" {
		return Incident{}, fmt.Errorf("incident %d is not linked: %w", id, ErrInvalidTransition)
	}
	if err := e.inc.transition(to, at, reason); err != nil {
		return Incident{}, fmt.Errorf("incident %d: %w", id, err)
	}
	c.metrics.RecordIncidentTransition(string(to))
	c.logger.Info().Int64("incidentId", id).Str("status", string(to)).Msg(reason)
	return e.inc.Clone(), nil
}

// Evict drops COMPLETED incidents last updated before now-retention and
// DISPATCHED incidents never linked within dispatchExpiry. Zero durations
// disable the respective rule. It returns the number removed.
func (c *Correlator) Evict(now time.Time, retention, dispatchExpiry time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for id, e := range c.incidents {
		e.mu.Lock()
		inc := &e.inc
		expired := (retention > 0 && inc.Status == StatusCompleted && inc.UpdatedAt.Before(now.Add(-retention))) ||
			(dispatchExpiry > 0 && inc.Status == StatusDispatched && inc.DispatchTime.Before(now.Add(-dispatchExpiry)))
		if expired {
			if inc.LinkedConversationID != "" {
				delete(c.byConversation, inc.LinkedConversationID)
			}
			delete(c.incidents, id)
			removed++
		}
		e.mu.Unlock()
	}

	if removed > 0 {
		c.logger.Debug().Int("count", removed).Msg("evicted incidents")
	}
	return removed
}

// Get returns a snapshot of one incident.
func (c *Correlator) Get(id int64) (Incident, error) {
	c.mu.RLock()
	e, ok := c.incidents[id]
	c.mu.RUnlock()
	if !ok {
		return Incident{}, fmt.Errorf("incident %d: %w", id, ErrIncidentNotFound)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inc.Clone(), nil
}

// ForConversation returns the incident linked to a conversation.
func (c *Correlator) ForConversation(conversationID string) (Incident, bool) {
	c.mu.RLock()
	id, ok := c.byConversation[conversationID]
	c.mu.RUnlock()
	if !ok {
		return Incident{}, false
	}
	inc, err := c.Get(id)
	return inc, err == nil
}

// List returns snapshots of all incidents ordered by id.
func (c *Correlator) List() []Incident {
	out := make([]Incident, 0)
	for _, e := range c.entries() {
		e.mu.Lock()
		out = append(out, e.inc.Clone())
		e.mu.Unlock()
	}
	sortByID(out)
	return out
}

// GetStats returns correlator statistics
func (c *Correlator) GetStats() CorrelatorStats {
	stats := CorrelatorStats{ByStatus: make(map[Status]int)}
	for _, inc := range c.List() {
		stats.Total++
		stats.ByStatus[inc.Status]++
		if inc.LinkedConversationID != "" {
			stats.Linked++
		}
	}
	return stats
}

func (c *Correlator) entries() []*entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*entry, 0, len(c.incidents))
	for _, e := range c.incidents {
		out = append(out, e)
	}
	return out
}

func sortByID(incidents []Incident) {
	sort.Slice(incidents, func(i, j int) bool { return incidents[i].ID < incidents[j].ID })
}
