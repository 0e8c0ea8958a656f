package alarm

import (
	"hash/fnv"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gridworks/scada/internal/bus"
	"github.com/gridworks/scada/internal/core"
	"github.com/gridworks/scada/internal/metrics"
)

// Persister receives every alarm transition; implemented by the historian.
type Persister interface {
	RecordAlarm(a Alarm)
}

const lockShards = 32

// keyedLock serialises transitions per (node_id, code) without a global
// mutex: keys hash onto a fixed set of shard mutexes.
type keyedLock struct {
	shards [lockShards]sync.Mutex
}

func (k *keyedLock) lock(key string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(key))
	m := &k.shards[h.Sum32()%lockShards]
	m.Lock()
	return m
}

// entry tracks the live alarm and hysteresis progress for one key.
type entry struct {
	alarm       *Alarm
	insideCount int
}

// Engine is the alarm engine.
type Engine struct {
	mu      sync.RWMutex
	table   map[string]*entry // "node|code" → live entry
	byID    map[string]*Alarm // all non-cleared alarms by id
	keyed   keyedLock
	bus     *bus.Bus
	persist Persister
	metrics *metrics.Metrics
	logger  *log.Logger
}

// NewEngine creates the alarm engine. bus and persist may be nil in tests.
func NewEngine(b *bus.Bus, persist Persister, m *metrics.Metrics) *Engine {
	return &Engine{
		table:   make(map[string]*entry),
		byID:    make(map[string]*Alarm),
		bus:     b,
		persist: persist,
		metrics: m,
		logger:  log.New(log.Writer(), "[ALARM] ", log.LstdFlags),
	}
}

func key(nodeID string, code Code) string { return nodeID + "|" + string(code) }

// snapshot copies the alarm with its own Details map, so callers can
// marshal it while the engine keeps mutating the live record.
func snapshot(a *Alarm) Alarm {
	cp := *a
	if a.Details != nil {
		cp.Details = make(map[string]interface{}, len(a.Details))
		for k, v := range a.Details {
			cp.Details[k] = v
		}
	}
	return cp
}

// condition is one evaluated threshold: crossed state plus the hysteresis
// test for returning inside the band.
type condition struct {
	code    Code
	crossed bool
	inside  bool
	details map[string]interface{}
}

// Evaluate runs all telemetry-driven thresholds for one sample. nominalKV
// is the node's nominal voltage from the catalogue.
func (e *Engine) Evaluate(sample core.TelemetrySample, nominalKV float64) {
	now := sample.Timestamp
	if now.IsZero() {
		now = time.Now().UTC()
	}

	for _, c := range evaluateConditions(sample, nominalKV) {
		e.apply(sample.NodeID, c, now)
	}
}

func evaluateConditions(s core.TelemetrySample, nominalKV float64) []condition {
	conds := make([]condition, 0, 4)

	// Frequency band [49.5, 50.5]: exactly on the boundary does not alarm.
	conds = append(conds, condition{
		code:    CodeUnderfrequency,
		crossed: s.FrequencyHz < FrequencyLowHz,
		inside:  s.FrequencyHz >= FrequencyLowHz+hystFrequencyHz,
		details: map[string]interface{}{"frequency_hz": s.FrequencyHz},
	})
	conds = append(conds, condition{
		code:    CodeOverfrequency,
		crossed: s.FrequencyHz > FrequencyHighHz,
		inside:  s.FrequencyHz <= FrequencyHighHz-hystFrequencyHz,
		details: map[string]interface{}{"frequency_hz": s.FrequencyHz},
	})

	if nominalKV > 0 {
		dev := (s.VoltageKV - nominalKV) / nominalKV
		conds = append(conds, condition{
			code:    CodeOvervoltage,
			crossed: dev > VoltageDeviationFrac,
			inside:  dev <= VoltageDeviationFrac-hystVoltageFrac,
			details: map[string]interface{}{"voltage_kv": s.VoltageKV, "nominal_kv": nominalKV},
		})
		conds = append(conds, condition{
			code:    CodeUndervoltage,
			crossed: dev < -VoltageDeviationFrac,
			inside:  dev >= -(VoltageDeviationFrac - hystVoltageFrac),
			details: map[string]interface{}{"voltage_kv": s.VoltageKV, "nominal_kv": nominalKV},
		})
	}

	if s.TemperatureC != nil {
		t := *s.TemperatureC
		conds = append(conds, condition{
			code:    CodeThermalTrip,
			crossed: t > ThermalLimitC,
			inside:  t <= ThermalLimitC-hystThermalC,
			details: map[string]interface{}{"temperature_c": t},
		})
	}

	tripped := s.BreakerState == core.BreakerTripped
	conds = append(conds, condition{
		code:    CodeBreakerTripped,
		crossed: tripped,
		inside:  !tripped,
		details: map[string]interface{}{"breaker_state": string(s.BreakerState)},
	})

	return conds
}

// apply runs one condition through the keyed state machine.
func (e *Engine) apply(nodeID string, c condition, now time.Time) {
	k := key(nodeID, c.code)
	l := e.keyed.lock(k)
	defer l.Unlock()

	e.mu.RLock()
	ent := e.table[k]
	e.mu.RUnlock()

	switch {
	case c.crossed:
		if ent == nil || !ent.alarm.Active() {
			e.raise(k, nodeID, c.code, c.details, now)
			return
		}
		// Already active: count the occurrence, never duplicate.
		ent.insideCount = 0
		e.bumpOccurrences(ent.alarm)

	case ent != nil && ent.alarm.Active():
		if !c.inside {
			// Out of the alarm region but still within the hysteresis
			// band; hold the counter.
			ent.insideCount = 0
			return
		}
		ent.insideCount++
		if ent.insideCount >= clearConsecutive {
			e.clear(k, ent, now)
		}
	}
}

// bumpOccurrences increments the repeat counter. Details is shared with
// concurrent readers, so the write happens under the table lock.
func (e *Engine) bumpOccurrences(a *Alarm) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if n, ok := a.Details["occurrences"].(int); ok {
		a.Details["occurrences"] = n + 1
	} else {
		a.Details["occurrences"] = 2
	}
}

// raise inserts a new Raised alarm for the key. Caller holds the key lock.
func (e *Engine) raise(k, nodeID string, code Code, details map[string]interface{}, now time.Time) {
	if details == nil {
		details = map[string]interface{}{}
	}
	details["occurrences"] = 1

	a := &Alarm{
		AlarmID:  uuid.NewString(),
		NodeID:   nodeID,
		Code:     code,
		Severity: SeverityOf(code),
		State:    StateRaised,
		RaisedAt: now,
		Details:  details,
	}

	e.mu.Lock()
	e.table[k] = &entry{alarm: a}
	e.byID[a.AlarmID] = a
	e.mu.Unlock()

	e.logger.Printf("RAISED %s %s on %s", a.Severity, a.Code, a.NodeID)
	e.emit(bus.TypeAlarmRaised, a)
}

// clear transitions an active alarm to Cleared. Caller holds the key lock.
func (e *Engine) clear(k string, ent *entry, now time.Time) {
	a := ent.alarm
	cleared := now

	e.mu.Lock()
	a.State = StateCleared
	a.ClearedAt = &cleared
	delete(e.table, k)
	delete(e.byID, a.AlarmID)
	e.mu.Unlock()

	e.logger.Printf("CLEARED %s on %s", a.Code, a.NodeID)
	e.emit(bus.TypeAlarmCleared, a)
}

// RaiseExternal handles an RTU-pushed alarm event carrying a decided code.
func (e *Engine) RaiseExternal(nodeID string, code Code, details map[string]interface{}) {
	k := key(nodeID, code)
	l := e.keyed.lock(k)
	defer l.Unlock()

	e.mu.RLock()
	ent := e.table[k]
	e.mu.RUnlock()

	if ent != nil && ent.alarm.Active() {
		e.bumpOccurrences(ent.alarm)
		return
	}
	e.raise(k, nodeID, code, details, time.Now().UTC())
}

// ClearExternal handles an RTU-pushed clear for an externally raised code.
func (e *Engine) ClearExternal(nodeID string, code Code) {
	k := key(nodeID, code)
	l := e.keyed.lock(k)
	defer l.Unlock()

	e.mu.RLock()
	ent := e.table[k]
	e.mu.RUnlock()

	if ent != nil && ent.alarm.Active() {
		e.clear(k, ent, time.Now().UTC())
	}
}

// Acknowledge flips Raised → Acknowledged. Acknowledging an already
// acknowledged alarm is a no-op; a cleared (or unknown) alarm is a conflict.
func (e *Engine) Acknowledge(alarmID, operator, comment string) (*Alarm, error) {
	e.mu.RLock()
	a, ok := e.byID[alarmID]
	e.mu.RUnlock()
	if !ok {
		return nil, core.E(core.KindConflict, "alarm already cleared or unknown")
	}

	k := key(a.NodeID, a.Code)
	l := e.keyed.lock(k)
	defer l.Unlock()

	e.mu.Lock()
	switch a.State {
	case StateAcknowledged:
		cp := snapshot(a)
		e.mu.Unlock()
		return &cp, nil // idempotent
	case StateCleared:
		e.mu.Unlock()
		return nil, core.E(core.KindConflict, "alarm already cleared")
	}

	now := time.Now().UTC()
	a.State = StateAcknowledged
	a.AcknowledgedAt = &now
	a.AcknowledgedBy = operator
	if comment != "" {
		a.Details["ack_comment"] = comment
	}
	cp := snapshot(a)
	e.mu.Unlock()

	e.logger.Printf("ACK %s on %s by %s", a.Code, a.NodeID, operator)
	e.emit(bus.TypeAlarmAcknowledged, a)
	return &cp, nil
}

func (e *Engine) emit(t bus.MessageType, a *Alarm) {
	e.mu.RLock()
	cp := snapshot(a)
	e.mu.RUnlock()
	if e.metrics != nil {
		e.metrics.AlarmTransitions.WithLabelValues(string(a.Code), string(t)).Inc()
	}
	if e.persist != nil {
		e.persist.RecordAlarm(cp)
	}
	if e.bus != nil {
		e.bus.Publish(bus.NewMessage(t, a.NodeID, cp))
	}
}

// Active returns all alarms in state Raised or Acknowledged.
func (e *Engine) Active() []Alarm {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Alarm, 0, len(e.byID))
	for _, a := range e.byID {
		if a.Active() {
			out = append(out, snapshot(a))
		}
	}
	return out
}

// Get returns an active alarm by id.
func (e *Engine) Get(alarmID string) (*Alarm, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	a, ok := e.byID[alarmID]
	if !ok {
		return nil, false
	}
	cp := snapshot(a)
	return &cp, true
}

// ActiveAlarmCounts implements telemetry.AlarmTally.
func (e *Engine) ActiveAlarmCounts() (active, critical int) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, a := range e.byID {
		if !a.Active() {
			continue
		}
		active++
		if a.Severity == SeverityCritical {
			critical++
		}
	}
	return active, critical
}
