package rtu

import (
	"math"
	"math/rand"
	"time"

	"github.com/gridworks/scada/internal/core"
)

// hourlyLoadFactor is the diurnal demand curve, indexed by hour of day.
// Evening peak at 20:00, overnight trough around 01:00.
var hourlyLoadFactor = [24]float64{
	0.30, 0.28, 0.30, 0.32, 0.35, 0.45, 0.60, 0.68,
	0.70, 0.72, 0.70, 0.68, 0.60, 0.55, 0.55, 0.58,
	0.62, 0.70, 0.85, 0.95, 1.00, 0.95, 0.75, 0.50,
}

const nominalFrequencyHz = 50.0

// Simulator produces a plausible electrical series for one node. It is not
// a power-flow solver; each node drifts independently around its nominal
// operating point with load following the diurnal profile.
type Simulator struct {
	desc core.NodeDescriptor
	rng  *rand.Rand

	freq      float64
	energyMWH float64
	tempC     float64

	lastGood *core.TelemetrySample
}

// NewSimulator seeds the series for the node. The seed is fixed per node
// id so restarts produce comparable traces.
func NewSimulator(desc core.NodeDescriptor, seed int64) *Simulator {
	return &Simulator{
		desc:  desc,
		rng:   rand.New(rand.NewSource(seed)),
		freq:  nominalFrequencyHz,
		tempC: 60.0,
	}
}

// loadFactor interpolates the hourly curve at the given instant.
func loadFactor(t time.Time) float64 {
	h := t.Hour()
	next := (h + 1) % 24
	frac := float64(t.Minute())/60.0 + float64(t.Second())/3600.0
	return hourlyLoadFactor[h]*(1-frac) + hourlyLoadFactor[next]*frac
}

// solarFactor is a clear-sky gaussian centred on solar noon.
func solarFactor(t time.Time) float64 {
	hour := float64(t.Hour()) + float64(t.Minute())/60.0
	if hour < 6.0 || hour > 18.0 {
		return 0
	}
	const noon, sigma = 12.0, 3.0
	return math.Exp(-((hour - noon) * (hour - noon)) / (2 * sigma * sigma))
}

// Next produces the sample for the instant. Breaker state is stamped by
// the caller; a non-finite draw repeats the last good values flagged
// Suspect.
func (s *Simulator) Next(now time.Time, breaker core.BreakerState, interval time.Duration) core.TelemetrySample {
	sample := s.generate(now, breaker, interval)

	if !finiteSample(&sample) {
		if s.lastGood != nil {
			repaired := *s.lastGood
			repaired.Timestamp = now
			repaired.BreakerState = breaker
			repaired.Quality = core.QualitySuspect
			return repaired
		}
		sample = s.flatline(now, breaker)
		sample.Quality = core.QualitySuspect
		return sample
	}

	good := sample
	s.lastGood = &good
	return sample
}

func (s *Simulator) generate(now time.Time, breaker core.BreakerState, interval time.Duration) core.TelemetrySample {
	// Frequency random-walks around nominal with mean reversion.
	s.freq += 0.3*(nominalFrequencyHz-s.freq)*interval.Seconds() + s.rng.NormFloat64()*0.004
	factor := loadFactor(now)

	var powerMW float64
	switch s.desc.Kind {
	case core.KindGeneration:
		if s.desc.NominalVoltageKV >= 400 && s.desc.CapacityMW <= 200 {
			// Solar plant: irradiance-driven.
			powerMW = s.desc.CapacityMW * solarFactor(now) * (1 + s.rng.NormFloat64()*0.02)
		} else {
			powerMW = s.desc.CapacityMW * (0.55 + 0.40*factor) * (1 + s.rng.NormFloat64()*0.01)
		}
	case core.KindSubstation:
		powerMW = s.desc.CapacityMW * (0.45 + 0.45*factor) * (1 + s.rng.NormFloat64()*0.015)
	case core.KindDistribution:
		// Load convention: consumption is negative injection.
		powerMW = -s.desc.CapacityMW * factor * (1 + s.rng.NormFloat64()*0.02)
	}

	if breaker != core.BreakerClosed {
		powerMW = 0
	}

	voltage := s.desc.NominalVoltageKV * (1 + s.rng.NormFloat64()*0.005)
	pf := 0.92 + s.rng.Float64()*0.06
	apparentMVA := math.Abs(powerMW) / pf
	reactive := math.Sqrt(math.Max(apparentMVA*apparentMVA-powerMW*powerMW, 0))
	current := 0.0
	if voltage > 0 {
		current = apparentMVA / (math.Sqrt(3) * voltage) * 1000
	}

	// Transformer oil tracks loading with slow first-order dynamics.
	targetTemp := 55.0 + 40.0*math.Abs(powerMW)/math.Max(s.desc.CapacityMW, 1)
	s.tempC += (targetTemp - s.tempC) * 0.02
	s.energyMWH += math.Abs(powerMW) * interval.Hours()

	sample := core.TelemetrySample{
		NodeID:             s.desc.NodeID,
		Timestamp:          now,
		VoltageKV:          voltage,
		CurrentA:           current,
		ActivePowerMW:      powerMW,
		ReactivePowerMVAR:  reactive,
		PowerFactor:        pf,
		FrequencyHz:        s.freq,
		BreakerState:       breaker,
		EnergyDeliveredMWH: s.energyMWH,
		Quality:            core.QualityGood,
	}
	if s.desc.Kind != core.KindDistribution {
		t := s.tempC
		sample.TemperatureC = &t
	}
	return sample
}

func (s *Simulator) flatline(now time.Time, breaker core.BreakerState) core.TelemetrySample {
	return core.TelemetrySample{
		NodeID:       s.desc.NodeID,
		Timestamp:    now,
		VoltageKV:    s.desc.NominalVoltageKV,
		FrequencyHz:  nominalFrequencyHz,
		PowerFactor:  1,
		BreakerState: breaker,
	}
}

func finiteSample(s *core.TelemetrySample) bool {
	vals := []float64{
		s.VoltageKV, s.CurrentA, s.ActivePowerMW, s.ReactivePowerMVAR,
		s.PowerFactor, s.FrequencyHz, s.EnergyDeliveredMWH,
	}
	if s.TemperatureC != nil {
		vals = append(vals, *s.TemperatureC)
	}
	for _, v := range vals {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
