package timing

import (
	"math"

	"github.com/OpenTraceLab/jtagverify/pkg/txn"
)

// Sample holds the timing figures derived from one transaction, in
// nanoseconds (duty cycle and jitter in percent). NaN marks a quantity the
// transaction did not exercise.
type Sample struct {
	Period    float64 `json:"period" msgpack:"period"` // mean
	PeriodMin float64 `json:"period_min" msgpack:"period_min"`
	PeriodMax float64 `json:"period_max" msgpack:"period_max"`
	DutyCycle float64 `json:"duty_cycle" msgpack:"duty_cycle"`

	Setup         float64 `json:"setup" msgpack:"setup"`             // worst case
	Hold          float64 `json:"hold" msgpack:"hold"`               // worst case
	Propagation   float64 `json:"propagation" msgpack:"propagation"` // worst case
	ClockToOutput float64 `json:"clock_to_output" msgpack:"clock_to_output"`
	ResetPulse    float64 `json:"reset_pulse" msgpack:"reset_pulse"`
	Jitter        float64 `json:"jitter" msgpack:"jitter"`

	Clocks int `json:"clocks" msgpack:"clocks"`
}

// EmptySample has every quantity unmeasured.
func EmptySample() Sample {
	nan := math.NaN()
	return Sample{
		Period: nan, PeriodMin: nan, PeriodMax: nan, DutyCycle: nan,
		Setup: nan, Hold: nan, Propagation: nan, ClockToOutput: nan,
		ResetPulse: nan, Jitter: nan,
	}
}

// measure computes everything but jitter from the recorded edges and
// returns the clock periods it saw.
func measure(tx *txn.Transaction) (Sample, []float64) {
	s := EmptySample()
	edges := tx.Edges
	s.Clocks = len(edges)

	if tx.Op.Kind == txn.KindReset && tx.Op.Reset.Hard {
		s.ResetPulse = float64(tx.ResetPulse)
	}
	if len(edges) == 0 {
		return s, nil
	}

	periods := make([]float64, 0, len(edges)-1)
	var highSum float64
	for i := 1; i < len(edges); i++ {
		periods = append(periods, float64(edges[i].Rising-edges[i-1].Rising))
		highSum += float64(edges[i-1].Falling - edges[i-1].Rising)
	}
	if len(periods) > 0 {
		var sum float64
		s.PeriodMin, s.PeriodMax = math.Inf(1), math.Inf(-1)
		for _, p := range periods {
			sum += p
			s.PeriodMin = math.Min(s.PeriodMin, p)
			s.PeriodMax = math.Max(s.PeriodMax, p)
		}
		s.Period = sum / float64(len(periods))
		if sum > 0 {
			s.DutyCycle = highSum / sum * 100
		}
	}

	s.Setup = math.Inf(1)
	s.ClockToOutput = math.Inf(-1)
	for i, e := range edges {
		settled := max(e.ModeSet, e.DataSet)
		s.Setup = math.Min(s.Setup, float64(e.Rising-settled))
		s.ClockToOutput = math.Max(s.ClockToOutput, float64(e.OutValid-e.Falling))
		if i+1 < len(edges) {
			hold := float64(edges[i+1].ModeSet - e.Rising)
			if math.IsNaN(s.Hold) || hold < s.Hold {
				s.Hold = hold
			}
		}
		if e.Shift {
			prop := float64(e.OutValid - e.DataSet)
			if math.IsNaN(s.Propagation) || prop > s.Propagation {
				s.Propagation = prop
			}
		}
	}
	return s, periods
}

// stddevPct is the population standard deviation of values as a percentage
// of their mean.
func stddevPct(values []float64) float64 {
	if len(values) < 2 {
		return math.NaN()
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))
	if mean == 0 {
		return math.NaN()
	}
	var sq float64
	for _, v := range values {
		d := v - mean
		sq += d * d
	}
	return math.Sqrt(sq/float64(len(values))) / mean * 100
}

// Measured returns the quantities the transaction exercised, keyed by
// parameter.
func (s Sample) Measured() map[Param]float64 {
	out := s.values()
	for p, v := range out {
		if math.IsNaN(v) {
			delete(out, p)
		}
	}
	return out
}
