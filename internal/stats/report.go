package stats

import (
	"math"

	"viralsandbox/internal/model"
)

type EntityReport struct {
	Entity    string  `json:"entity"`
	Initial   int64   `json:"initial"`
	Final     int64   `json:"final"`
	Peak      int64   `json:"peak"`
	PeakRound int     `json:"peak_round"`
	Min       int64   `json:"min"`
	AvgDelta  float64 `json:"avg_delta"`
	StdDelta  float64 `json:"std_delta"`
}

type SessionReport struct {
	SessionID     string              `json:"session_id"`
	Rounds        int                 `json:"rounds"`
	Status        model.SessionStatus `json:"status"`
	PointsAwarded int64               `json:"points_awarded"`
	Completed     []string            `json:"completed,omitempty"`
	Entities      []EntityReport      `json:"entities"`
}

// BuildSessionReport summarizes the population trajectory and milestone
// rewards recorded in snap.History.
func BuildSessionReport(snap model.SessionSnapshot) SessionReport {
	report := SessionReport{
		SessionID: snap.ID,
		Rounds:    len(snap.History),
		Status:    snap.Status,
		Entities:  []EntityReport{},
	}
	for _, outcome := range snap.History {
		report.PointsAwarded += outcome.PointsAwarded
		report.Completed = append(report.Completed, outcome.Completed...)
	}

	series := PopulationSeries(snap)
	for _, id := range sortedEntities(snap.Population.Counts) {
		entity := EntityReport{
			Entity:    id,
			Initial:   series[0].Counts[id],
			Final:     series[len(series)-1].Counts[id],
			Peak:      series[0].Counts[id],
			PeakRound: series[0].Round,
			Min:       series[0].Counts[id],
		}
		deltas := make([]float64, 0, len(snap.History))
		for _, row := range series[1:] {
			count := row.Counts[id]
			if count > entity.Peak {
				entity.Peak = count
				entity.PeakRound = row.Round
			}
			if count < entity.Min {
				entity.Min = count
			}
		}
		for _, outcome := range snap.History {
			deltas = append(deltas, float64(outcome.Deltas[id]))
		}
		entity.AvgDelta, entity.StdDelta = avgStd(deltas)
		report.Entities = append(report.Entities, entity)
	}
	return report
}

// avgStd returns the mean and population standard deviation of values, both
// zero for an empty slice.
func avgStd(values []float64) (float64, float64) {
	if len(values) == 0 {
		return 0, 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	avg := sum / float64(len(values))
	acc := 0.0
	for _, v := range values {
		acc += (v - avg) * (v - avg)
	}
	return avg, math.Sqrt(acc / float64(len(values)))
}
