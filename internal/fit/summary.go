package fit

import "database/sql"

// Summary gathers every statistic shown alongside a simulated hydrograph.
type Summary struct {
	ValidPairs           int
	NSE                  sql.NullFloat64
	RMSE                 sql.NullFloat64 // m³/s
	PeakFlowError        sql.NullFloat64 // %
	VolumeError          sql.NullFloat64 // %
	TimeToPeakError      sql.NullFloat64 // hours
	SimulatedRunoffCoeff sql.NullFloat64
	ObservedRunoffCoeff  sql.NullFloat64
}

// Evaluate computes a Summary for one simulation.
func Evaluate(obs, sim, rain []float64, intervalSeconds, areaKm2 float64) Summary {
	return Summary{
		ValidPairs:           ValidPairs(obs, sim),
		NSE:                  null(NSE(obs, sim)),
		RMSE:                 null(RMSE(obs, sim)),
		PeakFlowError:        null(PeakFlowError(obs, sim)),
		VolumeError:          null(VolumeError(obs, sim)),
		TimeToPeakError:      null(TimeToPeakError(obs, sim, intervalSeconds)),
		SimulatedRunoffCoeff: null(RunoffCoefficient(areaKm2, rain, sim, intervalSeconds)),
		ObservedRunoffCoeff:  null(RunoffCoefficient(areaKm2, rain, obs, intervalSeconds)),
	}
}

func null(v float64, ok bool) sql.NullFloat64 {
	return sql.NullFloat64{Float64: v, Valid: ok}
}
