package txfinalizer

import (
	"github.com/KyberNetwork/logger"
)

// SimulationFailedHook is called after gas estimation failed for rec and the
// fallback gas limit was applied. rec.SimulationFails describes the failure.
// The hook must not mutate rec.
type SimulationFailedHook func(rec *Record)

// FinalizedHook is called once a record was finalized and persisted.
// A returned error is logged, it does not undo the finalization.
type FinalizedHook func(rec *Record) error

func (f *Finalizer) fireSimulationFailed(rec *Record) {
	if f.simulationFailedHook == nil || rec.SimulationFails == nil {
		return
	}
	f.simulationFailedHook(rec)
}

func (f *Finalizer) fireFinalized(rec *Record) {
	if f.finalizedHook == nil {
		return
	}
	if err := f.finalizedHook(rec); err != nil {
		logger.WithFields(logger.Fields{
			"record_id": rec.ID,
			"chain_id":  rec.ChainID,
			"error":     err,
		}).Warn("finalized hook failed")
	}
}
