// Package compose turns payloads × destinations into ordered dispatch batches.
package compose

import (
	"fmt"

	"pacebot/internal/dispatch"
)

// Forward builds one unit per (destination, payload) pair, destinations
// outermost, both in input order. Duplicate destinations form separate groups.
//
// onUnit fires after each unit; onBatch fires once after the last unit,
// whatever the outcomes. Either may be nil. IDs are assigned when the batch
// is pushed, so one composed batch can be submitted more than once.
func Forward[P any](kind string, payloads []P, destinations []string, onUnit func(dispatch.UnitResult), onBatch func(dispatch.BatchResult)) (dispatch.Batch, error) {
	if len(payloads) == 0 {
		return dispatch.Batch{}, fmt.Errorf("%w: no payloads", dispatch.ErrInvalidInput)
	}
	if len(destinations) == 0 {
		return dispatch.Batch{}, fmt.Errorf("%w: no destinations", dispatch.ErrInvalidInput)
	}
	for i, d := range destinations {
		if d == "" {
			return dispatch.Batch{}, fmt.Errorf("%w: empty destination at %d", dispatch.ErrInvalidInput, i)
		}
	}

	b := dispatch.Batch{
		Units:      make([]dispatch.Unit, 0, len(payloads)*len(destinations)),
		OnComplete: onBatch,
	}
	for di, dest := range destinations {
		lastDest := di == len(destinations)-1
		for pi, p := range payloads {
			lastPayload := pi == len(payloads)-1
			b.Units = append(b.Units, dispatch.Unit{
				Kind:        kind,
				Destination: dest,
				Payload:     p,
				LastInGroup: lastPayload,
				LastInBatch: lastPayload && lastDest,
				OnComplete:  onUnit,
			})
		}
	}
	return b, nil
}
