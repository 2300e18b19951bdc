package audit

import (
	"context"
	"errors"
)

type multiRecorder []Recorder

// Multi fans an event out to every recorder. All sinks are attempted; the
// returned error joins each failure.
func Multi(recorders ...Recorder) Recorder {
	return multiRecorder(recorders)
}

func (m multiRecorder) Record(ctx context.Context, evt Event) error {
	var errs []error
	for _, r := range m {
		if err := r.Record(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
