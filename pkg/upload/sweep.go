package upload

import (
	"context"
	"time"
)

// Sweep aborts every Upload record older than maxAge, the periodic
// background cleanup named in SPEC_FULL.md "Supplemented features" #4: the
// original project relied on its cron-triggered `clean-mongo`/cleanup
// commands to purge abandoned uploads the way the worker sweep here does.
// It returns the number of uploads it aborted.
func (s *Service) Sweep(ctx context.Context, maxAge time.Duration) (int, error) {
	stale, err := s.store.Uploads().ListOlderThan(ctx, time.Now().Add(-maxAge))
	if err != nil {
		return 0, err
	}

	swept := 0
	for i := range stale {
		record := stale[i]
		h, err := s.Resume(ctx, record.ID)
		if err != nil {
			continue
		}
		if err := h.Abort(ctx); err != nil {
			continue
		}
		swept++
	}
	return swept, nil
}
