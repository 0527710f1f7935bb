package api

import (
	"context"
	"time"

	"deepresearch/internal/logging"
)

// SweepStats reports one janitor pass.
type SweepStats struct {
	Tasks    int
	Sessions int
	Cache    int
}

// Sweep evicts expired terminal tasks nobody is watching, forgets parked
// sessions past their resume window, and purges expired cache entries.
func (s *Server) Sweep(ctx context.Context) SweepStats {
	var st SweepStats
	st.Sessions = s.hub.Sweep()
	st.Tasks = s.mgr.Sweep(s.hub.InUse)
	if s.cache != nil {
		n, err := s.cache.Purge(ctx)
		if err != nil {
			logging.CacheWarn("purge failed: %v", err)
		}
		st.Cache = n
	}
	if st.Tasks+st.Sessions+st.Cache > 0 {
		logging.API("sweep: %d tasks, %d sessions, %d cache entries", st.Tasks, st.Sessions, st.Cache)
	}
	return st
}

func (s *Server) runJanitor(ctx context.Context) {
	ticker := time.NewTicker(s.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}
