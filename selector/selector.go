// Package selector resolves "give me N machines to serve this request"
// against a layered cache: a short-TTL process-local candidate list,
// then the liveness/address cache, then the machine directory. The
// directory is only touched on address-index misses, and its results
// are written back so the next call stays on the fast path.
package selector

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"gitlab.com/inference-grid/routing-service/db/repositories"
	"gitlab.com/inference-grid/routing-service/internal/logger"
	"gitlab.com/inference-grid/routing-service/liveness"
	"gitlab.com/inference-grid/routing-service/models"
)

// LocalTTL bounds how stale the process-local candidate list may be.
const LocalTTL = 2 * time.Second

const candidatesKey = "online-candidates"

var zlog *zap.Logger

func init() {
	zlog = logger.New("selector")
}

// ErrNoMachines is returned when the online candidate set is empty.
var ErrNoMachines = errors.New("no machines available")

// ErrInsufficientCapacity is returned when fewer machines are online
// than requested.
type ErrInsufficientCapacity struct {
	Requested int
	Online    int
}

func (e *ErrInsufficientCapacity) Error() string {
	return fmt.Sprintf("not enough online machines available, we have %d online machines", e.Online)
}

// Selector picks machines for requests with round-robin fairness.
type Selector struct {
	tracker  *liveness.Tracker
	machines repositories.MachineRepository
	local    *gocache.Cache
	counter  uint64
}

func New(tracker *liveness.Tracker, machines repositories.MachineRepository) *Selector {
	return &Selector{
		tracker:  tracker,
		machines: machines,
		local:    gocache.New(LocalTTL, 2*LocalTTL),
	}
}

// SelectMachines returns n distinct online machines. Machines are
// chosen from the id-sorted candidate list by an advancing counter so
// load spreads evenly across callers regardless of concurrency.
func (s *Selector) SelectMachines(ctx context.Context, n int) ([]models.MachineInfo, error) {
	candidates, err := s.candidates(ctx)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, ErrNoMachines
	}
	if n > len(candidates) {
		return nil, &ErrInsufficientCapacity{Requested: n, Online: len(candidates)}
	}

	start := atomic.AddUint64(&s.counter, 1) - 1
	picked := make([]models.MachineInfo, 0, n)
	for i := 0; i < n; i++ {
		picked = append(picked, candidates[(start+uint64(i))%uint64(len(candidates))])
	}
	return picked, nil
}

// Invalidate drops the process-local candidate list, forcing the next
// selection to recompute from the liveness store.
func (s *Selector) Invalidate() {
	s.local.Delete(candidatesKey)
}

// candidates returns the online machines with their addresses, sorted
// by id. Served from the local cache when warm.
func (s *Selector) candidates(ctx context.Context) ([]models.MachineInfo, error) {
	if cached, ok := s.local.Get(candidatesKey); ok {
		return cached.([]models.MachineInfo), nil
	}

	ids, err := s.tracker.OnlineSet(ctx)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	addrs, err := s.tracker.Addresses().Addresses(ctx, ids)
	if err != nil {
		return nil, err
	}

	infos := make([]models.MachineInfo, 0, len(ids))
	fellBack := false
	for i, id := range ids {
		addr := addrs[i]
		if addr == "" {
			// Index miss: fall back to the directory and promote the
			// result so subsequent calls stay off the database.
			machine, err := s.machines.Get(ctx, id)
			if err != nil {
				if errors.Is(err, repositories.NotFoundError) {
					zlog.Warn("online machine missing from directory", zap.Uint("machine_id", id))
					continue
				}
				return nil, err
			}
			addr = machine.NetworkIP
			if err := s.tracker.Addresses().Set(ctx, id, addr); err != nil {
				return nil, err
			}
			fellBack = true
		}
		infos = append(infos, models.MachineInfo{ID: id, NetworkIP: addr})
	}

	if fellBack {
		// The local list was built from a cold index; drop it so the
		// next call re-reads the freshly promoted entries.
		s.local.Delete(candidatesKey)
	} else {
		s.local.Set(candidatesKey, infos, gocache.DefaultExpiration)
	}
	return infos, nil
}
