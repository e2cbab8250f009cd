// Package liveness tracks which machines are currently reachable.
// Presence of a short-TTL record in the cache is the only signal; a
// machine that stops heartbeating goes offline within one TTL window
// without any explicit deregistration.
package liveness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"gitlab.com/inference-grid/routing-service/cache"
	"gitlab.com/inference-grid/routing-service/db/repositories"
	"gitlab.com/inference-grid/routing-service/internal/logger"
)

// TTL is the liveness record expiry. A machine missing two consecutive
// heartbeat intervals is reported offline.
const TTL = 6 * time.Second

// AddressTTL is the expiry of the machine id <-> address index entries.
const AddressTTL = time.Hour

var zlog *zap.Logger

func init() {
	zlog = logger.New("liveness")
}

// ErrUnknownMachine is returned when a heartbeating machine has no
// directory row and no cached address.
var ErrUnknownMachine = errors.New("machine not found")

// Record is the cached heartbeat state for one machine.
type Record struct {
	MachineID uint   `json:"machine_id"`
	NetworkIP string `json:"network_ip"`
	Timestamp int64  `json:"timestamp"` // unix seconds of the last heartbeat
}

func livenessKey(machineID uint) string {
	return fmt.Sprintf("liveness:%d", machineID)
}

// Tracker accepts heartbeats and answers online/offline queries.
type Tracker struct {
	store    cache.Store
	machines repositories.MachineRepository
	addrs    *AddressIndex
}

func NewTracker(store cache.Store, machines repositories.MachineRepository) *Tracker {
	return &Tracker{
		store:    store,
		machines: machines,
		addrs:    NewAddressIndex(store),
	}
}

// Addresses exposes the index the tracker maintains.
func (t *Tracker) Addresses() *AddressIndex {
	return t.addrs
}

// Heartbeat refreshes the machine's liveness record and returns the TTL
// the machine should beat within. When the cached address is missing or
// differs, the address index is refreshed as well; an empty address
// argument falls back to the cached or directory address.
func (t *Tracker) Heartbeat(ctx context.Context, machineID uint, networkIP string) (time.Duration, error) {
	cached, err := t.addrs.Address(ctx, machineID)
	if err != nil && !errors.Is(err, cache.ErrNotFound) {
		return 0, err
	}

	if networkIP == "" {
		networkIP = cached
	}
	if networkIP == "" {
		machine, err := t.machines.Get(ctx, machineID)
		if err != nil {
			if errors.Is(err, repositories.NotFoundError) {
				return 0, ErrUnknownMachine
			}
			return 0, err
		}
		networkIP = machine.NetworkIP
	}

	if networkIP != cached {
		// The old reverse mapping would otherwise linger until its TTL.
		if cached != "" {
			if err := t.addrs.PurgeReverse(ctx, cached); err != nil {
				return 0, err
			}
		}
		if err := t.addrs.Set(ctx, machineID, networkIP); err != nil {
			return 0, err
		}
	}

	record := Record{
		MachineID: machineID,
		NetworkIP: networkIP,
		Timestamp: time.Now().Unix(),
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return 0, err
	}
	if err := t.store.Set(ctx, livenessKey(machineID), string(payload), TTL); err != nil {
		return 0, err
	}

	return TTL, nil
}

// IsOnline reports whether a non-expired liveness record exists.
func (t *Tracker) IsOnline(ctx context.Context, machineID uint) (bool, error) {
	_, err := t.store.Get(ctx, livenessKey(machineID))
	if errors.Is(err, cache.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// LastSeen returns the timestamp of the machine's last heartbeat, or
// false when the machine is offline.
func (t *Tracker) LastSeen(ctx context.Context, machineID uint) (time.Time, bool, error) {
	payload, err := t.store.Get(ctx, livenessKey(machineID))
	if errors.Is(err, cache.ErrNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}

	var record Record
	if err := json.Unmarshal([]byte(payload), &record); err != nil {
		return time.Time{}, false, err
	}
	return time.Unix(record.Timestamp, 0), true, nil
}

// OnlineSet enumerates the ids of all machines with a live record,
// sorted ascending for deterministic downstream selection.
func (t *Tracker) OnlineSet(ctx context.Context) ([]uint, error) {
	keys, err := t.store.Keys(ctx, "liveness:*")
	if err != nil {
		return nil, err
	}

	ids := make([]uint, 0, len(keys))
	for _, key := range keys {
		raw := strings.TrimPrefix(key, "liveness:")
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			zlog.Warn("skipping malformed liveness key", zap.String("key", key))
			continue
		}
		ids = append(ids, uint(id))
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// Purge drops the machine's liveness record, used when a machine is
// deleted from the fleet.
func (t *Tracker) Purge(ctx context.Context, machineID uint) error {
	return t.store.Delete(ctx, livenessKey(machineID))
}
