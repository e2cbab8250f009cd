package liveness

import (
	"context"
	"fmt"
	"strconv"

	"gitlab.com/inference-grid/routing-service/cache"
)

func addressKey(machineID uint) string {
	return fmt.Sprintf("network_ip:%d", machineID)
}

func reverseKey(networkIP string) string {
	return "machine_id:" + networkIP
}

// AddressIndex maps machine id <-> network address in the cache for
// fast lookups on the routing path. Entries expire after AddressTTL and
// are refreshed whenever the directory mapping changes.
type AddressIndex struct {
	store cache.Store
}

func NewAddressIndex(store cache.Store) *AddressIndex {
	return &AddressIndex{store: store}
}

// Set writes both directions of the mapping.
func (idx *AddressIndex) Set(ctx context.Context, machineID uint, networkIP string) error {
	if err := idx.store.Set(ctx, addressKey(machineID), networkIP, AddressTTL); err != nil {
		return err
	}
	return idx.store.Set(ctx, reverseKey(networkIP), strconv.FormatUint(uint64(machineID), 10), AddressTTL)
}

// Address returns the cached address for a machine id.
func (idx *AddressIndex) Address(ctx context.Context, machineID uint) (string, error) {
	return idx.store.Get(ctx, addressKey(machineID))
}

// Addresses bulk-resolves addresses for the given ids; unknown ids come
// back as empty strings in the matching position.
func (idx *AddressIndex) Addresses(ctx context.Context, machineIDs []uint) ([]string, error) {
	keys := make([]string, len(machineIDs))
	for i, id := range machineIDs {
		keys[i] = addressKey(id)
	}
	return idx.store.MGet(ctx, keys...)
}

// MachineID reverse-resolves a network address.
func (idx *AddressIndex) MachineID(ctx context.Context, networkIP string) (uint, error) {
	raw, err := idx.store.Get(ctx, reverseKey(networkIP))
	if err != nil {
		return 0, err
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, err
	}
	return uint(id), nil
}

// PurgeReverse drops the reverse mapping for an address the machine no
// longer uses.
func (idx *AddressIndex) PurgeReverse(ctx context.Context, networkIP string) error {
	return idx.store.Delete(ctx, reverseKey(networkIP))
}

// Purge removes both directions of the mapping.
func (idx *AddressIndex) Purge(ctx context.Context, machineID uint, networkIP string) error {
	return idx.store.Delete(ctx, addressKey(machineID), reverseKey(networkIP))
}
