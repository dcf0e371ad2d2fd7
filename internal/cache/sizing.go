package cache

import (
	"github.com/shirou/gopsutil/v4/mem"
)

const (
	minItems = 2

	// DefaultPortion is the share of available memory one named cache may
	// claim (1/DefaultPortion).
	DefaultPortion = 8

	// DefaultItemSize approximates one decoded 256x256 RGBA tile.
	DefaultItemSize = 256 * 256 * 4
)

// availableMemory reports reclaimable memory in bytes, zero when unknown.
func availableMemory() uint64 {
	if vmStat, err := mem.VirtualMemory(); err == nil {
		return vmStat.Available
	}
	return 0
}

// lruItemCount sizes an in-process cache as
// min(memory/portion/itemSize, maximum), never below two items.
func lruItemCount(memory uint64, portion int, itemSize int64, maximum int) int {
	if portion <= 0 {
		portion = DefaultPortion
	}
	if itemSize <= 0 {
		itemSize = DefaultItemSize
	}
	count := int(memory / uint64(portion) / uint64(itemSize))
	if maximum > 0 && (count > maximum || memory == 0) {
		count = maximum
	}
	if count < minItems {
		count = minItems
	}
	return count
}
