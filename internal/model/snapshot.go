package model

import (
	"fmt"
	"sort"
	"time"
)

// DeviceKey identifies a controller within a snapshot as "{plantID}_{serial}".
type DeviceKey string

// KeyFor builds the composite snapshot key for a controller.
func KeyFor(plantID int, serial string) DeviceKey {
	return DeviceKey(fmt.Sprintf("%d_%s", plantID, serial))
}

// DeviceRecord is one controller's fully fetched state within a snapshot.
type DeviceRecord struct {
	PlantID   int
	PlantName string
	Device    Device
	State     DeviceState
}

// Snapshot is the coordinator's merged view of the whole fleet. A snapshot is
// immutable once published; each successful refresh replaces it wholesale.
type Snapshot struct {
	TakenAt time.Time
	Devices map[DeviceKey]DeviceRecord
}

// Keys returns the device keys in stable order.
func (s *Snapshot) Keys() []DeviceKey {
	keys := make([]DeviceKey, 0, len(s.Devices))
	for k := range s.Devices {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Zone looks up a zone of a specific controller.
func (s *Snapshot) Zone(key DeviceKey, zoneID int) (ZoneState, bool) {
	rec, ok := s.Devices[key]
	if !ok {
		return ZoneState{}, false
	}
	return rec.State.Zone(zoneID)
}
