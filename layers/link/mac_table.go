package link

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/vnetlab/vnet-sim/pkg/clock"

	"github.com/google/gopacket"
	gplayers "github.com/google/gopacket/layers"
	"github.com/sirupsen/logrus"
)

type (
	// MACTable is the learned address-to-port map driving L2 forwarding
	// decisions. Entries age out when not refreshed, the single oldest
	// entry is evicted when the table is at capacity, and learning a
	// known MAC on a different port relocates the entry (a "move").
	// All the public methods are thread-safe.
	MACTable struct {
		conf  *MACTableConfig
		clk   clock.Clock
		l     logrus.FieldLogger
		sweep clock.Timer

		mu      sync.RWMutex
		entries map[gopacket.Endpoint]*macTableEntry
		stats   MACTableStats
	}

	// MACTableConfig contains the configs for MACTable.
	MACTableConfig struct {
		Capacity      int           `yaml:"capacity"`
		AgingTime     time.Duration `yaml:"agingTime"`
		SweepInterval time.Duration `yaml:"sweepInterval"`
	}

	// MACTableStats is a snapshot of the table counters.
	MACTableStats struct {
		Learns    uint64 `yaml:"learns"`
		Refreshes uint64 `yaml:"refreshes"`
		Moves     uint64 `yaml:"moves"`
		Hits      uint64 `yaml:"hits"`
		Misses    uint64 `yaml:"misses"`
		Evictions uint64 `yaml:"evictions"`
		Expired   uint64 `yaml:"expired"`
	}

	// MACTableRecord is the serialized form of one table entry, used
	// by Export()/Import().
	MACTableRecord struct {
		MACAddress string        `yaml:"macAddress"`
		Port       int           `yaml:"port"`
		LearnedAt  time.Time     `yaml:"learnedAt"`
		AgingTime  time.Duration `yaml:"agingTime"`
	}

	macTableEntry struct {
		port      int
		learnedAt time.Time
		agingTime time.Duration
	}
)

// NewMACTable creates a MACTable from config, scheduling the periodic
// aging sweep on the given clock. Zero config fields assume defaults.
func NewMACTable(conf MACTableConfig, clk clock.Clock) *MACTable {
	if conf.Capacity <= 0 {
		conf.Capacity = DefaultMACTableCapacity
	}
	if conf.AgingTime <= 0 {
		conf.AgingTime = DefaultMACAgingTime
	}
	if conf.SweepInterval <= 0 {
		conf.SweepInterval = conf.AgingTime / 5
	}
	t := &MACTable{
		conf:    &conf,
		clk:     clk,
		l:       logrus.WithField("component", "mac_table"),
		entries: make(map[gopacket.Endpoint]*macTableEntry),
	}
	t.sweep = clk.AfterFunc(conf.SweepInterval, t.sweepExpired)
	return t
}

func (t *MACTable) sweepExpired() {
	t.CleanExpired(t.clk.Now())
	t.sweep.Reset(t.conf.SweepInterval)
}

// Learn caches the mapping from the MAC address to the port. Broadcast
// and multicast source addresses are never learned. Re-learning on the
// same port refreshes the entry timer; learning on a different port
// relocates the entry and counts a move. When the table is at capacity
// the single oldest entry is evicted first and the learn still succeeds.
func (t *MACTable) Learn(macAddress net.HardwareAddr, port int) {
	t.LearnWithAgingTime(macAddress, port, 0)
}

// LearnWithAgingTime is Learn() with a per-entry aging time overriding
// the table default.
func (t *MACTable) LearnWithAgingTime(macAddress net.HardwareAddr, port int, agingTime time.Duration) {
	if macAddress[0]&1 == 1 { // broadcast and multicast are never learned
		return
	}
	if agingTime <= 0 {
		agingTime = t.conf.AgingTime
	}
	k := gplayers.NewMACEndpoint(macAddress)
	now := t.clk.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.entries[k]; ok {
		if e.port != port {
			t.stats.Moves++
			t.l.
				WithField("mac_address", macAddress.String()).
				WithField("from_port", e.port).
				WithField("to_port", port).
				Info("mac address moved")
		} else {
			t.stats.Refreshes++
		}
		e.port = port
		e.learnedAt = now
		e.agingTime = agingTime
		return
	}

	if len(t.entries) >= t.conf.Capacity {
		t.evictOldestLocked()
	}
	t.entries[k] = &macTableEntry{port: port, learnedAt: now, agingTime: agingTime}
	t.stats.Learns++
}

func (t *MACTable) evictOldestLocked() {
	var oldestKey gopacket.Endpoint
	var oldest *macTableEntry
	for k, e := range t.entries {
		if oldest == nil || e.learnedAt.Before(oldest.learnedAt) {
			oldestKey, oldest = k, e
		}
	}
	if oldest != nil {
		delete(t.entries, oldestKey)
		t.stats.Evictions++
	}
}

// Lookup returns the port the MAC address was learned on.
func (t *MACTable) Lookup(macAddress net.HardwareAddr) (port int, ok bool) {
	k := gplayers.NewMACEndpoint(macAddress)

	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[k]
	if !ok {
		t.stats.Misses++
		return 0, false
	}
	t.stats.Hits++
	return e.port, true
}

// CleanExpired removes every entry whose age at the given instant
// exceeds its aging time.
func (t *MACTable) CleanExpired(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for k, e := range t.entries {
		if now.Sub(e.learnedAt) > e.agingTime {
			delete(t.entries, k)
			t.stats.Expired++
		}
	}
}

// Remove deletes the entry for the MAC address, if present.
func (t *MACTable) Remove(macAddress net.HardwareAddr) {
	k := gplayers.NewMACEndpoint(macAddress)
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, k)
}

// RemovePort deletes every entry learned on the port, e.g. when the
// port goes down.
func (t *MACTable) RemovePort(port int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, e := range t.entries {
		if e.port == port {
			delete(t.entries, k)
		}
	}
}

// Clear deletes all entries.
func (t *MACTable) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = make(map[gopacket.Endpoint]*macTableEntry)
}

// Len returns the current number of entries.
func (t *MACTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Stats returns a snapshot of the table counters.
func (t *MACTable) Stats() MACTableStats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.stats
}

// ResetStats zeroes the table counters.
func (t *MACTable) ResetStats() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stats = MACTableStats{}
}

// Export serializes the whole table as a list of records.
func (t *MACTable) Export() []MACTableRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()

	records := make([]MACTableRecord, 0, len(t.entries))
	for k, e := range t.entries {
		records = append(records, MACTableRecord{
			MACAddress: net.HardwareAddr(k.Raw()).String(),
			Port:       e.port,
			LearnedAt:  e.learnedAt,
			AgingTime:  e.agingTime,
		})
	}
	return records
}

// Import loads a list of records previously produced by Export(),
// replacing any existing entries for the same MAC addresses.
func (t *MACTable) Import(records []MACTableRecord) error {
	entries := make(map[gopacket.Endpoint]*macTableEntry, len(records))
	for i, r := range records {
		macAddress, err := net.ParseMAC(r.MACAddress)
		if err != nil {
			return fmt.Errorf("error parsing mac address of record %d: %w", i, err)
		}
		agingTime := r.AgingTime
		if agingTime <= 0 {
			agingTime = t.conf.AgingTime
		}
		entries[gplayers.NewMACEndpoint(macAddress)] = &macTableEntry{
			port:      r.Port,
			learnedAt: r.LearnedAt,
			agingTime: agingTime,
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for k, e := range entries {
		t.entries[k] = e
	}
	return nil
}

// Close cancels the aging sweep timer.
func (t *MACTable) Close() error {
	t.sweep.Stop()
	return nil
}
