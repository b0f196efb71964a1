package registry

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/srg/blecore/internal/device"
	"github.com/srg/blecore/internal/event"
)

type RegistryTestSuite struct {
	suite.Suite
	reg   *Registry
	clock time.Time
}

func (s *RegistryTestSuite) SetupTest() {
	s.reg = New(nil)
	s.clock = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s.reg.now = func() time.Time { return s.clock }
}

func (s *RegistryTestSuite) TestUpsertLastWriteWinsPerField() {
	s.reg.Upsert(device.Record{ID: "AA:BB", Name: "first", RSSI: -80, Services: []string{"180d"}})
	got := s.reg.Upsert(device.Record{ID: "AA:BB", RSSI: -42})

	s.Equal("first", got.Name, "name not supplied by the newer observation")
	s.Equal(-42, got.RSSI)
	s.Equal([]string{"180d"}, got.Services)

	got = s.reg.Upsert(device.Record{ID: "AA:BB", Name: "second", RSSI: -50})
	s.Equal("second", got.Name)
	s.Equal(-50, got.RSSI)
	s.Equal(1, s.reg.Len())
}

func (s *RegistryTestSuite) TestConnectableTracksLatestAdvertisement() {
	got := s.reg.Upsert(event.ScanResult{ID: "AA:BB", RSSI: -60, Connectable: true}.Record())
	s.True(got.IsConnectable())

	got = s.reg.Upsert(event.ScanResult{ID: "AA:BB", RSSI: -61}.Record())
	s.False(got.IsConnectable(), "a non-connectable advertisement clears the flag")

	got = s.reg.SetState("AA:BB", device.StateConnecting)
	s.Require().NotNil(got.Connectable)
	s.False(*got.Connectable)
}

func (s *RegistryTestSuite) TestUpsertPreservesState() {
	s.reg.SetState("AA:BB", device.StateReady)
	got := s.reg.Upsert(device.Record{ID: "AA:BB", RSSI: -60})
	s.Equal(device.StateReady, got.State)

	got = s.reg.SetState("AA:BB", device.StateDisconnected)
	s.Equal(device.StateDisconnected, got.State)
	s.Equal(-60, got.RSSI)
}

func (s *RegistryTestSuite) TestNewRecordDefaults() {
	got := s.reg.Upsert(device.Record{ID: "CC"})
	s.Equal(device.StateDisconnected, got.State)
	s.Equal(s.clock, got.UpdatedAt)

	got = s.reg.SetState("DD", device.StateConnecting)
	s.Equal(device.ID("DD"), got.ID)
	s.Equal(device.StateConnecting, got.State)
}

func (s *RegistryTestSuite) TestGetReturnsCopy() {
	s.reg.Upsert(device.Record{ID: "AA", ManufacturerData: map[uint16][]byte{1: {1}}})

	rec, ok := s.reg.Get("AA")
	s.Require().True(ok)
	rec.ManufacturerData[1][0] = 7
	rec.Name = "mutated"

	again, _ := s.reg.Get("AA")
	s.Equal(byte(1), again.ManufacturerData[1][0])
	s.Empty(again.Name)

	_, ok = s.reg.Get("missing")
	s.False(ok)
}

func (s *RegistryTestSuite) TestListIsSnapshot() {
	for _, id := range []device.ID{"C", "A", "B"} {
		s.reg.Upsert(device.Record{ID: id, RSSI: -10})
	}

	seq := s.reg.List(nil)
	s.reg.Upsert(device.Record{ID: "D"})
	s.reg.Upsert(device.Record{ID: "A", RSSI: -99})

	var ids []device.ID
	for rec := range seq {
		ids = append(ids, rec.ID)
		s.Equal(-10, rec.RSSI)
	}
	s.Equal([]device.ID{"A", "B", "C"}, ids)
}

func (s *RegistryTestSuite) TestListFilters() {
	s.reg.Upsert(device.Record{ID: "A", Services: []string{"180d"}})
	s.reg.Upsert(device.Record{ID: "B", Services: []string{"180f"}})
	s.reg.SetState("B", device.StateReady)

	collect := func(f func(device.Record) bool) []device.ID {
		var ids []device.ID
		for rec := range s.reg.List(f) {
			ids = append(ids, rec.ID)
		}
		return ids
	}

	s.Equal([]device.ID{"A"}, collect(WithService("0000180d-0000-1000-8000-00805f9b34fb")))
	s.Equal([]device.ID{"B"}, collect(WithState(device.StateReady)))
	s.Equal([]device.ID{"A", "B"}, collect(SeenSince(s.clock)))
	s.Empty(collect(SeenSince(s.clock.Add(time.Second))))
}

func (s *RegistryTestSuite) TestListEarlyStop() {
	s.reg.Upsert(device.Record{ID: "A"})
	s.reg.Upsert(device.Record{ID: "B"})
	n := 0
	for range s.reg.List(nil) {
		n++
		break
	}
	s.Equal(1, n)
}

func (s *RegistryTestSuite) TestDeleteAndClear() {
	s.reg.Upsert(device.Record{ID: "A"})
	s.reg.Upsert(device.Record{ID: "B"})

	s.True(s.reg.Delete("A"))
	s.False(s.reg.Delete("A"))
	s.Equal(1, s.reg.Len())

	s.reg.Clear()
	s.Equal(0, s.reg.Len())
	_, ok := s.reg.Get("B")
	s.False(ok)
}

func TestRegistryTestSuite(t *testing.T) {
	suite.Run(t, new(RegistryTestSuite))
}

func TestConcurrentUpsertsKeepRecordsWhole(t *testing.T) {
	reg := New(nil)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				// Name and RSSI always move together.
				reg.Upsert(device.Record{ID: "shared", Name: fmt.Sprintf("n%d", -(w*1000 + i + 1)), RSSI: -(w*1000 + i + 1)})
				reg.SetState("shared", device.StateConnecting)
			}
		}(w)
	}
	wg.Wait()

	rec, ok := reg.Get("shared")
	require.True(t, ok)
	assert.Equal(t, fmt.Sprintf("n%d", rec.RSSI), rec.Name)
	assert.Equal(t, device.StateConnecting, rec.State)
}
