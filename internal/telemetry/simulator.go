package telemetry

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"codeberg.org/mutker/pvctl/internal/model"
)

// Simulator produces random readings in plausible ranges for a fixed set of
// devices. It stands in for the instrument bus.
type Simulator struct {
	devices  []model.Device
	interval time.Duration

	mu  sync.Mutex
	rng *rand.Rand
}

func NewSimulator(devices []model.Device, interval time.Duration, seed uint64) *Simulator {
	return &Simulator{
		devices:  devices,
		interval: interval,
		rng:      rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

func (s *Simulator) Name() string {
	return "simulator"
}

// Run emits one snapshot per device every interval until ctx is done.
func (s *Simulator) Run(ctx context.Context, out chan<- Snapshot) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case t := <-ticker.C:
			for _, d := range s.devices {
				select {
				case out <- s.Sample(d, t):
				case <-ctx.Done():
					return nil
				}
			}
		}
	}
}

// Sample returns one reading for d taken at t.
func (s *Simulator) Sample(d model.Device, t time.Time) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	between := func(lo, hi float64) float64 {
		return lo + s.rng.Float64()*(hi-lo)
	}

	values := map[string]float64{}
	switch d.Type {
	case model.DevicePowerSupply, model.DeviceElectronicLoad, model.DeviceMultimeter:
		values[model.FieldVoltage] = between(30, 45)
		values[model.FieldCurrent] = between(0, 10)
	case model.DeviceWeatherStation:
		values[model.FieldTemperature] = between(20, 60)
		values[model.FieldHumidity] = between(20, 80)
		values[model.FieldIrradiance] = between(200, 1100)
	case model.DeviceSolarSimulator:
		values[model.FieldIrradiance] = between(800, 1000)
		values[model.FieldTemperature] = between(25, 70)
	}

	return Snapshot{
		Device:    d.Name,
		Source:    s.Name(),
		Timestamp: t.UTC(),
		Status:    model.DeviceOnline,
		Values:    values,
	}
}
