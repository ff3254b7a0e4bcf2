// Package device loads the bench inventory and registers it in the store.
package device

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"

	"codeberg.org/mutker/pvctl/internal/errors"
	"codeberg.org/mutker/pvctl/internal/logger"
	"codeberg.org/mutker/pvctl/internal/model"
	"gopkg.in/yaml.v3"
)

// Entry is one device of the inventory file.
type Entry struct {
	Name       string             `yaml:"name"`
	Type       model.DeviceType   `yaml:"type"`
	Status     model.DeviceStatus `yaml:"status"`
	Connection map[string]any     `yaml:"connection"`
}

// Inventory is the devices.yaml document:
//
//	devices:
//	  - name: psu-1
//	    type: power_supply
//	    connection: {host: 10.0.0.5, port: 502, unit_id: 1}
type Inventory struct {
	Devices []Entry `yaml:"devices"`
}

// Registry stores devices by name.
type Registry interface {
	UpsertDevice(ctx context.Context, d *model.Device) error
}

// Load reads and validates the inventory at path.
func Load(path string) (*Inventory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.New().WithData(ErrReadInventory, struct {
			Path  string
			Error string
		}{
			Path:  path,
			Error: err.Error(),
		})
	}
	return Parse(data)
}

// Parse decodes an inventory document. Unknown keys are rejected.
func Parse(data []byte) (*Inventory, error) {
	var inv Inventory

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&inv); err != nil && !errors.Is(err, io.EOF) {
		return nil, errors.New().Wrap(ErrInvalidInventory, err)
	}

	if err := inv.Validate(); err != nil {
		return nil, err
	}

	return &inv, nil
}

func (inv *Inventory) Validate() error {
	errFactory := errors.New()
	seen := make(map[string]bool, len(inv.Devices))

	for i, e := range inv.Devices {
		switch {
		case e.Name == "":
			return errFactory.WithMessage(ErrInvalidInventory, fmt.Sprintf("device %d has no name", i))
		case seen[e.Name]:
			return errFactory.WithMessage(ErrInvalidInventory, "duplicate device "+e.Name)
		case !e.Type.IsValid():
			return errFactory.WithMessage(ErrInvalidInventory, fmt.Sprintf("device %s has unknown type %q", e.Name, e.Type))
		case e.Status != "" && !e.Status.IsValid():
			return errFactory.WithMessage(ErrInvalidInventory, fmt.Sprintf("device %s has unknown status %q", e.Name, e.Status))
		}
		seen[e.Name] = true
	}

	return nil
}

// Records converts the entries to device records.
func (inv *Inventory) Records() []model.Device {
	out := make([]model.Device, 0, len(inv.Devices))
	for _, e := range inv.Devices {
		status := e.Status
		if status == "" {
			status = model.DeviceOffline
		}
		out = append(out, model.Device{
			Name:       e.Name,
			Type:       e.Type,
			Status:     status,
			Connection: e.Connection,
		})
	}
	return out
}

// simulatedBench is cycled through by Default.
var simulatedBench = []model.DeviceType{
	model.DevicePowerSupply,
	model.DeviceWeatherStation,
	model.DeviceElectronicLoad,
	model.DeviceSolarSimulator,
	model.DeviceMultimeter,
}

// Default returns an inventory of n simulated devices.
func Default(n int) *Inventory {
	inv := &Inventory{}
	counts := map[model.DeviceType]int{}

	for i := range n {
		typ := simulatedBench[i%len(simulatedBench)]
		counts[typ]++
		inv.Devices = append(inv.Devices, Entry{
			Name:       fmt.Sprintf("sim-%s-%d", typ, counts[typ]),
			Type:       typ,
			Status:     model.DeviceOffline,
			Connection: map[string]any{"driver": "simulator"},
		})
	}

	return inv
}

// Sync upserts every device of the inventory and returns them with their
// stored IDs.
func Sync(ctx context.Context, reg Registry, inv *Inventory) ([]model.Device, error) {
	devices := inv.Records()

	for i := range devices {
		if err := reg.UpsertDevice(ctx, &devices[i]); err != nil {
			return nil, errors.New().Wrap(ErrSync, err)
		}
	}

	logger.Info().Int("devices", len(devices)).Msg("Device inventory synchronized")

	return devices, nil
}
