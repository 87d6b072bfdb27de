package gpu

import (
	"errors"
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	_ "github.com/gogpu/wgpu/hal/vulkan" // register the Vulkan backend
)

// ErrNoAdapter is returned when no usable GPU adapter is found.
var ErrNoAdapter = errors.New("gpu: no adapters available")

// DeviceContext bundles the HAL objects the cell pipeline needs. It either
// owns the device (standalone bootstrap via OpenDevice) or borrows it from
// a host application (DeviceFromProvider).
type DeviceContext struct {
	Device hal.Device
	Queue  hal.Queue

	instance hal.Instance
	owned    bool
}

// OpenDevice creates a standalone GPU device. It enumerates Vulkan adapters
// and prefers discrete over integrated GPUs.
func OpenDevice() (*DeviceContext, error) {
	backend, ok := hal.GetBackend(gputypes.BackendVulkan)
	if !ok {
		return nil, fmt.Errorf("gpu: vulkan backend not available")
	}
	instance, err := backend.CreateInstance(&hal.InstanceDescriptor{Flags: 0})
	if err != nil {
		return nil, fmt.Errorf("gpu: create instance: %w", err)
	}
	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		instance.Destroy()
		return nil, ErrNoAdapter
	}
	var selected *hal.ExposedAdapter
	for i := range adapters {
		if adapters[i].Info.DeviceType == gputypes.DeviceTypeDiscreteGPU {
			selected = &adapters[i]
			break
		}
	}
	if selected == nil {
		for i := range adapters {
			if adapters[i].Info.DeviceType == gputypes.DeviceTypeIntegratedGPU {
				selected = &adapters[i]
				break
			}
		}
	}
	if selected == nil {
		selected = &adapters[0]
	}
	openDev, err := selected.Adapter.Open(gputypes.Features(0), gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		return nil, fmt.Errorf("gpu: open device: %w", err)
	}
	logger().Debug("gpu device opened", "adapter", selected.Info.Name)
	return &DeviceContext{
		Device:   openDev.Device,
		Queue:    openDev.Queue,
		instance: instance,
		owned:    true,
	}, nil
}

// DeviceFromProvider adopts a shared GPU device from a host application.
// The provider must implement HalDevice() any and HalQueue() any returning
// hal.Device and hal.Queue.
func DeviceFromProvider(provider any) (*DeviceContext, error) {
	type halProvider interface {
		HalDevice() any
		HalQueue() any
	}
	hp, ok := provider.(halProvider)
	if !ok {
		return nil, fmt.Errorf("gpu: provider does not expose HAL types")
	}
	device, ok := hp.HalDevice().(hal.Device)
	if !ok || device == nil {
		return nil, fmt.Errorf("gpu: provider HalDevice is not hal.Device")
	}
	queue, ok := hp.HalQueue().(hal.Queue)
	if !ok || queue == nil {
		return nil, fmt.Errorf("gpu: provider HalQueue is not hal.Queue")
	}
	logger().Debug("adopted shared gpu device")
	return &DeviceContext{Device: device, Queue: queue}, nil
}

// Close destroys the device and instance if this context owns them.
// Borrowed devices are left untouched.
func (dc *DeviceContext) Close() {
	if !dc.owned {
		return
	}
	if dc.Device != nil {
		dc.Device.Destroy()
		dc.Device = nil
	}
	if dc.instance != nil {
		dc.instance.Destroy()
		dc.instance = nil
	}
	dc.Queue = nil
}
