package vulkan

import (
	"github.com/cockroachdb/errors"
	"github.com/skyhawk/vkalloc/vam"
	"github.com/vkngwrapper/core/v2/core1_0"
	"golang.org/x/exp/slog"
)

// NewAllocator creates a vam.Allocator that allocates its pages from device
//
// logger - Receives debug traces of allocator activity
//
// physicalDevice - The PhysicalDevice that owns the provided Device
//
// device - The Device that memory will be allocated into
//
// driverOptions, options - Optional parameters: it is valid to leave all the fields blank. If
// options.EnableDeviceAddress is set, device addresses must be supported by the device.
func NewAllocator(
	logger *slog.Logger,
	physicalDevice core1_0.PhysicalDevice,
	device core1_0.Device,
	driverOptions DriverOptions,
	options vam.CreateOptions,
) (*vam.Allocator, error) {
	driver, err := NewDriver(physicalDevice, device, driverOptions)
	if err != nil {
		return nil, err
	}

	if options.EnableDeviceAddress && !driver.extensionData.BufferDeviceAddress {
		return nil, errors.New("CreateOptions.EnableDeviceAddress was set, but neither core 1.2 nor khr_buffer_device_address is active")
	}

	return vam.New(logger, driver, options)
}
