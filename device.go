package gterm

import "github.com/gogpu/gpucontext"

// DeviceProvider supplies a shared GPU device from the host application.
//
// Hosts that already own a GPU context (a windowing framework, a larger
// gogpu application) implement DeviceProvider and pass it in Config so
// the renderer reuses their device instead of opening its own. To be
// usable here the provider must also expose the underlying HAL handles
// through HalDevice() any and HalQueue() any; providers that do not are
// rejected during renderer startup.
//
// DeviceProvider is an alias for gpucontext.DeviceProvider, keeping the
// package interoperable with the gpucontext ecosystem under a local name.
type DeviceProvider = gpucontext.DeviceProvider
