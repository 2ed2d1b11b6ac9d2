package device

// Capacity limits for the fixed-size descriptor tables. Exceeding a table
// limit at construction time makes the adding call return an error, with
// one exception: StringTable.Add logs a warning and returns index 0
// without reporting an error.
const (
	// MaxStrings is the maximum number of string table entries per device,
	// including the language descriptor at index 0.
	MaxStrings = 10

	// MaxDescSize is the size of the scratch buffer used to serialize
	// descriptor responses on endpoint 0.
	MaxDescSize = 256

	// MaxConfigurations is the maximum number of configurations per device.
	MaxConfigurations = 5

	// MaxInterfacesPerConfiguration is the maximum number of interfaces
	// per configuration.
	MaxInterfacesPerConfiguration = 5

	// MaxAssociationsPerConfiguration is the maximum number of interface
	// associations per configuration.
	MaxAssociationsPerConfiguration = 5

	// MaxEndpointsPerInterface is the maximum number of endpoints per
	// interface.
	MaxEndpointsPerInterface = 5

	// MaxBOSCapabilities is the maximum number of device capability
	// descriptors in the Binary Object Store.
	MaxBOSCapabilities = 2

	// MaxEndpointAddresses is the number of addressable endpoint slots
	// (0x00-0x0F OUT and 0x80-0x8F IN).
	MaxEndpointAddresses = 32
)

// Defaults applied by the short-form endpoint constructor.
const (
	// DefaultPacketSize is the default wMaxPacketSize for new endpoints.
	DefaultPacketSize = 64

	// DefaultPollInterval is the default bInterval for interrupt endpoints.
	DefaultPollInterval = 10
)

// bytewiseCopy selects byte-by-byte copies between user buffers and
// packet RAM. Some controllers hard-fault on unaligned word access to
// their USB RAM.
var bytewiseCopy bool

// SetBytewiseCopy selects byte-by-byte buffer copies to and from the
// hardware packet buffers. Must be set before the stack starts moving
// data.
func SetBytewiseCopy(enabled bool) {
	bytewiseCopy = enabled
}
