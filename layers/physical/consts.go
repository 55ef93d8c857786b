package physical

const (
	// MTU (maximum transmission unit) is the maximum number of bytes that
	// are allowed on the payload of the physical layer, which carries a
	// whole serialized ethernet frame: 1518 bytes including the trailing
	// frame check sequence.
	MTU = 1518

	promNamespace = "physical_layer"
)
