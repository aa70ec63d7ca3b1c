package version

import (
	"fmt"
)

var version string
var buildtime string

// GetVersionString returns a standard version header
func GetVersionString() string {
	return fmt.Sprintf("Indexd, version %v", version)
}

// GetVersion returns the semver compatible version number
func GetVersion() string {
	return version
}

// GetBuildTime returns the time at which the build took place
func GetBuildTime() string {
	return buildtime
}

// Protocol identifies a wire protocol version as major*1000000 +
// minor*10000 + patch*100. Peers negotiate the lower of their versions for
// each connection.
type Protocol uint32

// MakeProtocol builds a protocol version from its components.
func MakeProtocol(major, minor, patch uint8) Protocol {
	return Protocol(uint32(major)*1000000 + uint32(minor)*10000 + uint32(patch)*100)
}

// Major returns the major component.
func (p Protocol) Major() uint8 { return uint8(p / 1000000) }

// Minor returns the minor component.
func (p Protocol) Minor() uint8 { return uint8(p % 1000000 / 10000) }

// OnOrAfter reports whether p is at least o.
func (p Protocol) OnOrAfter(o Protocol) bool { return p >= o }

// Before reports whether p predates o.
func (p Protocol) Before(o Protocol) bool { return p < o }

func (p Protocol) String() string {
	return fmt.Sprintf("%d.%d.%d", p.Major(), p.Minor(), uint8(p%10000/100))
}

var (
	// ProtocolTermInEnvelope is the first protocol version that carries the
	// primary term on the shard request envelope instead of the inner
	// request.
	ProtocolTermInEnvelope = MakeProtocol(5, 6, 0)

	// CurrentProtocol is the protocol version this binary speaks.
	CurrentProtocol = MakeProtocol(5, 6, 0)
)
