package consts

import "errors"

var (
	Version   = "v0.1.0"
	BuildTime = "unknown"
	GitTag    = "unknown"
)

const (
	// CCP socket paths used when nothing else is configured.
	DefaultDatapathSocket = "/tmp/ccp/ebpfccp"
	DefaultCCPSocket      = "/tmp/ccp/portus"

	DefaultPinDir = "/sys/fs/bpf/ebpfccp"
)

var ErrProtocal = errors.New("protocol error")
