package version

import (
	bsproto "github.com/tendermint/blockstream/proto/blockstream"
)

var (
	// GitCommit is the current HEAD set using ldflags.
	GitCommit string

	// Version is the built softwares version.
	Version = BSCoreSemVer
)

func init() {
	if GitCommit != "" {
		Version += "-" + GitCommit
	}
}

const (
	// BSCoreSemVer is the current version of the block stream node.
	// It's the Semantic Version of the software.
	BSCoreSemVer = "0.1.0"
)

// Protocol is used for implementation agnostic versioning.
type Protocol uint64

// Uint64 returns the Protocol version as a uint64.
func (p Protocol) Uint64() uint64 {
	return uint64(p)
}

var (
	// StreamProtocol versions the publish stream messages and the rules
	// block nodes follow when answering them.
	StreamProtocol Protocol = 1

	// BufferProtocol versions the layout of the persisted block buffer.
	BufferProtocol Protocol = 1
)

// Info describes the running software.
type Info struct {
	Version        string   `json:"version"`
	Codec          string   `json:"codec"`
	StreamProtocol Protocol `json:"stream_protocol"`
	BufferProtocol Protocol `json:"buffer_protocol"`
}

// Current returns the version info of this build.
func Current() Info {
	return Info{
		Version:        Version,
		Codec:          bsproto.CodecName,
		StreamProtocol: StreamProtocol,
		BufferProtocol: BufferProtocol,
	}
}
