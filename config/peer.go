// Package config holds the plain, YAML-tagged settings structs a peer is
// constructed from, following cloudflared's config package style: exported
// fields with yaml tags, a package-level default, and *OrDefault() readers
// for fields that are meaningful to leave zero in a partially-specified
// config file.
package config

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// CodecLimits bounds the wire-format engine's traversal and framing costs
// (spec §3.1, §3.3). A zero field means "use the package default".
type CodecLimits struct {
	TraversalWords uint64 `yaml:"traversalWords,omitempty"`
	DepthLimit     uint   `yaml:"depthLimit,omitempty"`
	SegmentLimit   uint32 `yaml:"segmentLimit,omitempty"`
}

const (
	defaultTraversalWords = 8 * 1024 * 1024
	defaultDepthLimit     = 64
	defaultSegmentLimit   = 512
)

func (c CodecLimits) TraversalWordsOrDefault() uint64 {
	if c.TraversalWords != 0 {
		return c.TraversalWords
	}
	return defaultTraversalWords
}

func (c CodecLimits) DepthLimitOrDefault() uint {
	if c.DepthLimit != 0 {
		return c.DepthLimit
	}
	return defaultDepthLimit
}

func (c CodecLimits) SegmentLimitOrDefault() uint32 {
	if c.SegmentLimit != 0 {
		return c.SegmentLimit
	}
	return defaultSegmentLimit
}

// OutboundQueueLimits bounds the peer's outbound message queue (spec §5,
// "Backpressure"). A zero value means unlimited.
type OutboundQueueLimits struct {
	MaxCount uint32 `yaml:"maxCount,omitempty"`
	MaxBytes uint64 `yaml:"maxBytes,omitempty"`
}

// PeerConfig is the settings a Peer is constructed with: codec limits,
// outbound backpressure limits, and the logging level its LogTransport
// writes at.
type PeerConfig struct {
	Codec          CodecLimits         `yaml:"codec,omitempty"`
	OutboundLimits OutboundQueueLimits `yaml:"outboundLimits,omitempty"`
	LogLevel       string              `yaml:"logLevel,omitempty"`
	LogDirectory   string              `yaml:"logDirectory,omitempty"`
}

var defaultPeerConfig = PeerConfig{
	LogLevel: "info",
}

func (p PeerConfig) LogLevelOrDefault() string {
	if p.LogLevel != "" {
		return p.LogLevel
	}
	return defaultPeerConfig.LogLevel
}

// Load reads and parses a PeerConfig from a YAML file at path.
func Load(path string) (*PeerConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading peer config")
	}
	var cfg PeerConfig
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, errors.Wrap(err, "parsing peer config")
	}
	return &cfg, nil
}
