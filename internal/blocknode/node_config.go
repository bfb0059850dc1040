package blocknode

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/BurntSushi/toml"
	"github.com/creachadair/atomicfile"
)

// NodeConfig describes a block node. Lower priorities are preferred; nodes
// sharing a priority are equally eligible.
type NodeConfig struct {
	Address  string `json:"address" toml:"address"`
	Port     int    `json:"port" toml:"port"`
	Priority int    `json:"priority" toml:"priority"`
}

// ID identifies the node by address and port.
func (n NodeConfig) ID() string {
	return net.JoinHostPort(n.Address, strconv.Itoa(n.Port))
}

func (n NodeConfig) String() string {
	return fmt.Sprintf("%s(priority=%d)", n.ID(), n.Priority)
}

// Validate performs basic validation.
func (n NodeConfig) Validate() error {
	if n.Address == "" {
		return errors.New("address can't be empty")
	}
	if n.Port < 1 || n.Port > 65535 {
		return fmt.Errorf("invalid port %d", n.Port)
	}
	if n.Priority < 0 {
		return fmt.Errorf("priority can't be negative, got %d", n.Priority)
	}
	return nil
}

// nodesFile is the layout of the block node list on disk.
type nodesFile struct {
	Nodes []NodeConfig `json:"nodes" toml:"nodes"`
}

// LoadNodesFile reads the block node list at path. Files ending in .toml
// are read as TOML, anything else as JSON.
func LoadNodesFile(path string) ([]NodeConfig, error) {
	bz, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var file nodesFile
	if isTOML(path) {
		if _, err := toml.Decode(string(bz), &file); err != nil {
			return nil, fmt.Errorf("decoding %q: %w", path, err)
		}
	} else {
		dec := json.NewDecoder(bytes.NewReader(bz))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&file); err != nil {
			return nil, fmt.Errorf("decoding %q: %w", path, err)
		}
	}

	seen := make(map[string]struct{}, len(file.Nodes))
	for i, node := range file.Nodes {
		if err := node.Validate(); err != nil {
			return nil, fmt.Errorf("invalid block node #%d in %q: %w", i, path, err)
		}
		if _, ok := seen[node.ID()]; ok {
			return nil, fmt.Errorf("block node %s is listed twice in %q", node.ID(), path)
		}
		seen[node.ID()] = struct{}{}
	}
	return file.Nodes, nil
}

// WriteNodesFile atomically replaces the block node list at path.
func WriteNodesFile(path string, nodes []NodeConfig) error {
	file := nodesFile{Nodes: nodes}

	var buf bytes.Buffer
	if isTOML(path) {
		if err := toml.NewEncoder(&buf).Encode(file); err != nil {
			return err
		}
	} else {
		bz, err := json.MarshalIndent(file, "", "  ")
		if err != nil {
			return err
		}
		buf.Write(bz)
		buf.WriteByte('\n')
	}

	_, err := atomicfile.WriteAll(path, &buf, 0644)
	return err
}

func isTOML(path string) bool {
	return filepath.Ext(path) == ".toml"
}

// sameNodes reports whether a and b list the same nodes with the same
// priorities, in any order.
func sameNodes(a, b []NodeConfig) bool {
	if len(a) != len(b) {
		return false
	}
	sorted := func(nodes []NodeConfig) []NodeConfig {
		s := make([]NodeConfig, len(nodes))
		copy(s, nodes)
		sort.Slice(s, func(i, j int) bool { return s[i].ID() < s[j].ID() })
		return s
	}
	sa, sb := sorted(a), sorted(b)
	for i := range sa {
		if sa[i] != sb[i] {
			return false
		}
	}
	return true
}
