package model

import (
	"fmt"
	"time"
)

// State is the lifecycle state of a tunnel.
type State int

const (
	StateDown State = iota
	StateToggling
	StateUp
	// StateToggle is only valid as a desired state: flip whatever state the
	// tunnel is in when the request is dispatched.
	StateToggle
)

func (s State) String() string {
	switch s {
	case StateDown:
		return "down"
	case StateToggling:
		return "toggling"
	case StateUp:
		return "up"
	case StateToggle:
		return "toggle"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ParseState converts the CLI/persisted form back into a State.
func ParseState(s string) (State, error) {
	switch s {
	case "down":
		return StateDown, nil
	case "toggling":
		return StateToggling, nil
	case "up":
		return StateUp, nil
	case "toggle":
		return StateToggle, nil
	}
	return StateDown, fmt.Errorf("unknown tunnel state %q", s)
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	v, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Resolve turns a desired state into a concrete one given the current state.
func (s State) Resolve(current State) State {
	if s != StateToggle {
		return s
	}
	if current == StateUp {
		return StateDown
	}
	return StateUp
}

// PeerStats is the traffic counters of one peer.
type PeerStats struct {
	PublicKey       string    `json:"public_key"`
	RxBytes         int64     `json:"rx_bytes"`
	TxBytes         int64     `json:"tx_bytes"`
	LatestHandshake time.Time `json:"latest_handshake,omitempty"`
}

// Statistics is a point-in-time traffic snapshot of a tunnel.
type Statistics struct {
	Peers     []PeerStats `json:"peers"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// TotalRx sums the bytes received from every peer.
func (s Statistics) TotalRx() int64 {
	var n int64
	for _, p := range s.Peers {
		n += p.RxBytes
	}
	return n
}

// TotalTx sums the bytes sent to every peer.
func (s Statistics) TotalTx() int64 {
	var n int64
	for _, p := range s.Peers {
		n += p.TxBytes
	}
	return n
}

// InterfaceSection is the [Interface] block of a wg-quick config.
type InterfaceSection struct {
	PrivateKey string   `json:"-"`
	Addresses  []string `json:"addresses,omitempty"`
	ListenPort int      `json:"listen_port,omitempty"`
	DNS        []string `json:"dns,omitempty"`
	MTU        int      `json:"mtu,omitempty"`
	FwMark     int      `json:"fwmark,omitempty"`
}

// PeerSection is one [Peer] block of a wg-quick config.
type PeerSection struct {
	PublicKey           string   `json:"public_key"`
	PresharedKey        string   `json:"-"`
	AllowedIPs          []string `json:"allowed_ips,omitempty"`
	Endpoint            string   `json:"endpoint,omitempty"`
	PersistentKeepalive int      `json:"persistent_keepalive,omitempty"`
}

// Config is a tunnel configuration. Raw is what gets handed to wg-quick; the
// parsed sections are what the in-process backend programs into the kernel.
type Config struct {
	Name      string           `json:"name"`
	Raw       []byte           `json:"-"`
	Interface InterfaceSection `json:"interface"`
	Peers     []PeerSection    `json:"peers"`
}
