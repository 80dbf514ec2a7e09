// Package core defines the shared data model with zero external dependencies.
package core

import "time"

// Protocol is the display label assigned to a parsed packet.
type Protocol string

// Closed set of protocol labels, in classification priority order.
const (
	ProtocolDNS     Protocol = "DNS"
	ProtocolHTTP    Protocol = "HTTP"
	ProtocolHTTPS   Protocol = "HTTPS"
	ProtocolHTTP3   Protocol = "HTTP/3"
	ProtocolQUIC    Protocol = "QUIC"
	ProtocolTCP     Protocol = "TCP"
	ProtocolUDP     Protocol = "UDP"
	ProtocolICMP    Protocol = "ICMP"
	ProtocolICMPv6  Protocol = "ICMPv6"
	ProtocolARP     Protocol = "ARP"
	ProtocolUnknown Protocol = "Unknown"
)

// IPProtocolNumber returns the IPv4 protocol number a frame carries for p.
// Labels without an IP payload map to 0.
func (p Protocol) IPProtocolNumber() uint8 {
	switch p {
	case ProtocolTCP, ProtocolHTTP, ProtocolHTTPS:
		return 6
	case ProtocolUDP, ProtocolDNS, ProtocolQUIC, ProtocolHTTP3:
		return 17
	case ProtocolICMP:
		return 1
	case ProtocolICMPv6:
		return 58
	default:
		return 0
	}
}

// Family is the address family of a parsed packet.
type Family string

const (
	FamilyNone Family = ""
	FamilyIPv4 Family = "IPv4"
	FamilyIPv6 Family = "IPv6"
)

// PacketSummary is the structured form of one capture tool output line.
// It is immutable once created.
type PacketSummary struct {
	Seq         uint64    `json:"seq"`
	Timestamp   time.Time `json:"timestamp"`
	Family      Family    `json:"family,omitempty"`
	Source      string    `json:"source"`
	Destination string    `json:"destination"`
	SrcPort     uint16    `json:"src_port"`
	DstPort     uint16    `json:"dst_port"`
	Protocol    Protocol  `json:"protocol"`
	Length      int       `json:"length"`
	Info        string    `json:"info,omitempty"`
}

// SyntheticFrame is a display-oriented link-layer frame built from a PacketSummary.
type SyntheticFrame struct {
	Seq  uint64 `json:"seq"`
	Data []byte `json:"data"`
}

// PacketEvent pairs a summary with the frame built from it.
type PacketEvent struct {
	SessionID string         `json:"session_id"`
	Summary   PacketSummary  `json:"summary"`
	Frame     SyntheticFrame `json:"frame"`
}

// SessionState is a capture session lifecycle state.
type SessionState string

const (
	StateIdle                SessionState = "idle"
	StateRequestingElevation SessionState = "requesting-elevation"
	StateAwaitingCredential  SessionState = "awaiting-credential"
	StateSpawning            SessionState = "spawning"
	StateRunning             SessionState = "running"
	StateStopping            SessionState = "stopping"
	StateStopped             SessionState = "stopped"
	StateError               SessionState = "error"
)

// Terminal reports whether no further transitions leave s.
func (s SessionState) Terminal() bool {
	return s == StateStopped || s == StateError
}

// Status tags a StatusEvent.
type Status string

const (
	StatusRequestingCredential   Status = "requesting-credential"
	StatusRequestingConfirmation Status = "requesting-confirmation"
	StatusStarted                Status = "started"
	StatusStopped                Status = "stopped"
	StatusError                  Status = "error"
)

// PromptKind distinguishes a yes/no confirmation from a secret request.
type PromptKind string

const (
	PromptConfirm PromptKind = "confirm"
	PromptSecret  PromptKind = "secret"
)

// PromptRequest is the single outstanding question put to the operator.
type PromptRequest struct {
	ID       string     `json:"id"`
	Kind     PromptKind `json:"kind"`
	Prompt   string     `json:"prompt"`
	Deadline time.Time  `json:"deadline"`
}

// StatusEvent is a session state notification for observers.
type StatusEvent struct {
	Status    Status         `json:"status"`
	SessionID string         `json:"session_id,omitempty"`
	Interface string         `json:"interface,omitempty"`
	State     SessionState   `json:"state"`
	Message   string         `json:"message,omitempty"`
	Cause     Cause          `json:"cause,omitempty"`
	Request   *PromptRequest `json:"request,omitempty"`
	Time      time.Time      `json:"time"`
}
