// Package parser turns capture tool text output into packet summaries.
package parser

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"regexp"
	"strconv"
	"strings"
	"time"

	"firestige.xyz/wiretap/internal/core"
)

var (
	// ErrDecoration marks banners, counters and blank lines.
	ErrDecoration = errors.New("parser: decoration line")
	// ErrNoFraming marks lines that match no known grammar.
	ErrNoFraming = errors.New("parser: no known framing")
	// ErrMalformed marks lines whose parsing failed unexpectedly.
	ErrMalformed = errors.New("parser: malformed line")
)

var decorationMarkers = []string{
	"packets captured",
	"packets received by filter",
	"packets dropped by kernel",
	"packets dropped by interface",
	"listening on ",
	"verbose output suppressed",
}

var (
	timestampRe = regexp.MustCompile(`^(?:(\d{4})-(\d{2})-(\d{2}) )?(\d{2}):(\d{2}):(\d{2})(?:\.(\d{1,9}))?\s+`)
	lengthRe    = regexp.MustCompile(`length (\d+)`)
	parenLenRe  = regexp.MustCompile(`\((\d+)\)\s*$`)
	arpWhoHasRe = regexp.MustCompile(`who-has ([0-9A-Fa-f.:]+).*? tell ([0-9A-Fa-f.:]+)`)
	arpReplyRe  = regexp.MustCompile(`Reply ([0-9A-Fa-f.:]+) is-at`)
)

// serviceNames covers the port names tcpdump prints when name lookup is on.
var serviceNames = map[string]uint16{
	"domain": 53,
	"http":   80,
	"https":  443,
}

// ParseLine parses one output line into a summary carrying seq. now supplies
// the date for time-only timestamps and the timestamp when none is present.
func ParseLine(line string, seq uint64, now time.Time) (*core.PacketSummary, error) {
	text := strings.TrimSpace(line)
	if text == "" || isDecoration(text) {
		return nil, ErrDecoration
	}

	ts, rest := splitTimestamp(text, now)

	var (
		s   *core.PacketSummary
		err error
	)
	switch {
	case strings.HasPrefix(rest, "IP6 "):
		s, err = parseIP(strings.TrimPrefix(rest, "IP6 "))
	case strings.HasPrefix(rest, "IP "):
		s, err = parseIP(strings.TrimPrefix(rest, "IP "))
	case strings.HasPrefix(rest, "ARP"):
		s = parseARP(rest)
	default:
		return nil, ErrNoFraming
	}
	if err != nil {
		return nil, err
	}

	s.Seq = seq
	s.Timestamp = ts
	return s, nil
}

func isDecoration(text string) bool {
	for _, m := range decorationMarkers {
		if strings.Contains(text, m) {
			return true
		}
	}
	return false
}

// splitTimestamp strips an optional leading timestamp.
func splitTimestamp(text string, now time.Time) (time.Time, string) {
	m := timestampRe.FindStringSubmatch(text)
	if m == nil {
		return now, text
	}

	year, month, day := now.Date()
	if m[1] != "" {
		year = atoi(m[1])
		month = time.Month(atoi(m[2]))
		day = atoi(m[3])
	}
	var nanos int
	if frac := m[7]; frac != "" {
		nanos = atoi(frac + strings.Repeat("0", 9-len(frac)))
	}
	ts := time.Date(year, month, day, atoi(m[4]), atoi(m[5]), atoi(m[6]), nanos, now.Location())
	return ts, text[len(m[0]):]
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

// parseIP handles "SRC > DST: REMAINDER" for both address families.
func parseIP(body string) (*core.PacketSummary, error) {
	arrow := strings.Index(body, " > ")
	if arrow < 0 {
		return nil, ErrNoFraming
	}
	srcTok := strings.TrimSpace(body[:arrow])
	after := body[arrow+3:]

	var dstTok, remainder string
	if colon := strings.Index(after, ": "); colon >= 0 {
		dstTok, remainder = after[:colon], strings.TrimSpace(after[colon+2:])
	} else if strings.HasSuffix(after, ":") {
		dstTok = strings.TrimSuffix(after, ":")
	} else {
		return nil, ErrNoFraming
	}

	srcAddr, srcPort, ok := splitEndpoint(srcTok)
	if !ok {
		return nil, fmt.Errorf("%w: source %q", ErrNoFraming, srcTok)
	}
	dstAddr, dstPort, ok := splitEndpoint(strings.TrimSpace(dstTok))
	if !ok {
		return nil, fmt.Errorf("%w: destination %q", ErrNoFraming, dstTok)
	}

	family := core.FamilyIPv4
	if strings.Contains(srcAddr, ":") {
		family = core.FamilyIPv6
	}

	return &core.PacketSummary{
		Family:      family,
		Source:      srcAddr,
		Destination: dstAddr,
		SrcPort:     srcPort,
		DstPort:     dstPort,
		Protocol:    classify(remainder, family, srcPort, dstPort),
		Length:      declaredLength(remainder),
		Info:        remainder,
	}, nil
}

// splitEndpoint splits "ADDR.PORT" at the last dot when ADDR is an IP literal
// and PORT a port. Tokens without a port (ICMP) are returned whole.
func splitEndpoint(tok string) (string, uint16, bool) {
	if i := strings.LastIndex(tok, "."); i > 0 {
		host, port := tok[:i], tok[i+1:]
		if validIP(host) {
			if n, err := strconv.ParseUint(port, 10, 16); err == nil {
				return host, uint16(n), true
			}
			if n, ok := serviceNames[port]; ok {
				return host, n, true
			}
		}
	}
	if validIP(tok) {
		return tok, 0, true
	}
	return "", 0, false
}

func validIP(s string) bool {
	_, err := netip.ParseAddr(s)
	return err == nil
}

// classify assigns the protocol label, highest priority first.
func classify(remainder string, family core.Family, srcPort, dstPort uint16) core.Protocol {
	lower := strings.ToLower(remainder)
	isTCP := strings.Contains(remainder, "Flags") || strings.HasPrefix(lower, "tcp")
	isUDP := strings.Contains(remainder, "UDP")
	isQUIC := strings.Contains(lower, "quic")
	on := func(port uint16) bool { return srcPort == port || dstPort == port }

	switch {
	case on(53):
		return core.ProtocolDNS
	case isTCP && on(80):
		return core.ProtocolHTTP
	case isTCP && on(443):
		return core.ProtocolHTTPS
	case !isTCP && on(443) && (isUDP || isQUIC):
		return core.ProtocolHTTP3
	case isQUIC:
		return core.ProtocolQUIC
	case isTCP:
		return core.ProtocolTCP
	case isUDP:
		return core.ProtocolUDP
	case strings.Contains(remainder, "ICMP6"),
		strings.Contains(remainder, "ICMP") && family == core.FamilyIPv6:
		return core.ProtocolICMPv6
	case strings.Contains(remainder, "ICMP"):
		return core.ProtocolICMP
	default:
		return core.ProtocolUnknown
	}
}

// declaredLength takes the last "length N", falling back to a trailing "(N)".
func declaredLength(remainder string) int {
	if all := lengthRe.FindAllStringSubmatch(remainder, -1); len(all) > 0 {
		return atoi(all[len(all)-1][1])
	}
	if m := parenLenRe.FindStringSubmatch(remainder); m != nil {
		return atoi(m[1])
	}
	return 0
}

func parseARP(rest string) *core.PacketSummary {
	s := &core.PacketSummary{
		Family:   core.FamilyIPv4,
		Protocol: core.ProtocolARP,
		Length:   declaredLength(rest),
		Info:     strings.TrimSpace(strings.TrimPrefix(strings.TrimPrefix(rest, "ARP"), ",")),
	}
	if m := arpWhoHasRe.FindStringSubmatch(rest); m != nil {
		s.Destination = strings.TrimSuffix(m[1], ",")
		s.Source = strings.TrimSuffix(m[2], ",")
	} else if m := arpReplyRe.FindStringSubmatch(rest); m != nil {
		s.Source = m[1]
	}
	return s
}

// Parser assigns per-session sequence numbers and contains failures to the
// line being parsed.
type Parser struct {
	seq uint64
	now func() time.Time
}

// New creates a parser whose first summary gets sequence 1.
func New() *Parser {
	return &Parser{now: time.Now}
}

// Parse parses line. It never panics; any error means the line is dropped.
func (p *Parser) Parse(line string) (summary *core.PacketSummary, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("recovered while parsing capture line", "panic", r, "line", line)
			summary, err = nil, fmt.Errorf("%w: %v", ErrMalformed, r)
		}
	}()

	summary, err = ParseLine(line, p.seq+1, p.now())
	if err != nil {
		if !errors.Is(err, ErrDecoration) {
			slog.Debug("dropping unparsed capture line", "line", line, "error", err)
		}
		return nil, err
	}
	p.seq++
	return summary, nil
}

// Seq returns the last assigned sequence number.
func (p *Parser) Seq() uint64 {
	return p.seq
}
