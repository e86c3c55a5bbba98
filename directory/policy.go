package directory

import (
	"fmt"
	"strconv"
	"strings"
)

// PolicyKind says whether a port policy lists accepted or rejected ports.
type PolicyKind uint8

const (
	// PolicyAbsent is the zero value: no "p" line, nothing is accepted.
	PolicyAbsent PolicyKind = iota
	PolicyAccept
	PolicyReject
)

// PortRange is an inclusive port range.
type PortRange struct {
	Lo, Hi uint16
}

// PortPolicy is a microdescriptor exit policy summary ("p accept 80,443").
type PortPolicy struct {
	Kind   PolicyKind
	Ranges []PortRange
}

// ParsePortPolicy parses the arguments of a "p" or "p6" line.
func ParsePortPolicy(s string) (PortPolicy, error) {
	var p PortPolicy
	parts := strings.Fields(s)
	if len(parts) != 2 {
		return p, fmt.Errorf("policy %q: want keyword and port list", s)
	}
	switch parts[0] {
	case "accept":
		p.Kind = PolicyAccept
	case "reject":
		p.Kind = PolicyReject
	default:
		return p, fmt.Errorf("policy %q: unknown keyword", s)
	}
	for _, item := range strings.Split(parts[1], ",") {
		lo, hi, isRange := strings.Cut(item, "-")
		if !isRange {
			hi = lo
		}
		l, err := parsePort(lo)
		if err != nil {
			return PortPolicy{}, err
		}
		h, err := parsePort(hi)
		if err != nil {
			return PortPolicy{}, err
		}
		if l > h {
			return PortPolicy{}, fmt.Errorf("policy range %q inverted", item)
		}
		p.Ranges = append(p.Ranges, PortRange{Lo: l, Hi: h})
	}
	return p, nil
}

func parsePort(s string) (uint16, error) {
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("bad port %q", s)
	}
	return uint16(n), nil
}

// Allows reports whether connections to port are permitted.
func (p PortPolicy) Allows(port uint16) bool {
	if p.Kind == PolicyAbsent || port == 0 {
		return false
	}
	listed := false
	for _, r := range p.Ranges {
		if port >= r.Lo && port <= r.Hi {
			listed = true
			break
		}
	}
	return listed == (p.Kind == PolicyAccept)
}

// AllowsAny reports whether at least one port is permitted.
func (p PortPolicy) AllowsAny() bool {
	switch p.Kind {
	case PolicyAccept:
		return len(p.Ranges) > 0
	case PolicyReject:
		return !p.coversAll()
	}
	return false
}

func (p PortPolicy) coversAll() bool {
	next := uint32(1)
	for next <= 65535 {
		advanced := false
		for _, r := range p.Ranges {
			if uint32(r.Lo) <= next && uint32(r.Hi) >= next {
				next = uint32(r.Hi) + 1
				advanced = true
			}
		}
		if !advanced {
			return false
		}
	}
	return true
}

func (p PortPolicy) String() string {
	switch p.Kind {
	case PolicyAccept, PolicyReject:
		items := make([]string, len(p.Ranges))
		for i, r := range p.Ranges {
			if r.Lo == r.Hi {
				items[i] = strconv.Itoa(int(r.Lo))
			} else {
				items[i] = fmt.Sprintf("%d-%d", r.Lo, r.Hi)
			}
		}
		kw := "accept"
		if p.Kind == PolicyReject {
			kw = "reject"
		}
		return kw + " " + strings.Join(items, ",")
	}
	return "reject 1-65535"
}
