package rap

import (
	"fmt"
	"strconv"
	"strings"
)

// ProtocolVersion is the current RAP envelope version.
const ProtocolVersion = 1

// Envelope verbs.
const (
	VerbPing   = "RAP_PING"
	VerbPong   = "RAP_PONG"
	VerbRoutes = "RAP_ROUTES"
)

// envelopePrefix tags every RAP frame on the wire, distinguishing it from
// MRP/BSP traffic sharing the same transport.
const envelopePrefix = "advBBS"

// EncodePing renders a RAP_PING envelope announcing our own callsign.
func EncodePing(callsign string) string {
	return envelope(VerbPing, callsign)
}

// EncodePong renders a RAP_PONG envelope.
func EncodePong(callsign string) string {
	return envelope(VerbPong, callsign)
}

// EncodeRoutes renders a RAP_ROUTES envelope carrying the sender's learned
// route table, each entry as "dest:hop:quality" separated by ";".
func EncodeRoutes(callsign string, routes []Route) string {
	parts := make([]string, 0, len(routes))
	for _, r := range routes {
		parts = append(parts, fmt.Sprintf("%s:%d:%.3f", r.Destination, r.HopCount, r.Quality))
	}
	return envelope(VerbRoutes, callsign+"|"+strings.Join(parts, ";"))
}

func envelope(verb, payload string) string {
	return fmt.Sprintf("%s|%d|%s|%s", envelopePrefix, ProtocolVersion, verb, payload)
}

// ParseEnvelope splits a raw frame into its RAP envelope fields. ok is
// false if the frame isn't a RAP envelope at all (wrong prefix) — callers
// use this to cheaply ignore MRP/BSP traffic sharing the link.
func ParseEnvelope(text string) (verb, payload string, ok bool) {
	fields := strings.SplitN(text, "|", 4)
	if len(fields) != 4 || fields[0] != envelopePrefix {
		return "", "", false
	}
	if _, err := strconv.Atoi(fields[1]); err != nil {
		return "", "", false
	}
	return fields[2], fields[3], true
}

// RouteAnnouncement is one decoded entry from a RAP_ROUTES payload.
type RouteAnnouncement struct {
	Destination string
	HopCount    int
	Quality     float64
}

// DecodeRoutes parses a RAP_ROUTES payload (as produced by EncodeRoutes)
// into the announcing callsign and its route list.
func DecodeRoutes(payload string) (callsign string, routes []RouteAnnouncement, err error) {
	parts := strings.SplitN(payload, "|", 2)
	callsign = parts[0]
	if len(parts) < 2 || parts[1] == "" {
		return callsign, nil, nil
	}
	for _, entry := range strings.Split(parts[1], ";") {
		fields := strings.SplitN(entry, ":", 3)
		if len(fields) != 3 {
			return "", nil, fmt.Errorf("rap: malformed route entry %q", entry)
		}
		hop, convErr := strconv.Atoi(fields[1])
		if convErr != nil {
			return "", nil, fmt.Errorf("rap: route hop: %w", convErr)
		}
		quality, convErr := strconv.ParseFloat(fields[2], 64)
		if convErr != nil {
			return "", nil, fmt.Errorf("rap: route quality: %w", convErr)
		}
		routes = append(routes, RouteAnnouncement{Destination: fields[0], HopCount: hop, Quality: quality})
	}
	return callsign, routes, nil
}
