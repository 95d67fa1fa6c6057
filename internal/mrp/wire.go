// Package mrp implements the remote-mail protocol (component E): the
// five-verb MAILREQ/MAILACK/MAILNAK/MAILDAT/MAILDLV handshake, chunking,
// relay, loop/hop guards, and retry ladders.
package mrp

import (
	"fmt"
	"strconv"
	"strings"
)

// Nak reasons.
const (
	NakLoop    = "LOOP"
	NakMaxHops = "MAXHOPS"
	NakNoUser  = "NOUSER"
	NakNoRoute = "NOROUTE"
)

// MailReq is the parsed MAILREQ payload.
type MailReq struct {
	UUID       string
	FromUser   string
	FromBBS    string
	ToUser     string
	ToBBS      string
	Hop        int
	Parts      int
	RouteCSV   string // comma-separated callsigns already traversed
}

// EncodeMailReq renders a MAILREQ wire frame.
func EncodeMailReq(r MailReq) string {
	return fmt.Sprintf("MAILREQ|%s|%s|%s|%s|%s|%d|%d|%s",
		r.UUID, r.FromUser, r.FromBBS, r.ToUser, r.ToBBS, r.Hop, r.Parts, r.RouteCSV)
}

// DecodeMailReq parses a MAILREQ payload (fields after the verb).
func DecodeMailReq(fields []string) (MailReq, error) {
	if len(fields) != 8 {
		return MailReq{}, fmt.Errorf("mrp: MAILREQ expects 8 fields, got %d", len(fields))
	}
	hop, err := strconv.Atoi(fields[5])
	if err != nil {
		return MailReq{}, fmt.Errorf("mrp: MAILREQ hop: %w", err)
	}
	parts, err := strconv.Atoi(fields[6])
	if err != nil {
		return MailReq{}, fmt.Errorf("mrp: MAILREQ parts: %w", err)
	}
	return MailReq{
		UUID:     fields[0],
		FromUser: fields[1],
		FromBBS:  fields[2],
		ToUser:   fields[3],
		ToBBS:    fields[4],
		Hop:      hop,
		Parts:    parts,
		RouteCSV: fields[7],
	}, nil
}

// EncodeMailAck renders a MAILACK wire frame.
func EncodeMailAck(uuid string) string {
	return fmt.Sprintf("MAILACK|%s|OK", uuid)
}

// EncodeMailNak renders a MAILNAK wire frame.
func EncodeMailNak(uuid, reason string) string {
	return fmt.Sprintf("MAILNAK|%s|%s", uuid, reason)
}

// MailDat is a single parsed MAILDAT chunk.
type MailDat struct {
	UUID  string
	Seq   int
	Total int
	Chunk string
}

// EncodeMailDat renders a MAILDAT wire frame. chunk may itself contain "|"
// — it is always the final field and swallows the rest of the line.
func EncodeMailDat(uuid string, seq, total int, chunk string) string {
	return fmt.Sprintf("MAILDAT|%s|%d/%d|%s", uuid, seq, total, chunk)
}

// DecodeMailDat parses a MAILDAT payload (fields after the verb, split
// with a limit of 3 so the chunk text can safely contain "|").
func DecodeMailDat(rest string) (MailDat, error) {
	parts := strings.SplitN(rest, "|", 3)
	if len(parts) != 3 {
		return MailDat{}, fmt.Errorf("mrp: MAILDAT malformed")
	}
	seqTotal := strings.SplitN(parts[1], "/", 2)
	if len(seqTotal) != 2 {
		return MailDat{}, fmt.Errorf("mrp: MAILDAT seq/total malformed")
	}
	seq, err := strconv.Atoi(seqTotal[0])
	if err != nil {
		return MailDat{}, fmt.Errorf("mrp: MAILDAT seq: %w", err)
	}
	total, err := strconv.Atoi(seqTotal[1])
	if err != nil {
		return MailDat{}, fmt.Errorf("mrp: MAILDAT total: %w", err)
	}
	return MailDat{UUID: parts[0], Seq: seq, Total: total, Chunk: parts[2]}, nil
}

// EncodeMailDlv renders a MAILDLV wire frame.
func EncodeMailDlv(uuid, finalRecipientAtBBS string) string {
	return fmt.Sprintf("MAILDLV|%s|OK|%s", uuid, finalRecipientAtBBS)
}

// Verb extracts the leading verb token from a raw frame body (text after
// any outer envelope has already been stripped).
func Verb(text string) string {
	if i := strings.IndexByte(text, '|'); i >= 0 {
		return text[:i]
	}
	return text
}

// Fields splits a raw frame body into its pipe-delimited fields, dropping
// the verb. Callers that need chunk-safe splitting (MAILDAT) use
// DecodeMailDat on the rest-of-line instead.
func Fields(text string) []string {
	parts := strings.Split(text, "|")
	if len(parts) <= 1 {
		return nil
	}
	return parts[1:]
}

// RestAfterVerb returns everything after the first "|".
func RestAfterVerb(text string) string {
	if i := strings.IndexByte(text, '|'); i >= 0 {
		return text[i+1:]
	}
	return ""
}

// ChunkBody splits body into chunks of at most chunkLen characters.
func ChunkBody(body string, chunkLen int) []string {
	if body == "" {
		return []string{""}
	}
	var chunks []string
	runes := []rune(body)
	for i := 0; i < len(runes); i += chunkLen {
		end := i + chunkLen
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[i:end]))
	}
	return chunks
}

// ContainsCallsign reports whether callsign appears in a comma-separated
// route list, case-insensitively (loop detection).
func ContainsCallsign(routeCSV, callsign string) bool {
	for _, c := range strings.Split(routeCSV, ",") {
		if strings.EqualFold(strings.TrimSpace(c), callsign) {
			return true
		}
	}
	return false
}

// AppendCallsign appends callsign to a comma-separated route list.
func AppendCallsign(routeCSV, callsign string) string {
	if routeCSV == "" {
		return callsign
	}
	return routeCSV + "," + callsign
}
