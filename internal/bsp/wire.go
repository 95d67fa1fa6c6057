// Package bsp implements the bulletin sync protocol (component G):
// board-post replication between peers using a binary record batch
// (0x1F field separator, 0x1E record separator) inside the
// BOARDREQ/BOARDACK/BOARDNAK/BOARDDAT/BOARDDLV handshake.
package bsp

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	fieldSep  = "\x1f"
	recordSep = "\x1e"
)

// Post is one board post as carried on the wire.
type Post struct {
	UUID      string
	Author    string
	OriginBBS string
	TimeUs    int64
	Subject   string
	Body      string
}

// EncodeRecord renders a single post as a 0x1F-delimited record.
func EncodeRecord(p Post) string {
	return strings.Join([]string{p.UUID, p.Author, p.OriginBBS, strconv.FormatInt(p.TimeUs, 10), p.Subject, p.Body}, fieldSep)
}

// DecodeRecord parses a single 0x1F-delimited record.
func DecodeRecord(rec string) (Post, error) {
	fields := strings.Split(rec, fieldSep)
	if len(fields) != 6 {
		return Post{}, fmt.Errorf("bsp: record expects 6 fields, got %d", len(fields))
	}
	timeUs, err := strconv.ParseInt(fields[3], 10, 64)
	if err != nil {
		return Post{}, fmt.Errorf("bsp: record timestamp: %w", err)
	}
	return Post{UUID: fields[0], Author: fields[1], OriginBBS: fields[2], TimeUs: timeUs, Subject: fields[4], Body: fields[5]}, nil
}

// EncodeBatch joins posts into a single 0x1E-delimited batch body.
func EncodeBatch(posts []Post) string {
	records := make([]string, len(posts))
	for i, p := range posts {
		records[i] = EncodeRecord(p)
	}
	return strings.Join(records, recordSep)
}

// DecodeBatch splits a batch body back into posts, skipping (and logging
// via the returned error slice position) any malformed record rather than
// failing the whole batch.
func DecodeBatch(batch string) ([]Post, []error) {
	if batch == "" {
		return nil, nil
	}
	var posts []Post
	var errs []error
	for _, rec := range strings.Split(batch, recordSep) {
		p, err := DecodeRecord(rec)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		posts = append(posts, p)
	}
	return posts, errs
}

// EncodeBoardReq renders a BOARDREQ wire frame: request every post on
// board newer than sinceUs.
func EncodeBoardReq(board string, sinceUs int64) string {
	return fmt.Sprintf("BOARDREQ|%s|%d", board, sinceUs)
}

// BoardReq is the parsed BOARDREQ payload.
type BoardReq struct {
	Board   string
	SinceUs int64
}

// DecodeBoardReq parses a BOARDREQ payload (fields after the verb).
func DecodeBoardReq(fields []string) (BoardReq, error) {
	if len(fields) != 2 {
		return BoardReq{}, fmt.Errorf("bsp: BOARDREQ expects 2 fields, got %d", len(fields))
	}
	sinceUs, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return BoardReq{}, fmt.Errorf("bsp: BOARDREQ since_us: %w", err)
	}
	return BoardReq{Board: fields[0], SinceUs: sinceUs}, nil
}

// EncodeBoardAck renders a BOARDACK wire frame.
func EncodeBoardAck(board string) string {
	return fmt.Sprintf("BOARDACK|%s|OK", board)
}

// EncodeBoardNak renders a BOARDNAK wire frame.
func EncodeBoardNak(board, reason string) string {
	return fmt.Sprintf("BOARDNAK|%s|%s", board, reason)
}

// EncodeBoardDat renders a BOARDDAT wire frame carrying one batch of
// posts for board.
func EncodeBoardDat(board string, posts []Post) string {
	return fmt.Sprintf("BOARDDAT|%s|%s", board, EncodeBatch(posts))
}

// DecodeBoardDat splits a BOARDDAT payload into its board name and batch
// body (fields after the verb have already been dropped by the caller).
func DecodeBoardDat(rest string) (board string, batch string, err error) {
	parts := strings.SplitN(rest, "|", 2)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("bsp: BOARDDAT malformed")
	}
	return parts[0], parts[1], nil
}

// EncodeBoardDlv renders a BOARDDLV wire frame acknowledging the newest
// timestamp synced for board.
func EncodeBoardDlv(board string, newestUs int64) string {
	return fmt.Sprintf("BOARDDLV|%s|%d", board, newestUs)
}

// DecodeBoardDlv parses a BOARDDLV payload.
func DecodeBoardDlv(fields []string) (board string, newestUs int64, err error) {
	if len(fields) != 2 {
		return "", 0, fmt.Errorf("bsp: BOARDDLV expects 2 fields, got %d", len(fields))
	}
	newestUs, err = strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("bsp: BOARDDLV newest_us: %w", err)
	}
	return fields[0], newestUs, nil
}

// Verb extracts the leading verb token.
func Verb(text string) string {
	if i := strings.IndexByte(text, '|'); i >= 0 {
		return text[:i]
	}
	return text
}

// Fields splits a raw frame into pipe-delimited fields, dropping the verb.
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
