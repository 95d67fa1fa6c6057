package transport

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// TCPAdapter is a line-delimited TCP Adapter, grounded on the TCP
// connection mode advbbs's mesh interface supports alongside serial and
// BLE. It is a development/simulation stand-in for the real radio
// adapter — wiring a production KISS TNC, LoRa modem, or similar is left
// to the embedding process; this adapter exists so
// cmd/bbscore has something concrete to run against off a bare TCP
// socket (two instances dialling each other, or a test fixture).
//
// Wire shape: each line is "from\tto\tchannel\ttext\n". Destination "" or
// "^all" is broadcast. There is no link-level ACK in this transport, so
// wantAck is accepted but always reported false.
type TCPAdapter struct {
	addr     string
	identity string

	mu      sync.Mutex
	conn    net.Conn
	handler func(Frame)
}

// NewTCPAdapter constructs an adapter that dials addr on Connect and
// identifies itself as identity in every outbound frame's from field.
func NewTCPAdapter(addr, identity string) *TCPAdapter {
	return &TCPAdapter{addr: addr, identity: identity}
}

func (a *TCPAdapter) Connect(ctx context.Context) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", a.addr)
	if err != nil {
		return fmt.Errorf("transport: tcp adapter dial %s: %w", a.addr, err)
	}

	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()

	go a.readLoop(conn)
	return nil
}

func (a *TCPAdapter) readLoop(conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		fr, ok := parseTCPLine(scanner.Text())
		if !ok {
			continue
		}
		a.mu.Lock()
		h := a.handler
		a.mu.Unlock()
		if h != nil {
			h(fr)
		}
	}
}

func parseTCPLine(line string) (Frame, bool) {
	parts := strings.SplitN(line, "\t", 4)
	if len(parts) != 4 {
		return Frame{}, false
	}
	return Frame{From: parts[0], To: parts[1], Channel: parts[2], Text: parts[3]}, true
}

func (a *TCPAdapter) SendText(ctx context.Context, text, destination, channel string, wantAck bool) (string, bool, error) {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return "", false, NotConnectedError{}
	}

	line := fmt.Sprintf("%s\t%s\t%s\t%s\n", a.identity, destination, channel, text)
	if _, err := conn.Write([]byte(line)); err != nil {
		return "", false, fmt.Errorf("transport: tcp adapter send: %w", err)
	}
	return uuid.NewString(), false, nil
}

func (a *TCPAdapter) SetInboundHandler(h func(Frame)) {
	a.mu.Lock()
	a.handler = h
	a.mu.Unlock()
}

func (a *TCPAdapter) Close() error {
	a.mu.Lock()
	conn := a.conn
	a.conn = nil
	a.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}
