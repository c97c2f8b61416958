package alpaca

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// DiscoveryPort is the UDP port Alpaca clients broadcast to.
const DiscoveryPort = 32227

// DiscoveryResponder answers Alpaca discovery requests with the API port.
type DiscoveryResponder struct {
	addr     string
	port     int
	response []byte
	logger   log.FieldLogger

	conn *net.UDPConn
}

func NewDiscoveryResponder(addr string, port, alpacaPort int, logger log.FieldLogger) *DiscoveryResponder {
	return &DiscoveryResponder{
		addr:     addr,
		port:     port,
		response: []byte(fmt.Sprintf(`{"AlpacaPort": %d}`, alpacaPort)),
		logger:   logger.WithField("component", "discovery"),
	}
}

// Listen binds the discovery socket. Run calls it if needed.
func (d *DiscoveryResponder) Listen() error {
	if d.conn != nil {
		return nil
	}
	laddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(d.addr, fmt.Sprint(d.port)))
	if err != nil {
		return fmt.Errorf("cannot resolve discovery address: %v", err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return fmt.Errorf("cannot bind discovery socket: %v", err)
	}
	d.conn = conn
	return nil
}

// Addr is the bound address, nil before Listen.
func (d *DiscoveryResponder) Addr() net.Addr {
	if d.conn == nil {
		return nil
	}
	return d.conn.LocalAddr()
}

func (d *DiscoveryResponder) Run(ctx context.Context) error {
	if err := d.Listen(); err != nil {
		return err
	}
	defer d.conn.Close()

	d.logger.Debugf("Discovery responder started on %s", d.conn.LocalAddr())
	buf := make([]byte, 1024)
	for {
		if ctx.Err() != nil {
			return nil
		}

		// the deadline lets the loop notice cancellation
		d.conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, addr, err := d.conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			d.logger.Debugf("Error reading from socket: %v", err)
			continue
		}

		data := string(buf[:n])
		d.logger.Debugf("Received %s from %s", data, addr)
		if strings.Contains(data, "alpacadiscovery1") {
			if _, err := d.conn.WriteToUDP(d.response, addr); err != nil {
				d.logger.Errorf("Error writing to socket: %v", err)
			}
		}
	}
}
