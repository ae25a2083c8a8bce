package modbus_test

import (
	"encoding/binary"
	"io"
	"net"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gridpulse/metergate/internal/domain"
)

// fakeDevice is an in-process Modbus TCP server backing the transport
// tests. Register contents, exception injection, and misbehavior knobs
// are set per test before the device starts.
type fakeDevice struct {
	unitID  uint8
	input   map[uint16]uint16
	holding map[uint16]uint16

	// exceptionAt maps a starting address to the exception code the
	// device answers with instead of data
	exceptionAt map[uint16]byte

	// wrongTxID makes every response carry a mismatched transaction ID
	wrongTxID bool

	// silent makes the device swallow requests without answering
	silent bool

	// respondDelay widens the request/response window so races in the
	// caller have room to interleave
	respondDelay time.Duration

	requests atomic.Int32
}

// startFakeDevice listens on a loopback port and serves Modbus TCP
// until the test ends. It returns the device address sessions should
// dial.
func startFakeDevice(t *testing.T, dev *fakeDevice) domain.DeviceAddress {
	t.Helper()

	if dev.unitID == 0 {
		dev.unitID = 1
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go dev.serve(conn)
		}
	}()

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		t.Fatalf("failed to split listen address: %v", err)
	}
	port, _ := strconv.Atoi(portStr)

	return domain.NewDeviceAddress(host, port, dev.unitID)
}

func (d *fakeDevice) serve(conn net.Conn) {
	defer conn.Close()

	for {
		header := make([]byte, 7)
		if _, err := io.ReadFull(conn, header); err != nil {
			return
		}
		length := binary.BigEndian.Uint16(header[4:6])
		pdu := make([]byte, int(length)-1)
		if _, err := io.ReadFull(conn, pdu); err != nil {
			return
		}

		d.requests.Add(1)

		if d.silent {
			continue
		}
		if d.respondDelay > 0 {
			time.Sleep(d.respondDelay)
		}

		txid := binary.BigEndian.Uint16(header[0:2])
		if d.wrongTxID {
			txid++
		}

		resp := d.respond(pdu)
		out := make([]byte, 7+len(resp))
		binary.BigEndian.PutUint16(out[0:2], txid)
		binary.BigEndian.PutUint16(out[4:6], uint16(len(resp)+1))
		out[6] = header[6]
		copy(out[7:], resp)
		if _, err := conn.Write(out); err != nil {
			return
		}
	}
}

// respond builds the response PDU for an FC03/FC04 request.
func (d *fakeDevice) respond(pdu []byte) []byte {
	fc := pdu[0]
	addr := binary.BigEndian.Uint16(pdu[1:3])
	qty := binary.BigEndian.Uint16(pdu[3:5])

	if code, ok := d.exceptionAt[addr]; ok {
		return []byte{fc | 0x80, code}
	}

	bank := d.holding
	if fc == 0x04 {
		bank = d.input
	}

	resp := make([]byte, 2+qty*2)
	resp[0] = fc
	resp[1] = byte(qty * 2)
	for i := uint16(0); i < qty; i++ {
		binary.BigEndian.PutUint16(resp[2+i*2:], bank[addr+i])
	}
	return resp
}
