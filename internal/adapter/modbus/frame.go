// Package modbus implements the Modbus TCP transport: MBAP framing,
// pooled sessions, and the meter read orchestrator.
package modbus

import (
	"encoding/binary"
	"fmt"
	"io"
)

// mbapHeader is the Modbus Application Protocol header prepended to
// every TCP frame.
type mbapHeader struct {
	TransactionID uint16
	ProtocolID    uint16
	Length        uint16 // bytes following the length field (unit ID + PDU)
	UnitID        uint8
}

// frame is a complete Modbus TCP frame.
type frame struct {
	Header mbapHeader
	PDU    []byte
}

// encode serializes the frame, computing the length field from the PDU.
func (f *frame) encode() []byte {
	f.Header.Length = uint16(len(f.PDU) + 1)
	buf := make([]byte, mbapHeaderSize+len(f.PDU))
	binary.BigEndian.PutUint16(buf[0:2], f.Header.TransactionID)
	binary.BigEndian.PutUint16(buf[2:4], f.Header.ProtocolID)
	binary.BigEndian.PutUint16(buf[4:6], f.Header.Length)
	buf[6] = f.Header.UnitID
	copy(buf[mbapHeaderSize:], f.PDU)
	return buf
}

// readFrame reads one complete frame from r. It validates the protocol
// ID and length field but leaves PDU interpretation to the caller.
func readFrame(r io.Reader) (*frame, error) {
	header := make([]byte, mbapHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}

	var f frame
	f.Header.TransactionID = binary.BigEndian.Uint16(header[0:2])
	f.Header.ProtocolID = binary.BigEndian.Uint16(header[2:4])
	f.Header.Length = binary.BigEndian.Uint16(header[4:6])
	f.Header.UnitID = header[6]

	if f.Header.ProtocolID != protocolID {
		return nil, fmt.Errorf("%w: protocol ID %d", ErrFrameInvalid, f.Header.ProtocolID)
	}

	pduLen := int(f.Header.Length) - 1
	if pduLen < 1 || pduLen > maxPDUSize {
		return nil, fmt.Errorf("%w: PDU length %d", ErrFrameInvalid, pduLen)
	}

	f.PDU = make([]byte, pduLen)
	if _, err := io.ReadFull(r, f.PDU); err != nil {
		return nil, err
	}
	return &f, nil
}

// buildReadRegistersPDU builds an FC03/FC04 request PDU.
func buildReadRegistersPDU(fc byte, addr, qty uint16) ([]byte, error) {
	if qty < 1 || qty > MaxRegistersPerRead {
		return nil, fmt.Errorf("%w: quantity must be 1-%d", ErrFrameInvalid, MaxRegistersPerRead)
	}
	if uint32(addr)+uint32(qty) > 65536 {
		return nil, fmt.Errorf("%w: address range exceeds 65535", ErrFrameInvalid)
	}
	pdu := make([]byte, 5)
	pdu[0] = fc
	binary.BigEndian.PutUint16(pdu[1:3], addr)
	binary.BigEndian.PutUint16(pdu[3:5], qty)
	return pdu, nil
}

// parseRegistersResponse parses an FC03/FC04 response PDU into register
// words. The byte count must match exactly the requested quantity.
func parseRegistersResponse(pdu []byte, qty uint16) ([]uint16, error) {
	if len(pdu) < 2 {
		return nil, fmt.Errorf("%w: response too short", ErrResponseInvalid)
	}
	byteCount := int(pdu[1])
	if byteCount != int(qty)*2 || len(pdu) < 2+byteCount {
		return nil, fmt.Errorf("%w: byte count %d for quantity %d", ErrResponseInvalid, byteCount, qty)
	}
	words := make([]uint16, qty)
	for i := uint16(0); i < qty; i++ {
		words[i] = binary.BigEndian.Uint16(pdu[2+i*2:])
	}
	return words, nil
}

// isExceptionResponse reports whether the PDU carries an exception.
func isExceptionResponse(pdu []byte) bool {
	return len(pdu) > 0 && pdu[0]&exceptionFlag != 0
}

// exceptionCode extracts the exception code from an exception PDU.
func exceptionCode(pdu []byte) (byte, error) {
	if len(pdu) < 2 {
		return 0, fmt.Errorf("%w: truncated exception response", ErrResponseInvalid)
	}
	return pdu[1], nil
}
