// Copyright (C) 2024  wwhai
//
// This program is free software; you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.

package modbus

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	tcpHeaderLength       = 7
	protocolIdentifierTCP = 0x0000
)

// EncodeTCPRequest wraps a Read Holding Registers PDU in a Modbus TCP
// MBAP header: transaction id, protocol id, length, unit id.
func EncodeTCPRequest(transactionID uint16, unitID uint8, addr, count uint16) []byte {
	pdu := make([]byte, 0, 5)
	pdu = append(pdu, FuncCodeReadHoldingRegisters)
	pdu = binary.BigEndian.AppendUint16(pdu, addr)
	pdu = binary.BigEndian.AppendUint16(pdu, count)

	frame := make([]byte, tcpHeaderLength+len(pdu))
	binary.BigEndian.PutUint16(frame[0:2], transactionID)
	binary.BigEndian.PutUint16(frame[2:4], protocolIdentifierTCP)
	binary.BigEndian.PutUint16(frame[4:6], uint16(len(pdu)+1))
	frame[6] = unitID
	copy(frame[7:], pdu)
	return frame
}

// ReadTCPResponse reads one complete Modbus TCP response: the fixed MBAP
// header, then exactly as many PDU bytes as the header's length field
// declares, then validates and decodes the holding-register payload.
func ReadTCPResponse(r io.Reader, wantTransactionID uint16, wantUnitID uint8) (RawRead, error) {
	header := make([]byte, tcpHeaderLength)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("modbus: tcp: reading MBAP header: %w", err)
	}

	transactionID := binary.BigEndian.Uint16(header[0:2])
	protocolID := binary.BigEndian.Uint16(header[2:4])
	length := binary.BigEndian.Uint16(header[4:6])
	unitID := header[6]

	if protocolID != protocolIdentifierTCP {
		return nil, fmt.Errorf("modbus: tcp: invalid protocol id 0x%04X", protocolID)
	}
	if transactionID != wantTransactionID {
		return nil, fmt.Errorf("modbus: tcp: transaction id mismatch: got %d want %d", transactionID, wantTransactionID)
	}
	if unitID != wantUnitID {
		return nil, fmt.Errorf("modbus: tcp: unit id mismatch: got %d want %d", unitID, wantUnitID)
	}
	if length < 3 || length > 253 {
		return nil, fmt.Errorf("modbus: tcp: invalid length field %d", length)
	}

	pdu := make([]byte, length-1)
	if _, err := io.ReadFull(r, pdu); err != nil {
		return nil, fmt.Errorf("modbus: tcp: reading PDU: %w", err)
	}

	funcCode := pdu[0]
	if funcCode&0x80 != 0 {
		return nil, fmt.Errorf("modbus: tcp: exception response, code 0x%02X", pdu[1])
	}
	if funcCode != FuncCodeReadHoldingRegisters {
		return nil, fmt.Errorf("modbus: tcp: unexpected function code 0x%02X", funcCode)
	}

	byteCount := int(pdu[1])
	if byteCount%2 != 0 || 2+byteCount != len(pdu) {
		return nil, fmt.Errorf("modbus: tcp: byte count %d inconsistent with PDU length %d", byteCount, len(pdu))
	}

	data := pdu[2 : 2+byteCount]
	raw := make(RawRead, byteCount/2)
	for i := range raw {
		raw[i] = binary.BigEndian.Uint16(data[i*2:])
	}
	return raw, nil
}
