/*
 * Copyright 2025 GridPulse Energy, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package modbus implements the Modbus-TCP framing the device server
// needs: MBAP headers, register reads and writes, and value decoding.
package modbus

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	FuncReadHolding   = 0x03
	FuncReadInput     = 0x04
	FuncWriteSingle   = 0x06
	FuncWriteMultiple = 0x10
	exceptionBit      = 0x80
	mbapHeaderLen     = 7
	// responseHeaderLen covers the MBAP header plus the function code
	// and the byte-count (or exception code) octet.
	responseHeaderLen = 9
)

var (
	errTransactionMismatch = errors.New("modbus: transaction id mismatch")
	errBadProtocolID       = errors.New("modbus: nonzero protocol id in response")
	errFunctionMismatch    = errors.New("modbus: function code mismatch")
	errShortPayload        = errors.New("modbus: short payload")
)

// ExceptionError is an in-band Modbus exception response. The device
// answered but refused the request, which is a definitive miss for the
// protocol being tried, never a retryable timeout.
type ExceptionError struct {
	Function uint8
	Code     uint8
}

func (e *ExceptionError) Error() string {
	return fmt.Sprintf("modbus: exception 0x%02X for function 0x%02X", e.Code, e.Function&^uint8(exceptionBit))
}

// IsException reports whether err is an in-band Modbus exception.
func IsException(err error) bool {
	var ex *ExceptionError
	return errors.As(err, &ex)
}

// Client speaks Modbus-TCP over a stream it does not own. Deadlines and
// cancellation belong to the session layer; the client only frames and
// validates. Not safe for concurrent use: the owning task serializes
// access, matching the one-task-per-session model.
type Client struct {
	rw     io.ReadWriter
	unitID uint8
	txn    uint16
}

// NewClient wraps a stream with the given unit id.
func NewClient(rw io.ReadWriter, unitID uint8) *Client {
	return &Client{rw: rw, unitID: unitID}
}

// ReadHoldingRegisters reads quantity registers starting at addr.
func (c *Client) ReadHoldingRegisters(addr, quantity uint16) ([]uint16, error) {
	return c.readRegisters(FuncReadHolding, addr, quantity)
}

// ReadInputRegisters reads quantity input registers starting at addr.
func (c *Client) ReadInputRegisters(addr, quantity uint16) ([]uint16, error) {
	return c.readRegisters(FuncReadInput, addr, quantity)
}

func (c *Client) readRegisters(function uint8, addr, quantity uint16) ([]uint16, error) {
	pdu := make([]byte, 5)
	pdu[0] = function
	binary.BigEndian.PutUint16(pdu[1:3], addr)
	binary.BigEndian.PutUint16(pdu[3:5], quantity)

	payload, err := c.roundTrip(function, pdu)
	if err != nil {
		return nil, err
	}

	if len(payload) < int(quantity)*2 {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", errShortPayload, len(payload), quantity*2)
	}

	words := make([]uint16, quantity)
	for i := range words {
		words[i] = binary.BigEndian.Uint16(payload[i*2 : i*2+2])
	}

	return words, nil
}

// WriteSingleRegister writes one holding register.
func (c *Client) WriteSingleRegister(addr, value uint16) error {
	pdu := make([]byte, 5)
	pdu[0] = FuncWriteSingle
	binary.BigEndian.PutUint16(pdu[1:3], addr)
	binary.BigEndian.PutUint16(pdu[3:5], value)

	_, err := c.roundTrip(FuncWriteSingle, pdu)

	return err
}

// WriteMultipleRegisters writes consecutive holding registers at addr.
func (c *Client) WriteMultipleRegisters(addr uint16, values []uint16) error {
	pdu := make([]byte, 6+len(values)*2)
	pdu[0] = FuncWriteMultiple
	binary.BigEndian.PutUint16(pdu[1:3], addr)
	binary.BigEndian.PutUint16(pdu[3:5], uint16(len(values)))
	pdu[5] = uint8(len(values) * 2)

	for i, v := range values {
		binary.BigEndian.PutUint16(pdu[6+i*2:8+i*2], v)
	}

	_, err := c.roundTrip(FuncWriteMultiple, pdu)

	return err
}

// roundTrip writes one ADU and reads back the matching response,
// returning the payload after the byte-count octet for reads and nil
// for writes.
func (c *Client) roundTrip(function uint8, pdu []byte) ([]byte, error) {
	c.txn++
	txn := c.txn

	adu := make([]byte, mbapHeaderLen+len(pdu))
	binary.BigEndian.PutUint16(adu[0:2], txn)
	binary.BigEndian.PutUint16(adu[2:4], 0) // protocol id
	binary.BigEndian.PutUint16(adu[4:6], uint16(len(pdu)+1))
	adu[6] = c.unitID
	copy(adu[mbapHeaderLen:], pdu)

	if _, err := c.rw.Write(adu); err != nil {
		return nil, fmt.Errorf("modbus write: %w", err)
	}

	header := make([]byte, responseHeaderLen)
	if _, err := io.ReadFull(c.rw, header); err != nil {
		return nil, fmt.Errorf("modbus read header: %w", err)
	}

	if binary.BigEndian.Uint16(header[0:2]) != txn {
		return nil, errTransactionMismatch
	}

	if binary.BigEndian.Uint16(header[2:4]) != 0 {
		return nil, errBadProtocolID
	}

	respFunc := header[7]
	if respFunc&exceptionBit != 0 {
		return nil, &ExceptionError{Function: respFunc, Code: header[8]}
	}

	if respFunc != function {
		return nil, fmt.Errorf("%w: sent 0x%02X, got 0x%02X", errFunctionMismatch, function, respFunc)
	}

	switch function {
	case FuncReadHolding, FuncReadInput:
		byteCount := int(header[8])

		payload := make([]byte, byteCount)
		if _, err := io.ReadFull(c.rw, payload); err != nil {
			return nil, fmt.Errorf("modbus read payload: %w", err)
		}

		return payload, nil
	default:
		// Write responses echo addr+value/quantity: three more octets
		// beyond the fixed header.
		rest := make([]byte, 3)
		if _, err := io.ReadFull(c.rw, rest); err != nil {
			return nil, fmt.Errorf("modbus read payload: %w", err)
		}

		return nil, nil
	}
}
