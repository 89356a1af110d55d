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
	"math"
	"strconv"
)

// toByteImage serialises a raw register read into a big-endian byte
// buffer, two bytes per register, high byte first.
func toByteImage(raw RawRead) []byte {
	buf := make([]byte, len(raw)*2)
	for i, word := range raw {
		binary.BigEndian.PutUint16(buf[i*2:], word)
	}
	return buf
}

// Decode turns one data point reader loose on a raw register read,
// producing the decoded, stringified data point. The group's raw read is
// serialised to its big-endian byte image once per reader; a reader whose
// offset runs past the end of that image fails the whole group (the
// caller is expected to skip the group on error, never panic).
func (r DataPointReader) Decode(raw RawRead) (DataPoint, error) {
	width, err := r.DataType.ByteWidth()
	if err != nil {
		return DataPoint{}, err
	}

	image := toByteImage(raw)
	if r.DataOffset < 0 || r.DataOffset+width > len(image) {
		return DataPoint{}, fmt.Errorf("modbus: reader %q offset %d+%d exceeds read of %d bytes",
			r.KeyName, r.DataOffset, width, len(image))
	}

	window := image[r.DataOffset : r.DataOffset+width]
	if r.DataType == TypeFloat {
		window = wordSwap32(window)
	}
	value, err := decodeScalar(r.DataType, window)
	if err != nil {
		return DataPoint{}, fmt.Errorf("modbus: reader %q: %w", r.KeyName, err)
	}

	return DataPoint{Key: r.KeyName, Value: value}, nil
}

// wordSwap32 reorders a 4-byte big-endian image from the straight ABCD
// register order to CDAB: the two 16-bit registers swapped, each register's
// own byte order left alone. Real meters (e.g. the F&F LE-03MW-CT) lay out
// their float32 registers this way.
func wordSwap32(b []byte) []byte {
	return []byte{b[2], b[3], b[0], b[1]}
}

func decodeScalar(t DataType, b []byte) (string, error) {
	switch t {
	case TypeUint16:
		return strconv.FormatUint(uint64(binary.BigEndian.Uint16(b)), 10), nil
	case TypeInt16:
		return strconv.FormatInt(int64(int16(binary.BigEndian.Uint16(b))), 10), nil
	case TypeUint32:
		return strconv.FormatUint(uint64(binary.BigEndian.Uint32(b)), 10), nil
	case TypeInt32:
		return strconv.FormatInt(int64(int32(binary.BigEndian.Uint32(b))), 10), nil
	case TypeFloat:
		v := math.Float32frombits(binary.BigEndian.Uint32(b))
		return strconv.FormatFloat(float64(v), 'g', -1, 32), nil
	case TypeDouble:
		v := math.Float64frombits(binary.BigEndian.Uint64(b))
		return strconv.FormatFloat(v, 'g', -1, 64), nil
	default:
		return "", fmt.Errorf("unsupported data type %q", t)
	}
}

// DecodeGroup decodes every reader in the group against one raw read,
// returning the data points in reader order. A single reader failure
// (offset out of bounds, unsupported type) fails the whole group.
func (g RegisterGroup) DecodeGroup(raw RawRead) ([]DataPoint, error) {
	points := make([]DataPoint, 0, len(g.DataPoints))
	for _, reader := range g.DataPoints {
		dp, err := reader.Decode(raw)
		if err != nil {
			return nil, err
		}
		points = append(points, dp)
	}
	return points, nil
}
