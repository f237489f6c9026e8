package canlink

import (
	"math"

	"github.com/pkg/errors"
)

const numBitsPerByte = 8

// Signal describes one scaled integer field packed into a CAN payload. Start is the bit
// index of the least significant bit; for big endian signals bytes are counted from the
// stop byte backwards.
type Signal struct {
	Scalar       float64
	Offset       float64
	Start        uint8
	Length       uint8
	LittleEndian bool
	Signed       bool
}

// NewSignal returns a little endian signal.
func NewSignal(scalar, offset float64, start, length uint8, signed bool) Signal {
	return Signal{Scalar: scalar, Offset: offset, Start: start, Length: length, LittleEndian: true, Signed: signed}
}

// byteBitMask returns the mask of the signal bits that live in byteNum.
func byteBitMask(byteNum, bitSigLsb, bitSigMsb uint8) uint8 {
	bitByteLsb := int(byteNum) * numBitsPerByte
	bitByteMsb := (int(byteNum)+1)*numBitsPerByte - 1

	var maskLsb, maskMsb uint
	if int(bitSigLsb) > bitByteLsb {
		maskLsb = uint(int(bitSigLsb) - bitByteLsb)
	}
	if int(bitSigMsb) >= bitByteMsb {
		maskMsb = numBitsPerByte - 1
	} else {
		maskMsb = uint(int(bitSigMsb) - bitByteLsb)
	}
	return uint8((math.MaxUint8 << (maskMsb + 1)) ^ (math.MaxUint8 << maskLsb))
}

func (s Signal) span() (lsb, msb, byteStart, byteStop uint8) {
	lsb = s.Start
	msb = s.Start + s.Length - 1
	return lsb, msb, lsb / numBitsPerByte, msb / numBitsPerByte
}

func (s Signal) byteShift(i, byteStart, byteStop uint8) uint {
	if s.LittleEndian {
		return uint(i-byteStart) * numBitsPerByte
	}
	return uint(byteStop-i) * numBitsPerByte
}

func (s Signal) validate(data []byte) error {
	if s.Length == 0 || s.Length > 64 {
		return errors.Errorf("signal length %d out of range", s.Length)
	}
	_, _, _, byteStop := s.span()
	if int(byteStop) >= len(data) {
		return errors.Errorf("signal ends in byte %d but payload has %d bytes", byteStop, len(data))
	}
	return nil
}

// Extract decodes the signal from data.
func (s Signal) Extract(data []byte) (float64, error) {
	if err := s.validate(data); err != nil {
		return 0, err
	}
	lsb, msb, byteStart, byteStop := s.span()

	var raw uint64
	for i := byteStart; i <= byteStop; i++ {
		raw |= uint64(byteBitMask(i, lsb, msb)&data[i]) << s.byteShift(i, byteStart, byteStop)
	}
	raw >>= uint(lsb - numBitsPerByte*byteStart)

	var value float64
	if s.Signed && s.Length < 64 && raw&(1<<(s.Length-1)) != 0 {
		raw |= math.MaxUint64 << s.Length
		value = float64(int64(raw))
	} else if s.Signed {
		value = float64(int64(raw))
	} else {
		value = float64(raw)
	}
	return value*s.Scalar + s.Offset, nil
}

// Insert encodes value into data, leaving the bits of other signals untouched. Values
// outside the representable range saturate.
func (s Signal) Insert(data []byte, value float64) error {
	if err := s.validate(data); err != nil {
		return err
	}
	lsb, msb, byteStart, byteStop := s.span()

	scaled := math.Round((value - s.Offset) / s.Scalar)
	var raw uint64
	if s.Signed {
		limit := math.Ldexp(1, int(s.Length)-1)
		scaled = math.Max(-limit, math.Min(limit-1, scaled))
		raw = uint64(int64(scaled))
	} else {
		scaled = math.Max(0, math.Min(math.Ldexp(1, int(s.Length))-1, scaled))
		raw = uint64(scaled)
	}
	if s.Length < 64 {
		raw &= 1<<s.Length - 1
	}
	raw <<= uint(lsb - numBitsPerByte*byteStart)

	for i := byteStart; i <= byteStop; i++ {
		mask := byteBitMask(i, lsb, msb)
		chunk := uint8(raw >> s.byteShift(i, byteStart, byteStop))
		data[i] = data[i]&^mask | chunk&mask
	}
	return nil
}
