// Package frame is the 6 byte telemetry wire format shared by sensor nodes and receiver.
//
// Layout, big-endian signed 16 bit each:
//   0..1 temperature degC x100
//   2..3 relative humidity % x10
//   4..5 node internal (CPU) temperature degC x100
package frame

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/juju/errors"
	"github.com/temoto/envrelay/helpers"
)

const Size = 6

const (
	ScaleTemperature    = 100
	ScaleHumidity       = 10
	ScaleCPUTemperature = 100
)

// rounding noise of decimal inputs, 0.57*100 = 56.99999999999999
const truncEpsilon = 1e-6

var ErrMalformed = errors.New("frame: malformed")

type RangeError struct {
	Field string
	Value float64
}

func (self *RangeError) Error() string {
	return fmt.Sprintf("frame: %s=%v does not fit int16 wire field", self.Field, self.Value)
}

type Frame struct {
	Temperature    float64
	Humidity       float64
	CPUTemperature float64
}

func (self Frame) String() string {
	return fmt.Sprintf("temp=%.2f hum=%.1f cputemp=%.2f", self.Temperature, self.Humidity, self.CPUTemperature)
}

// Encode truncates toward zero after scaling.
// Values not representable as int16 after scaling return *RangeError.
func Encode(f Frame) ([]byte, error) {
	b := make([]byte, Size)
	fields := [3]struct {
		name  string
		value float64
		scale float64
	}{
		{"temperature", f.Temperature, ScaleTemperature},
		{"humidity", f.Humidity, ScaleHumidity},
		{"cputemp", f.CPUTemperature, ScaleCPUTemperature},
	}
	for i, field := range fields {
		raw, ok := scale(field.value, field.scale)
		if !ok {
			return nil, &RangeError{Field: field.name, Value: field.value}
		}
		binary.BigEndian.PutUint16(b[i*2:], uint16(raw))
	}
	return b, nil
}

func MustEncode(f Frame) []byte {
	b, err := Encode(f)
	if err != nil {
		panic(err)
	}
	return b
}

// Decode never fails on content, only on length.
func Decode(b []byte) (Frame, error) {
	if len(b) != Size {
		return Frame{}, errors.Annotatef(ErrMalformed, "length=%d expected=%d", len(b), Size)
	}
	return Frame{
		Temperature:    float64(int16(binary.BigEndian.Uint16(b[0:]))) / ScaleTemperature,
		Humidity:       float64(int16(binary.BigEndian.Uint16(b[2:]))) / ScaleHumidity,
		CPUTemperature: float64(int16(binary.BigEndian.Uint16(b[4:]))) / ScaleCPUTemperature,
	}, nil
}

func FromHex(s string) (Frame, error) {
	b, err := helpers.ParseHexLoose(s)
	if err != nil {
		return Frame{}, errors.Annotatef(ErrMalformed, "hex=%q err=%v", s, err)
	}
	return Decode(b)
}

func (self Frame) MarshalBinary() ([]byte, error) { return Encode(self) }

func (self *Frame) UnmarshalBinary(b []byte) error {
	f, err := Decode(b)
	if err != nil {
		return err
	}
	*self = f
	return nil
}

func scale(v, k float64) (int16, bool) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	x := math.Trunc(v*k + math.Copysign(truncEpsilon, v))
	if x < math.MinInt16 || x > math.MaxInt16 {
		return 0, false
	}
	return int16(x), true
}
