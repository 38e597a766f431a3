package lumencache

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Frame delimiters.
const (
	valueOpen       = '('
	valueClose      = ')'
	structuredOpen  = '{'
	structuredClose = '}'
)

// Field counts that select the structured response type.
const (
	serialNumberFields = 2
	sceneFields        = 4
	configFields       = 15
)

// Response is an inbound bus frame.
type Response interface {
	// Source returns the address of the module that sent the frame.
	Source() uint8
}

// Value reports the output level of a module.
type Value struct {
	Address uint8
	Value   uint8
}

// Source implements Response.
func (r Value) Source() uint8 { return r.Address }

// SerialNumber reports the hardware serial of a module.
type SerialNumber struct {
	Address      uint8
	SerialNumber string
}

// Source implements Response.
func (r SerialNumber) Source() uint8 { return r.Address }

// Scene is one entry of a scene listing. A negative Level or Duration
// marks the entry as unused.
type Scene struct {
	Address  uint8
	Scene    uint8
	Level    int16
	Duration int16
}

// Source implements Response.
func (r Scene) Source() uint8 { return r.Address }

// Valid reports whether the scene entry holds a stored preset.
func (r Scene) Valid() bool { return r.Level >= 0 && r.Duration >= 0 }

// Config is the configuration record of a module. A module that has not
// been assigned an address reports Address 0.
type Config struct {
	Address               uint8
	HardwareType          uint8
	HardwareVersion       uint8
	FirmwareVersion       string
	HardwareSerialNumber  string
	Mode                  uint8
	DimmingCurve          uint8
	PWMFrequency          uint8
	MinimumOutputPWM      uint8
	MaximumOutputPWM      uint8
	ResumeLevel           uint8
	RampDuration          uint8
	MotionSensorEnable    uint8
	Mode6AlternateActions uint8
	InvertedOutput        uint8
}

// Source implements Response.
func (r Config) Source() uint8 { return r.Address }

// Decode extracts the first complete frame from buf.
//
// It returns the decoded response and the number of leading bytes
// consumed. Any noise before the frame opener is consumed along with the
// frame. When buf holds no opener, or the frame is not closed yet, Decode
// returns (nil, 0, nil) and the caller should retry with more bytes.
// A complete but malformed frame yields (nil, n, ErrMalformedFrame) so
// the stream can resynchronise on the next frame.
func Decode(buf []byte) (Response, int, error) {
	start := bytes.IndexAny(buf, "({")
	if start < 0 {
		return nil, 0, nil
	}

	closer := byte(valueClose)
	if buf[start] == structuredOpen {
		closer = structuredClose
	}

	end := bytes.IndexByte(buf[start+1:], closer)
	if end < 0 {
		return nil, 0, nil
	}
	end += start + 1
	consumed := end + 1

	body := buf[start+1 : end]
	if !utf8.Valid(body) {
		return nil, consumed, fmt.Errorf("%w: invalid utf-8", ErrMalformedFrame)
	}
	fields := strings.Split(string(body), ",")
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}

	var (
		resp Response
		err  error
	)
	if buf[start] == valueOpen {
		resp, err = decodeValue(fields)
	} else {
		resp, err = decodeStructured(fields)
	}
	if err != nil {
		return nil, consumed, fmt.Errorf("%w: %q: %w", ErrMalformedFrame, buf[start:consumed], err)
	}
	return resp, consumed, nil
}

func decodeValue(fields []string) (Response, error) {
	if len(fields) != 2 {
		return nil, fmt.Errorf("value frame has %d fields, want 2", len(fields))
	}
	p := fieldParser{fields: fields}
	r := Value{Address: p.u8(), Value: p.u8()}
	return r, p.err
}

func decodeStructured(fields []string) (Response, error) {
	p := fieldParser{fields: fields}
	switch len(fields) {
	case serialNumberFields:
		r := SerialNumber{Address: p.u8(), SerialNumber: p.str()}
		return r, p.err
	case sceneFields:
		r := Scene{Address: p.u8(), Scene: p.u8(), Level: p.i16(), Duration: p.i16()}
		return r, p.err
	case configFields:
		r := Config{
			Address:               p.u8(),
			HardwareType:          p.u8(),
			HardwareVersion:       p.u8(),
			FirmwareVersion:       p.str(),
			HardwareSerialNumber:  p.str(),
			Mode:                  p.u8(),
			DimmingCurve:          p.u8(),
			PWMFrequency:          p.u8(),
			MinimumOutputPWM:      p.u8(),
			MaximumOutputPWM:      p.u8(),
			ResumeLevel:           p.u8(),
			RampDuration:          p.u8(),
			MotionSensorEnable:    p.u8(),
			Mode6AlternateActions: p.u8(),
			InvertedOutput:        p.u8(),
		}
		return r, p.err
	default:
		return nil, fmt.Errorf("structured frame has %d fields", len(fields))
	}
}

// fieldParser walks frame fields in order and keeps the first error.
type fieldParser struct {
	fields []string
	pos    int
	err    error
}

func (p *fieldParser) next() string {
	f := p.fields[p.pos]
	p.pos++
	return f
}

func (p *fieldParser) u8() uint8 {
	f := p.next()
	if p.err != nil {
		return 0
	}
	v, err := strconv.ParseUint(f, 10, 8)
	if err != nil {
		p.err = fmt.Errorf("field %d: %w", p.pos, err)
		return 0
	}
	return uint8(v)
}

func (p *fieldParser) i16() int16 {
	f := p.next()
	if p.err != nil {
		return 0
	}
	v, err := strconv.ParseInt(f, 10, 16)
	if err != nil {
		p.err = fmt.Errorf("field %d: %w", p.pos, err)
		return 0
	}
	return int16(v)
}

func (p *fieldParser) str() string {
	return p.next()
}
