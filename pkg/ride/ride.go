// Package ride defines the public-transport ride record that flows through
// the mixnet as an opaque payload, and its semicolon-delimited wire shape.
package ride

import (
	"bytes"
	"errors"
	"strconv"
)

// fieldSep separates a Record's fields on the wire.
const fieldSep = ';'

// fieldCount is the number of semicolon-delimited fields in a Record.
const fieldCount = 6

// ErrMalformedRecord is returned by Parse when the input does not have
// exactly fieldCount semicolon-delimited fields or a numeric field fails to
// parse.
var ErrMalformedRecord = errors.New("ride: malformed record")

// Record is one public-transport ride: a bus line, its operator, a travel
// code, the boarding time, and the source/destination stations.
type Record struct {
	LineNumber   int
	Operator     string
	TravelCode   int
	BoardingTime string
	StationSrc   string
	StationDst   string
}

// Format renders r as `lineNumber;operator;travelCode;boardingTime;stationSrc;stationDst`.
func (r Record) Format() []byte {
	var buf bytes.Buffer
	buf.WriteString(strconv.Itoa(r.LineNumber))
	buf.WriteByte(fieldSep)
	buf.WriteString(r.Operator)
	buf.WriteByte(fieldSep)
	buf.WriteString(strconv.Itoa(r.TravelCode))
	buf.WriteByte(fieldSep)
	buf.WriteString(r.BoardingTime)
	buf.WriteByte(fieldSep)
	buf.WriteString(r.StationSrc)
	buf.WriteByte(fieldSep)
	buf.WriteString(r.StationDst)
	return buf.Bytes()
}

// Parse reverses Format.
func Parse(data []byte) (Record, error) {
	fields := bytes.Split(data, []byte{fieldSep})
	if len(fields) != fieldCount {
		return Record{}, ErrMalformedRecord
	}
	line, err := strconv.Atoi(string(fields[0]))
	if err != nil {
		return Record{}, ErrMalformedRecord
	}
	code, err := strconv.Atoi(string(fields[2]))
	if err != nil {
		return Record{}, ErrMalformedRecord
	}
	return Record{
		LineNumber:   line,
		Operator:     string(fields[1]),
		TravelCode:   code,
		BoardingTime: string(fields[3]),
		StationSrc:   string(fields[4]),
		StationDst:   string(fields[5]),
	}, nil
}
