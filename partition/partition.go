// Package partition reads ESP-style binary partition tables.
//
// A table is a sequence of fixed 32 byte records:
//
//	0   magic      2 bytes (0xAA 0x50)
//	2   type       1 byte
//	3   subtype    1 byte
//	4   offset     uint32 little endian
//	8   size       uint32 little endian
//	12  flags      uint32 little endian
//	16  name       16 bytes, NUL padded
//
// Images found in the wild may carry a header of unknown length in front of
// the table, so Parse never trusts a fixed start offset.
package partition

import (
	"encoding/binary"
	"fmt"
	"strings"
)

const (
	RecordSize = 32

	// MagicByte0 and MagicByte1 open every record
	MagicByte0 byte = 0xAA
	MagicByte1 byte = 0x50

	TypeApp  byte = 0x00
	TypeData byte = 0x01

	// SubTypeFilesystem is the data subtype used by the SPIFFS partition
	SubTypeFilesystem byte = 0x82
	SubTypeNVS        byte = 0x02

	// MaxBound is the largest offset or size accepted as sane
	MaxBound uint32 = 16 * 1024 * 1024

	// Alignment required of every partition offset
	Alignment uint32 = 0x1000

	// MaxRecords caps the structured walk
	MaxRecords = 95

	// MaxHeader is the largest leading header the structured scan will skip
	MaxHeader = 256

	// headerStride is the step between candidate table starts
	headerStride = 16

	nameOffset = 16
	nameSize   = 16

	// minConfident is the record count at which a candidate start is accepted
	// without looking at the remaining candidates
	minConfident = 3
)

// Entry is one partition record
type Entry struct {
	Name    string
	Type    byte
	SubType byte
	Offset  uint32
	Size    uint32
	Flags   uint32
}

// IsFilesystem reports whether the entry is the filesystem image region
func (e Entry) IsFilesystem() bool {
	return e.SubType == SubTypeFilesystem
}

func (e Entry) String() string {
	return fmt.Sprintf("%-16s type=0x%02x subtype=0x%02x offset=0x%06x size=0x%06x",
		e.Name, e.Type, e.SubType, e.Offset, e.Size)
}

// Method names the strategy that produced a Result
type Method string

const (
	MethodNone       Method = ""
	MethodSignature  Method = "signature"
	MethodStructured Method = "structured"
)

// Result is the outcome of Parse. The zero value means nothing was found.
// Confidence is the number of records that passed validation, a signature hit
// counts as one.
type Result struct {
	Entries    []Entry
	Confidence int
	Method     Method
	// Start is the buffer offset the table was found at
	Start int
}

// Found reports whether any record was recovered
func (r Result) Found() bool {
	return len(r.Entries) > 0
}

// Filesystem returns the filesystem entry, if the result holds one
func (r Result) Filesystem() (Entry, bool) {
	for _, e := range r.Entries {
		if e.IsFilesystem() {
			return e, true
		}
	}
	return Entry{}, false
}

// Lookup returns the entry with the given name
func (r Result) Lookup(name string) (Entry, bool) {
	for _, e := range r.Entries {
		if e.Name == name {
			return e, true
		}
	}
	return Entry{}, false
}

// Parse recovers partition records from bs. The signature scan runs first and
// a positive match wins, then the structured scan. Parse does not fail: a
// buffer without anything recognisable yields the zero Result.
func Parse(bs []byte) Result {
	if r := scanSignature(bs); r.Found() {
		return r
	}
	return scanStructured(bs)
}

// Encode renders an entry as a 32 byte record
func Encode(e Entry) []byte {
	rec := make([]byte, RecordSize)
	rec[0] = MagicByte0
	rec[1] = MagicByte1
	rec[2] = e.Type
	rec[3] = e.SubType
	binary.LittleEndian.PutUint32(rec[4:8], e.Offset)
	binary.LittleEndian.PutUint32(rec[8:12], e.Size)
	binary.LittleEndian.PutUint32(rec[12:16], e.Flags)
	copy(rec[nameOffset:], e.Name)
	return rec
}

// decode reads the record at bs[at:]. ok is false when the record does not
// fit or fails the common validation.
func decode(bs []byte, at int) (Entry, bool) {
	if at < 0 || at+RecordSize > len(bs) {
		return Entry{}, false
	}
	rec := bs[at : at+RecordSize]
	if rec[0] != MagicByte0 || rec[1] != MagicByte1 {
		return Entry{}, false
	}

	e := Entry{
		Type:    rec[2],
		SubType: rec[3],
		Offset:  binary.LittleEndian.Uint32(rec[4:8]),
		Size:    binary.LittleEndian.Uint32(rec[8:12]),
		Flags:   binary.LittleEndian.Uint32(rec[12:16]),
		Name:    strings.TrimRight(string(rec[nameOffset:nameOffset+nameSize]), "\x00"),
	}
	if !saneExtent(e) {
		return Entry{}, false
	}
	return e, true
}

func saneExtent(e Entry) bool {
	if e.Offset == 0 || e.Offset >= MaxBound || e.Offset%Alignment != 0 {
		return false
	}
	if e.Size == 0 || e.Size >= MaxBound {
		return false
	}
	return true
}

// printableName checks the raw name field: at least one printable ASCII byte,
// then only NUL padding.
func printableName(bs []byte, at int) bool {
	name := bs[at+nameOffset : at+nameOffset+nameSize]
	n := 0
	for n < len(name) && name[n] != 0 {
		if name[n] < 0x20 || name[n] > 0x7e {
			return false
		}
		n++
	}
	if n == 0 {
		return false
	}
	for _, b := range name[n:] {
		if b != 0 {
			return false
		}
	}
	return true
}

func terminator(bs []byte, at int) bool {
	if at+RecordSize > len(bs) {
		return true
	}
	zero, erased := true, true
	for _, b := range bs[at : at+RecordSize] {
		if b != 0x00 {
			zero = false
		}
		if b != 0xff {
			erased = false
		}
	}
	return zero || erased
}
