package partition

import (
	"bytes"

	"github.com/sirupsen/logrus"
)

var signature = []byte("spiffs")

// ScanSignature looks for the filesystem partition by its name. Every case
// insensitive occurrence of "spiffs" is treated as the name field of a
// candidate record and the record around it is validated. The first record
// that validates is returned.
func ScanSignature(bs []byte) Result {
	return scanSignature(bs)
}

// ScanStructured walks whole tables from every candidate start offset below
// MaxHeader. The first start yielding at least three valid records is
// accepted, otherwise the start with the most valid records wins.
func ScanStructured(bs []byte) Result {
	return scanStructured(bs)
}

func scanSignature(bs []byte) Result {
	for hit := 0; hit+len(signature) <= len(bs); hit++ {
		// EqualFold on the slice keeps byte offsets, the buffer is binary
		if !bytes.EqualFold(bs[hit:hit+len(signature)], signature) {
			continue
		}

		at := hit - nameOffset
		e, ok := decode(bs, at)
		if !ok || e.SubType != SubTypeFilesystem {
			logrus.Debugf("partition: signature hit at %d rejected", hit)
			continue
		}
		return Result{
			Entries:    []Entry{e},
			Confidence: 1,
			Method:     MethodSignature,
			Start:      at,
		}
	}
	return Result{}
}

func scanStructured(bs []byte) Result {
	var best Result
	for start := 0; start < MaxHeader && start < len(bs); start += headerStride {
		entries := walk(bs, start)
		if len(entries) == 0 {
			continue
		}
		r := Result{
			Entries:    entries,
			Confidence: len(entries),
			Method:     MethodStructured,
			Start:      start,
		}
		if len(entries) >= minConfident {
			return r
		}
		if len(entries) > len(best.Entries) {
			best = r
		}
	}
	if best.Found() {
		logrus.Debugf("partition: low confidence table at %d (%d records)", best.Start, best.Confidence)
	}
	return best
}

func walk(bs []byte, start int) []Entry {
	var entries []Entry
	for n := 0; n < MaxRecords; n++ {
		at := start + n*RecordSize
		if terminator(bs, at) {
			break
		}
		e, ok := decode(bs, at)
		if !ok || !printableName(bs, at) {
			break
		}
		entries = append(entries, e)
	}
	return entries
}
