package storage

import (
	"bytes"
	"encoding/binary"
	"strings"
	"time"
)

// Key layout:
//
//	e/{ts}{seq}                         -> entry JSON, time ordered
//	i/{id}                              -> primary key
//	x/{field}/{value}\x00{ts}{seq}      -> empty, secondary index
//	m/schema                            -> schema version tag
//	m/seq                               -> insertion sequence
//	m/session/{id}                      -> SessionInfo JSON
//
// {ts} and {seq} are 8 byte big-endian integers. The sign bit of ts is
// flipped so that pre-epoch times still sort first.
const (
	entryPrefix   = "e/"
	idPrefix      = "i/"
	indexPrefix   = "x/"
	metaPrefix    = "m/"
	schemaKey     = metaPrefix + "schema"
	seqKey        = metaPrefix + "seq"
	sessionPrefix = metaPrefix + "session/"
)

const orderLen = 16

func encodeOrder(ts time.Time, seq uint64) []byte {
	b := make([]byte, orderLen)
	binary.BigEndian.PutUint64(b[:8], uint64(ts.UnixNano())^(1<<63))
	binary.BigEndian.PutUint64(b[8:], seq)
	return b
}

func decodeOrder(b []byte) (int64, uint64) {
	if len(b) < orderLen {
		return 0, 0
	}
	ts := int64(binary.BigEndian.Uint64(b[:8]) ^ (1 << 63))
	return ts, binary.BigEndian.Uint64(b[8:orderLen])
}

func entryKey(ts time.Time, seq uint64) []byte {
	return append([]byte(entryPrefix), encodeOrder(ts, seq)...)
}

// entryBound returns the smallest primary key at or after ts.
func entryBound(ts time.Time) []byte {
	return entryKey(ts, 0)
}

func entryTimestamp(key []byte) int64 {
	ts, _ := decodeOrder(key[len(entryPrefix):])
	return ts
}

func idKey(id string) []byte {
	return []byte(idPrefix + id)
}

func indexFieldPrefix(f Field) []byte {
	return []byte(indexPrefix + string(f) + "/")
}

// indexValue strips NUL bytes, which terminate values inside index keys.
func indexValue(v string) string {
	return strings.ReplaceAll(v, "\x00", "")
}

func indexKey(f Field, value string, order []byte) []byte {
	var buf bytes.Buffer
	buf.Write(indexFieldPrefix(f))
	buf.WriteString(indexValue(value))
	buf.WriteByte(0)
	buf.Write(order)
	return buf.Bytes()
}

// indexKeys lists every secondary index key for an entry.
func indexKeys(e *Entry) [][]byte {
	order := encodeOrder(e.CreatedAt, e.Seq)
	keys := make([][]byte, 0, len(IndexedFields()))
	for _, f := range IndexedFields() {
		v := e.Field(f)
		if v == "" {
			continue
		}
		keys = append(keys, indexKey(f, v, order))
	}
	return keys
}

// splitIndexKey extracts the value from an index key under prefix.
func splitIndexKey(prefix, key []byte) (string, bool) {
	rest := key[len(prefix):]
	i := bytes.IndexByte(rest, 0)
	if i < 0 {
		return "", false
	}
	return string(rest[:i]), true
}

func sessionKey(id string) []byte {
	return []byte(sessionPrefix + id)
}

// prefixEnd returns the first key after every key with the given prefix.
func prefixEnd(prefix []byte) []byte {
	end := append([]byte{}, prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xFF {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
