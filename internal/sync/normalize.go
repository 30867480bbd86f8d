package sync

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"kitchen-cloud-sync/engine/internal/backend"
)

// Sync-only metadata fields attached to every uploaded record and stripped
// from every download.
const (
	FieldSyncTimestamp = "_sync_timestamp"
	FieldRecordHash    = "_record_hash"
)

// Normalize returns a canonical copy of the record: nil stays an explicit
// null, every numeric type becomes float64, booleans and strings pass through
// unchanged, and anything else is stringified. Deterministic: identical input
// records always normalize identically.
func Normalize(r backend.Record) backend.Record {
	out := make(backend.Record, len(r))
	for k, v := range r {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case bool, string:
		return x
	case float64:
		return x
	case float32:
		return float64(x)
	case int:
		return float64(x)
	case int8:
		return float64(x)
	case int16:
		return float64(x)
	case int32:
		return float64(x)
	case int64:
		return float64(x)
	case uint:
		return float64(x)
	case uint8:
		return float64(x)
	case uint16:
		return float64(x)
	case uint32:
		return float64(x)
	case uint64:
		return float64(x)
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return x.String()
		}
		return f
	default:
		return fmt.Sprint(x)
	}
}

// CanonicalHash computes the stable content hash of a normalized record.
// Sync-only fields are excluded so re-enveloping never changes the hash.
// Keys and string values are quoted so the separators cannot be forged by
// record content; the encoding is injective.
func CanonicalHash(r backend.Record) string {
	keys := make([]string, 0, len(r))
	for k := range r {
		if k == FieldSyncTimestamp || k == FieldRecordHash {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(strconv.Quote(k))
		b.WriteByte('=')
		b.WriteString(canonicalValue(r[k]))
		b.WriteByte('\n')
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// canonicalValue renders a normalized value with a type tag so e.g. the
// string "1" and the number 1 never hash alike.
func canonicalValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "n:"
	case bool:
		return "b:" + strconv.FormatBool(x)
	case float64:
		return "f:" + strconv.FormatFloat(x, 'g', -1, 64)
	case string:
		return "s:" + strconv.Quote(x)
	default:
		// Unreachable after Normalize; kept deterministic regardless.
		return "x:" + strconv.Quote(fmt.Sprint(x))
	}
}

// Envelope normalizes the record and attaches sync metadata. Computed fresh
// on every upload attempt; never authoritative business data.
func Envelope(r backend.Record, now time.Time) backend.Record {
	out := Normalize(r)
	out[FieldRecordHash] = CanonicalHash(out)
	out[FieldSyncTimestamp] = now.UTC().Format(time.RFC3339Nano)
	return out
}

// StripSyncFields removes sync-only metadata before records are handed back
// to the caller.
func StripSyncFields(r backend.Record) backend.Record {
	out := make(backend.Record, len(r))
	for k, v := range r {
		if k == FieldSyncTimestamp || k == FieldRecordHash {
			continue
		}
		out[k] = v
	}
	return out
}
