package status

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/kailas-cloud/imgmatch/internal/domain/match"
	domstatus "github.com/kailas-cloud/imgmatch/internal/domain/status"
)

// buildHashFields serializes the requested fields of rec for HSET.
// Matches are stored as one JSON field so they are replaced whole.
func buildHashFields(rec domstatus.Record, fields []domstatus.Field) (map[string]string, error) {
	m := make(map[string]string, len(fields))
	for _, f := range fields {
		switch f {
		case domstatus.FieldState:
			m[string(f)] = string(rec.State)
		case domstatus.FieldProgress:
			m[string(f)] = strconv.Itoa(rec.Progress)
		case domstatus.FieldMatches:
			ms := rec.Matches
			if ms == nil {
				ms = []match.Match{}
			}
			data, err := json.Marshal(ms)
			if err != nil {
				return nil, fmt.Errorf("marshal matches: %w", err)
			}
			m[string(f)] = string(data)
		case domstatus.FieldTotalProcessed:
			m[string(f)] = strconv.Itoa(rec.TotalProcessed)
		case domstatus.FieldTotalAvailable:
			m[string(f)] = strconv.Itoa(rec.TotalAvailable)
		case domstatus.FieldReason:
			m[string(f)] = rec.Reason
		case domstatus.FieldVersion:
			m[string(f)] = strconv.FormatInt(rec.Version, 10)
		case domstatus.FieldTimestamp:
			m[string(f)] = rec.Timestamp.UTC().Format(time.RFC3339Nano)
		}
	}
	return m, nil
}

// allFields lists every persisted field.
var allFields = []domstatus.Field{
	domstatus.FieldState,
	domstatus.FieldProgress,
	domstatus.FieldMatches,
	domstatus.FieldTotalProcessed,
	domstatus.FieldTotalAvailable,
	domstatus.FieldReason,
	domstatus.FieldVersion,
	domstatus.FieldTimestamp,
}

// parseHashFields restores a Record. Missing or malformed fields read as zero values.
func parseHashFields(id string, m map[string]string) domstatus.Record {
	rec := domstatus.Record{
		RequestID: id,
		State:     domstatus.State(m[string(domstatus.FieldState)]),
		Matches:   []match.Match{},
	}
	if !rec.State.Valid() {
		rec.State = domstatus.StateProcessing
	}
	rec.Progress = atoi(m[string(domstatus.FieldProgress)])
	rec.TotalProcessed = atoi(m[string(domstatus.FieldTotalProcessed)])
	rec.TotalAvailable = atoi(m[string(domstatus.FieldTotalAvailable)])
	rec.Reason = m[string(domstatus.FieldReason)]
	rec.Version, _ = strconv.ParseInt(m[string(domstatus.FieldVersion)], 10, 64)
	rec.Timestamp, _ = time.Parse(time.RFC3339Nano, m[string(domstatus.FieldTimestamp)])

	if raw := m[string(domstatus.FieldMatches)]; raw != "" {
		var ms []match.Match
		if err := json.Unmarshal([]byte(raw), &ms); err == nil && ms != nil {
			rec.Matches = ms
		}
	}
	return rec
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
