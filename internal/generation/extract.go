package generation

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/tjfontaine/autotara/internal/domain"
)

var fenced = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")

// ExtractRows finds the JSON array of rows in a completion. It accepts a
// fenced ```json block, a JSON value surrounded by prose, a bare array, an
// object with a "rows" array, or an object whose only array member holds
// the rows.
func ExtractRows(text string) (json.RawMessage, error) {
	payload := strings.TrimSpace(text)
	if m := fenced.FindStringSubmatch(payload); m != nil {
		payload = strings.TrimSpace(m[1])
	}
	if payload == "" {
		return nil, errors.New("empty completion")
	}

	if !json.Valid([]byte(payload)) {
		payload = outermost(payload)
		if payload == "" || !json.Valid([]byte(payload)) {
			return nil, errors.New("completion does not contain valid JSON")
		}
	}

	raw := []byte(payload)
	if raw[0] == '[' {
		return raw, nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("completion is not a JSON object or array: %w", err)
	}
	if rows, ok := obj["rows"]; ok {
		if !isArray(rows) {
			return nil, errors.New(`"rows" is not an array`)
		}
		return rows, nil
	}

	var found json.RawMessage
	for _, v := range obj {
		if isArray(v) {
			if found != nil {
				return nil, errors.New(`completion has no "rows" member and several arrays`)
			}
			found = v
		}
	}
	if found == nil {
		return nil, errors.New(`completion has no "rows" array`)
	}
	return found, nil
}

// outermost returns the text between the first opening bracket and the last
// closing bracket of the same kind.
func outermost(s string) string {
	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return ""
	}
	closing := "}"
	if s[start] == '[' {
		closing = "]"
	}
	end := strings.LastIndex(s, closing)
	if end <= start {
		return ""
	}
	return s[start : end+1]
}

func isArray(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '['
}

// DecodeRows returns a sequence that decodes one record per array element
// as it is consumed. Decoding stops at the first malformed element.
func DecodeRows(id domain.StageID, rows json.RawMessage) RowSeq {
	return func(yield func(domain.Record, error) bool) {
		dec := json.NewDecoder(bytes.NewReader(rows))
		if _, err := dec.Token(); err != nil {
			yield(nil, invalidOutput(id, err))
			return
		}
		for dec.More() {
			var item json.RawMessage
			if err := dec.Decode(&item); err != nil {
				yield(nil, invalidOutput(id, err))
				return
			}
			rec, err := domain.DecodeRecord(id, item)
			if err != nil {
				yield(nil, invalidOutput(id, err))
				return
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}

func invalidOutput(id domain.StageID, err error) error {
	return domain.ErrGenerationFailed(domain.CauseInvalidOutput, err).WithStage(id)
}
