package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Contact is one upstream contact record, passed through untouched.
type Contact = json.RawMessage

// ContactPage is one decoded page of the upstream contact listing.
type ContactPage struct {
	Number   int
	Contacts []Contact

	// Meta is nil when the body had no usable meta object.
	Meta *PageMeta
}

// PageMeta holds the pagination hints of a page. The upstream is loose about
// their types, so both are kept as presence plus value.
type PageMeta struct {
	total    int
	hasTotal bool
	nextPage bool

	// nextNumber is set when nextPage is a number or numeric string.
	nextNumber    int
	hasNextNumber bool
}

// Total returns the total record count reported by the upstream, if any.
func (p *ContactPage) Total() (int, bool) {
	if p.Meta == nil || !p.Meta.hasTotal {
		return 0, false
	}
	return p.Meta.total, true
}

// HasNextPage reports whether meta.nextPage is present and truthy.
func (p *ContactPage) HasNextPage() bool {
	return p.Meta != nil && p.Meta.nextPage
}

// NextPage returns meta.nextPage as a page number when the upstream sent one.
// Truthy non-numeric values (true, a URL) report false.
func (p *ContactPage) NextPage() (int, bool) {
	if !p.HasNextPage() || !p.Meta.hasNextNumber {
		return 0, false
	}
	return p.Meta.nextNumber, true
}

// DecodePage parses a page body. A missing or null contacts field is an empty
// page; a contacts field that is not an array is an error. A meta value that
// is not an object is ignored.
func DecodePage(number int, body []byte) (*ContactPage, error) {
	var raw struct {
		Contacts json.RawMessage `json:"contacts"`
		Meta     json.RawMessage `json:"meta"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode page: %w", err)
	}

	page := &ContactPage{Number: number, Contacts: []Contact{}}

	if len(raw.Contacts) > 0 && !isNull(raw.Contacts) {
		if err := json.Unmarshal(raw.Contacts, &page.Contacts); err != nil {
			return nil, fmt.Errorf("decode contacts: %w", err)
		}
	}

	var meta map[string]json.RawMessage
	if len(raw.Meta) > 0 && json.Unmarshal(raw.Meta, &meta) == nil && meta != nil {
		page.Meta = &PageMeta{}
		if total, ok := parseCount(meta["total"]); ok {
			page.Meta.total = total
			page.Meta.hasTotal = true
		}
		page.Meta.nextPage = isTruthy(meta["nextPage"])
		if page.Meta.nextPage {
			page.Meta.nextNumber, page.Meta.hasNextNumber = parseCount(meta["nextPage"])
		}
	}

	return page, nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// parseCount accepts a JSON number or a numeric string. Negative counts clamp to 0.
func parseCount(raw json.RawMessage) (int, bool) {
	if len(raw) == 0 || isNull(raw) {
		return 0, false
	}

	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, false
		}
		if f, err = strconv.ParseFloat(s, 64); err != nil {
			return 0, false
		}
	}
	if math.IsNaN(f) || f < 0 {
		return 0, true
	}
	return int(f), true
}

// isTruthy treats absent, null, false, 0 and "" as "no next page".
func isTruthy(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}

	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return false
	}
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case float64:
		return x != 0
	case string:
		return x != ""
	default:
		return true
	}
}
