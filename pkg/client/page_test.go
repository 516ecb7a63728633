package client

import (
	"testing"
)

func TestDecodePage(t *testing.T) {
	tests := []struct {
		name         string
		body         string
		wantErr      bool
		wantContacts int
		wantMeta     bool
		wantTotal    int
		wantHasTotal bool
		wantNext     bool
	}{
		{
			name:         "full meta",
			body:         `{"contacts":[{"id":"a"},{"id":"b"}],"meta":{"total":250,"nextPage":2}}`,
			wantContacts: 2,
			wantMeta:     true,
			wantTotal:    250,
			wantHasTotal: true,
			wantNext:     true,
		},
		{
			name:         "no meta",
			body:         `{"contacts":[{"id":"a"}]}`,
			wantContacts: 1,
		},
		{
			name:         "meta null",
			body:         `{"contacts":[],"meta":null}`,
			wantContacts: 0,
		},
		{
			name:         "meta not an object is ignored",
			body:         `{"contacts":[{"id":"a"}],"meta":"page 1"}`,
			wantContacts: 1,
		},
		{
			name:         "contacts missing",
			body:         `{"meta":{"total":0}}`,
			wantContacts: 0,
			wantMeta:     true,
			wantHasTotal: true,
		},
		{
			name:         "contacts null",
			body:         `{"contacts":null}`,
			wantContacts: 0,
		},
		{
			name:         "nextPage null",
			body:         `{"contacts":[],"meta":{"total":5,"nextPage":null}}`,
			wantMeta:     true,
			wantTotal:    5,
			wantHasTotal: true,
		},
		{
			name:     "nextPage false",
			body:     `{"contacts":[],"meta":{"nextPage":false}}`,
			wantMeta: true,
		},
		{
			name:     "nextPage true",
			body:     `{"contacts":[],"meta":{"nextPage":true}}`,
			wantMeta: true,
			wantNext: true,
		},
		{
			name:     "nextPage zero",
			body:     `{"contacts":[],"meta":{"nextPage":0}}`,
			wantMeta: true,
		},
		{
			name:     "nextPage url string",
			body:     `{"contacts":[],"meta":{"nextPage":"https://example.com?page=2"}}`,
			wantMeta: true,
			wantNext: true,
		},
		{
			name:     "nextPage empty string",
			body:     `{"contacts":[],"meta":{"nextPage":""}}`,
			wantMeta: true,
		},
		{
			name:         "total as numeric string",
			body:         `{"contacts":[],"meta":{"total":"120"}}`,
			wantMeta:     true,
			wantTotal:    120,
			wantHasTotal: true,
		},
		{
			name:     "total garbage is ignored",
			body:     `{"contacts":[],"meta":{"total":"many"}}`,
			wantMeta: true,
		},
		{
			name:         "negative total clamps to zero",
			body:         `{"contacts":[],"meta":{"total":-3}}`,
			wantMeta:     true,
			wantHasTotal: true,
		},
		{
			name:    "not json",
			body:    `<html></html>`,
			wantErr: true,
		},
		{
			name:    "json array body",
			body:    `[{"id":"a"}]`,
			wantErr: true,
		},
		{
			name:    "contacts not an array",
			body:    `{"contacts":"none"}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page, err := DecodePage(1, []byte(tt.body))
			if (err != nil) != tt.wantErr {
				t.Fatalf("DecodePage() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}

			if page.Contacts == nil {
				t.Error("Contacts should never be nil")
			}
			if len(page.Contacts) != tt.wantContacts {
				t.Errorf("len(Contacts) = %d, want %d", len(page.Contacts), tt.wantContacts)
			}
			if (page.Meta != nil) != tt.wantMeta {
				t.Errorf("Meta present = %v, want %v", page.Meta != nil, tt.wantMeta)
			}
			total, ok := page.Total()
			if ok != tt.wantHasTotal || total != tt.wantTotal {
				t.Errorf("Total() = %d, %v, want %d, %v", total, ok, tt.wantTotal, tt.wantHasTotal)
			}
			if page.HasNextPage() != tt.wantNext {
				t.Errorf("HasNextPage() = %v, want %v", page.HasNextPage(), tt.wantNext)
			}
		})
	}
}

func TestDecodePage_PreservesContactBytes(t *testing.T) {
	body := `{"contacts":[{"id":"a","tags":["vip"]},{"id":"b","customField":{"x":1}}]}`

	page, err := DecodePage(1, []byte(body))
	if err != nil {
		t.Fatalf("DecodePage() error = %v", err)
	}

	if string(page.Contacts[0]) != `{"id":"a","tags":["vip"]}` {
		t.Errorf("Contacts[0] = %s", page.Contacts[0])
	}
	if string(page.Contacts[1]) != `{"id":"b","customField":{"x":1}}` {
		t.Errorf("Contacts[1] = %s", page.Contacts[1])
	}
}

func TestContactPage_NextPage(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		want   int
		wantOK bool
	}{
		{"number", `{"contacts":[],"meta":{"nextPage":3}}`, 3, true},
		{"numeric string", `{"contacts":[],"meta":{"nextPage":"4"}}`, 4, true},
		{"boolean true", `{"contacts":[],"meta":{"nextPage":true}}`, 0, false},
		{"url", `{"contacts":[],"meta":{"nextPage":"https://example.com?page=2"}}`, 0, false},
		{"null", `{"contacts":[],"meta":{"nextPage":null}}`, 0, false},
		{"absent meta", `{"contacts":[]}`, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page, err := DecodePage(1, []byte(tt.body))
			if err != nil {
				t.Fatalf("DecodePage() error = %v", err)
			}
			got, ok := page.NextPage()
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("NextPage() = %d, %v, want %d, %v", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}
