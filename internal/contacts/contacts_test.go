package contacts

import (
	"testing"

	"github.com/Napageneral/iatimport/internal/records"
)

func TestKey(t *testing.T) {
	a := records.Contact{Email: " Jane@Example.org ", FirstName: "Jane", LastName: "Doe"}
	b := records.Contact{Email: "jane@example.org", FirstName: " jane", LastName: "DOE "}
	if Key(a) != Key(b) {
		t.Errorf("keys differ: %q vs %q", Key(a), Key(b))
	}
	if Key(records.Contact{Type: "1"}) != "" {
		t.Error("expected empty key for contact with no identity")
	}
}

func TestNormalizeDerivesNames(t *testing.T) {
	tests := []struct {
		name      string
		in        records.Contact
		wantFirst string
		wantLast  string
	}{
		{"explicit", records.Contact{FirstName: "Ana", LastName: "Lopez"}, "Ana", "Lopez"},
		{"from person name", records.Contact{PersonName: "Mary Ann Smith"}, "Mary Ann", "Smith"},
		{"fills only last", records.Contact{FirstName: "M.", PersonName: "Mary Smith"}, "M.", "Smith"},
		{"unknown person name", records.Contact{PersonName: "Unknown"}, "", ""},
		{"email is not a name", records.Contact{PersonName: "info@agency.org"}, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Normalize(tt.in)
			if got.FirstName != tt.wantFirst || got.LastName != tt.wantLast {
				t.Errorf("got (%q, %q), want (%q, %q)", got.FirstName, got.LastName, tt.wantFirst, tt.wantLast)
			}
		})
	}
}

func TestNormalizeDefaultsJobTitle(t *testing.T) {
	got := Normalize(records.Contact{Type: "1", FirstName: "A", LastName: "B"})
	if got.JobTitle != records.NotSpecified {
		t.Errorf("expected %q, got %q", records.NotSpecified, got.JobTitle)
	}
}

func TestMergeKeepsPopulatedJobTitle(t *testing.T) {
	withTitle := Normalize(records.Contact{Type: "1", Email: "a@b.org", FirstName: "A", LastName: "B", JobTitle: "Director"})
	withoutTitle := Normalize(records.Contact{Type: "1", Email: "a@b.org", FirstName: "A", LastName: "B", Telephone: "+1 555"})

	for name, merged := range map[string]records.Contact{
		"title first": Merge(withTitle, withoutTitle),
		"title last":  Merge(withoutTitle, withTitle),
	} {
		if merged.JobTitle != "Director" {
			t.Errorf("%s: job title = %q, want Director", name, merged.JobTitle)
		}
		if merged.Telephone != "+1 555" {
			t.Errorf("%s: telephone = %q", name, merged.Telephone)
		}
	}
}

func TestMergePrefersNewerOnConflict(t *testing.T) {
	older := records.Contact{Department: "Finance"}
	newer := records.Contact{Department: "Programmes"}
	if got := Merge(older, newer).Department; got != "Programmes" {
		t.Errorf("department = %q, want Programmes", got)
	}
}

func TestMergeFieldsSentinel(t *testing.T) {
	stored := records.Fields{"job_title": "Director", "email": "a@b.org"}
	incoming := records.Fields{"job_title": records.NotSpecified, "telephone": "123"}
	got := MergeFields(stored, incoming)
	if got["job_title"] != "Director" {
		t.Errorf("job_title = %q", got["job_title"])
	}
	if got["telephone"] != "123" {
		t.Errorf("telephone = %q", got["telephone"])
	}
}
