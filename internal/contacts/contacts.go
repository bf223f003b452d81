package contacts

import (
	"strings"
	"unicode"

	"github.com/Napageneral/iatimport/internal/records"
)

// NormalizeIdentifier returns a normalized identifier for dedupe.
func NormalizeIdentifier(value, identifierType string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	switch identifierType {
	case "email":
		return strings.ToLower(value)
	case "name":
		return strings.ToLower(strings.Join(strings.Fields(value), " "))
	default:
		return strings.ToLower(value)
	}
}

// Key returns the de-duplication key of a contact: email, first name and
// last name, each lowercased and trimmed. Contacts without any of the three
// have no key and are never merged.
func Key(c records.Contact) string {
	email := NormalizeIdentifier(c.Email, "email")
	first := NormalizeIdentifier(c.FirstName, "name")
	last := NormalizeIdentifier(c.LastName, "name")
	if email == "" && first == "" && last == "" {
		return ""
	}
	return email + "|" + first + "|" + last
}

func looksLikeEmail(value string) bool {
	return strings.Contains(strings.TrimSpace(value), "@")
}

// IsMeaningfulPersonName returns true if a string looks like a human name.
func IsMeaningfulPersonName(name string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return false
	}
	switch strings.ToLower(name) {
	case "unknown", "n/a", "na", "none", strings.ToLower(records.NotSpecified):
		return false
	}
	if looksLikeEmail(name) {
		return false
	}
	for _, r := range name {
		if unicode.IsLetter(r) {
			return true
		}
	}
	return false
}

// SplitPersonName derives first and last names from a single person-name
// narrative. The last word is the last name; a single word is the first name.
func SplitPersonName(name string) (first, last string) {
	if !IsMeaningfulPersonName(name) {
		return "", ""
	}
	parts := strings.Fields(name)
	if len(parts) == 1 {
		return parts[0], ""
	}
	return strings.Join(parts[:len(parts)-1], " "), parts[len(parts)-1]
}

// Normalize trims a contact, fills missing first or last names from the
// person name and defaults the job title.
func Normalize(c records.Contact) records.Contact {
	c.Type = strings.TrimSpace(c.Type)
	c.FirstName = strings.TrimSpace(c.FirstName)
	c.LastName = strings.TrimSpace(c.LastName)
	c.Email = strings.TrimSpace(c.Email)
	c.JobTitle = strings.TrimSpace(c.JobTitle)

	if c.FirstName == "" || c.LastName == "" {
		first, last := SplitPersonName(c.PersonName)
		if c.FirstName == "" {
			c.FirstName = first
		}
		if c.LastName == "" {
			c.LastName = last
		}
	}
	if c.JobTitle == "" {
		c.JobTitle = records.NotSpecified
	}
	return c
}

// Merge combines two contacts sharing a key. Each field keeps whichever side
// has a value; when both do, newer wins. The job title sentinel counts as empty.
func Merge(older, newer records.Contact) records.Contact {
	out := older
	out.Type = pick(older.Type, newer.Type)
	out.FirstName = pick(older.FirstName, newer.FirstName)
	out.LastName = pick(older.LastName, newer.LastName)
	out.PersonName = pick(older.PersonName, newer.PersonName)
	out.Email = pick(older.Email, newer.Email)
	out.Telephone = pick(older.Telephone, newer.Telephone)
	out.Organisation = pick(older.Organisation, newer.Organisation)
	out.Department = pick(older.Department, newer.Department)
	out.JobTitle = pick(jobTitle(older.JobTitle), jobTitle(newer.JobTitle))
	out.Website = pick(older.Website, newer.Website)
	out.MailingAddress = pick(older.MailingAddress, newer.MailingAddress)
	if out.JobTitle == "" {
		out.JobTitle = records.NotSpecified
	}
	return out
}

// MergeFields applies the same policy to canonical field maps: the result
// is what the stored contact becomes once the incoming one is merged in.
func MergeFields(stored, incoming records.Fields) records.Fields {
	out := stored.Clone()
	for k, v := range incoming {
		if k == "job_title" {
			v = jobTitle(v)
		}
		if strings.TrimSpace(v) != "" {
			out[k] = v
		}
	}
	if strings.TrimSpace(out["job_title"]) == "" {
		out["job_title"] = records.NotSpecified
	}
	return out
}

func jobTitle(v string) string {
	if strings.EqualFold(strings.TrimSpace(v), records.NotSpecified) {
		return ""
	}
	return v
}

func pick(older, newer string) string {
	if strings.TrimSpace(newer) != "" {
		return newer
	}
	return older
}
