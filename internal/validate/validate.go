// Package validate checks import records against field, format and range
// rules. Every function here is pure: no I/O and no panics escape.
package validate

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-faster/errors"
	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/errgroup"

	"github.com/Napageneral/iatimport/internal/records"
)

// Message is one structured diagnostic about a record.
type Message struct {
	Kind   records.Kind `json:"kind"`
	Index  int          `json:"index"`
	Field  string       `json:"field,omitempty"`
	Reason string       `json:"reason"`
}

func (m Message) String() string {
	if m.Field == "" {
		return m.Reason
	}
	return m.Field + ": " + m.Reason
}

// Result is the outcome of validating one record.
type Result struct {
	Kind     records.Kind `json:"kind"`
	Index    int          `json:"index"`
	OK       bool         `json:"ok"`
	Messages []Message    `json:"messages,omitempty"`
}

// Strings renders the messages for display.
func (r Result) Strings() []string {
	out := make([]string, 0, len(r.Messages))
	for _, m := range r.Messages {
		out = append(out, m.String())
	}
	return out
}

// Err returns a *ValidationError when the record failed.
func (r Result) Err() error {
	if r.OK {
		return nil
	}
	return &ValidationError{Kind: r.Kind, Index: r.Index, Messages: r.Messages}
}

// ValidationError reports a record that failed a field, format or range rule.
type ValidationError struct {
	Kind     records.Kind
	Index    int
	Messages []Message
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Messages))
	for _, m := range e.Messages {
		parts = append(parts, m.String())
	}
	return fmt.Sprintf("%s[%d] invalid: %s", e.Kind, e.Index, strings.Join(parts, "; "))
}

// Validator runs struct-tag rules plus the per-kind rules. It is safe for
// concurrent use.
type Validator struct {
	v *validator.Validate
}

// New builds a Validator reporting fields by their document names.
func New() *Validator {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Validator{v: v}
}

var defaultValidator = New()

// Record validates one record against the package default Validator.
func Record(rec records.ImportRecord, siblings []records.ImportRecord) Result {
	return defaultValidator.Record(rec, siblings)
}

// Document validates every record of doc with the default Validator.
func Document(ctx context.Context, doc *records.ImportDocument, workers int) ([]Result, error) {
	return defaultValidator.Document(ctx, doc, workers)
}

// Record validates rec. siblings are the records of the same kind in the
// same document and drive the percentage-group rules; rec may be among them.
func (v *Validator) Record(rec records.ImportRecord, siblings []records.ImportRecord) (res Result) {
	res = Result{Kind: rec.Kind(), Index: rec.Index}
	defer func() {
		if r := recover(); r != nil {
			res.OK = false
			res.Messages = append(res.Messages, Message{Kind: res.Kind, Index: res.Index, Reason: fmt.Sprintf("malformed record: %v", r)})
		}
	}()

	if rec.Record == nil {
		res.Messages = []Message{{Index: rec.Index, Reason: "record has no body"}}
		return res
	}

	c := &checker{kind: rec.Kind(), index: rec.Index}
	body := rec.Record
	if contact, ok := body.(records.Contact); ok {
		body = normalizeContact(contact)
	}
	v.structRules(c, body)
	switch r := body.(type) {
	case records.Transaction:
		checkTransaction(c, r)
	case records.Organization:
		checkOrganization(c, r)
	case records.Location:
		checkLocation(c, r)
	case records.Sector:
		checkSector(c, r, siblings)
	case records.Budget:
		checkPeriod(c, r.PeriodStart, r.PeriodEnd)
		checkNonNegative(c, "value", r.Value)
	case records.PlannedDisbursement:
		checkPeriod(c, r.PeriodStart, r.PeriodEnd)
		checkNonNegative(c, "value", r.Value)
	case records.Contact:
		checkContact(c, r)
	case records.Tag:
		checkTag(c, r)
	case records.Result:
		checkResult(c, r)
	default:
		c.fail("", fmt.Sprintf("unsupported record type %T", body))
	}

	res.Messages = c.messages
	res.OK = len(c.messages) == 0
	return res
}

// Document validates all records of doc, at most workers at a time. Results
// come back in document order. Only cancellation produces an error.
func (v *Validator) Document(ctx context.Context, doc *records.ImportDocument, workers int) ([]Result, error) {
	if doc == nil {
		return nil, errors.New("validate: nil document")
	}
	if workers < 1 {
		workers = 1
	}
	groups := make(map[records.Kind][]records.ImportRecord)
	for _, rec := range doc.Records {
		groups[rec.Kind()] = append(groups[rec.Kind()], rec)
	}

	results := make([]Result, len(doc.Records))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := range doc.Records {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			rec := doc.Records[i]
			results[i] = v.Record(rec, groups[rec.Kind()])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, errors.Wrap(err, "validate document")
	}
	return results, nil
}

func (v *Validator) structRules(c *checker, body records.Record) {
	err := v.v.Struct(body)
	if err == nil {
		return
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		c.fail("", err.Error())
		return
	}
	for _, fe := range fieldErrs {
		c.fail(fieldPath(fe), describe(fe))
	}
}

func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.Index(ns, "."); i >= 0 {
		return ns[i+1:]
	}
	return fe.Field()
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	case "iso4217":
		return "must be an ISO 4217 currency code"
	case "datetime":
		return "must be a date in YYYY-MM-DD form"
	case "email":
		return "must be a valid email address"
	case "url":
		return "must be a valid URL"
	case "latitude":
		return "must be between -90 and 90"
	case "longitude":
		return "must be between -180 and 180"
	}
	return fmt.Sprintf("failed %q rule", fe.Tag())
}

type checker struct {
	kind     records.Kind
	index    int
	messages []Message
}

func (c *checker) fail(field, reason string) {
	c.messages = append(c.messages, Message{Kind: c.kind, Index: c.index, Field: field, Reason: reason})
}

func (c *checker) has(field string) bool {
	for _, m := range c.messages {
		if m.Field == field {
			return true
		}
	}
	return false
}
