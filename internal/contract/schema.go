package contract

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/santhosh-tekuri/jsonschema/v6/kind"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Violation is one failed rule of a schema.
type Violation struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError lists every violation found in a document.
type ValidationError struct {
	Subject    string      `json:"subject"`
	Violations []Violation `json:"violations"`
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		parts = append(parts, v.Field+": "+v.Message)
	}
	return fmt.Sprintf("invalid %s: %s", e.Subject, strings.Join(parts, "; "))
}

// Schema is a compiled JSON schema for one document kind.
type Schema struct {
	subject string
	schema  *jsonschema.Schema
}

var printer = message.NewPrinter(language.English)

// MustCompileSchema compiles src or panics; schemas are package constants.
func MustCompileSchema(subject, src string) *Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
	if err != nil {
		panic(fmt.Sprintf("schema %s: %v", subject, err))
	}
	c := jsonschema.NewCompiler()
	name := subject + ".json"
	if err := c.AddResource(name, doc); err != nil {
		panic(fmt.Sprintf("schema %s: %v", subject, err))
	}
	s, err := c.Compile(name)
	if err != nil {
		panic(fmt.Sprintf("schema %s: %v", subject, err))
	}
	return &Schema{subject: subject, schema: s}
}

// ValidateJSON validates a raw JSON document. It returns *ValidationError when
// the document is malformed or breaks the schema.
func (s *Schema) ValidateJSON(raw []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return &ValidationError{Subject: s.subject, Violations: []Violation{{Field: "(root)", Message: "malformed JSON: " + err.Error()}}}
	}
	return s.ValidateValue(inst)
}

// ValidateValue validates an already decoded JSON value (maps, slices, numbers).
func (s *Schema) ValidateValue(inst any) error {
	err := s.schema.Validate(inst)
	if err == nil {
		return nil
	}
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return err
	}
	var out []Violation
	collectViolations(ve, &out)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Field != out[j].Field {
			return out[i].Field < out[j].Field
		}
		return out[i].Message < out[j].Message
	})
	return &ValidationError{Subject: s.subject, Violations: dedupe(out)}
}

func collectViolations(ve *jsonschema.ValidationError, out *[]Violation) {
	if len(ve.Causes) > 0 {
		for _, c := range ve.Causes {
			collectViolations(c, out)
		}
		return
	}
	field := fieldPath(ve.InstanceLocation)
	if req, ok := ve.ErrorKind.(*kind.Required); ok {
		for _, m := range req.Missing {
			*out = append(*out, Violation{Field: joinField(field, m), Message: "is required"})
		}
		return
	}
	*out = append(*out, Violation{Field: field, Message: ve.ErrorKind.LocalizedString(printer)})
}

func fieldPath(loc []string) string {
	if len(loc) == 0 {
		return "(root)"
	}
	return strings.Join(loc, ".")
}

func joinField(parent, child string) string {
	if parent == "(root)" {
		return child
	}
	return parent + "." + child
}

func dedupe(in []Violation) []Violation {
	out := in[:0]
	for i, v := range in {
		if i > 0 && in[i-1] == v {
			continue
		}
		out = append(out, v)
	}
	return out
}
