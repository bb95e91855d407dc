// Package validate checks event payloads against per-kind CUE schemas.
package validate

import (
	_ "embed"
	"fmt"
	"strings"
	"sync"
	"unicode"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"

	"github.com/roach88/attendsync/internal/domain"
	"github.com/roach88/attendsync/internal/event"
)

//go:embed schema.cue
var schemaCUE string

// Validator holds compiled schemas. A cue.Context is not safe for
// concurrent use, so calls are serialized.
type Validator struct {
	mu      sync.Mutex
	ctx     *cue.Context
	schemas map[event.Kind]cue.Value
}

// New compiles the built-in schemas.
func New() (*Validator, error) {
	return NewFromSource(schemaCUE)
}

// NewFromSource compiles schemas from CUE source. Every top-level
// definition #<kind> whose name starts with a lowercase letter becomes the
// schema for that kind; capitalized definitions are shared helpers.
func NewFromSource(src string) (*Validator, error) {
	ctx := cuecontext.New()
	root := ctx.CompileString(src, cue.Filename("schema.cue"))
	if err := root.Err(); err != nil {
		return nil, fmt.Errorf("compile schema: %w", formatCUEError(err))
	}

	iter, err := root.Fields(cue.Definitions(true))
	if err != nil {
		return nil, fmt.Errorf("list definitions: %w", err)
	}

	schemas := make(map[event.Kind]cue.Value)
	for iter.Next() {
		sel := iter.Selector()
		if !sel.IsDefinition() {
			continue
		}
		name := strings.TrimPrefix(sel.String(), "#")
		if name == "" || unicode.IsUpper(rune(name[0])) {
			continue
		}
		schemas[event.Kind(name)] = iter.Value()
	}

	return &Validator{ctx: ctx, schemas: schemas}, nil
}

// Knows reports whether a schema exists for kind.
func (v *Validator) Knows(kind event.Kind) bool {
	_, ok := v.schemas[kind]
	return ok
}

// Validate checks payload against the schema for kind. It returns a
// *domain.Error with CodeUnknownKind or CodeValidation on rejection.
func (v *Validator) Validate(kind event.Kind, payload []byte) error {
	schema, ok := v.schemas[kind]
	if !ok {
		return domain.Errorf(domain.CodeUnknownKind, "no schema for kind %q", kind)
	}
	if len(payload) == 0 {
		return domain.Errorf(domain.CodeValidation, "payload is required")
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	data := v.ctx.CompileBytes(payload, cue.Filename("payload.json"))
	if err := data.Err(); err != nil {
		return domain.Errorf(domain.CodeValidation, "payload is not valid JSON: %s", formatCUEError(err))
	}
	if data.IncompleteKind() != cue.StructKind {
		return domain.Errorf(domain.CodeValidation, "payload must be an object")
	}

	if err := schema.Unify(data).Validate(cue.Concrete(true)); err != nil {
		return domain.Errorf(domain.CodeValidation, "%s", formatCUEError(err))
	}
	return nil
}

// formatCUEError flattens a CUE error list into one line.
func formatCUEError(err error) error {
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}
	msgs := make([]string, 0, len(errs))
	for _, e := range errs {
		msgs = append(msgs, e.Error())
	}
	return fmt.Errorf("%s", strings.Join(msgs, "; "))
}
