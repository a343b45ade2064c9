package catalog

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"
)

// catalogSchema constrains CUE catalog files. It mirrors the struct tags on
// Document so CUE users get errors with file positions before decoding.
const catalogSchema = `
#ID: =~"^[A-Za-z0-9][A-Za-z0-9._-]*$"

#Group: {
	id:      #ID
	name?:   string
	servers: [...(string & !="")]
}

#Wave: {
	name?:         string
	group:         #ID
	pause_before?: bool
	depends_on?: [...(int & >=0)]
}

#Plan: {
	id:              #ID
	name?:           string
	description?:    string
	failure_policy?: "stop"
	labels?: [string]: string
	waves: [#Wave, ...#Wave]
}

#Catalog: {
	groups?: [...#Group]
	plans?: [...#Plan]
}
`

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// compileSchema compiles the catalog schema and returns its #Catalog
// definition.
func compileSchema(ctx *cue.Context) (cue.Value, error) {
	val := ctx.CompileString(catalogSchema, cue.Filename("catalog.schema.cue"))
	if err := val.Err(); err != nil {
		return cue.Value{}, fmt.Errorf("failed to compile catalog schema: %w", err)
	}
	def := val.LookupPath(cue.ParsePath("#Catalog"))
	if !def.Exists() {
		return cue.Value{}, fmt.Errorf("catalog schema has no #Catalog definition")
	}
	return def, nil
}

func newCUEContext() *cue.Context {
	return cuecontext.New()
}

// newValidator returns a validator that reports field paths with their
// serialized names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("catalog_id", func(fl validator.FieldLevel) bool {
		return idPattern.MatchString(fl.Field().String())
	})
	return v
}

// structIssues converts validator errors into issues for file.
func structIssues(file string, err error) []Issue {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return []Issue{{File: file, Message: err.Error()}}
	}
	issues := make([]Issue, 0, len(verrs))
	for _, fe := range verrs {
		issues = append(issues, Issue{
			File:    file,
			Path:    strings.TrimPrefix(fe.Namespace(), "Document."),
			Message: describeFieldError(fe),
		})
	}
	return issues
}

func describeFieldError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return fmt.Sprintf("must have at least %s entries", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	case "catalog_id":
		return "must start with a letter or digit and contain only letters, digits, '.', '_' or '-'"
	default:
		return fmt.Sprintf("failed %s validation", fe.Tag())
	}
}

// cueIssues converts CUE errors into issues with source positions.
func cueIssues(file string, err error) []Issue {
	var issues []Issue
	for _, e := range cueerrors.Errors(err) {
		issue := Issue{File: file, Path: strings.Join(e.Path(), ".")}
		format, args := e.Msg()
		issue.Message = fmt.Sprintf(format, args...)
		if pos := cueerrors.Positions(e); len(pos) > 0 {
			if name := pos[0].Filename(); name != "" {
				issue.File = name
			}
			issue.Line = pos[0].Line()
			issue.Column = pos[0].Column()
		}
		issues = append(issues, issue)
	}
	if len(issues) == 0 {
		issues = append(issues, Issue{File: file, Message: err.Error()})
	}
	return issues
}
