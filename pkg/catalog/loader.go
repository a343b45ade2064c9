package catalog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"cuelang.org/go/cue"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/drorch/pkg/engine"
)

// Loader reads catalog files from disk and validates them as a whole.
type Loader struct {
	// mu serializes use of the CUE context.
	mu       sync.Mutex
	cue      *cue.Context
	schema   cue.Value
	validate *validator.Validate
	logger   zerolog.Logger

	reloadDelay time.Duration
}

// NewLoader creates a loader with the catalog schema compiled.
func NewLoader(logger zerolog.Logger) (*Loader, error) {
	ctx := newCUEContext()
	schema, err := compileSchema(ctx)
	if err != nil {
		return nil, err
	}
	return &Loader{
		cue:         ctx,
		schema:      schema,
		validate:    newValidator(),
		logger:      logger.With().Str("component", "catalog-loader").Logger(),
		reloadDelay: 500 * time.Millisecond,
	}, nil
}

// sourcedDocument is a decoded document and the file it came from.
type sourcedDocument struct {
	file string
	doc  Document
}

// Load reads every catalog file under paths. Directories are walked
// recursively for .yaml, .yml, .json and .cue files. All problems found are
// returned together as ValidationErrors.
func (l *Loader) Load(ctx context.Context, paths []string) (*Catalog, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("no catalog paths provided")
	}

	files, err := collectFiles(ctx, paths)
	if err != nil {
		return nil, err
	}

	var docs []sourcedDocument
	var issues []Issue
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", file, err)
		}
		fileDocs, fileIssues := l.decode(file, data)
		issues = append(issues, fileIssues...)
		for _, d := range fileDocs {
			docs = append(docs, sourcedDocument{file: file, doc: d})
		}
	}
	if len(issues) > 0 {
		return nil, ValidationErrors(issues)
	}

	cat, issues := l.assemble(docs)
	if len(issues) > 0 {
		return nil, ValidationErrors(issues)
	}
	cat.Files = files

	l.logger.Debug().
		Int("files", len(files)).
		Int("groups", len(cat.Groups)).
		Int("plans", len(cat.Plans)).
		Msg("Catalog loaded")
	return cat, nil
}

// Parse decodes a single in-memory catalog file. The name's extension picks
// the format.
func (l *Loader) Parse(name string, data []byte) (*Catalog, error) {
	docs, issues := l.decode(name, data)
	if len(issues) > 0 {
		return nil, ValidationErrors(issues)
	}
	sourced := make([]sourcedDocument, 0, len(docs))
	for _, d := range docs {
		sourced = append(sourced, sourcedDocument{file: name, doc: d})
	}
	cat, issues := l.assemble(sourced)
	if len(issues) > 0 {
		return nil, ValidationErrors(issues)
	}
	cat.Files = []string{name}
	return cat, nil
}

func (l *Loader) decode(file string, data []byte) ([]Document, []Issue) {
	switch filepath.Ext(file) {
	case ".cue":
		doc, issues := l.decodeCUE(file, data)
		if len(issues) > 0 {
			return nil, issues
		}
		return []Document{doc}, nil
	case ".yaml", ".yml", ".json":
		return decodeYAML(file, data)
	default:
		return nil, []Issue{{File: file, Message: "unsupported catalog file type"}}
	}
}

// decodeYAML reads every document of a YAML stream. JSON files go through
// the same path since YAML is a superset of JSON.
func decodeYAML(file string, data []byte) ([]Document, []Issue) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var docs []Document
	for {
		var doc Document
		err := dec.Decode(&doc)
		if errors.Is(err, io.EOF) {
			return docs, nil
		}
		if err != nil {
			return nil, []Issue{{File: file, Message: err.Error()}}
		}
		docs = append(docs, doc)
	}
}

func (l *Loader) decodeCUE(file string, data []byte) (Document, []Issue) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var doc Document
	val := l.cue.CompileBytes(data, cue.Filename(file))
	if err := val.Err(); err != nil {
		return doc, cueIssues(file, err)
	}
	val = l.schema.Unify(val)
	if err := val.Validate(cue.Concrete(true)); err != nil {
		return doc, cueIssues(file, err)
	}
	if err := val.Decode(&doc); err != nil {
		return doc, cueIssues(file, err)
	}
	return doc, nil
}

// assemble validates the documents together and converts them. Group and
// plan IDs are unique across all files, a server belongs to at most one
// group and every wave names a group defined in the catalog.
func (l *Loader) assemble(docs []sourcedDocument) (*Catalog, []Issue) {
	var issues []Issue
	cat := &Catalog{}

	groupFiles := make(map[string]string)
	serverOwners := make(map[string]string)
	valid := make([]sourcedDocument, 0, len(docs))
	for _, sd := range docs {
		if err := l.validate.Struct(sd.doc); err != nil {
			issues = append(issues, structIssues(sd.file, err)...)
			continue
		}
		valid = append(valid, sd)
		for i, g := range sd.doc.Groups {
			path := fmt.Sprintf("groups[%d]", i)
			if prev, dup := groupFiles[g.ID]; dup {
				issues = append(issues, Issue{File: sd.file, Path: path, Message: fmt.Sprintf("group %s is already defined in %s", g.ID, prev)})
				continue
			}
			groupFiles[g.ID] = sd.file
			for _, srv := range g.Servers {
				if owner, taken := serverOwners[srv]; taken {
					msg := fmt.Sprintf("server %s already belongs to group %s", srv, owner)
					if owner == g.ID {
						msg = fmt.Sprintf("server %s is listed twice", srv)
					}
					issues = append(issues, Issue{File: sd.file, Path: path + ".servers", Message: msg})
					continue
				}
				serverOwners[srv] = g.ID
			}
			cat.Groups = append(cat.Groups, g.toGroup())
		}
	}

	planFiles := make(map[string]string)
	for _, sd := range valid {
		for i, p := range sd.doc.Plans {
			path := fmt.Sprintf("plans[%d]", i)
			if prev, dup := planFiles[p.ID]; dup {
				issues = append(issues, Issue{File: sd.file, Path: path, Message: fmt.Sprintf("plan %s is already defined in %s", p.ID, prev)})
				continue
			}
			planFiles[p.ID] = sd.file

			known := true
			for j, w := range p.Waves {
				if _, ok := groupFiles[w.Group]; !ok {
					issues = append(issues, Issue{
						File:    sd.file,
						Path:    fmt.Sprintf("%s.waves[%d].group", path, j),
						Message: fmt.Sprintf("group %s is not defined in the catalog", w.Group),
					})
					known = false
				}
			}
			if !known {
				continue
			}

			plan := p.toPlan()
			if err := engine.ValidatePlan(plan); err != nil {
				issues = append(issues, Issue{File: sd.file, Path: path, Message: planMessage(err)})
				continue
			}
			cat.Plans = append(cat.Plans, plan)
		}
	}

	return cat, issues
}

func planMessage(err error) string {
	var ee *engine.EngineError
	if errors.As(err, &ee) {
		return ee.Message
	}
	return err.Error()
}

func collectFiles(ctx context.Context, paths []string) ([]string, error) {
	var files []string
	seen := make(map[string]bool)
	add := func(p string) {
		if !seen[p] {
			seen[p] = true
			files = append(files, p)
		}
	}

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("failed to stat %s: %w", path, err)
		}
		if !info.IsDir() {
			add(path)
			continue
		}
		err = filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !d.IsDir() && isCatalogFile(p) {
				add(p)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to walk %s: %w", path, err)
		}
	}
	return files, nil
}

func isCatalogFile(path string) bool {
	switch filepath.Ext(path) {
	case ".yaml", ".yml", ".json", ".cue":
		return true
	}
	return false
}
