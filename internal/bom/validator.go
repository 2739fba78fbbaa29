package bom

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	cdx "github.com/CycloneDX/cyclonedx-go"
)

//go:embed bom-1.6.cue
var schemaFS embed.FS

var versionToPath = map[cdx.SpecVersion]string{
	cdx.SpecVersion1_6: "bom-1.6.cue",
}

// Validator validates the CycloneDX BOM against the schema
type Validator struct {
	// cue values share one context, which is not safe for concurrent use
	mx      *sync.Mutex
	ctx     *cue.Context
	schemas map[cdx.SpecVersion]cue.Value
}

func NewValidator(versions ...cdx.SpecVersion) (Validator, error) {
	var zero Validator
	cueCtx := cuecontext.New()
	schemas := make(map[cdx.SpecVersion]cue.Value, 1)
	for _, ver := range versions {
		path, ok := versionToPath[ver]
		if !ok {
			return zero, fmt.Errorf("unknown schema version: %s", ver)
		}
		b, err := schemaFS.ReadFile(path)
		if err != nil {
			return zero, fmt.Errorf("reading embedded schema: %w", err)
		}
		compiled := cueCtx.CompileBytes(b, cue.Filename(path))
		if err := compiled.Err(); err != nil {
			return zero, fmt.Errorf("compiling schema: %w", err)
		}
		schema := compiled.LookupPath(cue.ParsePath("#BOM"))
		if err := schema.Err(); err != nil {
			return zero, fmt.Errorf("compiling schema: %w", err)
		}
		schemas[ver] = schema
	}
	return Validator{
		mx:      &sync.Mutex{},
		ctx:     cueCtx,
		schemas: schemas,
	}, nil
}

func (v Validator) Validate(ctx context.Context, bom *cdx.BOM) error {
	if _, err := v.versionToSchema(bom.SpecVersion); err != nil {
		return err
	}

	var buf bytes.Buffer
	encoder := cdx.NewBOMEncoder(&buf, cdx.BOMFileFormatJSON)
	err := encoder.Encode(bom)
	if err != nil {
		return fmt.Errorf("encoding bom to JSON: %w", err)
	}
	return v.ValidateBytes(ctx, buf.Bytes())
}

func (v Validator) ValidateBytes(ctx context.Context, b []byte) error {
	var bom struct {
		SpecVersion cdx.SpecVersion `json:"specVersion"`
		Components  []struct {
			BOMRef string `json:"bom-ref"`
		} `json:"components"`
	}
	err := json.Unmarshal(b, &bom)
	if err != nil {
		return fmt.Errorf("reading spec version: %w", err)
	}

	schema, err := v.versionToSchema(bom.SpecVersion)
	if err != nil {
		return err
	}
	if err := v.validateBytes(ctx, schema, b); err != nil {
		return err
	}

	seen := make(map[string]struct{}, len(bom.Components))
	for _, c := range bom.Components {
		if c.BOMRef == "" {
			continue
		}
		if _, ok := seen[c.BOMRef]; ok {
			return fmt.Errorf("BOM validation failed: duplicate bom-ref %q", c.BOMRef)
		}
		seen[c.BOMRef] = struct{}{}
	}
	return nil
}

func (v Validator) versionToSchema(version cdx.SpecVersion) (cue.Value, error) {
	schema, ok := v.schemas[version]
	if !ok {
		supported := make([]string, 0, len(v.schemas))
		for k := range v.schemas {
			supported = append(supported, k.String())
		}
		return cue.Value{}, fmt.Errorf("unsupported BOM specification version: supported %s: got: %s",
			strings.Join(supported, ","),
			version,
		)
	}
	return schema, nil
}

func (v Validator) validateBytes(ctx context.Context, schema cue.Value, b []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	v.mx.Lock()
	defer v.mx.Unlock()

	// JSON is valid CUE
	doc := v.ctx.CompileBytes(b, cue.Filename("bom.json"))
	if err := doc.Err(); err != nil {
		return fmt.Errorf("reading BOM: %w", err)
	}
	if err := schema.Unify(doc).Validate(cue.Concrete(true)); err != nil {
		var errorMsgs []string
		for _, e := range errors.Errors(err) {
			errorMsgs = append(errorMsgs, e.Error())
		}
		// Join all errors with newlines for readability
		return fmt.Errorf("BOM validation failed:\n%s", strings.Join(errorMsgs, "\n"))
	}
	return nil
}
