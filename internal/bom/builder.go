// Package bom renders scan results as a CycloneDX 1.6 BOM.
package bom

import (
	"io"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	cdx "github.com/CycloneDX/cyclonedx-go"
	"github.com/google/uuid"
)

var toolVersion = sync.OnceValue(func() string {
	if info, ok := debug.ReadBuildInfo(); ok {
		return info.Main.Version
	}
	return "unknown"
})

// Builder collects the parts of a BOM. Components and dependencies are keyed by their
// bom-ref, which must be unique within a BOM.
type Builder struct {
	authors      []cdx.OrganizationalContact
	components   []cdx.Component
	dependencies []cdx.Dependency
	properties   []cdx.Property
	refs         map[string]struct{}
	deps         map[string]int // ref => index in dependencies
	now          func() time.Time
}

func NewBuilder() *Builder {
	return &Builder{
		// the JSON schema does not allow these arrays to be null
		authors:      []cdx.OrganizationalContact{},
		components:   []cdx.Component{},
		dependencies: []cdx.Dependency{},
		properties:   []cdx.Property{},
		refs:         make(map[string]struct{}),
		deps:         make(map[string]int),
		now:          time.Now,
	}
}

func (b *Builder) AppendAuthors(authors ...cdx.OrganizationalContact) *Builder {
	b.authors = append(b.authors, authors...)
	return b
}

// AppendComponents adds components. A component with a bom-ref seen before is dropped.
func (b *Builder) AppendComponents(components ...cdx.Component) *Builder {
	for _, c := range components {
		if c.BOMRef != "" {
			if _, ok := b.refs[c.BOMRef]; ok {
				continue
			}
			b.refs[c.BOMRef] = struct{}{}
		}
		b.components = append(b.components, c)
	}
	return b
}

func (b *Builder) AppendProperties(properties ...cdx.Property) *Builder {
	b.properties = append(b.properties, properties...)
	return b
}

// AppendDependencies adds dependencies. Those of an already known ref are merged into
// it, keeping the order of first appearance.
func (b *Builder) AppendDependencies(dependencies ...cdx.Dependency) *Builder {
	for _, d := range dependencies {
		var on []string
		if d.Dependencies != nil {
			on = *d.Dependencies
		}
		i, ok := b.deps[d.Ref]
		if !ok {
			i = len(b.dependencies)
			b.deps[d.Ref] = i
			b.dependencies = append(b.dependencies, cdx.Dependency{Ref: d.Ref, Dependencies: &[]string{}})
		}
		merged := b.dependencies[i].Dependencies
		for _, ref := range on {
			if !slices.Contains(*merged, ref) {
				*merged = append(*merged, ref)
			}
		}
	}
	return b
}

// BOM returns the collected data as a cdx.BOM with a fresh serial number.
func (b *Builder) BOM() cdx.BOM {
	return cdx.BOM{
		JSONSchema:   "https://cyclonedx.org/schema/bom-1.6.schema.json",
		BOMFormat:    "CycloneDX",
		SpecVersion:  cdx.SpecVersion1_6,
		SerialNumber: uuid.New().URN(),
		Version:      1,
		Metadata: &cdx.Metadata{
			Timestamp:  b.now().UTC().Format(time.RFC3339),
			Lifecycles: &[]cdx.Lifecycle{{Phase: "operations"}},
			Authors:    &b.authors,
			// must not be nil, the encoder fails on empty tools otherwise
			Component: &cdx.Component{
				Type:    cdx.ComponentTypeApplication,
				Name:    "Hunter",
				Version: toolVersion(),
				Manufacturer: &cdx.OrganizationalEntity{
					Name: "CZERTAINLY",
					URL:  &[]string{"https://www.czertainly.com"},
				},
			},
		},
		Components:   &b.components,
		Dependencies: &b.dependencies,
		Properties:   &b.properties,
	}
}

// AsJSON writes the BOM as indented JSON.
func (b *Builder) AsJSON(w io.Writer) error {
	bom := b.BOM()
	return cdx.NewBOMEncoder(w, cdx.BOMFileFormatJSON).SetPretty(true).Encode(&bom)
}
