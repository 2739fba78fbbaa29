package bom

import (
	"maps"
	"slices"
	"strings"

	"github.com/CZERTAINLY/Hunter/internal/model"

	cdx "github.com/CycloneDX/cyclonedx-go"
)

// Property names of match components.
const (
	PropertyRoot       = "czertainly:hunter:root"
	PropertyLocation   = "czertainly:hunter:location"
	PropertyOrigin     = "czertainly:hunter:origin"
	PropertySymbolKind = "czertainly:hunter:symbol_kind"
	PropertyContainer  = "czertainly:hunter:container"
	// PropertyBinding prefixes the values bound by the criteria.
	PropertyBinding = "czertainly:hunter:binding:"
)

// RootRef is the bom-ref of the component standing for a scan root.
func RootRef(root string) string {
	return "root:" + root
}

// MatchRef is the bom-ref of a match component. Equal locations share the component.
func MatchRef(m model.Match) string {
	return "match:" + m.Item.Location()
}

// MatchComponent describes a match as a file component.
func MatchComponent(root string, m model.Match) cdx.Component {
	name := m.Symbol.Name
	if name == "" {
		name = m.Item.Name
	}
	c := cdx.Component{
		BOMRef:   MatchRef(m),
		Type:     cdx.ComponentTypeFile,
		Name:     name,
		MIMEType: mimeType(m.Item.MediaType),
	}
	if digest, ok := strings.CutPrefix(m.Item.Digest, "sha256:"); ok {
		c.Hashes = &[]cdx.Hash{
			{
				Algorithm: cdx.HashAlgoSHA256,
				Value:     digest,
			},
		}
	}

	props := []cdx.Property{
		{Name: PropertyRoot, Value: root},
		{Name: PropertyLocation, Value: m.Item.Location()},
	}
	if m.Origin != "" {
		props = append(props, cdx.Property{Name: PropertyOrigin, Value: m.Origin})
	}
	if m.Symbol.Kind != "" {
		props = append(props, cdx.Property{Name: PropertySymbolKind, Value: m.Symbol.Kind})
	}
	for _, container := range m.Item.Containers {
		props = append(props, cdx.Property{Name: PropertyContainer, Value: container})
	}
	for _, k := range slices.Sorted(maps.Keys(m.Bindings)) {
		props = append(props, cdx.Property{Name: PropertyBinding + k, Value: m.Bindings[k]})
	}
	c.Properties = &props
	return c
}

// AppendMatches adds a component for root, one component per match and a dependency
// of the root on its matches.
func (b *Builder) AppendMatches(root string, matches ...model.Match) *Builder {
	b.AppendComponents(cdx.Component{
		BOMRef: RootRef(root),
		Type:   cdx.ComponentTypeData,
		Name:   root,
	})
	deps := make([]string, 0, len(matches))
	for _, m := range matches {
		b.AppendComponents(MatchComponent(root, m))
		if ref := MatchRef(m); !slices.Contains(deps, ref) {
			deps = append(deps, ref)
		}
	}
	return b.AppendDependencies(cdx.Dependency{
		Ref:          RootRef(root),
		Dependencies: &deps,
	})
}

// the media type parameters are not part of a MIME type in CycloneDX
func mimeType(mediaType string) string {
	mt, _, _ := strings.Cut(mediaType, ";")
	return strings.TrimSpace(mt)
}
