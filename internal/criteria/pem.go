package criteria

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/CZERTAINLY/Hunter/internal/model"
)

type pemPredicate struct {
	types []string
}

// PEM matches items containing a PEM block of one of types, any block when types is
// empty or contains "*". Blocks may be preceded by other text. The first matching block
// is bound as pem_type, a certificate also binds its subject, issuer and not_after.
func PEM(types ...string) Predicate {
	norm := make([]string, 0, len(types))
	for _, t := range types {
		if t == "*" {
			return pemPredicate{}
		}
		norm = append(norm, strings.ToUpper(strings.TrimSpace(t)))
	}
	return pemPredicate{types: norm}
}

func (p pemPredicate) Test(_ context.Context, item model.Item, bind map[string]string) bool {
	rest := item.Content
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			return false
		}
		if len(p.types) > 0 && !slices.Contains(p.types, block.Type) {
			continue
		}
		bind["pem_type"] = block.Type
		if block.Type == "CERTIFICATE" || block.Type == "TRUSTED CERTIFICATE" {
			if cert, err := x509.ParseCertificate(block.Bytes); err == nil {
				bind["subject"] = cert.Subject.String()
				bind["issuer"] = cert.Issuer.String()
				bind["not_after"] = cert.NotAfter.UTC().Format(time.RFC3339)
			}
		}
		return true
	}
}

func (p pemPredicate) String() string {
	quoted := make([]string, len(p.types))
	for i, t := range p.types {
		quoted[i] = strconv.Quote(t)
	}
	return "pem=[" + strings.Join(quoted, ",") + "]"
}
