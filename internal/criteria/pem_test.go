package criteria_test

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/CZERTAINLY/Hunter/internal/criteria"
	"github.com/CZERTAINLY/Hunter/internal/model"
)

func selfSigned(t *testing.T, cn string, notAfter time.Time) []byte {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(42),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    notAfter.Add(-time.Hour),
		NotAfter:     notAfter,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

func TestPEM(t *testing.T) {
	t.Parallel()
	notAfter := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)
	cert := selfSigned(t, "hunter.example", notAfter)
	key := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: []byte{1, 2, 3}})

	var testCases = []struct {
		scenario string
		types    []string
		content  []byte
		then     map[string]string
	}{
		{
			scenario: "certificate after text",
			types:    []string{"certificate"},
			content:  append([]byte("leading text\n"), cert...),
			then: map[string]string{
				"pem_type":  "CERTIFICATE",
				"subject":   "CN=hunter.example",
				"issuer":    "CN=hunter.example",
				"not_after": "2030-01-02T03:04:05Z",
			},
		},
		{
			scenario: "second block",
			types:    []string{"CERTIFICATE"},
			content:  bytes.Join([][]byte{key, cert}, nil),
			then: map[string]string{
				"pem_type":  "CERTIFICATE",
				"subject":   "CN=hunter.example",
				"issuer":    "CN=hunter.example",
				"not_after": "2030-01-02T03:04:05Z",
			},
		},
		{
			scenario: "any type",
			types:    []string{"*"},
			content:  key,
			then:     map[string]string{"pem_type": "PRIVATE KEY"},
		},
		{
			scenario: "no types",
			content:  key,
			then:     map[string]string{"pem_type": "PRIVATE KEY"},
		},
		{
			scenario: "other type",
			types:    []string{"CERTIFICATE"},
			content:  key,
		},
		{
			scenario: "not pem",
			content:  []byte("-----BEGIN nothing"),
		},
	}
	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			t.Parallel()
			res := criteria.New(criteria.PEM(tt.types...)).Test(t.Context(), model.Item{Name: "a.pem", Content: tt.content})
			if tt.then == nil {
				require.False(t, res.Matched)
				return
			}
			require.True(t, res.Matched)
			require.Equal(t, tt.then, res.Context)
		})
	}
}

func TestFromModelPEM(t *testing.T) {
	t.Parallel()
	c, err := criteria.FromModel(model.MatchRules{PEM: []string{"CERTIFICATE"}, Contains: []string{"secret"}})
	require.NoError(t, err)
	cert := selfSigned(t, "x", time.Now().Add(time.Hour))
	require.True(t, c.Test(t.Context(), model.Item{Content: cert}).Matched)
	require.True(t, c.Test(t.Context(), model.Item{Content: []byte("a secret")}).Matched)
	require.False(t, c.Test(t.Context(), model.Item{Content: []byte("plain")}).Matched)
}
