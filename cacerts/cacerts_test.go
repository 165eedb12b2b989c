package cacerts

import (
	"testing"

	"github.com/psanford/tpm-privacy-ca/errs"
	"github.com/psanford/tpm-privacy-ca/internal/tpmtest"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKind(t *testing.T) {
	for _, name := range []string{"root", "saml", "tls", "privacy", "ek", "aik", "endorsement"} {
		k, err := ParseKind(name)
		require.NoError(t, err)
		assert.Equal(t, name, k.String())
	}

	_, err := ParseKind("bogus")
	assert.True(t, errs.Is(err, errs.NotFound))
}

func TestStoreGetAndSearch(t *testing.T) {
	root := tpmtest.NewCA(t, "root")
	privacy := tpmtest.NewCA(t, "privacy")
	infineon := tpmtest.NewCA(t, "infineon")
	nuvoton := tpmtest.NewCA(t, "nuvoton")

	s := NewStore()
	require.NoError(t, s.AddDER(KindRoot, "ignored", root.Cert.Raw))
	require.NoError(t, s.AddDER(KindPrivacy, "", privacy.Cert.Raw))
	require.NoError(t, s.AddDER(KindEndorsement, "", infineon.Cert.Raw))
	require.NoError(t, s.AddDER(KindEK, "lab", nuvoton.Cert.Raw))

	c, err := s.Get(KindRoot)
	require.NoError(t, err)
	assert.Equal(t, root.Cert.Raw, c.Raw)
	assert.Empty(t, c.Domain)

	_, err = s.Get(KindSAML)
	assert.True(t, errs.Is(err, errs.NotFound))

	err = s.AddDER(KindRoot, "", privacy.Cert.Raw)
	assert.True(t, errs.Is(err, errs.Conflict))
	assert.NoError(t, s.AddDER(KindRoot, "", root.Cert.Raw))

	t.Run("default domain", func(t *testing.T) {
		def := s.Search(0, "")
		explicit := s.Search(0, DefaultDomain)
		assert.Equal(t, explicit, def)
		require.Len(t, def, 1)
		assert.Equal(t, infineon.Cert.Raw, def[0].Raw)
	})

	tests := []struct {
		name   string
		kind   Kind
		domain string
		want   int
	}{
		{"privacy", KindPrivacy, "", 1},
		{"lab domain", 0, "lab", 1},
		{"ek any domain", KindEK, "", 1},
		{"ek in default domain", KindEK, DefaultDomain, 0},
		{"unknown domain", 0, "nowhere", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Len(t, s.Search(tt.kind, tt.domain), tt.want)
		})
	}
}

func TestAddRejectsGarbage(t *testing.T) {
	s := NewStore()
	err := s.AddDER(KindRoot, "", []byte{4, 4, 4, 4})
	assert.True(t, errs.Is(err, errs.MalformedInput))

	err = s.AddPEM(KindRoot, "", []byte("not pem"))
	assert.True(t, errs.Is(err, errs.MalformedInput))
}

func TestLoadDir(t *testing.T) {
	root := tpmtest.NewCA(t, "root")
	stm := tpmtest.NewCA(t, "stm")

	fs := afero.NewMemMapFs()
	rootCert, err := New(KindRoot, "", root.Cert.Raw)
	require.NoError(t, err)
	stmCert, err := New(KindEndorsement, "", stm.Cert.Raw)
	require.NoError(t, err)

	require.NoError(t, afero.WriteFile(fs, "/ca/root.pem", rootCert.PEM(), 0600))
	require.NoError(t, afero.WriteFile(fs, "/ca/endorsement-factory.pem", stmCert.PEM(), 0600))
	require.NoError(t, afero.WriteFile(fs, "/ca/README", []byte("x"), 0600))

	s := NewStore()
	require.NoError(t, s.LoadDir(fs, "/ca"))

	_, err = s.Get(KindRoot)
	assert.NoError(t, err)
	got := s.Search(KindEndorsement, "factory")
	require.Len(t, got, 1)
	assert.Equal(t, stm.Cert.Raw, got[0].Raw)

	all := append(s.Search(KindRoot, ""), got...)
	assert.Equal(t, append(rootCert.PEM(), stmCert.PEM()...), ConcatPEM(all))
}

func TestLoadDirMissing(t *testing.T) {
	s := NewStore()
	assert.NoError(t, s.LoadDir(afero.NewMemMapFs(), "/nope"))
}
