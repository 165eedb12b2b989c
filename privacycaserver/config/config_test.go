package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fullConfig = `
privacy_ca {
  private_key = "PRIVACY KEY"
  certificate = "PRIVACY CERT"
}

endorsement_ca {
  private_key = "EK KEY"
  certificate = "EK CERT"
}

ca_certificate "root" {
  certificate = "ROOT CERT"
}

ca_certificate "endorsement" {
  domain      = "factory"
  certificate = "INFINEON ROOT"
}

challenge_ttl   = "2m"
request_timeout = "10s"
aik_validity    = "720h"
data_dir        = "/srv/privacyca"
`

func TestParse(t *testing.T) {
	conf, err := Parse("privacyca.hcl", []byte(fullConfig))
	require.NoError(t, err)

	assert.Equal(t, "PRIVACY KEY", conf.PrivacyCA.PrivateKey)
	require.NotNil(t, conf.EndorsementCA)
	assert.Equal(t, "EK CERT", conf.EndorsementCA.Certificate)

	require.Len(t, conf.CaCertificates, 2)
	assert.Equal(t, "root", conf.CaCertificates[0].Kind)
	assert.Equal(t, "factory", conf.CaCertificates[1].Domain)

	assert.Equal(t, 2*time.Minute, conf.ChallengeTTL)
	assert.Equal(t, 10*time.Second, conf.RequestTimeout)
	assert.Equal(t, 720*time.Hour, conf.AIKValidity)
	assert.Equal(t, "/srv/privacyca", conf.DataDir)
}

func TestParseDefaults(t *testing.T) {
	conf, err := Parse("privacyca.hcl", []byte(`
privacy_ca {
  private_key = "k"
  certificate = "c"
}
`))
	require.NoError(t, err)
	assert.Nil(t, conf.EndorsementCA)
	assert.Equal(t, DefaultChallengeTTL, conf.ChallengeTTL)
	assert.Equal(t, DefaultRequestTimeout, conf.RequestTimeout)
	assert.Equal(t, DefaultAIKValidity, conf.AIKValidity)
	assert.Equal(t, DefaultDataDir, conf.DataDir)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"missing privacy ca", `data_dir = "/tmp"`},
		{"bad duration", `
privacy_ca {
  private_key = "k"
  certificate = "c"
}
challenge_ttl = "soon"
`},
		{"negative duration", `
privacy_ca {
  private_key = "k"
  certificate = "c"
}
request_timeout = "-1s"
`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse("privacyca.hcl", []byte(tt.src))
			assert.Error(t, err)
		})
	}
}
