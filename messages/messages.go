package messages

const (
	TPMVersion12 = "1.2"
	TPMVersion20 = "2.0"
)

type IdentityRequest struct {
	TPMVersion          string `json:"tpmVersion"`
	IdentityRequestBlob []byte `json:"identityRequestBlob,omitempty"`
	// AIKModulus carries the raw RSA modulus for TPM 1.2 and the
	// TPMT_PUBLIC area for TPM 2.0.
	AIKModulus []byte `json:"aikModulus,omitempty"`
	AIKBlob    []byte `json:"aikBlob,omitempty"`
	AIKName    []byte `json:"aikName,omitempty"`
}

type IdentityChallengeRequest struct {
	IdentityRequest        IdentityRequest `json:"identityRequest"`
	EndorsementCertificate []byte          `json:"endorsementCertificate"`
}

type IdentityChallengeResponse struct {
	IdentityRequest     IdentityRequest `json:"identityRequest"`
	ResponseToChallenge []byte          `json:"responseToChallenge"`
}

type IdentityProofRequest struct {
	AsymBlob   []byte `json:"asymBlob"`
	SymBlob    []byte `json:"symBlob"`
	EKBlob     []byte `json:"ekBlob"`
	Secret     []byte `json:"secret"`
	Credential []byte `json:"credential"`
}

type EndorseTpmRequest struct {
	EKModulus []byte `json:"ekModulus"`
}

type SigningKeyEndorsementRequest struct {
	PublicKeyModulus       []byte `json:"publicKeyModulus"`
	TPMCertifyKey          []byte `json:"tpmCertifyKey"`
	TPMCertifyKeySignature []byte `json:"tpmCertifyKeySignature"`
	AIKDerCertificate      []byte `json:"aikDerCertificate"`
	NameDigest             []byte `json:"nameDigest"`
	TPMVersion             string `json:"tpmVersion"`
	OperatingSystem        string `json:"operatingSystem,omitempty"`
}

type BindingKeyEndorsementRequest struct {
	PublicKeyModulus       []byte `json:"publicKeyModulus"`
	TPMCertifyKey          []byte `json:"tpmCertifyKey"`
	TPMCertifyKeySignature []byte `json:"tpmCertifyKeySignature"`
	AIKDerCertificate      []byte `json:"aikDerCertificate"`
	EncryptionScheme       uint16 `json:"encryptionScheme"`
	NameDigest             []byte `json:"nameDigest"`
	TPMVersion             string `json:"tpmVersion"`
	OperatingSystem        string `json:"operatingSystem,omitempty"`
}

type TpmEndorsement struct {
	ID           string `json:"id,omitempty"`
	HardwareUUID string `json:"hardwareUuid"`
	Issuer       string `json:"issuer"`
	Certificate  []byte `json:"certificate"`
	Revoked      bool   `json:"revoked"`
	Comment      string `json:"comment,omitempty"`
}

type TpmEndorsementCollection struct {
	TpmEndorsements []TpmEndorsement `json:"tpmEndorsements"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
