package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"path"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/inconshreveable/log15"
	"github.com/psanford/lambdahttp/lambdahttpv2"
	"github.com/psanford/tpm-privacy-ca/api"
	"github.com/psanford/tpm-privacy-ca/cacerts"
	"github.com/psanford/tpm-privacy-ca/endorsement"
	"github.com/psanford/tpm-privacy-ca/privacyca"
	"github.com/psanford/tpm-privacy-ca/privacycaserver/config"
	"github.com/spf13/afero"
)

var (
	addr    = flag.String("listen-addr", "127.0.0.1:1234", "Host/Port to listen on")
	cliMode = flag.String("mode", "http", "execution mode: http|lambda")

	configPath = flag.String("config", "privacyca.hcl", "Path to server config")
)

func main() {
	flag.Parse()

	handler := log15.StreamHandler(os.Stdout, log15.LogfmtFormat())
	log15.Root().SetHandler(handler)
	lgr := log15.New()

	conf, err := config.Load(*configPath)
	if err != nil {
		lgr.Error("load_config_err", "path", *configPath, "err", err)
		os.Exit(1)
	}

	h, err := newHandler(conf, afero.NewOsFs(), lgr)
	if err != nil {
		lgr.Error("init_err", "err", err)
		os.Exit(1)
	}

	switch *cliMode {
	case "http":
		fmt.Printf("Listening on %s\n", *addr)
		panic(http.ListenAndServe(*addr, h))
	default:
		lambda.Start(lambdahttpv2.NewLambdaHandler(h))
	}
}

func newHandler(conf *config.ServerConfig, fs afero.Fs, lgr log15.Logger) (http.Handler, error) {
	privacy, err := privacyca.LoadAuthority([]byte(conf.PrivacyCA.PrivateKey), []byte(conf.PrivacyCA.Certificate))
	if err != nil {
		return nil, fmt.Errorf("privacy_ca: %w", err)
	}
	endorsementCA := privacy
	if conf.EndorsementCA != nil {
		endorsementCA, err = privacyca.LoadAuthority([]byte(conf.EndorsementCA.PrivateKey), []byte(conf.EndorsementCA.Certificate))
		if err != nil {
			return nil, fmt.Errorf("endorsement_ca: %w", err)
		}
	}

	issuer := privacyca.NewIssuer(privacyca.IssuerConfig{
		Privacy:     privacy,
		Endorsement: endorsementCA,
		Validity:    conf.AIKValidity,
		Archive:     privacyca.NewFileArchive(fs, conf.DataDir),
		Logger:      lgr.New("component", "issuer"),
	})

	certs := cacerts.NewStore()
	if err := certs.AddDER(cacerts.KindPrivacy, "", issuer.Privacy().Cert.Raw); err != nil {
		return nil, err
	}
	// EK certificates issued by /privacyca/tpm-endorsement are trusted
	if err := certs.AddDER(cacerts.KindEndorsement, cacerts.DefaultDomain, issuer.Endorsement().Cert.Raw); err != nil {
		return nil, err
	}
	for _, c := range conf.CaCertificates {
		kind, err := cacerts.ParseKind(c.Kind)
		if err != nil {
			return nil, fmt.Errorf("ca_certificate %q: %w", c.Kind, err)
		}
		if err := certs.AddPEM(kind, c.Domain, []byte(c.Certificate)); err != nil {
			return nil, fmt.Errorf("ca_certificate %q: %w", c.Kind, err)
		}
	}
	if err := certs.LoadDir(fs, path.Join(conf.DataDir, "ca-certificates")); err != nil {
		return nil, err
	}

	endorsements, err := endorsement.OpenStore(fs, conf.DataDir, lgr.New("component", "endorsements"))
	if err != nil {
		return nil, fmt.Errorf("open endorsement store: %w", err)
	}

	challenges := privacyca.NewMemoryChallengeStore(time.Now, time.Minute)
	engine := privacyca.NewEngine(privacyca.EngineConfig{
		Endorsements: endorsement.NewTrustStore(certs, endorsements, time.Now, lgr.New("component", "trust")),
		Challenges:   challenges,
		TTL:          conf.ChallengeTTL,
		Logger:       lgr.New("component", "activation"),
	})

	lgr.Info("privacy_ca_ready", "privacy_subject", issuer.Privacy().Cert.Subject.String(),
		"endorsement_subject", issuer.Endorsement().Cert.Subject.String(), "data_dir", conf.DataDir,
		"challenge_ttl", conf.ChallengeTTL)

	return api.New(api.Config{
		Engine:         engine,
		Verifier:       privacyca.NewVerifier(challenges, issuer, engine, lgr.New("component", "verifier")),
		Issuer:         issuer,
		CACerts:        certs,
		Endorsements:   endorsements,
		RequestTimeout: conf.RequestTimeout,
	}).Handler(), nil
}
