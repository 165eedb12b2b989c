package main

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"flag"
	"fmt"
	"io/ioutil"
	"os"
	"time"

	"github.com/google/go-attestation/attest"
	"github.com/inconshreveable/log15"
	"github.com/psanford/tpm-privacy-ca/client"
	"github.com/psanford/tpm-privacy-ca/endorsement"
	"github.com/psanford/tpm-privacy-ca/messages"
)

var (
	serverURL = flag.String("url", "http://localhost:1234", "Server url")
	timeout   = flag.Duration("timeout", 30*time.Second, "Request timeout")
)

const usage = `usage: privacycaclient [-url URL] <command> [args]

commands:
  print-eks                                  print the local TPM's endorsement keys
  endorse-tpm [-modulus FILE]                request an EK certificate (local TPM EK when -modulus is unset)
  ca-cert get <id>                           fetch a singleton CA certificate (root, privacy, ...)
  ca-cert search [-id KIND] [-domain DOMAIN] fetch a PEM bundle of CA certificates
  endorsement create -hw UUID -cert FILE [-comment C]
  endorsement get <id>
  endorsement search [-hw UUID] [-issuer S] [-comment S] [-revoked true|false]
  endorsement revoke <id>
  endorsement delete <id>
`

func main() {
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	handler := log15.StreamHandler(os.Stderr, log15.LogfmtFormat())
	log15.Root().SetHandler(handler)
	lgr := log15.New()

	args := flag.Args()
	if len(args) < 1 {
		flag.Usage()
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	c := client.New(*serverURL, nil)

	var err error
	switch args[0] {
	case "print-eks":
		err = printEKs()
	case "endorse-tpm":
		err = endorseTpm(ctx, c, args[1:])
	case "ca-cert":
		err = caCert(ctx, c, args[1:])
	case "endorsement":
		err = endorsementCmd(ctx, c, args[1:])
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		lgr.Error("command_err", "cmd", args[0], "err", err)
		os.Exit(1)
	}
}

func localEKs() ([]attest.EK, error) {
	tpm, err := attest.OpenTPM(&attest.OpenConfig{})
	if err != nil {
		return nil, fmt.Errorf("open tpm: %w", err)
	}
	defer tpm.Close()
	return tpm.EKs()
}

func printEKs() error {
	eks, err := localEKs()
	if err != nil {
		return err
	}
	for i, ek := range eks {
		fmt.Printf("%d:\n%s\n", i, keyToPem(ek.Public))
	}
	return nil
}

func endorseTpm(ctx context.Context, c *client.Client, args []string) error {
	fset := flag.NewFlagSet("endorse-tpm", flag.ExitOnError)
	modulusFile := fset.String("modulus", "", "File holding the raw big-endian EK modulus")
	fset.Parse(args)

	var modulus []byte
	if *modulusFile != "" {
		var err error
		modulus, err = ioutil.ReadFile(*modulusFile)
		if err != nil {
			return err
		}
	} else {
		eks, err := localEKs()
		if err != nil {
			return err
		}
		for _, ek := range eks {
			if pub, ok := ek.Public.(*rsa.PublicKey); ok {
				modulus = pub.N.Bytes()
				break
			}
		}
		if modulus == nil {
			return fmt.Errorf("no rsa endorsement key found on local tpm")
		}
	}

	cert, err := c.EndorseTpm(ctx, modulus)
	if err != nil {
		return err
	}
	os.Stdout.Write(cert)
	return nil
}

func caCert(ctx context.Context, c *client.Client, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("ca-cert: missing subcommand")
	}
	switch args[0] {
	case "get":
		if len(args) != 2 {
			return fmt.Errorf("ca-cert get: missing id")
		}
		cert, err := c.RetrieveCaCertificate(ctx, args[1])
		if err != nil {
			return err
		}
		os.Stdout.Write(cert)
	case "search":
		fset := flag.NewFlagSet("ca-cert search", flag.ExitOnError)
		id := fset.String("id", "", "Certificate kind")
		domain := fset.String("domain", "", "Certificate domain")
		fset.Parse(args[1:])
		bundle, err := c.SearchCaCertificatesPem(ctx, *id, *domain)
		if err != nil {
			return err
		}
		os.Stdout.Write(bundle)
	default:
		return fmt.Errorf("ca-cert: unknown subcommand %q", args[0])
	}
	return nil
}

func endorsementCmd(ctx context.Context, c *client.Client, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("endorsement: missing subcommand")
	}
	sub, rest := args[0], args[1:]

	switch sub {
	case "create":
		fset := flag.NewFlagSet("endorsement create", flag.ExitOnError)
		hw := fset.String("hw", "", "Hardware uuid")
		certFile := fset.String("cert", "", "EK certificate (PEM or DER)")
		comment := fset.String("comment", "", "Comment")
		fset.Parse(rest)
		der, err := readCertificate(*certFile)
		if err != nil {
			return err
		}
		rec, err := c.CreateTpmEndorsement(ctx, messages.TpmEndorsement{
			HardwareUUID: *hw,
			Certificate:  der,
			Comment:      *comment,
		})
		if err != nil {
			return err
		}
		return printJSON(rec)
	case "search":
		fset := flag.NewFlagSet("endorsement search", flag.ExitOnError)
		hw := fset.String("hw", "", "Hardware uuid")
		issuer := fset.String("issuer", "", "Issuer substring")
		comment := fset.String("comment", "", "Comment substring")
		revoked := fset.String("revoked", "", "true|false")
		fset.Parse(rest)
		f := endorsement.Filter{
			HardwareUUIDEqualTo: *hw,
			IssuerContains:      *issuer,
			CommentContains:     *comment,
		}
		switch *revoked {
		case "":
		case "true":
			f.RevokedEqualTo = endorsement.Bool(true)
		case "false":
			f.RevokedEqualTo = endorsement.Bool(false)
		default:
			return fmt.Errorf("-revoked must be true or false")
		}
		coll, err := c.SearchTpmEndorsements(ctx, f)
		if err != nil {
			return err
		}
		return printJSON(coll)
	}

	if len(rest) != 1 {
		return fmt.Errorf("endorsement %s: missing id", sub)
	}
	id := rest[0]

	switch sub {
	case "get":
		rec, err := c.RetrieveTpmEndorsement(ctx, id)
		if err != nil {
			return err
		}
		return printJSON(rec)
	case "revoke":
		rec, err := c.RevokeTpmEndorsement(ctx, id)
		if err != nil {
			return err
		}
		return printJSON(rec)
	case "delete":
		return c.DeleteTpmEndorsement(ctx, id)
	default:
		return fmt.Errorf("endorsement: unknown subcommand %q", sub)
	}
}

func readCertificate(path string) ([]byte, error) {
	if path == "" {
		return nil, fmt.Errorf("-cert is required")
	}
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if block, _ := pem.Decode(data); block != nil {
		return block.Bytes, nil
	}
	return data, nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func keyToPem(key crypto.PublicKey) string {
	marshalled, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		panic(err)
	}

	canonicalPem := pem.EncodeToMemory(&pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: marshalled,
	})

	return string(canonicalPem)
}
