// payctl is the operator CLI: key and certificate generation for providers,
// account-hash computation for payee rosters, and authority object checks.
package main

import (
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/donnacn/saturn/pkg/authority"
	"github.com/donnacn/saturn/pkg/config"
	"github.com/donnacn/saturn/pkg/envelope"
	"github.com/donnacn/saturn/pkg/httpx"
)

func main() {
	root := &cobra.Command{
		Use:           "payctl",
		Short:         "operator tooling for payment providers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(keygenCmd(), rootCertCmd(), providerCertCmd(), payeeHashCmd(), verifyCmd())
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "payctl: %v\n", err)
		os.Exit(1)
	}
}

func keygenCmd() *cobra.Command {
	var keyType, out string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "generate a signing or encryption key",
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				private interface{}
				public  interface{}
			)
			switch keyType {
			case "ed25519":
				pub, priv, err := ed25519.GenerateKey(rand.Reader)
				if err != nil {
					return err
				}
				private, public = priv, pub
			case "p256":
				priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
				if err != nil {
					return err
				}
				private, public = priv, &priv.PublicKey
			default:
				return fmt.Errorf("unsupported key type %q (ed25519, p256)", keyType)
			}
			if err := writePEMKey(out, private); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\npublicKey: %s\n", out, envelope.EncodePublicKey(public))
			return nil
		},
	}
	cmd.Flags().StringVar(&keyType, "type", "ed25519", "key type: ed25519 or p256")
	cmd.Flags().StringVar(&out, "out", "key.pem", "output file")
	return cmd
}

func rootCertCmd() *cobra.Command {
	var cn, out string
	var years int
	cmd := &cobra.Command{
		Use:   "root",
		Short: "mint a self-signed trust root",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
			if err != nil {
				return err
			}
			template := &x509.Certificate{
				SerialNumber:          randomSerial(),
				Subject:               pkix.Name{CommonName: cn},
				NotBefore:             time.Now().Add(-time.Hour),
				NotAfter:              time.Now().AddDate(years, 0, 0),
				IsCA:                  true,
				BasicConstraintsValid: true,
				KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
			}
			der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
			if err != nil {
				return err
			}
			if err := writePEMKey(out+".key.pem", key); err != nil {
				return err
			}
			if err := writePEMCert(out+".cert.pem", der); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s.key.pem and %s.cert.pem\n", out, out)
			return nil
		},
	}
	cmd.Flags().StringVar(&cn, "cn", "Payment Root", "subject common name")
	cmd.Flags().StringVar(&out, "out", "payment-root", "output file prefix")
	cmd.Flags().IntVar(&years, "years", 10, "validity in years")
	return cmd
}

func providerCertCmd() *cobra.Command {
	var rootKeyPath, rootCertPath, cn, out string
	var years int
	cmd := &cobra.Command{
		Use:   "provider-cert",
		Short: "mint a provider certificate under a trust root",
		RunE: func(cmd *cobra.Command, args []string) error {
			rootKey, err := config.LoadECDSAPrivateKey(rootKeyPath)
			if err != nil {
				return err
			}
			rootChain, err := config.LoadCertificateChain(rootCertPath)
			if err != nil {
				return err
			}
			key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
			if err != nil {
				return err
			}
			template := &x509.Certificate{
				SerialNumber: randomSerial(),
				Subject:      pkix.Name{CommonName: cn},
				NotBefore:    time.Now().Add(-time.Hour),
				NotAfter:     time.Now().AddDate(years, 0, 0),
				KeyUsage:     x509.KeyUsageDigitalSignature,
			}
			der, err := x509.CreateCertificate(rand.Reader, template, rootChain[0], &key.PublicKey, rootKey)
			if err != nil {
				return err
			}
			if err := writePEMKey(out+".key.pem", key); err != nil {
				return err
			}
			if err := writePEMCerts(out+".cert.pem", der, rootChain[0].Raw); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s.key.pem and %s.cert.pem\n", out, out)
			return nil
		},
	}
	cmd.Flags().StringVar(&rootKeyPath, "root-key", "payment-root.key.pem", "root private key")
	cmd.Flags().StringVar(&rootCertPath, "root-cert", "payment-root.cert.pem", "root certificate")
	cmd.Flags().StringVar(&cn, "cn", "Provider", "subject common name")
	cmd.Flags().StringVar(&out, "out", "provider", "output file prefix")
	cmd.Flags().IntVar(&years, "years", 2, "validity in years")
	return cmd
}

func payeeHashCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "payee-hash ACCOUNT",
		Short: "compute the roster account hash for a payee account id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sum := sha256.Sum256([]byte(args[0]))
			fmt.Fprintln(cmd.OutOrStdout(), base64.StdEncoding.EncodeToString(sum[:]))
			return nil
		},
	}
	return cmd
}

func verifyCmd() *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:   "verify URL",
		Short: "fetch an authority object and verify its signature and validity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()
			url := args[0]
			status, body, err := httpx.RequestJSON(ctx, http.DefaultClient, http.MethodGet, url, nil, nil, 0, 0)
			if err != nil {
				return err
			}
			if status != http.StatusOK {
				return fmt.Errorf("fetch %s: status %d", url, status)
			}
			switch kind {
			case "provider":
				prov, err := authority.DecodeProviderAuthority(body, url, time.Now())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "ok: provider authority, expires %s, leaf %s\n",
					prov.ProviderAuthority.Expires, prov.Signature.CertificatePath[0].Subject.CommonName)
			case "payee":
				payee, err := authority.DecodePayeeAuthority(body, url, time.Now())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "ok: payee authority for %s (%s), expires %s\n",
					payee.PayeeAuthority.PayeeCoreProperties.PayeeID,
					payee.PayeeAuthority.PayeeCoreProperties.CommonName,
					payee.PayeeAuthority.Expires)
			default:
				return fmt.Errorf("unsupported kind %q (provider, payee)", kind)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "provider", "authority kind: provider or payee")
	return cmd
}

func writePEMKey(path string, key interface{}) error {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return err
	}
	return os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), 0o600)
}

func writePEMCert(path string, der []byte) error {
	return os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o644)
}

func writePEMCerts(path string, ders ...[]byte) error {
	var out []byte
	for _, der := range ders {
		out = append(out, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})...)
	}
	return os.WriteFile(path, out, 0o644)
}

func randomSerial() *big.Int {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return big.NewInt(time.Now().UnixNano())
	}
	return serial
}
