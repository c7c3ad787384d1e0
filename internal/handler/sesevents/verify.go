package sesevents

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
)

// errInvalidMessage marks SNS deliveries that fail authentication.
var errInvalidMessage = errors.New("invalid SNS message")

var snsHost = regexp.MustCompile(`^sns\.[a-z0-9-]+\.amazonaws\.com(\.cn)?$`)

// maxCertSize bounds the signing certificate download.
const maxCertSize = 64 << 10

// envelope is an SNS message delivered to an HTTPS endpoint.
type envelope struct {
	Type             string `json:"Type"`
	MessageID        string `json:"MessageId"`
	Token            string `json:"Token,omitempty"`
	TopicArn         string `json:"TopicArn"`
	Subject          string `json:"Subject,omitempty"`
	Message          string `json:"Message"`
	Timestamp        string `json:"Timestamp"`
	SignatureVersion string `json:"SignatureVersion"`
	Signature        string `json:"Signature"`
	SigningCertURL   string `json:"SigningCertURL"`
	SubscribeURL     string `json:"SubscribeURL,omitempty"`
}

// stringToSign builds the canonical form SNS signs for the envelope's type.
func (e envelope) stringToSign() (string, error) {
	var fields [][2]string
	switch e.Type {
	case snsNotification:
		fields = append(fields, [2]string{"Message", e.Message}, [2]string{"MessageId", e.MessageID})
		if e.Subject != "" {
			fields = append(fields, [2]string{"Subject", e.Subject})
		}
		fields = append(fields, [2]string{"Timestamp", e.Timestamp}, [2]string{"TopicArn", e.TopicArn}, [2]string{"Type", e.Type})
	case snsSubscriptionConfirmation, snsUnsubscribeConfirmation:
		fields = [][2]string{
			{"Message", e.Message},
			{"MessageId", e.MessageID},
			{"SubscribeURL", e.SubscribeURL},
			{"Timestamp", e.Timestamp},
			{"Token", e.Token},
			{"TopicArn", e.TopicArn},
			{"Type", e.Type},
		}
	default:
		return "", fmt.Errorf("%w: unknown type %q", errInvalidMessage, e.Type)
	}

	var b strings.Builder
	for _, f := range fields {
		b.WriteString(f[0])
		b.WriteByte('\n')
		b.WriteString(f[1])
		b.WriteByte('\n')
	}
	return b.String(), nil
}

// snsURL parses raw and checks that it points at an SNS endpoint over HTTPS.
func snsURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidMessage, err)
	}
	if u.Scheme != "https" || !snsHost.MatchString(u.Hostname()) {
		return nil, fmt.Errorf("%w: %q is not an SNS endpoint", errInvalidMessage, u.Host)
	}
	return u, nil
}

// certCache keeps signing certificates by URL for the life of the container.
type certCache struct {
	mu    sync.Mutex
	certs map[string]*x509.Certificate
}

func (c *certCache) get(ctx context.Context, client HTTPDoer, certURL string) (*x509.Certificate, error) {
	c.mu.Lock()
	cert, ok := c.certs[certURL]
	c.mu.Unlock()
	if ok {
		return cert, nil
	}

	u, err := snsURL(certURL)
	if err != nil {
		return nil, err
	}
	if !strings.HasSuffix(u.Path, ".pem") {
		return nil, fmt.Errorf("%w: signing certificate %q is not a PEM file", errInvalidMessage, u.Path)
	}
	if client == nil {
		return nil, errors.New("no HTTP client configured for signature verification")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("could not create request: %w", err)
	}
	res, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("could not fetch signing certificate: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("signing certificate request returned status %d", res.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(res.Body, maxCertSize))
	if err != nil {
		return nil, fmt.Errorf("could not read signing certificate: %w", err)
	}

	block, _ := pem.Decode(body)
	if block == nil {
		return nil, fmt.Errorf("%w: signing certificate is not PEM encoded", errInvalidMessage)
	}
	cert, err = x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidMessage, err)
	}

	c.mu.Lock()
	if c.certs == nil {
		c.certs = map[string]*x509.Certificate{}
	}
	c.certs[certURL] = cert
	c.mu.Unlock()
	return cert, nil
}

// verify checks the envelope's topic and its SNS signature.
func (h *Handler) verify(ctx context.Context, e envelope) error {
	if h.topicARN != "" && e.TopicArn != h.topicARN {
		return fmt.Errorf("%w: unexpected topic %q", errInvalidMessage, e.TopicArn)
	}

	var (
		hash   crypto.Hash
		digest []byte
	)
	msg, err := e.stringToSign()
	if err != nil {
		return err
	}
	switch e.SignatureVersion {
	case "1":
		sum := sha1.Sum([]byte(msg))
		hash, digest = crypto.SHA1, sum[:]
	case "2":
		sum := sha256.Sum256([]byte(msg))
		hash, digest = crypto.SHA256, sum[:]
	default:
		return fmt.Errorf("%w: unsupported signature version %q", errInvalidMessage, e.SignatureVersion)
	}

	sig, err := base64.StdEncoding.DecodeString(e.Signature)
	if err != nil {
		return fmt.Errorf("%w: signature is not base64", errInvalidMessage)
	}
	cert, err := h.certs.get(ctx, h.client, e.SigningCertURL)
	if err != nil {
		return err
	}
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return fmt.Errorf("%w: signing certificate does not hold an RSA key", errInvalidMessage)
	}
	if err := rsa.VerifyPKCS1v15(pub, hash, digest, sig); err != nil {
		return fmt.Errorf("%w: bad signature", errInvalidMessage)
	}
	return nil
}
