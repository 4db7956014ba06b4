package merchant

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Signer produces OAuth 1.0a Authorization headers with RSA-SHA256
// signatures, including oauth_body_hash for write methods. The service
// validates signatures byte for byte, so the percent encoding and parameter
// ordering here follow RFC 5849 exactly.
type Signer struct {
	consumerKey string
	key         *rsa.PrivateKey

	// overridable for deterministic tests
	nonce func() string
	now   func() time.Time
}

// NewSigner parses the PEM private key (PKCS#1 or PKCS#8) and returns a
// ready signer.
func NewSigner(consumerKey, privateKeyPEM string) (*Signer, error) {
	if consumerKey == "" {
		return nil, errors.New("consumer key is required")
	}
	key, err := parsePrivateKey(privateKeyPEM)
	if err != nil {
		return nil, err
	}
	return &Signer{
		consumerKey: consumerKey,
		key:         key,
		nonce:       randomNonce,
		now:         time.Now,
	}, nil
}

func parsePrivateKey(pemData string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.New("no PEM block found in private key")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("private key is neither PKCS#1 nor PKCS#8: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("private key is not RSA")
	}
	return key, nil
}

func randomNonce() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return hex.EncodeToString(buf)
}

// Authorization signs method + rawURL (+ body for write methods) and returns
// the OAuth header value.
func (s *Signer) Authorization(method, rawURL string, body []byte) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("unsignable url: %w", err)
	}

	oauthParams := map[string]string{
		"oauth_consumer_key":     s.consumerKey,
		"oauth_nonce":            s.nonce(),
		"oauth_timestamp":        strconv.FormatInt(s.now().Unix(), 10),
		"oauth_signature_method": "RSA-SHA256",
		"oauth_version":          "1.0",
	}
	if method != http.MethodGet && method != http.MethodHead {
		sum := sha256.Sum256(body)
		oauthParams["oauth_body_hash"] = base64.StdEncoding.EncodeToString(sum[:])
	}

	base := signatureBase(method, u, oauthParams)
	digest := sha256.Sum256([]byte(base))
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.key, crypto.SHA256, digest[:])
	if err != nil {
		return "", fmt.Errorf("signing failed: %w", err)
	}
	oauthParams["oauth_signature"] = base64.StdEncoding.EncodeToString(sig)

	keys := make([]string, 0, len(oauthParams))
	for k := range oauthParams {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("OAuth ")
	for i, k := range keys {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString(percentEncode(k))
		b.WriteString(`="`)
		b.WriteString(percentEncode(oauthParams[k]))
		b.WriteString(`"`)
	}
	return b.String(), nil
}

// signatureBase builds METHOD&encoded-base-url&encoded-sorted-params over
// both query and oauth parameters.
func signatureBase(method string, u *url.URL, oauthParams map[string]string) string {
	type pair struct{ k, v string }
	var pairs []pair
	for key, values := range u.Query() {
		for _, v := range values {
			pairs = append(pairs, pair{percentEncode(key), percentEncode(v)})
		}
	}
	for k, v := range oauthParams {
		pairs = append(pairs, pair{percentEncode(k), percentEncode(v)})
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].k != pairs[j].k {
			return pairs[i].k < pairs[j].k
		}
		return pairs[i].v < pairs[j].v
	})

	var params strings.Builder
	for i, p := range pairs {
		if i > 0 {
			params.WriteString("&")
		}
		params.WriteString(p.k)
		params.WriteString("=")
		params.WriteString(p.v)
	}

	baseURL := u.Scheme + "://" + strings.ToLower(u.Host) + u.EscapedPath()
	return strings.ToUpper(method) + "&" + percentEncode(baseURL) + "&" + percentEncode(params.String())
}

// percentEncode implements the RFC 3986 unreserved-set encoding OAuth
// requires; url.QueryEscape is not byte-compatible (space, tilde).
func percentEncode(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9',
			c == '-', c == '.', c == '_', c == '~':
			b.WriteByte(c)
		default:
			b.WriteString(fmt.Sprintf("%%%02X", c))
		}
	}
	return b.String()
}
