package merchant

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func generateTestKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return key
}

func pkcs1PEM(key *rsa.PrivateKey) string {
	return string(pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	}))
}

func pkcs8PEM(t *testing.T, key *rsa.PrivateKey) string {
	t.Helper()
	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	return string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}))
}

func newTestSigner(t *testing.T, key *rsa.PrivateKey) *Signer {
	t.Helper()
	s, err := NewSigner("test-consumer-key", pkcs1PEM(key))
	require.NoError(t, err)
	s.nonce = func() string { return "fixednonce" }
	s.now = func() time.Time { return time.Unix(1700000000, 0) }
	return s
}

func TestNewSigner_KeyFormats(t *testing.T) {
	key := generateTestKey(t)

	_, err := NewSigner("ck", pkcs1PEM(key))
	assert.NoError(t, err, "PKCS#1")

	_, err = NewSigner("ck", pkcs8PEM(t, key))
	assert.NoError(t, err, "PKCS#8")

	_, err = NewSigner("ck", "not a key")
	assert.Error(t, err)

	_, err = NewSigner("", pkcs1PEM(key))
	assert.Error(t, err)
}

func TestSigner_HeaderShape(t *testing.T) {
	key := generateTestKey(t)
	s := newTestSigner(t, key)

	header, err := s.Authorization(http.MethodPost, "https://api.example.com/bulk-searches", []byte(`{"x":1}`))
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(header, "OAuth "))
	for _, param := range []string{
		"oauth_consumer_key=\"test-consumer-key\"",
		"oauth_nonce=\"fixednonce\"",
		"oauth_signature_method=\"RSA-SHA256\"",
		"oauth_timestamp=\"1700000000\"",
		"oauth_version=\"1.0\"",
		"oauth_body_hash=",
		"oauth_signature=",
	} {
		assert.Contains(t, header, param)
	}
}

func TestSigner_BodyHashOnlyOnWrites(t *testing.T) {
	key := generateTestKey(t)
	s := newTestSigner(t, key)

	get, err := s.Authorization(http.MethodGet, "https://api.example.com/bulk-searches/abc", nil)
	require.NoError(t, err)
	assert.NotContains(t, get, "oauth_body_hash")

	body := []byte(`{"queries":[]}`)
	post, err := s.Authorization(http.MethodPost, "https://api.example.com/bulk-searches", body)
	require.NoError(t, err)

	sum := sha256.Sum256(body)
	want := percentEncode(base64.StdEncoding.EncodeToString(sum[:]))
	assert.Contains(t, post, `oauth_body_hash="`+want+`"`)
}

func TestSigner_SignatureVerifies(t *testing.T) {
	key := generateTestKey(t)
	s := newTestSigner(t, key)

	rawURL := "https://api.example.com/bulk-searches/S1/results?search_request_id=&offset=0&limit=25"
	header, err := s.Authorization(http.MethodGet, rawURL, nil)
	require.NoError(t, err)

	params := parseOAuthHeader(t, header)
	sig, err := base64.StdEncoding.DecodeString(params["oauth_signature"])
	require.NoError(t, err)

	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	oauthParams := map[string]string{}
	for k, v := range params {
		if k != "oauth_signature" {
			oauthParams[k] = v
		}
	}
	base := signatureBase(http.MethodGet, u, oauthParams)
	digest := sha256.Sum256([]byte(base))
	assert.NoError(t, rsa.VerifyPKCS1v15(&key.PublicKey, crypto.SHA256, digest[:], sig))

	// The empty search_request_id parameter participates in the base string.
	assert.Contains(t, base, "search_request_id")
}

func TestSigner_BaseStringSortsParameters(t *testing.T) {
	u, err := url.Parse("https://api.example.com/path?b=2&a=1")
	require.NoError(t, err)
	base := signatureBase(http.MethodGet, u, map[string]string{"oauth_nonce": "n"})

	decoded, err := url.QueryUnescape(base)
	require.NoError(t, err)
	assert.Less(t, strings.Index(decoded, "a=1"), strings.Index(decoded, "b=2"))
	assert.True(t, strings.HasPrefix(base, "GET&"))
}

func TestPercentEncode(t *testing.T) {
	assert.Equal(t, "abc-._~XYZ019", percentEncode("abc-._~XYZ019"))
	assert.Equal(t, "a%20b", percentEncode("a b"))
	assert.Equal(t, "a%26b%3Dc", percentEncode("a&b=c"))
	assert.Equal(t, "%2B", percentEncode("+"))
	assert.Equal(t, "%C3%A9", percentEncode("é"))
}

func parseOAuthHeader(t *testing.T, header string) map[string]string {
	t.Helper()
	require.True(t, strings.HasPrefix(header, "OAuth "))
	out := map[string]string{}
	for _, part := range strings.Split(strings.TrimPrefix(header, "OAuth "), ",") {
		kv := strings.SplitN(part, "=", 2)
		require.Len(t, kv, 2)
		val := strings.Trim(kv[1], `"`)
		decoded, err := url.QueryUnescape(val)
		require.NoError(t, err)
		out[kv[0]] = decoded
	}
	return out
}
