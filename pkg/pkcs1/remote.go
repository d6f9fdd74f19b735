package pkcs1

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"net/http"

	"github.com/pkg/errors"
)

// RemoteSigner asks an HTTP signing oracle to sign on our behalf. The
// oracle holds the private keys; we identify ours by the SHA-1 hex of
// the corresponding certificate PEM (see KeyID).
//
// Request and response bodies are JSON:
//
//	{"key": "<cert hash>",
//	 "plaintext": [{"key": "0", "value": "<base64>"}],
//	 "algorithm": "SIGNATURE_RSA_PKCS1_SHA256"}
//
//	{"signature": {"0": "<base64>"}}
type RemoteSigner struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

const remoteAlgorithm = "SIGNATURE_RSA_PKCS1_SHA256"

// the oracle signs batches; we only ever send one plaintext
const plaintextKey = "0"

func NewRemoteSigner(endpoint, key string) *RemoteSigner {
	return &RemoteSigner{
		Endpoint: endpoint,
		Key:      key,
		Client:   http.DefaultClient,
	}
}

type remoteRequest struct {
	Key       string            `json:"key"`
	Plaintext []remotePlaintext `json:"plaintext"`
	Algorithm string            `json:"algorithm"`
}

type remotePlaintext struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type remoteResponse struct {
	Signature map[string]string `json:"signature"`
}

// Sign may block on network I/O; it runs to completion or fails, there
// is no cancellation protocol.
func (s *RemoteSigner) Sign(data []byte) ([]byte, error) {
	body, err := json.Marshal(remoteRequest{
		Key: s.Key,
		Plaintext: []remotePlaintext{
			{Key: plaintextKey, Value: base64.StdEncoding.EncodeToString(data)},
		},
		Algorithm: remoteAlgorithm,
	})
	if err != nil {
		return nil, errors.Wrap(err, "encoding signing request")
	}
	req, err := http.NewRequest(http.MethodPost, s.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "building signing request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "signing oracle at %s", s.Endpoint)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("signing oracle at %s returned %s", s.Endpoint, resp.Status)
	}
	var decoded remoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, errors.Wrap(err, "decoding signing response")
	}
	encoded, ok := decoded.Signature[plaintextKey]
	if !ok {
		return nil, errors.New("signing oracle response missing signature")
	}
	sig, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, errors.Wrap(err, "decoding signature")
	}
	return sig, nil
}
