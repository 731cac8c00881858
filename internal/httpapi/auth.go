package httpapi

import (
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	HeaderSigner    = "X-Vault-Signer"
	HeaderTimestamp = "X-Vault-Timestamp"
	HeaderSignature = "X-Vault-Signature"

	signingDomain = "vault-api:v1"
)

var (
	errMissingAuth   = errors.New("httpapi: missing signature headers")
	errBadSignature  = errors.New("httpapi: bad signature")
	errStaleRequest  = errors.New("httpapi: timestamp outside allowed skew")
	errReplayRequest = errors.New("httpapi: signature already used")
)

// SigningPayload is the text a client signs with personal_sign (EIP-191):
//
//	vault-api:v1\n<METHOD>\n<PATH>\n<unix seconds>\n<keccak256(body) hex>
func SigningPayload(method, path string, ts int64, body []byte) []byte {
	var b strings.Builder
	b.WriteString(signingDomain)
	b.WriteByte('\n')
	b.WriteString(strings.ToUpper(method))
	b.WriteByte('\n')
	b.WriteString(path)
	b.WriteByte('\n')
	b.WriteString(strconv.FormatInt(ts, 10))
	b.WriteByte('\n')
	b.WriteString(hex.EncodeToString(crypto.Keccak256(body)))
	return []byte(b.String())
}

// SignRequest signs a request for the holder of key. v is returned in {27,28}.
func SignRequest(key *ecdsa.PrivateKey, method, path string, ts int64, body []byte) ([]byte, error) {
	if key == nil {
		return nil, errors.New("httpapi: nil private key")
	}
	sig, err := crypto.Sign(accounts.TextHash(SigningPayload(method, path, ts, body)), key)
	if err != nil {
		return nil, fmt.Errorf("httpapi: sign request: %w", err)
	}
	sig[64] += 27
	return sig, nil
}

// SetAuthHeaders signs req for the holder of key at now and sets the
// signature headers. body must be the exact request body.
func SetAuthHeaders(req *http.Request, key *ecdsa.PrivateKey, body []byte, now time.Time) error {
	ts := now.Unix()
	sig, err := SignRequest(key, req.Method, req.URL.Path, ts, body)
	if err != nil {
		return err
	}
	req.Header.Set(HeaderSigner, crypto.PubkeyToAddress(key.PublicKey).Hex())
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(HeaderSignature, "0x"+hex.EncodeToString(sig))
	return nil
}

type signedRequest struct {
	signer common.Address
	// digest keys replay protection, so malleated signatures collide.
	digest []byte
}

// verifyRequest checks that the headers carry a fresh signature over the
// request by the claimed signer.
func verifyRequest(signerHex, tsRaw, sigHex, method, path string, body []byte, now time.Time, skew time.Duration) (signedRequest, error) {
	signerHex = strings.TrimSpace(signerHex)
	tsRaw = strings.TrimSpace(tsRaw)
	sigHex = strings.TrimSpace(sigHex)
	if signerHex == "" || tsRaw == "" || sigHex == "" {
		return signedRequest{}, errMissingAuth
	}
	if !common.IsHexAddress(signerHex) {
		return signedRequest{}, fmt.Errorf("%w: signer is not an address", errBadSignature)
	}
	signer := common.HexToAddress(signerHex)

	ts, err := strconv.ParseInt(tsRaw, 10, 64)
	if err != nil {
		return signedRequest{}, fmt.Errorf("%w: timestamp: %v", errBadSignature, err)
	}
	at := time.Unix(ts, 0)
	if at.Before(now.Add(-skew)) || at.After(now.Add(skew)) {
		return signedRequest{}, errStaleRequest
	}

	sig, err := hex.DecodeString(strings.TrimPrefix(strings.TrimPrefix(sigHex, "0x"), "0X"))
	if err != nil || len(sig) != crypto.SignatureLength {
		return signedRequest{}, fmt.Errorf("%w: signature must be %d hex bytes", errBadSignature, crypto.SignatureLength)
	}
	rsv := append([]byte(nil), sig...)
	switch rsv[64] {
	case 0, 1:
	case 27, 28:
		rsv[64] -= 27
	default:
		return signedRequest{}, fmt.Errorf("%w: bad v %d", errBadSignature, rsv[64])
	}

	digest := accounts.TextHash(SigningPayload(method, path, ts, body))
	pub, err := crypto.SigToPub(digest, rsv)
	if err != nil {
		return signedRequest{}, fmt.Errorf("%w: %v", errBadSignature, err)
	}
	if crypto.PubkeyToAddress(*pub) != signer {
		return signedRequest{}, fmt.Errorf("%w: signer mismatch", errBadSignature)
	}
	return signedRequest{signer: signer, digest: digest}, nil
}
