package resolver

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"encoding/json"
	"regexp"

	"streamgate/services/extractors"
)

// Some intermediaries embed their candidate list as an AES-GCM payload in
// global script variables: base64 key, IV, and ciphertext with the 16-byte
// tag appended. The variable names vary per host family but the shape does
// not.
var (
	payloadKeyRe  = regexp.MustCompile(`(?i)(?:var|let|const)?\s*(?:key|k)\s*=\s*["']([A-Za-z0-9+/=]{16,})["']`)
	payloadIVRe   = regexp.MustCompile(`(?i)(?:var|let|const)?\s*(?:iv|nonce)\s*=\s*["']([A-Za-z0-9+/=]{8,})["']`)
	payloadDataRe = regexp.MustCompile(`(?i)(?:var|let|const)?\s*(?:data|payload|ct)\s*=\s*["']([A-Za-z0-9+/=]{24,})["']`)
)

type encryptedPayload struct {
	Sources []struct {
		File     string `json:"file"`
		Label    string `json:"label"`
		Size     int64  `json:"size"`
		Priority int    `json:"priority"`
	} `json:"sources"`
}

// decodePayloadCandidates finds and decrypts an embedded payload, returning
// its candidate list. Any failure (missing variables, bad tag, non-JSON
// plaintext) reports no payload; the caller falls back to anchor harvesting.
func decodePayloadCandidates(body []byte) ([]extractors.Candidate, bool) {
	keyM := payloadKeyRe.FindSubmatch(body)
	ivM := payloadIVRe.FindSubmatch(body)
	dataM := payloadDataRe.FindSubmatch(body)
	if keyM == nil || ivM == nil || dataM == nil {
		return nil, false
	}

	plaintext, err := decryptGCM(string(keyM[1]), string(ivM[1]), string(dataM[1]))
	if err != nil {
		return nil, false
	}

	var payload encryptedPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, false
	}

	var out []extractors.Candidate
	for _, src := range payload.Sources {
		if src.File == "" {
			continue
		}
		priority := src.Priority
		if priority == 0 {
			priority = extractors.TierOf(src.File).Priority()
		}
		out = append(out, extractors.Candidate{
			URL:      src.File,
			Label:    src.Label,
			Size:     src.Size,
			Priority: priority,
		})
	}
	return out, len(out) > 0
}

// decryptGCM opens base64 key/iv/ciphertext where the ciphertext carries the
// trailing 16-byte auth tag, the layout cipher.AEAD expects.
func decryptGCM(keyB64, ivB64, dataB64 string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(keyB64)
	if err != nil {
		return nil, err
	}
	iv, err := base64.StdEncoding.DecodeString(ivB64)
	if err != nil {
		return nil, err
	}
	data, err := base64.StdEncoding.DecodeString(dataB64)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, len(iv))
	if err != nil {
		return nil, err
	}
	return gcm.Open(nil, iv, data, nil)
}
