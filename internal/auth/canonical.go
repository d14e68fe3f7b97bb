package auth

import (
	"crypto/sha256"
	"encoding/hex"
)

// Scheme selects the wire format of a signed request.
type Scheme string

const (
	// SchemeHeader signs "METHOD\nroute\nhex(sha256(body))\nts\nnonce".
	// Used by the agent-commerce endpoints.
	SchemeHeader Scheme = "header"
	// SchemeWebhook signs "timestamp.body" (or "timestamp.nonce.body" when a
	// nonce is sent). Used by the payment webhook endpoints.
	SchemeWebhook Scheme = "webhook"
)

// Encode returns the exact bytes a client signs for the given request
// fields. ts is the timestamp exactly as sent, so a client that pads or
// formats it differently still verifies. Identical inputs always produce
// identical bytes, and distinct bodies never do: the header scheme carries
// a digest of the raw body rather than a re-encoded copy of it.
func Encode(scheme Scheme, method, route string, body []byte, ts, nonce string) []byte {
	if scheme == SchemeWebhook {
		n := len(ts) + 1 + len(body)
		if nonce != "" {
			n += len(nonce) + 1
		}
		buf := make([]byte, 0, n)
		buf = append(buf, ts...)
		buf = append(buf, '.')
		if nonce != "" {
			buf = append(buf, nonce...)
			buf = append(buf, '.')
		}
		return append(buf, body...)
	}

	// Only the trailing nonce may contain arbitrary bytes; the fields before
	// it never contain a newline, so the layout stays unambiguous.
	sum := sha256.Sum256(body)
	buf := make([]byte, 0, len(method)+len(route)+hex.EncodedLen(len(sum))+len(ts)+len(nonce)+4)
	buf = append(buf, method...)
	buf = append(buf, '\n')
	buf = append(buf, route...)
	buf = append(buf, '\n')
	buf = hex.AppendEncode(buf, sum[:])
	buf = append(buf, '\n')
	buf = append(buf, ts...)
	buf = append(buf, '\n')
	return append(buf, nonce...)
}
