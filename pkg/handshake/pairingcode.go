package handshake

import (
	"encoding/binary"
	"fmt"

	"github.com/go-carlink/carlink/pkg/crypto"
)

// pairingCodeContext domain-separates the pairing-code derivation from
// any other use of HMAC-SHA256 over an out-of-band token.
const pairingCodeContext = "CarLink Pairing Code V1"

// PairingCodeFromToken derives the same 6-digit decimal pairing code an
// OutOfBandTokenProvider's token implies, so it can be checked against
// the code a Handshake would otherwise require a human to read and
// confirm visually.
func PairingCodeFromToken(token []byte) string {
	sum := crypto.HMACSHA256(token, []byte(pairingCodeContext))
	v := binary.BigEndian.Uint32(sum[:4]) % 1000000
	return fmt.Sprintf("%06d", v)
}
