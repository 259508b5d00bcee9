package reconnection

import (
	"github.com/go-carlink/carlink/pkg/carstore"
	"github.com/go-carlink/carlink/pkg/crypto"
)

// AdvertisedBlobSize is the length of the V2+ reconnection advertisement
// payload: a 3-byte truncated HMAC followed by an 8-byte salt.
const AdvertisedBlobSize = 11

const (
	truncatedHMACSize = 3
	saltSize          = 8
	hmacMessageSize   = 16
)

// Match iterates the associated cars known to KeyStore and returns the one
// whose auth_key reproduces the advertisement's truncated HMAC, for
// per-vehicle V2+ reconnection advertisement matching. ok is false if advertisement is malformed or no car matches.
func Match(store carstore.KeyStore, advertisement []byte) (carstore.AssociationRecord, bool, error) {
	if len(advertisement) != AdvertisedBlobSize {
		return carstore.AssociationRecord{}, false, nil
	}
	truncatedHMAC := advertisement[:truncatedHMACSize]
	salt := advertisement[truncatedHMACSize:]

	ids, err := store.ListIDs()
	if err != nil {
		return carstore.AssociationRecord{}, false, err
	}

	message := make([]byte, hmacMessageSize)
	copy(message, salt)

	for _, id := range ids {
		rec, ok, err := store.Get(id)
		if err != nil {
			return carstore.AssociationRecord{}, false, err
		}
		if !ok {
			continue
		}
		expected := crypto.HMACSHA256Slice(rec.AuthKey[:], message)
		if crypto.HMACEqual(expected[:truncatedHMACSize], truncatedHMAC) {
			return rec, true, nil
		}
	}
	return carstore.AssociationRecord{}, false, nil
}
