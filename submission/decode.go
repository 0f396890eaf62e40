package submission

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

const (
	// payloadVersion is the only plaintext layout currently understood.
	payloadVersion = 0x01
	// payloadSize is the exact length of a version 1 plaintext.
	payloadSize = 54
)

// DecodeErrorKind classifies decoder failures for metrics and verdict mapping.
type DecodeErrorKind string

const (
	KindBadCiphertext    DecodeErrorKind = "bad_ciphertext"
	KindBadPadding       DecodeErrorKind = "bad_padding"
	KindUnknownVersion   DecodeErrorKind = "unknown_version"
	KindTruncatedPayload DecodeErrorKind = "truncated_payload"
)

// DecodeError reports why a payload could not be decoded. The envelope is
// authenticated by OAEP, so any kind here means the payload is invalid and the
// submission must be rejected outright.
type DecodeError struct {
	Kind DecodeErrorKind
	Err  error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("decode %s", e.Kind)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func decodeErr(kind DecodeErrorKind, err error) error {
	return &DecodeError{Kind: kind, Err: err}
}

// Decoder decrypts and parses score payloads produced by the game client. The
// client encrypts with RSA-OAEP(SHA-256) against the service public key, so any
// tampering with the ciphertext fails decryption rather than yielding garbage
// counters.
type Decoder struct {
	key   *rsa.PrivateKey
	label []byte
}

// NewDecoder wraps the service decrypt key. The label must match the one the
// client encrypts with; an empty label is valid.
func NewDecoder(key *rsa.PrivateKey, label []byte) *Decoder {
	return &Decoder{key: key, label: label}
}

// Decode decrypts the ciphertext and parses the plaintext counters. Failures
// are always *DecodeError; the caller never sees partially parsed counters.
func (d *Decoder) Decode(ciphertext []byte) (*RawCounters, error) {
	if d == nil || d.key == nil {
		return nil, fmt.Errorf("decoder: key not configured")
	}
	if len(ciphertext) != d.key.Size() {
		return nil, decodeErr(KindBadCiphertext, fmt.Errorf("ciphertext length %d, want %d", len(ciphertext), d.key.Size()))
	}
	plain, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, d.key, ciphertext, d.label)
	if err != nil {
		return nil, decodeErr(KindBadPadding, err)
	}
	return parseCounters(plain)
}

func parseCounters(plain []byte) (*RawCounters, error) {
	if len(plain) == 0 {
		return nil, decodeErr(KindTruncatedPayload, fmt.Errorf("empty plaintext"))
	}
	if plain[0] != payloadVersion {
		return nil, decodeErr(KindUnknownVersion, fmt.Errorf("version byte 0x%02x", plain[0]))
	}
	if len(plain) != payloadSize {
		return nil, decodeErr(KindTruncatedPayload, fmt.Errorf("plaintext length %d, want %d", len(plain), payloadSize))
	}
	c := &RawCounters{Version: plain[0]}
	c.Player = common.BytesToAddress(plain[1:21])
	c.Nonce = binary.BigEndian.Uint64(plain[21:29])
	c.Kills = binary.BigEndian.Uint16(plain[29:31])
	c.TimeAlive = binary.BigEndian.Uint16(plain[31:33])
	c.Combo = plain[33]
	c.LevelID = plain[34]
	c.EnemiesSpawned = binary.BigEndian.Uint16(plain[35:37])
	c.EnemiesKilled = binary.BigEndian.Uint16(plain[37:39])
	c.WavesCompleted = plain[39]
	c.PerksCollected = plain[40]
	c.CoinsCollected = binary.BigEndian.Uint16(plain[41:43])
	c.ShieldsCollected = plain[43]
	c.KillingSpreeMult = plain[44]
	c.KillingSpreeDuration = binary.BigEndian.Uint16(plain[45:47])
	c.MaxKillingSpree = plain[47]
	c.AbilityUseCount = binary.BigEndian.Uint16(plain[48:50])
	c.TravelDistance = binary.BigEndian.Uint32(plain[50:54])
	return c, nil
}

// EncodeCounters serialises counters into the version 1 plaintext layout. The
// production client implements the same layout; this helper exists for tests
// and tooling.
func EncodeCounters(c *RawCounters) []byte {
	buf := make([]byte, payloadSize)
	buf[0] = payloadVersion
	copy(buf[1:21], c.Player.Bytes())
	binary.BigEndian.PutUint64(buf[21:29], c.Nonce)
	binary.BigEndian.PutUint16(buf[29:31], c.Kills)
	binary.BigEndian.PutUint16(buf[31:33], c.TimeAlive)
	buf[33] = c.Combo
	buf[34] = c.LevelID
	binary.BigEndian.PutUint16(buf[35:37], c.EnemiesSpawned)
	binary.BigEndian.PutUint16(buf[37:39], c.EnemiesKilled)
	buf[39] = c.WavesCompleted
	buf[40] = c.PerksCollected
	binary.BigEndian.PutUint16(buf[41:43], c.CoinsCollected)
	buf[43] = c.ShieldsCollected
	buf[44] = c.KillingSpreeMult
	binary.BigEndian.PutUint16(buf[45:47], c.KillingSpreeDuration)
	buf[47] = c.MaxKillingSpree
	binary.BigEndian.PutUint16(buf[48:50], c.AbilityUseCount)
	binary.BigEndian.PutUint32(buf[50:54], c.TravelDistance)
	return buf
}
