package submission

import (
	"encoding/binary"
	"encoding/hex"

	"github.com/ethereum/go-ethereum/common"
	"lukechampine.com/blake3"
)

// RawCounters is the decoded gameplay payload exactly as the client reported it.
// All fields are raw counters; the canonical score is always recomputed server
// side from these values and never read from the wire.
type RawCounters struct {
	Version              uint8
	Player               common.Address
	Nonce                uint64
	Kills                uint16
	TimeAlive            uint16
	Combo                uint8
	LevelID              uint8
	EnemiesSpawned       uint16
	EnemiesKilled        uint16
	WavesCompleted       uint8
	PerksCollected       uint8
	CoinsCollected       uint16
	ShieldsCollected     uint8
	KillingSpreeMult     uint8
	KillingSpreeDuration uint16
	MaxKillingSpree      uint8
	AbilityUseCount      uint16
	TravelDistance       uint32
}

// ID derives the deterministic submission identifier binding the player, the
// client nonce, and the recomputed canonical score. Two decodes of the same
// payload always map to the same identifier.
func ID(player common.Address, nonce, score uint64) string {
	buf := make([]byte, 0, common.AddressLength+16)
	buf = append(buf, player.Bytes()...)
	buf = binary.BigEndian.AppendUint64(buf, nonce)
	buf = binary.BigEndian.AppendUint64(buf, score)
	sum := blake3.Sum256(buf)
	return hex.EncodeToString(sum[:])
}
