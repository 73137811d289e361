// Package decoder turns raw console datagrams into protocol.Frame values:
// nonce extraction, decryption, magic verification and binary layout parsing.
package decoder

import (
	"encoding/binary"
	"errors"
	"math"

	"github.com/marcelscruz/open-gt/internal/cipher"
	"github.com/marcelscruz/open-gt/internal/protocol"
)

// ErrNotAFrame is the decode sentinel for any datagram that fails
// length, nonce or magic validation. It carries no further detail by
// design: decode failures are dropped silently per the error taxonomy.
var ErrNotAFrame = errors.New("decoder: not a frame")

// Decoder holds the fixed key derived once at construction.
type Decoder struct {
	key [cipher.KeySize]byte
}

// New derives the fixed Salsa20 key from the documented ASCII seed.
func New() *Decoder {
	d := &Decoder{}
	copy(d.key[:], protocol.CipherKeySeed)
	return d
}

// Decode runs the full pipeline: length check, nonce derivation,
// decryption, nonce-byte restoration, magic check, and field extraction.
func (d *Decoder) Decode(datagram []byte) (protocol.Frame, error) {
	if len(datagram) < protocol.FrameSize {
		return protocol.Frame{}, ErrNotAFrame
	}

	iv1 := binary.LittleEndian.Uint32(datagram[protocol.OffsetIV1 : protocol.OffsetIV1+4])
	iv2 := iv1 ^ protocol.IVXor

	var nonce [cipher.NonceSize]byte
	binary.LittleEndian.PutUint32(nonce[0:4], iv2)
	binary.LittleEndian.PutUint32(nonce[4:8], iv1)

	plain, err := cipher.Decrypt(datagram[:protocol.FrameSize], d.key, nonce)
	if err != nil {
		return protocol.Frame{}, ErrNotAFrame
	}

	// The nonce bytes were never part of the encrypted stream; restore
	// them from the original ciphertext.
	copy(plain[protocol.OffsetIV1:protocol.OffsetIV1+4], datagram[protocol.OffsetIV1:protocol.OffsetIV1+4])

	if binary.LittleEndian.Uint32(plain[protocol.OffsetMagic:protocol.OffsetMagic+4]) != protocol.Magic {
		return protocol.Frame{}, ErrNotAFrame
	}

	return parse(plain), nil
}

func readFloat32(b []byte, off int) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(b[off : off+4]))
}

func readInt32(b []byte, off int) int32 {
	return int32(binary.LittleEndian.Uint32(b[off : off+4]))
}

func readInt16(b []byte, off int) int16 {
	return int16(binary.LittleEndian.Uint16(b[off : off+2]))
}

func parse(b []byte) protocol.Frame {
	flags := binary.LittleEndian.Uint16(b[protocol.OffsetFlags : protocol.OffsetFlags+2])
	gearByte := b[protocol.OffsetGearNibble]

	speedMS := readFloat32(b, protocol.OffsetSpeedMS)

	f := protocol.Frame{
		PacketID: binary.LittleEndian.Uint32(b[protocol.OffsetPacketID : protocol.OffsetPacketID+4]),

		PositionX: readFloat32(b, protocol.OffsetPosition),
		PositionY: readFloat32(b, protocol.OffsetPosition+4),
		PositionZ: readFloat32(b, protocol.OffsetPosition+8),

		VelocityX: readFloat32(b, protocol.OffsetVelocity),
		VelocityY: readFloat32(b, protocol.OffsetVelocity+4),
		VelocityZ: readFloat32(b, protocol.OffsetVelocity+8),

		EngineRPM: readFloat32(b, protocol.OffsetEngineRPM),

		GearCurrent:   int(gearByte & 0x0F),
		GearSuggested: int(gearByte >> 4),

		Throttle: normalizeByte(b[protocol.OffsetThrottle]),
		Brake:    normalizeByte(b[protocol.OffsetBrake]),

		SpeedKPH: speedMS * 3.6,

		FuelLevel:    readFloat32(b, protocol.OffsetFuelLevel),
		FuelCapacity: readFloat32(b, protocol.OffsetFuelCap),

		TyreTempFL: readFloat32(b, protocol.OffsetTyreTemps),
		TyreTempFR: readFloat32(b, protocol.OffsetTyreTemps+4),
		TyreTempRL: readFloat32(b, protocol.OffsetTyreTemps+8),
		TyreTempRR: readFloat32(b, protocol.OffsetTyreTemps+12),

		LapCount:  int(readInt16(b, protocol.OffsetLapCount)),
		TotalLaps: int(readInt16(b, protocol.OffsetTotalLaps)),
		BestLapMs: readInt32(b, protocol.OffsetBestLapMs),
		LastLapMs: readInt32(b, protocol.OffsetLastLapMs),

		OnTrack:    flags&protocol.FlagOnTrack != 0,
		Paused:     flags&protocol.FlagPaused != 0,
		Loading:    flags&protocol.FlagLoading != 0,
		RevLimiter: flags&protocol.FlagRevLimiter != 0,
		Handbrake:  flags&protocol.FlagHandbrake != 0,
		TCSActive:  flags&protocol.FlagTCSActive != 0,
		ASMActive:  flags&protocol.FlagASMActive != 0,
		LightsOn:   flags&protocol.FlagLightsOn != 0,
		HasTurbo:   flags&protocol.FlagHasTurbo != 0,
		InGear:     flags&protocol.FlagInGear != 0,

		CarCode: readInt32(b, protocol.OffsetCarCode),
	}
	return f
}

func normalizeByte(v byte) int {
	return int(math.Round(float64(v) / 255.0 * 100.0))
}
