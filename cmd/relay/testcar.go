package main

import (
	"context"
	"encoding/binary"
	"log/slog"
	"math"
	"math/rand"
	"net"
	"strconv"
	"time"

	"github.com/marcelscruz/open-gt/internal/cipher"
	"github.com/marcelscruz/open-gt/internal/protocol"
)

// runTestCar synthesizes a plausible lap and sends it, encrypted with the
// real wire cipher and frame layout, to the relay's own receive port at
// 60 Hz. It exercises the full decode -> analyze -> callout pipeline
// without a physical console, mirroring the teacher's virtual test client.
func runTestCar(ctx context.Context, name string, recvPort int) {
	conn, err := net.Dial("udp4", net.JoinHostPort("127.0.0.1", strconv.Itoa(recvPort)))
	if err != nil {
		slog.Error("testcar: dial", "err", err)
		return
	}
	defer conn.Close()

	slog.Info("testcar: started", "name", name, "recv_port", recvPort)

	ticker := time.NewTicker(time.Second / 60)
	defer ticker.Stop()

	car := newSyntheticCar()
	var packetID uint32
	rng := rand.New(rand.NewSource(1))

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		car.advance()
		buf := car.encode(packetID, rng)
		packetID++

		if _, err := conn.Write(buf); err != nil {
			slog.Debug("testcar: send", "err", err)
		}
	}
}

// syntheticCar models one simulated lap: accelerating speed, rising RPM,
// sequential upshifts, draining fuel, warming tyres.
type syntheticCar struct {
	elapsed     time.Duration
	lapCount    int
	totalLaps   int
	bestLapMs   int32
	fuelLevel   float32
	fuelCap     float32
	tyreTemps   [4]float32
	carCode     int32
	lapStart    time.Duration
}

func newSyntheticCar() *syntheticCar {
	return &syntheticCar{
		totalLaps: 10,
		bestLapMs: -1,
		fuelLevel: 45,
		fuelCap:   45,
		tyreTemps: [4]float32{70, 70, 70, 70},
		carCode:   342,
	}
}

const syntheticLapDuration = 95 * time.Second

func (c *syntheticCar) advance() {
	c.elapsed += time.Second / 60
	lapElapsed := c.elapsed - c.lapStart

	c.fuelLevel -= c.fuelCap / float32(syntheticLapDuration.Seconds()) / 60
	if c.fuelLevel < 0 {
		c.fuelLevel = 0
	}
	for i := range c.tyreTemps {
		if c.tyreTemps[i] < 95 {
			c.tyreTemps[i] += 0.02
		}
	}

	if lapElapsed >= syntheticLapDuration {
		lapMs := int32(lapElapsed.Milliseconds())
		if c.bestLapMs < 0 || lapMs < c.bestLapMs {
			c.bestLapMs = lapMs
		}
		c.lapCount++
		c.lapStart = c.elapsed
	}
}

func (c *syntheticCar) encode(packetID uint32, rng *rand.Rand) []byte {
	buf := make([]byte, protocol.FrameSize)

	lapElapsed := c.elapsed - c.lapStart
	lapFrac := float32(lapElapsed) / float32(syntheticLapDuration)
	if lapFrac > 1 {
		lapFrac = 1
	}

	speedKPH := 60 + 160*lapFrac
	speedMS := speedKPH / 3.6
	rpm := 2000 + 6000*lapFrac

	binary.LittleEndian.PutUint32(buf[protocol.OffsetMagic:], protocol.Magic)

	iv1 := rng.Uint32()
	binary.LittleEndian.PutUint32(buf[protocol.OffsetIV1:], iv1)

	putFloat32(buf, protocol.OffsetPosition, float32(c.elapsed.Seconds())*10)
	putFloat32(buf, protocol.OffsetPosition+4, 0)
	putFloat32(buf, protocol.OffsetPosition+8, 0)

	putFloat32(buf, protocol.OffsetVelocity, speedMS)
	putFloat32(buf, protocol.OffsetVelocity+4, 0)
	putFloat32(buf, protocol.OffsetVelocity+8, 0)

	putFloat32(buf, protocol.OffsetEngineRPM, rpm)
	putFloat32(buf, protocol.OffsetFuelLevel, c.fuelLevel)
	putFloat32(buf, protocol.OffsetFuelCap, c.fuelCap)
	putFloat32(buf, protocol.OffsetSpeedMS, speedMS)

	for i, t := range c.tyreTemps {
		putFloat32(buf, protocol.OffsetTyreTemps+i*4, t)
	}

	binary.LittleEndian.PutUint32(buf[protocol.OffsetPacketID:], packetID)
	binary.LittleEndian.PutUint16(buf[protocol.OffsetLapCount:], uint16(c.lapCount))
	binary.LittleEndian.PutUint16(buf[protocol.OffsetTotalLaps:], uint16(c.totalLaps))
	binary.LittleEndian.PutUint32(buf[protocol.OffsetBestLapMs:], uint32(c.bestLapMs))
	binary.LittleEndian.PutUint32(buf[protocol.OffsetLastLapMs:], uint32(c.bestLapMs))

	gear := 1 + int(lapFrac*5)
	if gear > 6 {
		gear = 6
	}
	buf[protocol.OffsetGearNibble] = byte(gear) | byte(gear+1)<<4

	buf[protocol.OffsetThrottle] = byte(200 * lapFrac)
	buf[protocol.OffsetBrake] = 0

	flags := protocol.FlagOnTrack | protocol.FlagInGear
	binary.LittleEndian.PutUint16(buf[protocol.OffsetFlags:], flags)

	binary.LittleEndian.PutUint32(buf[protocol.OffsetCarCode:], uint32(c.carCode))

	iv2 := iv1 ^ protocol.IVXor
	var nonce [cipher.NonceSize]byte
	binary.LittleEndian.PutUint32(nonce[0:4], iv2)
	binary.LittleEndian.PutUint32(nonce[4:8], iv1)

	var key [cipher.KeySize]byte
	copy(key[:], protocol.CipherKeySeed)

	cipherBuf, err := cipher.Decrypt(buf, key, nonce)
	if err != nil {
		return buf
	}
	// The nonce word travels in the clear; restore it after the XOR pass
	// so the receiver can read iv1 straight off the wire, exactly as
	// internal/decoder expects.
	copy(cipherBuf[protocol.OffsetIV1:protocol.OffsetIV1+4], buf[protocol.OffsetIV1:protocol.OffsetIV1+4])
	return cipherBuf
}

func putFloat32(buf []byte, off int, v float32) {
	binary.LittleEndian.PutUint32(buf[off:off+4], math.Float32bits(v))
}
