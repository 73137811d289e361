package main

import (
	"math/rand"
	"testing"

	"github.com/marcelscruz/open-gt/internal/decoder"
)

func TestSyntheticCarEncodeDecodeRoundTrip(t *testing.T) {
	car := newSyntheticCar()
	rng := rand.New(rand.NewSource(42))
	dec := decoder.New()

	car.advance()
	datagram := car.encode(7, rng)

	f, err := dec.Decode(datagram)
	if err != nil {
		t.Fatalf("decode synthetic frame: %v", err)
	}
	if f.PacketID != 7 {
		t.Fatalf("expected packet id 7, got %d", f.PacketID)
	}
	if f.CarCode != car.carCode {
		t.Fatalf("expected car code %d, got %d", car.carCode, f.CarCode)
	}
	if !f.OnTrack {
		t.Fatal("expected synthetic frame to report on-track")
	}
	if f.FuelLevel <= 0 || f.FuelLevel > car.fuelCap {
		t.Fatalf("unexpected fuel level %f", f.FuelLevel)
	}
}

func TestSyntheticCarAdvanceCompletesLaps(t *testing.T) {
	car := newSyntheticCar()
	ticks := int(syntheticLapDuration.Seconds()) * 60 * 2
	for i := 0; i < ticks; i++ {
		car.advance()
	}
	if car.lapCount < 1 {
		t.Fatalf("expected at least 1 completed lap, got %d", car.lapCount)
	}
	if car.bestLapMs <= 0 {
		t.Fatalf("expected a recorded best lap, got %d", car.bestLapMs)
	}
}

