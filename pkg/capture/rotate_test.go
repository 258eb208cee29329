/**
 * Copyright (c) 2022, Xerra Earth Observation Institute
 * See LICENSE.TXT in the root directory of this source tree.
 */

package capture

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

func TestDigitsForMatchesCeilLog10(t *testing.T) {
	cases := map[int]int{0: 1, 1: 1, 9: 1, 10: 1, 11: 2, 99: 2, 100: 2, 1000: 3}
	for max, want := range cases {
		if got := digitsFor(max); got != want {
			t.Errorf("digitsFor(%d) = %d, want %d", max, got, want)
		}
	}
}

func TestExpandDateTemplateSubstitutesAllFields(t *testing.T) {
	ts := time.Date(2026, time.March, 5, 9, 4, 7, 0, time.Local)
	got := expandDateTemplate("capture-%Y%m%d-%H%M%S.pcap", ts)
	want := "capture-20260305-090407.pcap"
	if got != want {
		t.Fatalf("expandDateTemplate = %q, want %q", got, want)
	}
}

func TestRotatorSizeBasedRotationOpensNewFileAndIncrementsSuffix(t *testing.T) {
	dir := t.TempDir()
	policy := RotationPolicy{
		Template:    filepath.Join(dir, "out"),
		MaxFileSize: 40, // small enough that a handful of packets force rotation
		MaxFiles:    3,
	}
	rotated := 0
	r, err := NewRotator(policy, layers.LinkTypeEthernet, 262144, func() { rotated++ })
	if err != nil {
		t.Fatalf("NewRotator: %v", err)
	}
	defer r.Close()

	ci := gopacket.CaptureInfo{Timestamp: time.Now(), CaptureLength: 20, Length: 20}
	data := make([]byte, 20)
	for i := 0; i < 5; i++ {
		if err := r.WritePacket(ci, data); err != nil && err != ErrFileCountReached {
			t.Fatalf("WritePacket #%d: %v", i, err)
		}
	}

	if rotated == 0 {
		t.Fatal("expected at least one rotation to have occurred")
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) < 2 {
		t.Fatalf("expected multiple rotated files on disk, found %d", len(entries))
	}
}

func TestRotatorStopsAfterMaxFiles(t *testing.T) {
	dir := t.TempDir()
	policy := RotationPolicy{
		Template:    filepath.Join(dir, "out"),
		MaxFileSize: 1, // rotate on every packet
		MaxFiles:    2,
	}
	r, err := NewRotator(policy, layers.LinkTypeEthernet, 262144, nil)
	if err != nil {
		t.Fatalf("NewRotator: %v", err)
	}
	defer r.Close()

	ci := gopacket.CaptureInfo{Timestamp: time.Now(), CaptureLength: 4, Length: 4}
	data := make([]byte, 4)
	var lastErr error
	for i := 0; i < 10; i++ {
		lastErr = r.WritePacket(ci, data)
		if lastErr == ErrFileCountReached {
			break
		}
	}
	if lastErr != ErrFileCountReached {
		t.Fatalf("expected ErrFileCountReached once MaxFiles is hit, got %v", lastErr)
	}
}
