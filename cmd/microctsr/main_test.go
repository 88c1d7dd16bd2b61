package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"microctsr/internal/models"
	"microctsr/pkg/config"
	"microctsr/pkg/reconstruction"
	"microctsr/pkg/volumeio"
)

func TestOutputName(t *testing.T) {
	tests := map[string]string{
		"data/bone_256x256x128_16bit.raw":     "bone_sr2",
		"data/bone_256x256x128_16bit.raw.zst": "bone_sr2",
		"scans/tooth/":                        "tooth_sr2",
		"volume.raw":                          "volume_sr2",
	}
	for in, want := range tests {
		if got := outputName(in, 2); got != want {
			t.Errorf("outputName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestReconstructionParams(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Processing.ScaleFactor = 4
	cfg.Processing.MemoryThreshold = "1MiB"
	cfg.Processing.CubeTimeout = "2m"
	cfg.Processing.Resample = "nearest"

	params, err := reconstructionParams(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if params.ScaleFactor != 4 || params.MemoryThreshold != 1<<20 || params.CubeTimeout != 2*time.Minute ||
		params.SliceTimeout != time.Minute || params.Resample != reconstruction.Nearest {
		t.Errorf("unexpected params: %+v", params)
	}
}

func TestNewUpsampler(t *testing.T) {
	cfg := config.DefaultConfig()
	if _, err := newUpsampler(cfg); err != nil {
		t.Errorf("bicubic: %v", err)
	}
	cfg.Upsampler.Kind = "http"
	cfg.Upsampler.Endpoint = "http://localhost:8500/upsample"
	if _, err := newUpsampler(cfg); err != nil {
		t.Errorf("http: %v", err)
	}
	cfg.Upsampler.Kind = "gan"
	if _, err := newUpsampler(cfg); err == nil {
		t.Error("expected error for unknown kind")
	}
}

func TestLoadVolume(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	vol := models.NewVolume(models.Shape{Depth: 2, Height: 3, Width: 4})
	for i := range vol.Data {
		vol.Data[i] = float64(i) / 255
	}

	store, err := volumeio.OpenDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	opts := volumeio.WriteOptions{RawOptions: volumeio.RawOptions{Depth: volumeio.Depth8, DataRange: 1}}
	keys, err := store.WriteVolume(ctx, "tiny", vol, opts)
	if err != nil {
		t.Fatal(err)
	}
	opts.Format = volumeio.FormatPNG
	if _, err := store.WriteVolume(ctx, "tiny_png", vol, opts); err != nil {
		t.Fatal(err)
	}
	store.Close()

	raw, err := loadVolume(ctx, filepath.Join(dir, keys[0]), 1)
	if err != nil {
		t.Fatalf("loading raw: %v", err)
	}
	if raw.Shape != vol.Shape {
		t.Errorf("raw shape %s, want %s", raw.Shape, vol.Shape)
	}

	slices, err := loadVolume(ctx, filepath.Join(dir, "tiny_png"), 1)
	if err != nil {
		t.Fatalf("loading slices: %v", err)
	}
	if slices.Shape != vol.Shape {
		t.Errorf("slice shape %s, want %s", slices.Shape, vol.Shape)
	}

	if _, err := loadVolume(ctx, filepath.Join(dir, "missing.raw"), 1); !os.IsNotExist(err) {
		t.Errorf("expected not-exist error, got %v", err)
	}
}
