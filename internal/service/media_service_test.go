package service

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"testing"

	"github.com/disintegration/imaging"
)

func encoded(t *testing.T, w, h int, format imaging.Format) []byte {
	t.Helper()
	img := imaging.New(w, h, color.NRGBA{R: 200, G: 120, B: 40, A: 255})
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, format); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestNormalizeImage(t *testing.T) {
	png := encoded(t, 2000, 1000, imaging.PNG)
	small := encoded(t, 320, 240, imaging.JPEG)

	tests := []struct {
		name        string
		data        []byte
		contentType string
		maxBytes    int64
		wantErr     error
		wantW       int
		wantH       int
	}{
		{"png shrunk to fit", png, "image/png", 10 << 20, nil, 1280, 640},
		{"small jpeg kept", small, "image/jpeg", 10 << 20, nil, 320, 240},
		{"unsupported type", small, "image/gif", 10 << 20, ErrUnsupportedFileType, 0, 0},
		{"too large", small, "image/jpeg", 10, ErrFileTooLarge, 0, 0},
		{"not an image", []byte("hello"), "image/jpeg", 10 << 20, ErrInvalidImage, 0, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			img, err := NormalizeImage(tc.data, tc.contentType, tc.maxBytes, 1280, 960)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("err = %v, want %v", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if img.Width != tc.wantW || img.Height != tc.wantH {
				t.Errorf("size = %dx%d, want %dx%d", img.Width, img.Height, tc.wantW, tc.wantH)
			}
			_, format, err := image.DecodeConfig(bytes.NewReader(img.Data))
			if err != nil || format != "jpeg" {
				t.Errorf("stored format = %q, %v", format, err)
			}
		})
	}
}
