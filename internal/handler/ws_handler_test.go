package handler

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stemsi/exstem-proctor/internal/proctor/media"
	"github.com/stemsi/exstem-proctor/internal/proctor/session"
	"github.com/stemsi/exstem-proctor/internal/response"
	ws "github.com/stemsi/exstem-proctor/internal/websocket"
)

func TestDecodeAction(t *testing.T) {
	oversized := `{"data":"` + base64.StdEncoding.EncodeToString(make([]byte, ws.MaxFrameBytes+1)) + `"}`

	tests := []struct {
		name    string
		raw     string
		dst     any
		wantErr string
	}{
		{"valid answer", `{"action":"answer","question_id":"0b6e1f0e-5d8c-4b8e-9d3c-1f2a3b4c5d6e","value":"A"}`, &ws.AnswerRequest{}, ""},
		{"bad question id", `{"question_id":"nope"}`, &ws.AnswerRequest{}, "question_id"},
		{"bad direction", `{"direction":"sideways"}`, &ws.NavigateRequest{}, "direction"},
		{"too many touches", `{"points":40}`, &ws.TouchRequest{}, "points"},
		{"not json", `{"combo":`, &ws.KeyRequest{}, "payload"},
		{"frame within limit", `{"data":"AQID"}`, &ws.FrameRequest{}, ""},
		{"frame over limit", oversized, &ws.FrameRequest{}, "data"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := decode([]byte(tt.raw), tt.dst)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("decode: %v", err)
				}
				return
			}
			var fields fieldErrors
			if !errors.As(err, &fields) {
				t.Fatalf("err = %v, want fieldErrors", err)
			}
			if _, ok := fields[tt.wantErr]; !ok {
				t.Errorf("fields = %v, want key %q", fields, tt.wantErr)
			}
		})
	}
}

func TestFrameOfDefaults(t *testing.T) {
	f := frameOf(ws.FrameRequest{Data: []byte{1}, Width: 320, Height: 240})
	if f.Faces != media.FacesUnknown || f.ContentType != "image/jpeg" {
		t.Errorf("frame = %+v", f)
	}

	two := 2
	at := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	f = frameOf(ws.FrameRequest{Data: []byte{1}, ContentType: "image/png", Faces: &two, CapturedAt: at})
	if f.Faces != 2 || f.ContentType != "image/png" || !f.CapturedAt.Equal(at) {
		t.Errorf("frame = %+v", f)
	}
}

func TestActionMessage(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{session.ErrNavigationBlocked, "Ujian ini tidak mengizinkan kembali ke soal sebelumnya."},
		{fmt.Errorf("navigate: %w", session.ErrOutOfRange), "Nomor soal tidak valid."},
		{session.ErrAlreadySubmitted, response.GetMessage(response.ErrExamSubmitted)},
		{ws.ErrClosed, "Sesi ujian telah ditutup."},
		{errors.New("boom"), response.GetMessage(response.ErrInternal)},
	}
	for _, tt := range tests {
		if got := actionMessage(tt.err); got != tt.want {
			t.Errorf("actionMessage(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestUpgraderOrigins(t *testing.T) {
	open := buildUpgrader(nil)
	restricted := buildUpgrader([]string{"https://ujian.sekolah.id"})

	req := httptest.NewRequest("GET", "/ws", nil)
	req.Header.Set("Origin", "https://evil.example")
	if !open.CheckOrigin(req) {
		t.Error("open upgrader rejected an origin")
	}
	if restricted.CheckOrigin(req) {
		t.Error("restricted upgrader accepted a foreign origin")
	}
	req.Header.Set("Origin", "https://UJIAN.sekolah.id")
	if !restricted.CheckOrigin(req) {
		t.Error("restricted upgrader rejected an allowed origin")
	}
}
