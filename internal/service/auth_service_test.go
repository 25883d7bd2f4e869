package service

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
)

func TestAuthServiceTokens(t *testing.T) {
	svc := NewAuthService(&config.Config{JWTSecret: "secret", JWTExpiry: time.Hour})

	student, err := svc.GenerateStudentToken(7, 3)
	if err != nil {
		t.Fatal(err)
	}
	claims, err := svc.ValidateToken(student)
	if err != nil {
		t.Fatal(err)
	}
	if claims.TokenType != TokenTypeStudent || claims.UserID != 7 || claims.ClassID != 3 {
		t.Errorf("student claims = %+v", claims)
	}

	admin, err := svc.GenerateAdminToken(1, 2, []string{string(model.PermissionMonitoringRead)})
	if err != nil {
		t.Fatal(err)
	}
	claims, err = svc.ValidateToken(admin)
	if err != nil {
		t.Fatal(err)
	}
	if claims.TokenType != TokenTypeAdmin || len(claims.Permissions) != 1 {
		t.Errorf("admin claims = %+v", claims)
	}
}

func TestAuthServiceRejects(t *testing.T) {
	svc := NewAuthService(&config.Config{JWTSecret: "secret", JWTExpiry: time.Hour})
	other := NewAuthService(&config.Config{JWTSecret: "other", JWTExpiry: time.Hour})
	expired := NewAuthService(&config.Config{JWTSecret: "secret", JWTExpiry: -time.Minute})

	foreign, _ := other.GenerateStudentToken(1, 1)
	stale, _ := expired.GenerateStudentToken(1, 1)
	none, _ := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{UserID: 1}).SignedString(jwt.UnsafeAllowNoneSignatureType)

	for name, tok := range map[string]string{
		"wrong secret": foreign,
		"expired":      stale,
		"alg none":     none,
		"garbage":      "not.a.token",
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := svc.ValidateToken(tok); err == nil {
				t.Error("token accepted")
			}
		})
	}
}
