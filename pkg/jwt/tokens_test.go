package jwt

import (
	"testing"
	"time"
)

func TestGenerateAndParse(t *testing.T) {
	token, err := GenerateToken("ci", "proj-1", []string{ScopeDeploy}, "secret", time.Minute)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	claims, err := Parse(token, "secret")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !claims.Allows(ScopeDeploy, "proj-1") {
		t.Fatalf("expected deploy scope on proj-1")
	}
	if claims.Allows(ScopeDeploy, "proj-2") {
		t.Fatalf("token must not grant access to another project")
	}
	if claims.Allows(ScopeRuntime, "proj-1") {
		t.Fatalf("token must not grant runtime scope")
	}
	if _, err := Parse(token, "wrong"); err == nil {
		t.Fatalf("expected signature failure")
	}
}

func TestExpiredToken(t *testing.T) {
	token, err := GenerateToken("ci", "", []string{ScopeRead}, "secret", -time.Minute)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := Parse(token, "secret"); err == nil {
		t.Fatalf("expected expired token to be rejected")
	}
}
