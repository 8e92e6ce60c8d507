package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/matheus3301/dmsync/internal/bus"
)

func signed(t *testing.T, claims Claims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func TestSetReadsUserAndExpiry(t *testing.T) {
	p := NewProvider(nil)
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	tok := signed(t, Claims{UserID: "42", RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(exp)}})

	cred, err := p.Set(tok)
	if err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if cred.UserID != "42" {
		t.Errorf("UserID = %q, want 42", cred.UserID)
	}
	if !cred.ExpiresAt.Equal(exp) {
		t.Errorf("ExpiresAt = %v, want %v", cred.ExpiresAt, exp)
	}
	bearer, ok := p.Bearer()
	if !ok || bearer != tok {
		t.Errorf("Bearer() = %q, %v", bearer, ok)
	}
}

func TestSetFallsBackToSubject(t *testing.T) {
	p := NewProvider(nil)
	tok := signed(t, Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "alice"}})
	if _, err := p.Set(tok); err != nil {
		t.Fatal(err)
	}
	if p.UserID() != "alice" {
		t.Errorf("UserID() = %q, want alice", p.UserID())
	}
}

func TestSetRejectsAnonymousAndGarbage(t *testing.T) {
	p := NewProvider(nil)
	if _, err := p.Set(signed(t, Claims{})); !errors.Is(err, ErrNoUserID) {
		t.Errorf("anonymous token error = %v, want ErrNoUserID", err)
	}
	if _, err := p.Set("not-a-jwt"); err == nil {
		t.Error("garbage token accepted")
	}
	if p.Available() {
		t.Error("provider available after rejected tokens")
	}
}

func TestExpiredCredentialDisablesSync(t *testing.T) {
	p := NewProvider(nil)
	now := time.Now()
	p.now = func() time.Time { return now }

	tok := signed(t, Claims{UserID: "1", RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute))}})
	if _, err := p.Set(tok); err != nil {
		t.Fatal(err)
	}
	if !p.Available() {
		t.Fatal("fresh credential not available")
	}

	now = now.Add(2 * time.Minute)
	if p.Available() {
		t.Error("expired credential still available")
	}
	if p.UserID() != "" {
		t.Errorf("UserID() = %q after expiry, want empty", p.UserID())
	}
}

func TestObserversAndBusEvent(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("auth.", 4)
	defer unsub()

	p := NewProvider(b)
	var seen []bool
	p.OnChange(func(ok bool) { seen = append(seen, ok) })

	if err := p.SetOpaque("tok", "me"); err != nil {
		t.Fatal(err)
	}
	p.Clear()

	if len(seen) != 2 || !seen[0] || seen[1] {
		t.Errorf("observer saw %v, want [true false]", seen)
	}
	select {
	case evt := <-ch:
		if evt.Payload != true {
			t.Errorf("first event payload = %v, want true", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for auth event")
	}
}
