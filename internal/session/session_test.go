package session

import (
	"errors"
	"reflect"
	"testing"

	"github.com/99designs/keyring"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

func TestNormalizeRole(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"ADMIN", "ADMIN"},
		{"ROLE_ADMIN", "ADMIN"},
		{"role_driver", "DRIVER"},
		{" driver ", "DRIVER"},
		{`["ROLE_DRIVER"]`, "DRIVER"},
		{`["admin","ROLE_DRIVER"]`, "ADMIN,DRIVER"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := NormalizeRole(tt.in); got != tt.want {
				t.Errorf("NormalizeRole(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestTopics(t *testing.T) {
	tests := []struct {
		name  string
		creds Credentials
		want  []string
	}{
		{"admin", Credentials{Username: "alice", Role: "ROLE_ADMIN"}, []string{AdminTopic, BroadcastTopic}},
		{"driver", Credentials{Username: "bob", Role: "driver"}, []string{"/topic/driver/bob/notifications", BroadcastTopic}},
		{"other", Credentials{Username: "carol", Role: "AUDITOR"}, []string{BroadcastTopic}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Topics(tt.creds); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Topics() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCredentials_Validate(t *testing.T) {
	if err := (Credentials{Token: "t", Username: "u", Role: "r"}).Validate(); err != nil {
		t.Fatalf("complete credentials: %v", err)
	}

	err := Credentials{Username: "u"}.Validate()
	if !errors.Is(err, ErrNotLoggedIn) {
		t.Fatalf("expected ErrNotLoggedIn, got %v", err)
	}
	if err.Error() != "session: not logged in: missing token, role" {
		t.Errorf("unexpected message: %s", err)
	}
}

func TestKeyringStore_RoundTrip(t *testing.T) {
	store := NewKeyringStore(keyring.NewArrayKeyring(nil))

	empty, err := store.Load()
	if err != nil {
		t.Fatalf("load empty: %v", err)
	}
	if empty.Complete() {
		t.Fatal("empty keyring should not yield complete credentials")
	}

	want := Credentials{Token: "tok", Username: "bob", Role: "DRIVER"}
	if err := store.Save(want); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := store.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got != want {
		t.Errorf("loaded %+v, want %+v", got, want)
	}

	if err := store.Clear(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	got, _ = store.Load()
	if got != (Credentials{}) {
		t.Errorf("expected cleared credentials, got %+v", got)
	}
}

func signedToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func TestParseClaims(t *testing.T) {
	tests := []struct {
		name   string
		claims jwt.MapClaims
		want   Claims
	}{
		{"subject_and_role", jwt.MapClaims{"sub": "bob", "role": "ROLE_DRIVER"}, Claims{Username: "bob", Role: "ROLE_DRIVER"}},
		{"username_claim", jwt.MapClaims{"sub": "42", "username": "alice", "roles": []any{"ADMIN"}}, Claims{Username: "alice", Role: "ADMIN"}},
		{"authorities", jwt.MapClaims{"sub": "al", "authorities": []any{map[string]any{"authority": "ROLE_ADMIN"}}}, Claims{Username: "al", Role: "ROLE_ADMIN"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseClaims(signedToken(t, tt.claims))
			if err != nil {
				t.Fatalf("ParseClaims: %v", err)
			}
			if got != tt.want {
				t.Errorf("ParseClaims() = %+v, want %+v", got, tt.want)
			}
		})
	}

	if _, err := ParseClaims("not-a-jwt"); err == nil {
		t.Error("expected error for malformed token")
	}
}

type staticSource struct {
	creds Credentials
	err   error
}

func (s staticSource) Load() (Credentials, error) { return s.creds, s.err }

func TestResolve(t *testing.T) {
	token := signedToken(t, jwt.MapClaims{"sub": "bob", "role": "DRIVER"})

	env := EnvSource{Getenv: func(key string) string {
		if key == EnvToken {
			return token
		}
		return ""
	}}

	got := Resolve(zap.NewNop(),
		env,
		staticSource{err: errors.New("keyring locked")},
		staticSource{creds: Credentials{Token: "ignored", Role: "ROLE_ADMIN"}},
	)

	want := Credentials{Token: token, Username: "bob", Role: "ROLE_ADMIN"}
	if got != want {
		t.Errorf("Resolve() = %+v, want %+v", got, want)
	}

	if got := Resolve(zap.NewNop(), staticSource{}); got.Complete() {
		t.Errorf("expected incomplete credentials, got %+v", got)
	}
}
