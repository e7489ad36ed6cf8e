package svc

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"golang.org/x/crypto/bcrypt"
	"pastevault/pkg/domain"
)

func TestRegisterValidation(t *testing.T) {
	e := newEnv(t)
	_, _, err := e.accounts.Register(context.Background(), "a!", "123")
	f := validationFields(err)
	if len(f) != 2 || f[0] != "username" || f[1] != "password" {
		t.Fatalf("fields = %v (%v)", f, err)
	}
	_, _, err = e.accounts.Register(context.Background(), "bad name", "password1")
	if f := validationFields(err); len(f) != 1 || f[0] != "username" {
		t.Fatalf("charset: %v", err)
	}
}

func TestRegisterConflict(t *testing.T) {
	e := newEnv(t)
	e.register(t, "alice")
	if _, _, err := e.accounts.Register(context.Background(), "alice", "password2"); !errors.Is(err, domain.ErrUsernameExists) {
		t.Fatalf("got %v", err)
	}
}

func TestRegisterIssuesUsableTokens(t *testing.T) {
	e := newEnv(t)
	acc, pair, err := e.accounts.Register(context.Background(), "alice", "password1")
	if err != nil {
		t.Fatal(err)
	}
	if acc.PasswordHash == "password1" {
		t.Fatal("plaintext password stored")
	}
	p, err := e.accounts.Authenticate(context.Background(), pair.AccessToken)
	if err != nil || p.AccountID != acc.ID || p.Username != "alice" {
		t.Fatalf("authenticate: %+v %v", p, err)
	}
}

func TestLoginUniformFailure(t *testing.T) {
	e := newEnv(t)
	e.register(t, "alice")
	ctx := context.Background()
	_, _, unknown := e.accounts.Login(ctx, "nobody", "password1")
	_, _, wrong := e.accounts.Login(ctx, "alice", "wrongpass")
	if !errors.Is(unknown, domain.ErrInvalidCredentials) || !errors.Is(wrong, domain.ErrInvalidCredentials) {
		t.Fatalf("unknown=%v wrong=%v", unknown, wrong)
	}
	if unknown.Error() != wrong.Error() {
		t.Errorf("messages differ: %q vs %q", unknown, wrong)
	}
	acc, pair, err := e.accounts.Login(ctx, "alice", "password1")
	if err != nil || acc.Username != "alice" || pair.AccessToken == "" {
		t.Fatalf("login: %v", err)
	}
	if _, _, err := e.accounts.Login(ctx, "", ""); len(validationFields(err)) != 2 {
		t.Errorf("empty login: %v", err)
	}
}

func TestLoginTrimsUsernameLikeRegister(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	if _, _, err := e.accounts.Register(ctx, " alice ", "password1"); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{" alice ", "alice", "alice\t"} {
		acc, _, err := e.accounts.Login(ctx, name, "password1")
		if err != nil || acc.Username != "alice" {
			t.Errorf("login %q: %+v %v", name, acc, err)
		}
	}
	if _, _, err := e.accounts.Login(ctx, "   ", "password1"); validationFields(err) == nil {
		t.Errorf("blank username: %v", err)
	}
}

func TestRefreshRotation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, pair, err := e.accounts.Register(ctx, "alice", "password1")
	if err != nil {
		t.Fatal(err)
	}
	next, err := e.accounts.Refresh(ctx, pair.RefreshToken)
	if err != nil {
		t.Fatal(err)
	}
	if next.RefreshToken == pair.RefreshToken {
		t.Error("refresh token not rotated")
	}
	if _, err := e.accounts.Refresh(ctx, pair.RefreshToken); !errors.Is(err, domain.ErrInvalidToken) {
		t.Errorf("replayed refresh: %v", err)
	}
	if _, err := e.accounts.Refresh(ctx, next.AccessToken); !errors.Is(err, domain.ErrInvalidToken) {
		t.Errorf("access token as refresh: %v", err)
	}
	if _, err := e.accounts.Refresh(ctx, ""); validationFields(err) == nil {
		t.Errorf("empty: %v", err)
	}
}

func TestRefreshAfterAccountDeletion(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	acc, pair, _ := e.accounts.Register(ctx, "alice", "password1")
	p := domain.Principal{AccountID: acc.ID, Username: acc.Username}
	if err := e.accounts.Delete(ctx, p, "password1"); err != nil {
		t.Fatal(err)
	}
	if _, err := e.accounts.Refresh(ctx, pair.RefreshToken); !errors.Is(err, domain.ErrAccountNotFound) {
		t.Errorf("refresh for deleted account: %v", err)
	}
	if _, err := e.accounts.Authenticate(ctx, pair.AccessToken); !errors.Is(err, domain.ErrInvalidToken) {
		t.Errorf("access for deleted account: %v", err)
	}
}

func TestLogoutRevokes(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, pair, _ := e.accounts.Register(ctx, "alice", "password1")
	if err := e.accounts.Logout(ctx, pair.AccessToken, pair.RefreshToken); err != nil {
		t.Fatal(err)
	}
	if _, err := e.accounts.Authenticate(ctx, pair.AccessToken); !errors.Is(err, domain.ErrInvalidToken) {
		t.Errorf("access after logout: %v", err)
	}
	if _, err := e.accounts.Refresh(ctx, pair.RefreshToken); !errors.Is(err, domain.ErrInvalidToken) {
		t.Errorf("refresh after logout: %v", err)
	}
}

func TestLogoutRejectsForeignRefreshToken(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, a, _ := e.accounts.Register(ctx, "alice", "password1")
	_, b, _ := e.accounts.Register(ctx, "bob", "password1")
	if err := e.accounts.Logout(ctx, a.AccessToken, b.RefreshToken); !errors.Is(err, domain.ErrInvalidToken) {
		t.Fatalf("got %v", err)
	}
	if _, err := e.accounts.Refresh(ctx, b.RefreshToken); err != nil {
		t.Errorf("bob's session should be untouched: %v", err)
	}
}

func TestProfileAndAccountDeletion(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	alice := e.register(t, "alice")
	p, err := e.pastes.Create(ctx, alice, CreateParams{Content: "keep me"})
	if err != nil {
		t.Fatal(err)
	}
	prof, err := e.accounts.Profile(ctx, alice)
	if err != nil || prof.PasteCount != 1 || prof.Account.Username != "alice" {
		t.Fatalf("profile: %+v %v", prof, err)
	}
	if _, err := e.accounts.Profile(ctx, domain.Anonymous); !errors.Is(err, domain.ErrUnauthorized) {
		t.Errorf("anonymous profile: %v", err)
	}
	if err := e.accounts.Delete(ctx, alice, "wrongpass"); !errors.Is(err, domain.ErrInvalidCredentials) {
		t.Errorf("wrong password: %v", err)
	}
	if err := e.accounts.Delete(ctx, alice, "password1"); err != nil {
		t.Fatal(err)
	}
	got, err := e.store.GetPaste(ctx, p.ID)
	if err != nil || got.IsOwned() {
		t.Fatalf("paste should survive as anonymous: %+v %v", got, err)
	}
	cached, err := e.pastes.Get(ctx, p.ID, "")
	if err != nil || cached.IsOwned() {
		t.Fatalf("read path still serves the owned copy: %+v %v", cached, err)
	}
	// orphaned pastes follow the anonymous capability rule
	if err := e.pastes.Delete(ctx, domain.Anonymous, p.ID); err != nil {
		t.Errorf("delete orphan: %v", err)
	}
}

func TestUnknownUserComparesAgainstAccountCostHash(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	if _, _, err := e.accounts.Login(ctx, "nobody", "password1"); !errors.Is(err, domain.ErrInvalidCredentials) {
		t.Fatalf("got %v", err)
	}
	h := e.accounts.dummy(ctx)
	cost, err := bcrypt.Cost([]byte(h))
	if err != nil {
		t.Fatalf("dummy hash %q: %v", h, err)
	}
	if cost != e.accounts.cfg.AccountHashCost {
		t.Errorf("dummy cost = %d, want %d", cost, e.accounts.cfg.AccountHashCost)
	}
}
