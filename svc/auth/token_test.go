package auth

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
	"pastevault/pkg/domain"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTestIssuer(t *testing.T) (*Issuer, *clock) {
	t.Helper()
	c := &clock{t: time.Now()}
	iss, err := NewIssuer(IssuerOpts{
		AccessSecret:  []byte("access-secret-0123456789abcdef0123"),
		RefreshSecret: []byte("refresh-secret-0123456789abcdef012"),
		Now:           c.now,
	})
	if err != nil {
		t.Fatal(err)
	}
	return iss, c
}

var alice = domain.Account{ID: 7, Username: "alice"}

func TestNewIssuerRejectsBadSecrets(t *testing.T) {
	cases := []IssuerOpts{
		{AccessSecret: nil, RefreshSecret: []byte("x")},
		{AccessSecret: []byte("x"), RefreshSecret: nil},
		{AccessSecret: []byte("same"), RefreshSecret: []byte("same")},
	}
	for i, o := range cases {
		if _, err := NewIssuer(o); !errors.Is(err, ErrWeakSecret) {
			t.Errorf("case %d: got %v, want ErrWeakSecret", i, err)
		}
	}
}

func TestIssueAndValidate(t *testing.T) {
	iss, c := newTestIssuer(t)
	ctx := context.Background()
	pair, err := iss.IssuePair(alice)
	if err != nil {
		t.Fatal(err)
	}
	if pair.ExpiresAt != c.t.Add(AccessTTL).Unix() {
		t.Errorf("ExpiresAt = %d, want %d", pair.ExpiresAt, c.t.Add(AccessTTL).Unix())
	}
	ac, err := iss.ValidateAccess(ctx, pair.AccessToken)
	if err != nil {
		t.Fatalf("access token rejected: %v", err)
	}
	if ac.UserID != alice.ID || ac.Username != alice.Username {
		t.Errorf("claims = %+v", ac)
	}
	rc, err := iss.ValidateRefresh(ctx, pair.RefreshToken)
	if err != nil {
		t.Fatalf("refresh token rejected: %v", err)
	}
	if rc.UserID != alice.ID {
		t.Errorf("refresh user = %d", rc.UserID)
	}
	if ac.ID == "" || rc.ID == "" || ac.ID == rc.ID {
		t.Errorf("token ids must be present and distinct: %q %q", ac.ID, rc.ID)
	}
}

func TestTokensAreNotInterchangeable(t *testing.T) {
	iss, _ := newTestIssuer(t)
	ctx := context.Background()
	pair, err := iss.IssuePair(alice)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := iss.ValidateAccess(ctx, pair.RefreshToken); !errors.Is(err, domain.ErrInvalidToken) {
		t.Errorf("refresh token accepted as access: %v", err)
	}
	if _, err := iss.ValidateRefresh(ctx, pair.AccessToken); !errors.Is(err, domain.ErrInvalidToken) {
		t.Errorf("access token accepted as refresh: %v", err)
	}
}

func TestAccessSignedWithRefreshSecretRejected(t *testing.T) {
	iss, c := newTestIssuer(t)
	forged := jwt.NewWithClaims(jwt.SigningMethodHS256, &AccessClaims{
		UserID: 1, Username: "mallory",
		RegisteredClaims: registered("1", c.t, c.t.Add(time.Minute)),
	})
	s, err := forged.SignedString(iss.refreshSecret)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := iss.ValidateAccess(context.Background(), s); !errors.Is(err, domain.ErrInvalidToken) {
		t.Fatalf("cross-secret token accepted: %v", err)
	}
}

func TestExpiredAndMalformedTokens(t *testing.T) {
	iss, c := newTestIssuer(t)
	ctx := context.Background()
	pair, err := iss.IssuePair(alice)
	if err != nil {
		t.Fatal(err)
	}
	c.t = c.t.Add(AccessTTL + time.Second)
	if _, err := iss.ValidateAccess(ctx, pair.AccessToken); !errors.Is(err, domain.ErrInvalidToken) {
		t.Errorf("expired access token accepted: %v", err)
	}
	if _, err := iss.ValidateRefresh(ctx, pair.RefreshToken); err != nil {
		t.Errorf("refresh token should outlive access token: %v", err)
	}
	c.t = c.t.Add(RefreshTTL)
	if _, err := iss.ValidateRefresh(ctx, pair.RefreshToken); !errors.Is(err, domain.ErrInvalidToken) {
		t.Errorf("expired refresh token accepted: %v", err)
	}
	for _, tok := range []string{"", "garbage", strings.Repeat("a.", 3)} {
		if _, err := iss.ValidateAccess(ctx, tok); !errors.Is(err, domain.ErrInvalidToken) {
			t.Errorf("%q: got %v", tok, err)
		}
	}
}

func TestUniformInvalidTokenMessage(t *testing.T) {
	iss, _ := newTestIssuer(t)
	_, e1 := iss.ValidateAccess(context.Background(), "garbage")
	_, e2 := iss.ValidateRefresh(context.Background(), "")
	if e1.Error() != e2.Error() || e1.Error() != domain.ErrInvalidCredentials.Error() {
		t.Errorf("messages differ: %q %q", e1, e2)
	}
}

func TestRotateIsSingleUse(t *testing.T) {
	iss, _ := newTestIssuer(t)
	ctx := context.Background()
	pair, err := iss.IssuePair(alice)
	if err != nil {
		t.Fatal(err)
	}
	resolve := func(_ context.Context, id int64) (domain.Account, error) {
		return domain.Account{ID: id, Username: "alice-renamed"}, nil
	}
	next, acc, err := iss.Rotate(ctx, pair.RefreshToken, resolve)
	if err != nil {
		t.Fatalf("rotate failed: %v", err)
	}
	if acc.Username != "alice-renamed" {
		t.Errorf("account not re-resolved: %+v", acc)
	}
	ac, err := iss.ValidateAccess(ctx, next.AccessToken)
	if err != nil {
		t.Fatal(err)
	}
	if ac.Username != "alice-renamed" {
		t.Errorf("new access token username = %q", ac.Username)
	}
	if _, _, err := iss.Rotate(ctx, pair.RefreshToken, resolve); !errors.Is(err, domain.ErrInvalidToken) {
		t.Errorf("reused refresh token: got %v", err)
	}
}

func TestRotateMissingAccount(t *testing.T) {
	iss, _ := newTestIssuer(t)
	ctx := context.Background()
	pair, err := iss.IssuePair(alice)
	if err != nil {
		t.Fatal(err)
	}
	gone := func(context.Context, int64) (domain.Account, error) {
		return domain.Account{}, domain.ErrAccountNotFound
	}
	if _, _, err := iss.Rotate(ctx, pair.RefreshToken, gone); !errors.Is(err, domain.ErrAccountNotFound) {
		t.Fatalf("got %v, want ErrAccountNotFound", err)
	}
	// failed rotation must not burn the token
	if _, err := iss.ValidateRefresh(ctx, pair.RefreshToken); err != nil {
		t.Errorf("refresh token revoked by failed rotation: %v", err)
	}
}

func TestRevokeAccess(t *testing.T) {
	iss, _ := newTestIssuer(t)
	ctx := context.Background()
	pair, err := iss.IssuePair(alice)
	if err != nil {
		t.Fatal(err)
	}
	ac, err := iss.ValidateAccess(ctx, pair.AccessToken)
	if err != nil {
		t.Fatal(err)
	}
	if err := iss.Revoke(ctx, ac.ID, ac.ExpiresAt.Time); err != nil {
		t.Fatal(err)
	}
	if _, err := iss.ValidateAccess(ctx, pair.AccessToken); !errors.Is(err, domain.ErrInvalidToken) {
		t.Errorf("revoked token accepted: %v", err)
	}
}

type brokenDenylist struct{}

func (brokenDenylist) Deny(context.Context, string, time.Time) error { return errors.New("down") }
func (brokenDenylist) Denied(context.Context, string) (bool, error) { return false, errors.New("down") }
func (brokenDenylist) Claim(context.Context, string, time.Time) (bool, error) {
	return false, errors.New("down")
}

func TestDenylistFailureFailsClosed(t *testing.T) {
	iss, err := NewIssuer(IssuerOpts{
		AccessSecret:  []byte("a-secret"),
		RefreshSecret: []byte("r-secret"),
		Denylist:      brokenDenylist{},
	})
	if err != nil {
		t.Fatal(err)
	}
	pair, err := iss.IssuePair(alice)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := iss.ValidateAccess(context.Background(), pair.AccessToken); !errors.Is(err, domain.ErrInvalidToken) {
		t.Fatalf("got %v, want ErrInvalidToken", err)
	}
}

func TestMemDenylist(t *testing.T) {
	d := NewMemDenylist(10, time.Hour)
	ctx := context.Background()
	now := time.Now()
	d.now = func() time.Time { return now }
	if err := d.Deny(ctx, "a", now.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	if err := d.Deny(ctx, "past", now.Add(-time.Minute)); err != nil {
		t.Fatal(err)
	}
	if ok, _ := d.Denied(ctx, "a"); !ok {
		t.Error("a should be denied")
	}
	if ok, _ := d.Denied(ctx, "past"); ok {
		t.Error("already expired entry should not be stored")
	}
	now = now.Add(2 * time.Minute)
	if ok, _ := d.Denied(ctx, "a"); ok {
		t.Error("entry should lapse after its until time")
	}
}

func TestMemDenylistClaim(t *testing.T) {
	d := NewMemDenylist(10, time.Hour)
	ctx := context.Background()
	until := time.Now().Add(time.Minute)
	if won, err := d.Claim(ctx, "a", until); err != nil || !won {
		t.Fatalf("first claim: %v %v", won, err)
	}
	if won, _ := d.Claim(ctx, "a", until); won {
		t.Error("second claim won")
	}
	if err := d.Deny(ctx, "b", until); err != nil {
		t.Fatal(err)
	}
	if won, _ := d.Claim(ctx, "b", until); won {
		t.Error("claim of a denied id won")
	}
}

func TestMemDenylistRefusesWhenFull(t *testing.T) {
	d := NewMemDenylist(2, time.Hour)
	ctx := context.Background()
	now := time.Now()
	d.now = func() time.Time { return now }
	if err := d.Deny(ctx, "short", now.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	if err := d.Deny(ctx, "long", now.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	if err := d.Deny(ctx, "third", now.Add(time.Hour)); !errors.Is(err, ErrDenylistFull) {
		t.Fatalf("got %v, want ErrDenylistFull", err)
	}
	if ok, _ := d.Denied(ctx, "short"); !ok {
		t.Fatal("live revocation was pushed out")
	}
	// once a token lapses its slot can be reused
	now = now.Add(2 * time.Minute)
	if err := d.Deny(ctx, "third", now.Add(time.Hour)); err != nil {
		t.Fatalf("after lapse: %v", err)
	}
	if ok, _ := d.Denied(ctx, "long"); !ok {
		t.Error("long-lived revocation lost")
	}
}

func TestConcurrentRotateSucceedsOnce(t *testing.T) {
	iss, _ := newTestIssuer(t)
	pair, err := iss.IssuePair(alice)
	if err != nil {
		t.Fatal(err)
	}
	resolve := func(context.Context, int64) (domain.Account, error) {
		time.Sleep(20 * time.Millisecond)
		return alice, nil
	}
	const racers = 8
	start := make(chan struct{})
	var wins int32
	var wg sync.WaitGroup
	for n := 0; n < racers; n++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, _, err := iss.Rotate(context.Background(), pair.RefreshToken, resolve)
			if err == nil {
				atomic.AddInt32(&wins, 1)
				return
			}
			if !errors.Is(err, domain.ErrInvalidToken) {
				t.Errorf("loser got %v, want ErrInvalidToken", err)
			}
		}()
	}
	close(start)
	wg.Wait()
	if wins != 1 {
		t.Fatalf("successful rotations of one refresh token: %d, want 1", wins)
	}
}
