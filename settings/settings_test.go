package settings

import (
	"path/filepath"
	"testing"

	"github.com/earthstar-project/earthstar-go/crypto"
)

func openKV(t *testing.T) *FileKV {
	t.Helper()
	kv, err := OpenFileKV(filepath.Join(t.TempDir(), "settings.json"))
	if err != nil {
		t.Fatal(err)
	}
	return kv
}

func TestAuthorRoundTrip(t *testing.T) {
	s := New(openKV(t), "")

	got, err := s.Author()
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatalf("got author %+v on fresh settings", got)
	}

	kp, err := crypto.GenerateAuthorKeypair(crypto.Default(), "suzy")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SetAuthor(kp); err != nil {
		t.Fatal(err)
	}

	got, err = s.Author()
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.Address != kp.Address {
		t.Fatalf("got %+v, want %+v", got, kp)
	}

	if err := s.ClearAuthor(); err != nil {
		t.Fatal(err)
	}
	got, err = s.Author()
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatal("author survived clear")
	}
}

func TestSharesAndSecrets(t *testing.T) {
	s := New(openKV(t), "")

	shareKp, err := crypto.GenerateShareKeypair(crypto.Default(), "gardening")
	if err != nil {
		t.Fatal(err)
	}

	// A secret for an unknown share is rejected.
	if err := s.AddSecret(shareKp.Address, shareKp.Secret); err == nil {
		t.Fatal("secret for unknown share accepted")
	}

	if err := s.AddShare(shareKp.Address); err != nil {
		t.Fatal(err)
	}
	if err := s.AddShare(shareKp.Address); err != nil {
		t.Fatal(err) // idempotent
	}
	shares, err := s.Shares()
	if err != nil {
		t.Fatal(err)
	}
	if len(shares) != 1 {
		t.Fatalf("got %d shares, want 1", len(shares))
	}

	// A wrong secret is rejected; the right one accepted.
	otherKp, err := crypto.GenerateShareKeypair(crypto.Default(), "cooking")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.AddSecret(shareKp.Address, otherKp.Secret); err == nil {
		t.Fatal("mismatched secret accepted")
	}
	if err := s.AddSecret(shareKp.Address, shareKp.Secret); err != nil {
		t.Fatal(err)
	}

	if err := s.RemoveShare(shareKp.Address); err != nil {
		t.Fatal(err)
	}
	secrets, err := s.ShareSecrets()
	if err != nil {
		t.Fatal(err)
	}
	if len(secrets) != 0 {
		t.Fatal("secret survived share removal")
	}
}

func TestNamespacing(t *testing.T) {
	kv := openKV(t)
	appA := New(kv, "appA")
	appB := New(kv, "appB")

	if err := appA.AddServer("https://server.example"); err != nil {
		t.Fatal(err)
	}
	servers, err := appB.Servers()
	if err != nil {
		t.Fatal(err)
	}
	if len(servers) != 0 {
		t.Fatal("namespaces leak into each other")
	}
}

func TestInvitationRoundTrip(t *testing.T) {
	shareKp, err := crypto.GenerateShareKeypair(crypto.Default(), "gardening")
	if err != nil {
		t.Fatal(err)
	}

	inv := Invitation{
		Share:   shareKp.Address,
		Secret:  shareKp.Secret,
		Servers: []string{"https://a.example", "https://b.example"},
	}
	parsed, err := ParseInvitationURL(inv.URL())
	if err != nil {
		t.Fatal(err)
	}
	if parsed.Share != inv.Share || parsed.Secret != inv.Secret {
		t.Fatalf("got %+v, want %+v", parsed, inv)
	}
	if len(parsed.Servers) != 2 {
		t.Fatalf("got servers %v", parsed.Servers)
	}

	if _, err := ParseInvitationURL("https://not-earthstar.example"); err == nil {
		t.Fatal("wrong scheme accepted")
	}
	if _, err := ParseInvitationURL("earthstar://notashare?secret=x"); err == nil {
		t.Fatal("bad share address accepted")
	}
}

func TestRedeemInvitation(t *testing.T) {
	s := New(openKV(t), "")

	shareKp, err := crypto.GenerateShareKeypair(crypto.Default(), "gardening")
	if err != nil {
		t.Fatal(err)
	}
	inv := Invitation{
		Share:   shareKp.Address,
		Secret:  shareKp.Secret,
		Servers: []string{"https://a.example"},
	}
	if err := s.Redeem(inv); err != nil {
		t.Fatal(err)
	}

	shares, err := s.Shares()
	if err != nil {
		t.Fatal(err)
	}
	if len(shares) != 1 || shares[0] != shareKp.Address {
		t.Fatalf("got shares %v", shares)
	}
	secrets, err := s.ShareSecrets()
	if err != nil {
		t.Fatal(err)
	}
	if secrets[shareKp.Address] != shareKp.Secret {
		t.Fatal("secret not stored")
	}
	servers, err := s.Servers()
	if err != nil {
		t.Fatal(err)
	}
	if len(servers) != 1 {
		t.Fatalf("got servers %v", servers)
	}
}
