package earthstar

import (
	"strings"
	"testing"
)

func TestPathIsValid(t *testing.T) {
	cases := []struct {
		name    string
		path    Path
		wantErr bool
	}{
		{name: "simple", path: "/wiki/shared/Bumblebee"},
		{name: "one segment", path: "/a"},
		{name: "too short", path: "/", wantErr: true},
		{name: "no leading slash", path: "wiki/thing", wantErr: true},
		{name: "trailing slash", path: "/wiki/", wantErr: true},
		{name: "double slash", path: "/wiki//thing", wantErr: true},
		{name: "leading /@", path: "/@suzy/profile", wantErr: true},
		{name: "tilde ok", path: "/about/~@suzy.bxxx/name"},
		{name: "bang ok", path: "/chat/!message"},
		{name: "space", path: "/has space", wantErr: true},
		{name: "max length", path: Path("/" + strings.Repeat("a", 511))},
		{name: "too long", path: Path("/" + strings.Repeat("a", 512)), wantErr: true},
		{name: "percent encoding chars", path: "/files/100%25"},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := PathIsValid(c.path)
			if c.wantErr != (err != nil) {
				t.Fatalf("got err %v, wantErr %v", err, c.wantErr)
			}
		})
	}
}

func TestPathIsEphemeral(t *testing.T) {
	if PathIsEphemeral("/wiki/thing") {
		t.Fatal("permanent path reported ephemeral")
	}
	if !PathIsEphemeral("/chat/!message") {
		t.Fatal("ephemeral path not detected")
	}
}

func TestAuthorCanWritePath(t *testing.T) {
	author := AuthorAddress("@suzy." + testSuffix)
	other := AuthorAddress("@bobb." + testSuffix)

	cases := []struct {
		name   string
		path   Path
		author AuthorAddress
		want   bool
	}{
		{name: "no tilde is shared", path: "/wiki/thing", author: author, want: true},
		{name: "own tilde", path: Path("/about/~" + string(author) + "/name"), author: author, want: true},
		{name: "other's tilde", path: Path("/about/~" + string(author) + "/name"), author: other, want: false},
		{name: "both tildes", path: Path("/chat/~" + string(author) + "~" + string(other) + "/msg"), author: other, want: true},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := AuthorCanWritePath(c.author, c.path); got != c.want {
				t.Fatalf("got %v, want %v", got, c.want)
			}
		})
	}
}
