package settings

import (
	"net/url"
	"strings"

	earthstar "github.com/earthstar-project/earthstar-go"
)

// Invitation is a parsed invitation URL:
// earthstar://<share>?secret=<base32>&server=<url>&server=<url>...
type Invitation struct {
	Share   earthstar.ShareAddress
	Secret  string
	Servers []string
}

const invitationScheme = "earthstar://"

// ParseInvitationURL parses and validates an invitation URL.
func ParseInvitationURL(raw string) (Invitation, error) {
	if !strings.HasPrefix(raw, invitationScheme) {
		return Invitation{}, earthstar.Validationf("invitation URL %q must start with %s", raw, invitationScheme)
	}
	rest := raw[len(invitationScheme):]

	var queryPart string
	if i := strings.IndexByte(rest, '?'); i >= 0 {
		rest, queryPart = rest[:i], rest[i+1:]
	}

	share := earthstar.ShareAddress(rest)
	if _, err := earthstar.ParseShareAddress(share); err != nil {
		return Invitation{}, err
	}

	values, err := url.ParseQuery(queryPart)
	if err != nil {
		return Invitation{}, earthstar.Validationf("invitation URL has a malformed query: %s", err)
	}

	inv := Invitation{
		Share:   share,
		Secret:  values.Get("secret"),
		Servers: values["server"],
	}
	if inv.Secret != "" {
		if _, err := earthstar.DecodeBase32(inv.Secret); err != nil {
			return Invitation{}, err
		}
	}
	return inv, nil
}

// URL renders the invitation back to its canonical string form.
func (inv Invitation) URL() string {
	var sb strings.Builder
	sb.WriteString(invitationScheme)
	sb.WriteString(string(inv.Share))

	values := url.Values{}
	if inv.Secret != "" {
		values.Set("secret", inv.Secret)
	}
	for _, server := range inv.Servers {
		values.Add("server", server)
	}
	if encoded := values.Encode(); encoded != "" {
		sb.WriteByte('?')
		sb.WriteString(encoded)
	}
	return sb.String()
}

// Redeem applies an invitation to a settings registry: the share is
// added, the secret stored if present, and the servers recorded.
func (s *SharedSettings) Redeem(inv Invitation) error {
	if err := s.AddShare(inv.Share); err != nil {
		return err
	}
	if inv.Secret != "" {
		if err := s.AddSecret(inv.Share, inv.Secret); err != nil {
			return err
		}
	}
	for _, server := range inv.Servers {
		if err := s.AddServer(server); err != nil {
			return err
		}
	}
	return nil
}
