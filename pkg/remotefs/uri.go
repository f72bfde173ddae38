package remotefs

import (
	"fmt"
	"strings"
)

// Account identifies the remote account parsed out of a GVFS-style path such
// as /run/user/1000/gvfs/google-drive:host=gmail.com,user=jane/backups.
type Account struct {
	Scheme string
	User   string
	Host   string
}

// Identity returns the full account identity, combining user and host when
// the user part is not already a complete address.
func (a Account) Identity() string {
	if strings.Contains(a.User, "@") {
		return a.User
	}
	return a.User + "@" + a.Host
}

// MountURI renders the URI handed to the mount helper,
// e.g. google-drive://jane@gmail.com/.
func (a Account) MountURI() string {
	return fmt.Sprintf("%s://%s/", a.Scheme, a.Identity())
}

// ParseMountURI extracts the account from a GVFS mount path. It fails
// explicitly on anything malformed; guessing a default identity would mount
// the wrong account.
func ParseMountURI(path string) (Account, error) {
	const marker = "/gvfs/"
	idx := strings.Index(path, marker)
	if idx < 0 {
		return Account{}, fmt.Errorf("path %q does not contain a gvfs mount segment", path)
	}

	// The mount segment runs from after /gvfs/ to the next path separator:
	// <scheme>:<key>=<value>,<key>=<value>
	segment, _, _ := strings.Cut(path[idx+len(marker):], "/")
	scheme, params, ok := strings.Cut(segment, ":")
	if !ok || scheme == "" {
		return Account{}, fmt.Errorf("mount segment %q has no scheme", segment)
	}

	acct := Account{Scheme: scheme}
	for _, param := range strings.Split(params, ",") {
		key, value, ok := strings.Cut(param, "=")
		if !ok {
			continue
		}
		switch key {
		case "user":
			acct.User = value
		case "host":
			acct.Host = value
		}
	}

	if acct.User == "" || (acct.Host == "" && !strings.Contains(acct.User, "@")) {
		return Account{}, fmt.Errorf("mount segment %q is missing user or host", segment)
	}
	return acct, nil
}
