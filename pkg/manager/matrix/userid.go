// Package matrix contains the small slice of Matrix identifier handling the
// manager needs: parsing and validating federated user IDs.
package matrix

import (
	"fmt"
	"strings"
)

// UserID is a federated Matrix user identifier of the form
// @localpart:homeserver. The manager never creates or mutates user IDs, it
// only parses and compares them.
type UserID string

// Parse splits the user ID into its localpart and homeserver.
func (id UserID) Parse() (localpart, homeserver string, err error) {
	s := string(id)
	if !strings.HasPrefix(s, "@") {
		return "", "", fmt.Errorf("user ID %q doesn't start with @", s)
	}
	localpart, homeserver, found := strings.Cut(s[1:], ":")
	if !found {
		return "", "", fmt.Errorf("user ID %q doesn't contain a colon", s)
	}
	if localpart == "" || homeserver == "" {
		return "", "", fmt.Errorf("user ID %q has an empty localpart or homeserver", s)
	}
	return localpart, homeserver, nil
}

// Homeserver returns the homeserver portion of the user ID, or an empty
// string if the ID is malformed.
func (id UserID) Homeserver() string {
	_, homeserver, err := id.Parse()
	if err != nil {
		return ""
	}
	return homeserver
}
