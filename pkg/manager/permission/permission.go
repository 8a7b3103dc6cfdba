// Package permission resolves a Matrix user ID to an access level using the
// configured override table.
package permission

import (
	"github.com/mautrix/manager/pkg/manager/matrix"
)

// Permissions is the resolved access for a single user. Admin implies User.
type Permissions struct {
	User  bool
	Admin bool
	Level string
}

func fromLevel(level string) Permissions {
	admin := level == "admin"
	return Permissions{
		User:  admin || level == "user",
		Admin: admin,
		Level: level,
	}
}

// Resolve looks the user up in the override table. The first match wins:
// exact user ID, then the user's homeserver, then the wildcard "*" entry.
// An absent wildcard means no access. The function is pure and evaluated on
// every call, so it always reflects the table it is given.
func Resolve(userID matrix.UserID, overrides map[string]string) Permissions {
	if level, ok := overrides[string(userID)]; ok {
		return fromLevel(level)
	}
	if homeserver := userID.Homeserver(); homeserver != "" {
		if level, ok := overrides[homeserver]; ok {
			return fromLevel(level)
		}
	}
	return fromLevel(overrides["*"])
}
