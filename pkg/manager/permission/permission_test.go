package permission

import (
	"testing"

	"github.com/mautrix/manager/pkg/manager/matrix"
)

func TestResolveOrderSensitivity(t *testing.T) {
	overrides := map[string]string{
		"@a:x.com": "admin",
		"x.com":    "user",
		"*":        "",
	}

	tests := []struct {
		userID matrix.UserID
		user   bool
		admin  bool
		level  string
	}{
		{"@a:x.com", true, true, "admin"},
		{"@b:x.com", true, false, "user"},
		{"@c:y.com", false, false, ""},
	}

	for _, tc := range tests {
		perms := Resolve(tc.userID, overrides)
		if perms.User != tc.user || perms.Admin != tc.admin || perms.Level != tc.level {
			t.Errorf("Resolve(%s) = %+v, expected user=%v admin=%v level=%q",
				tc.userID, perms, tc.user, tc.admin, tc.level)
		}
	}
}

func TestResolveWildcardDefault(t *testing.T) {
	perms := Resolve("@anyone:anywhere.net", map[string]string{"*": "user"})
	if !perms.User || perms.Admin {
		t.Fatalf("expected wildcard user access, got %+v", perms)
	}
}

func TestResolveNoWildcardMeansNoAccess(t *testing.T) {
	perms := Resolve("@anyone:anywhere.net", map[string]string{"x.com": "admin"})
	if perms.User || perms.Admin {
		t.Fatalf("expected no access, got %+v", perms)
	}
}

func TestResolveUnknownLevelGrantsNothing(t *testing.T) {
	perms := Resolve("@a:x.com", map[string]string{"@a:x.com": "superuser"})
	if perms.User || perms.Admin {
		t.Fatalf("unrecognised level must grant nothing, got %+v", perms)
	}
}

func TestResolveMalformedIDFallsThroughToWildcard(t *testing.T) {
	perms := Resolve("garbage", map[string]string{"*": "user"})
	if !perms.User {
		t.Fatalf("expected wildcard match for malformed ID, got %+v", perms)
	}
}
