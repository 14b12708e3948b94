package config

import (
	"fmt"
	"os"
	"strings"
)

const (
	permOwnerRead = 0o400
	permGroupMask = 0o070
	permOtherMask = 0o007
)

// CheckIdentityPermissions validates an age identity file before it is used to
// decrypt fixture databases.
//
// Identity files hold private keys, so any group or other access is an error.
func CheckIdentityPermissions(path string) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("identity path is required")
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat identity %s: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("identity %s must be a regular file", path)
	}
	perms := info.Mode().Perm()
	if perms&permOwnerRead == 0 {
		return fmt.Errorf("identity %s must be readable by owner (mode %04o)", path, perms)
	}
	if perms&(permGroupMask|permOtherMask) != 0 {
		return fmt.Errorf("identity %s must not be accessible by group or others (mode %04o); chmod 0600", path, perms)
	}
	return nil
}
