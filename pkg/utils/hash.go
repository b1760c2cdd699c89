package utils

import (
	"crypto/md5"
	"fmt"
	"strings"
)

func HashString(input string) string {
	hash := md5.Sum([]byte(input))
	return fmt.Sprintf("%x", hash)
}

// HashParts hashes the parts joined by a separator that cannot appear in user text.
func HashParts(parts ...string) string {
	return HashString(strings.Join(parts, "\x1f"))
}
