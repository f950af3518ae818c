package subdomain

import (
	"regexp"

	"github.com/backtrue/mitenow-sub001/internal/model"
)

const (
	MinNameLength = 3
	MaxNameLength = 63
)

var namePattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)

// reservedWords are permanently unavailable names.
var reservedWords = map[string]bool{
	"www": true, "api": true, "app": true, "admin": true, "root": true,
	"mail": true, "smtp": true, "imap": true, "pop": true, "webmail": true,
	"ftp": true, "ssh": true, "ns1": true, "ns2": true, "mx": true,
	"cdn": true, "static": true, "assets": true, "media": true, "uploads": true,
	"auth": true, "login": true, "logout": true, "oauth": true, "sso": true,
	"account": true, "billing": true, "dashboard": true, "console": true, "status": true,
	"docs": true, "help": true, "support": true, "blog": true, "internal": true,
	"staging": true, "dev": true, "test": true, "prod": true, "system": true,
	"proxy": true, "gateway": true, "builder": true, "deploy": true, "metrics": true,
}

// ValidSyntax reports whether name is lowercase alphanumeric and hyphen, within
// length bounds, with no leading or trailing hyphen.
func ValidSyntax(name string) bool {
	return len(name) >= MinNameLength && len(name) <= MaxNameLength && namePattern.MatchString(name)
}

func IsReservedWord(name string) bool {
	return reservedWords[name]
}

// ValidateName returns a validation error for names that can never be reserved.
func ValidateName(name string) error {
	if !ValidSyntax(name) {
		return model.ValidationError(model.CodeNameInvalid,
			"subdomain must be 3-63 lowercase letters, digits or hyphens and may not start or end with a hyphen")
	}
	if IsReservedWord(name) {
		return model.ValidationError(model.CodeNameInvalid, "subdomain is reserved")
	}
	return nil
}
