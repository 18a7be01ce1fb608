// Package identity derives a signer from a contract object key.
//
// Contracts are uploaded as <name-part>_<email-part>.pdf, for example
// joao-da-silva_joao.silva-gmail-com.pdf. Hyphens in the name part are word
// separators; in the email part the first hyphen stands for the at sign and
// any later hyphens for dots.
package identity

import (
	"path"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/v1nometrics/docusign-ura/model"
)

const (
	partSeparator  = "_"
	wordSeparator  = "-"
	dotPlaceholder = "_"
)

// Metadata keys read by FromMetadata
const (
	MetaSignerName  = "signer-name"
	MetaSignerEmail = "signer-email"
)

// Extract parses key under prefix into a signer identity. A key without a
// part separator yields an empty identity.
func Extract(key, prefix string) model.Identity {
	filename := path.Base(strings.TrimPrefix(key, prefix))
	if len(filename) >= 4 && strings.EqualFold(filename[len(filename)-4:], ".pdf") {
		filename = filename[:len(filename)-4]
	}

	i := strings.LastIndex(filename, partSeparator)
	if i < 0 {
		return model.Identity{}
	}

	return model.Identity{
		Name:  Name(filename[:i]),
		Email: Email(filename[i+1:]),
	}
}

// Name turns a hyphenated name part into a title-cased display name
func Name(part string) string {
	words := strings.Fields(strings.ReplaceAll(part, wordSeparator, " "))
	for i, w := range words {
		words[i] = titleWord(w)
	}
	return strings.Join(words, " ")
}

func titleWord(w string) string {
	r, size := utf8.DecodeRuneInString(w)
	if r == utf8.RuneError {
		return w
	}
	return string(unicode.ToUpper(r)) + strings.ToLower(w[size:])
}

// Email rebuilds an address from its filename-safe form. Without a hyphen
// and without an at sign the part is returned as is; callers decide whether
// that is usable.
func Email(part string) string {
	email := strings.ReplaceAll(part, dotPlaceholder, ".")
	if strings.Contains(email, "@") {
		return email
	}

	local, domain, ok := strings.Cut(email, wordSeparator)
	if !ok {
		return email
	}
	return local + "@" + strings.ReplaceAll(domain, wordSeparator, ".")
}

// Valid reports whether email has exactly one at sign with text on both sides
func Valid(email string) bool {
	local, domain, ok := strings.Cut(email, "@")
	return ok && local != "" && domain != "" && !strings.Contains(domain, "@")
}

// FromMetadata reads a signer from object user metadata. Header casing
// differs between storage backends, so lookups ignore case.
func FromMetadata(meta map[string]string) model.Identity {
	var id model.Identity
	for k, v := range meta {
		k = strings.ToLower(strings.TrimPrefix(strings.ToLower(k), "x-amz-meta-"))
		switch k {
		case MetaSignerName:
			id.Name = strings.TrimSpace(v)
		case MetaSignerEmail:
			id.Email = strings.TrimSpace(v)
		}
	}
	return id
}

// Resolve returns the identity from the key, falling back to metadata for
// a missing name or a missing or malformed email.
func Resolve(key, prefix string, meta map[string]string) model.Identity {
	id := Extract(key, prefix)
	if id.Complete() && Valid(id.Email) {
		return id
	}
	fallback := FromMetadata(meta)
	if id.Name == "" {
		id.Name = fallback.Name
	}
	if !Valid(id.Email) && fallback.Email != "" {
		id.Email = fallback.Email
	}
	return id
}
