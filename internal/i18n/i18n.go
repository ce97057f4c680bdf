// Package i18n picks the message printer for CLI output from the process
// locale.
package i18n

import (
	"os"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// DefaultLang is the fallback language
var DefaultLang = language.English

// SupportedLangs are the languages we support
var SupportedLangs = []language.Tag{
	language.English,
	language.German,
}

var matcher = language.NewMatcher(SupportedLangs)

// MatchLanguage returns the best supported language for an Accept-Language
// style list such as "de-DE,de;q=0.9".
func MatchLanguage(accept string) language.Tag {
	tags, _, _ := language.ParseAcceptLanguage(accept)
	tag, _, _ := matcher.Match(tags...)
	return tag
}

// Locale maps a POSIX locale ("de_DE.UTF-8", "C", "") to a supported
// language.
func Locale(posix string) language.Tag {
	if i := strings.IndexAny(posix, ".@"); i != -1 {
		posix = posix[:i]
	}
	if posix == "" || posix == "C" || posix == "POSIX" {
		return DefaultLang
	}

	tag, err := language.Parse(strings.ReplaceAll(posix, "_", "-"))
	if err != nil {
		return MatchLanguage(posix)
	}
	tag, _, _ = matcher.Match(tag)
	return tag
}

// NewPrinter returns a message printer for the given language
func NewPrinter(tag language.Tag) *message.Printer {
	return message.NewPrinter(tag)
}

// NewCLIPrinter returns a printer for the system's locale (LC_ALL, then LANG).
func NewCLIPrinter() *message.Printer {
	lang := os.Getenv("LC_ALL")
	if lang == "" {
		lang = os.Getenv("LANG")
	}
	return NewPrinter(Locale(lang))
}
