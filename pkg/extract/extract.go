// Package extract pulls the frpc admin credentials out of an frpc config blob
// without fully parsing it.
package extract

import (
	"regexp"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/afero"

	"frpc-authproxy/pkg/model"
)

var (
	userPattern     = regexp.MustCompile(`webServer\.user\s*=\s*"((?:[^"\\]|\\.)*)"`)
	passwordPattern = regexp.MustCompile(`webServer\.password\s*=\s*"((?:[^"\\]|\\.)*)"`)
)

// Extract returns the webServer user/password pair found in text. The dotted
// `webServer.user = "..."` form is scanned first and the first occurrence of
// each key wins. If either key is missing there, the text is decoded as TOML
// and the [webServer] table is consulted. ok is false when no complete pair
// with a non-empty user is present.
func Extract(text []byte) (model.Credentials, bool) {
	if c, ok := scan(text); ok {
		return c, true
	}
	return fromTable(text)
}

// ExtractFile reads path from fs and extracts from its contents. A missing or
// unreadable file is the normal first-boot case and yields ok=false.
func ExtractFile(fs afero.Fs, path string) (model.Credentials, bool) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return model.Credentials{}, false
	}
	return Extract(data)
}

func scan(text []byte) (model.Credentials, bool) {
	u := userPattern.FindSubmatch(text)
	p := passwordPattern.FindSubmatch(text)
	if u == nil || p == nil {
		return model.Credentials{}, false
	}
	user, uok := unquote(u[1])
	password, pok := unquote(p[1])
	if !uok || !pok {
		return model.Credentials{}, false
	}
	return complete(user, password)
}

// unquote decodes the body of a TOML basic string, escapes included, so the
// pair matches what frpc itself reads from the same text.
func unquote(raw []byte) (string, bool) {
	var v struct {
		V string `toml:"v"`
	}
	doc := make([]byte, 0, len(raw)+6)
	doc = append(doc, `v = "`...)
	doc = append(doc, raw...)
	doc = append(doc, '"')
	if err := toml.Unmarshal(doc, &v); err != nil {
		return "", false
	}
	return v.V, true
}

// fromTable handles the table form:
//
//	[webServer]
//	user = "admin"
//	password = "secret"
//
// Keys are looked up in a generic map because struct decoding matches field
// names case-insensitively.
func fromTable(text []byte) (model.Credentials, bool) {
	var doc map[string]any
	if err := toml.Unmarshal(text, &doc); err != nil {
		return model.Credentials{}, false
	}
	table, ok := doc["webServer"].(map[string]any)
	if !ok {
		return model.Credentials{}, false
	}
	user, uok := table["user"].(string)
	password, pok := table["password"].(string)
	if !uok || !pok {
		return model.Credentials{}, false
	}
	return complete(user, password)
}

func complete(user, password string) (model.Credentials, bool) {
	c := model.Credentials{Username: user, Password: password}
	if c.IsZero() {
		return model.Credentials{}, false
	}
	return c, true
}
