package format

import (
	"bytes"
	"encoding/json"
	"text/template"

	"github.com/manifoldco/promptui"
)

var FuncMap = template.FuncMap{
	"bufferToString": func(b []byte) string { return string(b) },
	"prettyJSON": func(b []byte) string {
		out := bytes.Buffer{}
		if err := json.Indent(&out, b, "", "  "); err != nil {
			return string(b)
		}
		return out.String()
	},
	"shorten": func(s string) string {
		if len(s) > 8 {
			return s[0:8]
		}
		return s
	},
}

func ParseTemplate(body string) *template.Template {
	tpl, err := template.New("").Funcs(promptui.FuncMap).Funcs(FuncMap).Parse(body)
	if err != nil {
		panic(err)
	}
	return tpl
}
