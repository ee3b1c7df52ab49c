package client

import (
	"io"
	"strings"

	"golang.org/x/net/html"
)

// PlainText strips the markup notification content carries
// ("<strong>@bob</strong> liked your post") for terminal output.
func PlainText(content string) string {
	var b strings.Builder
	z := html.NewTokenizer(strings.NewReader(content))
	for {
		switch z.Next() {
		case html.ErrorToken:
			if z.Err() != io.EOF {
				return content
			}
			return strings.Join(strings.Fields(b.String()), " ")
		case html.TextToken:
			b.Write(z.Text())
		}
	}
}
