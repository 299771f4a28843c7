package feeds

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// htmlToText reduces an HTML fragment to its whitespace-normalized text.
// Plain text passes through unchanged apart from whitespace.
func htmlToText(fragment string) string {
	if !strings.ContainsAny(fragment, "<&") {
		return strings.Join(strings.Fields(fragment), " ")
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return strings.Join(strings.Fields(fragment), " ")
	}
	doc.Find("script, style").Remove()
	return strings.Join(strings.Fields(doc.Text()), " ")
}
