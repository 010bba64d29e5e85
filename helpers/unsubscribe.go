package helpers

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// ExtractUnsubscribeURL parses a List-Unsubscribe header value and returns
// the first HTTP(S) URL. Headers carrying only mailto links yield "".
func ExtractUnsubscribeURL(header string) string {
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		part = strings.Trim(part, "<>")
		lower := strings.ToLower(part)
		if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
			return part
		}
	}
	return ""
}

// ExtractUnsubscribeURLFromHTML scans an HTML body for an anchor whose text
// or href suggests an unsubscribe action. Used when a bulk sender omits the
// List-Unsubscribe header.
func ExtractUnsubscribeURLFromHTML(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}

	var found string
	doc.Find("a[href]").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		href, _ := sel.Attr("href")
		lowerHref := strings.ToLower(href)
		if !strings.HasPrefix(lowerHref, "http://") && !strings.HasPrefix(lowerHref, "https://") {
			return true
		}
		text := strings.ToLower(sel.Text())
		if strings.Contains(text, "unsubscribe") || strings.Contains(lowerHref, "unsubscribe") ||
			strings.Contains(text, "opt out") || strings.Contains(lowerHref, "opt-out") {
			found = href
			return false
		}
		return true
	})
	return found
}
