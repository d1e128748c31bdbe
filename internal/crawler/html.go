package crawler

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/net/html"
)

type link struct {
	url  *url.URL
	text string
}

type document struct {
	title string
	links []link
}

func parseDocument(raw []byte, base *url.URL) (*document, error) {
	root, err := html.Parse(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	doc := &document{}
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "base":
				if href := attr(n, "href"); href != "" {
					if b, err := url.Parse(href); err == nil {
						base = base.ResolveReference(b)
					}
				}
			case "title":
				if doc.title == "" {
					doc.title = strings.TrimSpace(text(n))
				}
			case "a":
				if rel := attr(n, "rel"); strings.Contains(rel, "nofollow") {
					break
				}
				if u, err := normalize(attr(n, "href"), base); err == nil {
					doc.links = append(doc.links, link{url: u, text: strings.TrimSpace(text(n))})
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return doc, nil
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func text(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}
