// Package htmlfilter strips advertising markup from HTML documents and
// injects the styling and optional banner that replace it.
package htmlfilter

import (
	"bytes"
	"strings"
	"unicode/utf8"

	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
	"golang.org/x/net/html/charset"
)

const (
	// StyleID marks the injected style block.
	StyleID = "adsieve-banner-style"
	// BannerID marks the injected banner container.
	BannerID = "adsieve-banner"
)

const bannerStyle = `
.telegram-banner, .casino-banner, .shopping-banner {
    position: fixed !important;
    bottom: 20px !important;
    right: 20px !important;
    z-index: 9999 !important;
    visibility: visible !important;
}
`

// AdSelectors are applied in order; each match is removed with its subtree.
var AdSelectors = []string{
	"div[data-ad-target]",
	".ad-container",
	".ad-wrapper",
	`div[id^="adfox_"]`,
	`iframe[src*="ads."]`,
	`div[class*="banner_ad"]`,
	`div[data-type="adsContainer"]`,
	`script[src*="adservice"]`,
	`img[src*="ads."]`,
}

type compiledSelector struct {
	source string
	sel    cascadia.Selector
}

var (
	adSelectors   = compileSelectors(AdSelectors)
	headSelector  = cascadia.MustCompile("head")
	bodySelector  = cascadia.MustCompile("body")
	metaSelector  = cascadia.MustCompile("meta[charset], meta[http-equiv]")
	styleSelector = cascadia.MustCompile("#" + StyleID)
	bannerMarker  = cascadia.MustCompile("#" + BannerID)
)

func compileSelectors(sources []string) []compiledSelector {
	out := make([]compiledSelector, 0, len(sources))
	for _, s := range sources {
		out = append(out, compiledSelector{source: s, sel: cascadia.MustCompile(s)})
	}
	return out
}

// Status reports what Filter did with its input.
type Status int

const (
	// Filtered means HTML holds a re-rendered, modified document.
	Filtered Status = iota
	// Unchanged means HTML holds the original input bytes.
	Unchanged
)

func (s Status) String() string {
	if s == Filtered {
		return "filtered"
	}
	return "unchanged"
}

// RemovedElement describes one element taken out of the document.
type RemovedElement struct {
	Selector string   `json:"selector"`
	Tag      string   `json:"tag"`
	Src      string   `json:"src"`
	Classes  []string `json:"classes"`
}

// Result is the outcome of filtering a document.
type Result struct {
	HTML    []byte
	Removed []RemovedElement
	Status  Status
	// Charset is the detected input encoding. Filtered output is always UTF-8.
	Charset string
	Banner  string // Name of the injected banner, if any
}

// Options tune a Filter call.
type Options struct {
	// ContentType is the response Content-Type, used for charset detection.
	ContentType string
	// Banner is one of the Banner* names. Empty means BannerNone.
	Banner string
}

// Filter removes ad elements from doc and injects the banner style block.
func Filter(doc []byte) Result {
	return FilterWithOptions(doc, Options{})
}

// FilterWithOptions is Filter with charset and banner control. It never
// fails: when the document cannot be processed the original bytes come back
// with Status Unchanged.
func FilterWithOptions(doc []byte, opts Options) Result {
	unchanged := Result{HTML: doc, Status: Unchanged}
	if len(bytes.TrimSpace(doc)) == 0 {
		return unchanged
	}

	_, charsetName, certain := charset.DetermineEncoding(doc, opts.ContentType)
	// The sniffer only inspects the first 1024 bytes and falls back to
	// windows-1252 for ASCII prefixes.
	if !certain && charsetName == "windows-1252" && utf8.Valid(doc) {
		charsetName = "utf-8"
	}
	unchanged.Charset = charsetName

	r, err := charset.NewReaderLabel(charsetName, bytes.NewReader(doc))
	if err != nil {
		return unchanged
	}
	root, err := html.Parse(r)
	if err != nil {
		return unchanged
	}

	removed := removeAds(root)
	modified := len(removed) > 0

	if injectStyle(root) {
		modified = true
	}

	bannerName := ""
	if banner, ok := selectBanner(opts.Banner, removed); ok {
		if injectBanner(root, banner) {
			bannerName = banner.Name
			modified = true
		}
	}

	if !modified {
		return unchanged
	}

	if !strings.EqualFold(charsetName, "utf-8") {
		declareUTF8(root)
	}

	var buf bytes.Buffer
	buf.Grow(len(doc))
	if err := html.Render(&buf, root); err != nil {
		return unchanged
	}

	return Result{
		HTML:    buf.Bytes(),
		Removed: removed,
		Status:  Filtered,
		Charset: charsetName,
		Banner:  bannerName,
	}
}

func removeAds(root *html.Node) []RemovedElement {
	var removed []RemovedElement
	for _, cs := range adSelectors {
		for _, n := range cs.sel.MatchAll(root) {
			// A match nested inside an earlier match is already gone.
			if !attached(n, root) {
				continue
			}
			removed = append(removed, RemovedElement{
				Selector: cs.source,
				Tag:      n.Data,
				Src:      attr(n, "src"),
				Classes:  strings.Fields(attr(n, "class")),
			})
			n.Parent.RemoveChild(n)
		}
	}
	return removed
}

// injectStyle appends the banner style block to <head> unless present.
func injectStyle(root *html.Node) bool {
	if styleSelector.MatchFirst(root) != nil {
		return false
	}

	head := headSelector.MatchFirst(root)
	if head == nil {
		head = &html.Node{Type: html.ElementNode, Data: "head", DataAtom: atom.Head}
		htmlNode := findElement(root, atom.Html)
		if htmlNode == nil {
			return false
		}
		htmlNode.InsertBefore(head, htmlNode.FirstChild)
	}

	style := &html.Node{
		Type:     html.ElementNode,
		Data:     "style",
		DataAtom: atom.Style,
		Attr:     []html.Attribute{{Key: "id", Val: StyleID}},
	}
	style.AppendChild(&html.Node{Type: html.TextNode, Data: bannerStyle})
	head.AppendChild(style)
	return true
}

// declareUTF8 rewrites meta charset declarations, since Render emits UTF-8.
func declareUTF8(root *html.Node) {
	for _, n := range metaSelector.MatchAll(root) {
		for i := range n.Attr {
			switch {
			case n.Attr[i].Key == "charset":
				n.Attr[i].Val = "utf-8"
			case n.Attr[i].Key == "content" && strings.EqualFold(attr(n, "http-equiv"), "content-type"):
				n.Attr[i].Val = "text/html; charset=utf-8"
			}
		}
	}
}

func selectBanner(name string, removed []RemovedElement) (Banner, bool) {
	switch name {
	case "", BannerNone:
		return Banner{}, false
	case BannerAuto:
		if len(removed) == 0 {
			return Banner{}, false
		}
		return chooseBanner(removed), true
	default:
		return BannerByName(name)
	}
}

// injectBanner inserts the banner as the first child of <body> unless a
// banner is already present.
func injectBanner(root *html.Node, banner Banner) bool {
	if bannerMarker.MatchFirst(root) != nil {
		return false
	}
	body := bodySelector.MatchFirst(root)
	if body == nil {
		return false
	}

	nodes, err := html.ParseFragment(strings.NewReader(banner.HTML), body)
	if err != nil {
		return false
	}

	container := &html.Node{
		Type:     html.ElementNode,
		Data:     "div",
		DataAtom: atom.Div,
		Attr: []html.Attribute{
			{Key: "id", Val: BannerID},
			{Key: "data-banner", Val: banner.Name},
		},
	}
	for _, n := range nodes {
		container.AppendChild(n)
	}
	body.InsertBefore(container, body.FirstChild)
	return true
}

func attached(n, root *html.Node) bool {
	for p := n; p != nil; p = p.Parent {
		if p == root {
			return true
		}
	}
	return false
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Namespace == "" && a.Key == key {
			return a.Val
		}
	}
	return ""
}

func findElement(n *html.Node, a atom.Atom) *html.Node {
	if n.Type == html.ElementNode && n.DataAtom == a {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findElement(c, a); found != nil {
			return found
		}
	}
	return nil
}
