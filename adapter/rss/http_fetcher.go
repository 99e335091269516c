package rss

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/html/charset"

	"rssmcp/domain"
)

const userAgent = "rssmcp/1.0 (+feed reader)"

var ErrUnsupportedFormat = errors.New("unsupported feed format")

type HTTPFetcher struct{ client *http.Client }

// NewHTTPFetcher builds a fetcher. A zero timeout means requests are bounded only by ctx.
func NewHTTPFetcher(timeout time.Duration) *HTTPFetcher {
	return &HTTPFetcher{client: &http.Client{Timeout: timeout}}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, feedURL string) (domain.ParsedFeed, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return domain.ParsedFeed{}, err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml;q=0.9, text/xml;q=0.8")
	resp, err := f.client.Do(req)
	if err != nil {
		return domain.ParsedFeed{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return domain.ParsedFeed{}, fmt.Errorf("unexpected status: %s", resp.Status)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.ParsedFeed{}, err
	}
	return Parse(body)
}

// Parse decodes an RSS 2.0 or Atom 1.0 document.
func Parse(data []byte) (domain.ParsedFeed, error) {
	root, err := rootElement(data)
	if err != nil {
		return domain.ParsedFeed{}, err
	}
	switch root {
	case "rss":
		var rf rssFeed
		if err := newDecoder(data).Decode(&rf); err != nil {
			return domain.ParsedFeed{}, err
		}
		return rf.toParsed(), nil
	case "feed":
		var af atomFeed
		if err := newDecoder(data).Decode(&af); err != nil {
			return domain.ParsedFeed{}, err
		}
		return af.toParsed(), nil
	default:
		return domain.ParsedFeed{}, fmt.Errorf("%w: root element <%s>", ErrUnsupportedFormat, root)
	}
}

func newDecoder(data []byte) *xml.Decoder {
	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.CharsetReader = charset.NewReaderLabel
	dec.Strict = false
	dec.Entity = xml.HTMLEntity
	return dec
}

func rootElement(data []byte) (string, error) {
	dec := newDecoder(data)
	for {
		tok, err := dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return "", fmt.Errorf("%w: empty document", ErrUnsupportedFormat)
			}
			return "", err
		}
		if se, ok := tok.(xml.StartElement); ok {
			return se.Name.Local, nil
		}
	}
}

// atom:link elements inside RSS share the local name "link" and carry no text,
// so links are collected and the first non-empty one wins.
type rssFeed struct {
	Channel struct {
		Title       string    `xml:"title"`
		Links       []string  `xml:"link"`
		Description string    `xml:"description"`
		Item        []rssItem `xml:"item"`
	} `xml:"channel"`
}

type rssItem struct {
	Title       string   `xml:"title"`
	Links       []string `xml:"link"`
	Description string   `xml:"description"`
	Encoded     string   `xml:"http://purl.org/rss/1.0/modules/content/ encoded"`
	Author      string   `xml:"author"`
	Creator     string   `xml:"http://purl.org/dc/elements/1.1/ creator"`
	Categories  []string `xml:"category"`
	PubDate     string   `xml:"pubDate"`
	DCDate      string   `xml:"http://purl.org/dc/elements/1.1/ date"`
	GUID        string   `xml:"guid"`
}

func (rf rssFeed) toParsed() domain.ParsedFeed {
	out := domain.ParsedFeed{
		Title:       strings.TrimSpace(rf.Channel.Title),
		Link:        strings.TrimSpace(firstNonEmpty(rf.Channel.Links...)),
		Description: strings.TrimSpace(rf.Channel.Description),
		Items:       make([]domain.FeedItem, 0, len(rf.Channel.Item)),
	}
	for _, it := range rf.Channel.Item {
		content := firstNonEmpty(it.Encoded, it.Description)
		pub := firstNonEmpty(it.PubDate, it.DCDate)
		out.Items = append(out.Items, domain.FeedItem{
			Title:      strings.TrimSpace(it.Title),
			Link:       strings.TrimSpace(firstNonEmpty(it.Links...)),
			Content:    strings.TrimSpace(content),
			Snippet:    Snippet(content),
			Author:     strings.TrimSpace(firstNonEmpty(it.Creator, it.Author)),
			Categories: trimAll(it.Categories),
			PubDate:    strings.TrimSpace(pub),
			ISODate:    isoDate(pub),
			GUID:       strings.TrimSpace(it.GUID),
		})
	}
	return out
}

type atomLink struct {
	Href string `xml:"href,attr"`
	Rel  string `xml:"rel,attr"`
}

type atomText struct {
	Type  string `xml:"type,attr"`
	Text  string `xml:",chardata"`
	Inner string `xml:",innerxml"`
}

// xhtml content is inline markup, so only the raw inner XML preserves it.
func (t atomText) text() string {
	if t.Type == "xhtml" {
		return strings.TrimSpace(t.Inner)
	}
	return strings.TrimSpace(t.Text)
}

type atomFeed struct {
	Title    atomText    `xml:"title"`
	Subtitle atomText    `xml:"subtitle"`
	Links    []atomLink  `xml:"link"`
	Entries  []atomEntry `xml:"entry"`
}

type atomEntry struct {
	Title     atomText   `xml:"title"`
	Links     []atomLink `xml:"link"`
	ID        string     `xml:"id"`
	Published string     `xml:"published"`
	Updated   string     `xml:"updated"`
	Summary   atomText   `xml:"summary"`
	Content   atomText   `xml:"content"`
	Author    struct {
		Name string `xml:"name"`
	} `xml:"author"`
	Categories []struct {
		Term string `xml:"term,attr"`
	} `xml:"category"`
}

func (af atomFeed) toParsed() domain.ParsedFeed {
	out := domain.ParsedFeed{
		Title:       af.Title.text(),
		Description: af.Subtitle.text(),
		Link:        alternateLink(af.Links),
		Items:       make([]domain.FeedItem, 0, len(af.Entries)),
	}
	for _, e := range af.Entries {
		content := firstNonEmpty(e.Content.text(), e.Summary.text())
		pub := firstNonEmpty(e.Published, e.Updated)
		cats := make([]string, 0, len(e.Categories))
		for _, c := range e.Categories {
			if term := strings.TrimSpace(c.Term); term != "" {
				cats = append(cats, term)
			}
		}
		out.Items = append(out.Items, domain.FeedItem{
			Title:      e.Title.text(),
			Link:       alternateLink(e.Links),
			Content:    content,
			Snippet:    Snippet(content),
			Author:     strings.TrimSpace(e.Author.Name),
			Categories: cats,
			PubDate:    strings.TrimSpace(pub),
			ISODate:    isoDate(pub),
			GUID:       strings.TrimSpace(e.ID),
		})
	}
	return out
}

func alternateLink(links []atomLink) string {
	for _, l := range links {
		if l.Rel == "" || l.Rel == "alternate" {
			return strings.TrimSpace(l.Href)
		}
	}
	if len(links) > 0 {
		return strings.TrimSpace(links[0].Href)
	}
	return ""
}

var dateLayouts = []string{
	time.RFC1123Z,
	time.RFC1123,
	time.RFC3339,
	time.RFC3339Nano,
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"Mon, 2 Jan 2006 15:04:05 MST",
	"2 Jan 2006 15:04:05 -0700",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// isoDate normalizes a feed date to RFC 3339 in UTC, or "" when unparseable.
func isoDate(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC().Format(time.RFC3339)
		}
	}
	return ""
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func trimAll(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
