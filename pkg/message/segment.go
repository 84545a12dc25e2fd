// Package message implements the platform-neutral content markup shared by
// every adapter and the relay engine.
//
// Content is plain text interleaved with CQ-style codes:
//
//	hello [CQ:at,id=123,name=Alice] look [CQ:image,url=https://x/y.png]
//
// Text escapes '&', '[' and ']' as "&amp;", "&#91;" and "&#93;"; code
// parameters additionally escape ',' as "&#44;".
package message

import (
	"regexp"
	"sort"
	"strings"
)

type SegmentType string

const (
	SegmentText    SegmentType = "text"
	SegmentImage   SegmentType = "image"
	SegmentMention SegmentType = "at"
	SegmentQuote   SegmentType = "quote"
	// SegmentOther holds a code this package does not interpret; Join writes
	// it back verbatim.
	SegmentOther SegmentType = "other"
)

// ImagePlaceholder stands in for an image that is not forwarded as a URL.
const ImagePlaceholder = "[图片]"

// Segment is one structured unit of a parsed message. Only the fields that
// belong to Type are meaningful.
type Segment struct {
	Type SegmentType

	Text string // text
	URL  string // image

	// at
	TargetID    string
	Name        string
	Role        string
	MentionType string

	QuoteID string // quote

	Raw string // other
}

func Text(s string) Segment { return Segment{Type: SegmentText, Text: s} }

func Image(url string) Segment { return Segment{Type: SegmentImage, URL: url} }

func Mention(id, name string) Segment {
	return Segment{Type: SegmentMention, TargetID: id, Name: name}
}

func Quote(id string) Segment { return Segment{Type: SegmentQuote, QuoteID: id} }

// Other wraps a platform-specific code (faces, dice, cards) so it can travel
// through the relay untouched.
func Other(codeType string, params map[string]string) Segment {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	kv := make([]string, 0, 2*len(keys))
	for _, k := range keys {
		kv = append(kv, k, params[k])
	}
	var sb strings.Builder
	writeCode(&sb, codeType, kv...)
	return Segment{Type: SegmentOther, Raw: sb.String()}
}

// Code returns the type and parameters of an Other segment.
func (s Segment) Code() (string, map[string]string) {
	m := codePattern.FindStringSubmatch(s.Raw)
	if m == nil {
		return "", nil
	}
	return m[1], parseParams(strings.TrimPrefix(m[2], ","))
}

var codePattern = regexp.MustCompile(`\[CQ:([a-zA-Z0-9_]+)((?:,[^\]]*)?)\]`)

// Parse splits content into segments. It never fails: malformed codes are
// kept as text. The returned slice is freshly allocated on every call.
func Parse(content string) []Segment {
	matches := codePattern.FindAllStringSubmatchIndex(content, -1)
	segs := make([]Segment, 0, len(matches)*2+1)
	cursor := 0

	for _, m := range matches {
		if m[0] > cursor {
			segs = appendText(segs, Unescape(content[cursor:m[0]]))
		}

		codeType := content[m[2]:m[3]]
		params := parseParams(strings.TrimPrefix(content[m[4]:m[5]], ","))

		switch codeType {
		case "image":
			url := params["url"]
			if url == "" {
				url = params["file"]
			}
			segs = append(segs, Segment{Type: SegmentImage, URL: url})
		case "at":
			segs = append(segs, Segment{
				Type:        SegmentMention,
				TargetID:    params["id"],
				Name:        params["name"],
				Role:        params["role"],
				MentionType: params["type"],
			})
		case "quote":
			segs = append(segs, Segment{Type: SegmentQuote, QuoteID: params["id"]})
		default:
			segs = append(segs, Segment{Type: SegmentOther, Raw: content[m[0]:m[1]]})
		}
		cursor = m[1]
	}

	if cursor < len(content) {
		segs = appendText(segs, Unescape(content[cursor:]))
	}
	return segs
}

func appendText(segs []Segment, s string) []Segment {
	if s == "" {
		return segs
	}
	if n := len(segs); n > 0 && segs[n-1].Type == SegmentText {
		segs[n-1].Text += s
		return segs
	}
	return append(segs, Text(s))
}

func parseParams(raw string) map[string]string {
	result := make(map[string]string)
	if raw == "" {
		return result
	}
	for _, item := range strings.Split(raw, ",") {
		parts := strings.SplitN(item, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		result[key] = UnescapeParam(parts[1])
	}
	return result
}

// Join renders segments back into markup. Parse(Join(s)) reproduces s for
// every segment Parse can produce.
func Join(segs []Segment) string {
	var sb strings.Builder
	for _, seg := range segs {
		switch seg.Type {
		case SegmentText:
			sb.WriteString(Escape(seg.Text))
		case SegmentImage:
			writeCode(&sb, "image", "url", seg.URL)
		case SegmentMention:
			writeCode(&sb, "at", "id", seg.TargetID, "name", seg.Name, "role", seg.Role, "type", seg.MentionType)
		case SegmentQuote:
			writeCode(&sb, "quote", "id", seg.QuoteID)
		case SegmentOther:
			sb.WriteString(seg.Raw)
		}
	}
	return sb.String()
}

func writeCode(sb *strings.Builder, codeType string, kv ...string) {
	sb.WriteString("[CQ:")
	sb.WriteString(codeType)
	for i := 0; i+1 < len(kv); i += 2 {
		if kv[i+1] == "" {
			continue
		}
		sb.WriteByte(',')
		sb.WriteString(kv[i])
		sb.WriteByte('=')
		sb.WriteString(EscapeParam(kv[i+1]))
	}
	sb.WriteByte(']')
}

// PlainText concatenates text segments and renders everything else as a
// short human readable placeholder.
func PlainText(segs []Segment) string {
	var sb strings.Builder
	for _, seg := range segs {
		switch seg.Type {
		case SegmentText:
			sb.WriteString(seg.Text)
		case SegmentImage:
			sb.WriteString(ImagePlaceholder)
		case SegmentMention:
			sb.WriteString("@")
			sb.WriteString(MentionLabel(seg))
		}
	}
	return sb.String()
}

// MentionLabel picks the best display form of a mention target.
func MentionLabel(seg Segment) string {
	for _, v := range []string{seg.Name, seg.TargetID, seg.Role, seg.MentionType} {
		if v != "" {
			return v
		}
	}
	return "未知用户"
}

// Mentioned reports whether any mention segment targets id.
func Mentioned(segs []Segment, id string) bool {
	if id == "" {
		return false
	}
	for _, seg := range segs {
		if seg.Type == SegmentMention && seg.TargetID == id {
			return true
		}
	}
	return false
}

var (
	textEscaper    = strings.NewReplacer("&", "&amp;", "[", "&#91;", "]", "&#93;")
	paramEscaper   = strings.NewReplacer("&", "&amp;", "[", "&#91;", "]", "&#93;", ",", "&#44;")
	textUnescaper  = strings.NewReplacer("&#91;", "[", "&#93;", "]", "&amp;", "&")
	paramUnescaper = strings.NewReplacer("&#91;", "[", "&#93;", "]", "&#44;", ",", "&amp;", "&")
)

func Escape(s string) string        { return textEscaper.Replace(s) }
func EscapeParam(s string) string   { return paramEscaper.Replace(s) }
func Unescape(s string) string      { return textUnescaper.Replace(s) }
func UnescapeParam(s string) string { return paramUnescaper.Replace(s) }
